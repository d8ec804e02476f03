// Copyright 2024-2026 Aiku AI

package bot

import (
	"slices"
	"strings"
)

// DefaultPrefix marks a message body as a command.
const DefaultPrefix = "-"

// Command is the canonical form of a command-bearing message.
type Command struct {
	// Verb is the lower-cased first token after the prefix.
	Verb string
	// RawArgs is everything after the verb, trimmed, in its original casing.
	RawArgs string
	Argv    []string

	Chat     ChatID
	Sender   UserID
	Mentions []UserID

	// Media is the sticker source: the message's own attachment or the
	// attachment of the message it replies to.
	Media *MediaRef
	// QuotedMedia is set when the replied-to message is view-once media.
	QuotedMedia *MediaRef
	// QuotedID is the id of the replied-to message.
	QuotedID string

	Message *Message
}

// Classify turns a message into a command. The second return value is false
// when the body does not start with prefix or carries no verb.
func Classify(msg *Message, prefix string) (*Command, bool) {
	if msg == nil || msg.Content == nil {
		return nil, false
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	body := msg.Content.Body()
	if !strings.HasPrefix(body, prefix) {
		return nil, false
	}
	rest := strings.TrimSpace(body[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	cmd := &Command{
		Verb:    strings.ToLower(fields[0]),
		RawArgs: strings.TrimSpace(rest[len(fields[0]):]),
		Argv:    fields[1:],
		Chat:    msg.Key.Chat,
		Sender:  msg.Sender(),
		Message: msg,
	}

	ctxInfo := msg.Content.ContextInfo()
	cmd.Mentions = mergeMentions(ctxInfo)

	if own := msg.Content; own.Kind().IsStickerSource() {
		cmd.Media = newMediaRef(own)
	}
	if ctxInfo != nil && ctxInfo.QuotedMessage != nil {
		cmd.QuotedID = ctxInfo.StanzaID
		quoted := ctxInfo.QuotedMessage
		inner := quoted.Unwrap()
		if cmd.Media == nil && inner.Kind().IsStickerSource() {
			cmd.Media = newMediaRef(inner)
		}
		if isViewOnce(quoted) {
			cmd.QuotedMedia = newMediaRef(inner)
		}
	}
	return cmd, true
}

func isViewOnce(c *Content) bool {
	if c.Kind() == KindViewOnce {
		return true
	}
	media, _ := c.Media()
	return media != nil && media.ViewOnce
}

// mergeMentions combines explicit mentions with the author of the quoted
// message, dropping empty and duplicate entries.
func mergeMentions(ctxInfo *ContextInfo) []UserID {
	if ctxInfo == nil {
		return nil
	}
	candidates := append(slices.Clone(ctxInfo.MentionedJIDs), ctxInfo.Participant)
	var out []UserID
	for _, id := range candidates {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Captions splits sticker arguments into at most two trimmed captions.
func Captions(rawArgs string) (top, bottom string) {
	if strings.TrimSpace(rawArgs) == "" {
		return "", ""
	}
	parts := strings.Split(rawArgs, "|")
	top = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		bottom = strings.TrimSpace(parts[1])
	}
	return top, bottom
}
