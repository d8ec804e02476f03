// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wabot/pkg/bot"
)

// convertEvent turns a decrypted whatsmeow message into the bot's message
// model.
func convertEvent(evt *events.Message) *bot.Message {
	if evt == nil || evt.Message == nil {
		return nil
	}
	info := evt.Info
	key := bot.MessageKey{
		ID:     info.ID,
		Chat:   bot.ChatID(info.Chat.ToNonAD().String()),
		FromMe: info.IsFromMe,
	}
	if info.IsGroup {
		key.Participant = bot.UserID(info.Sender.ToNonAD().String())
	}
	return &bot.Message{
		Key:       key,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		Content:   convertContent(evt.Message),
	}
}

// convertContent maps a protobuf message onto [bot.Content]. Raw keeps the
// original message for forwarding and quoting.
func convertContent(msg *waE2E.Message) *bot.Content {
	if msg == nil {
		return nil
	}
	c := &bot.Content{
		Raw:                   msg,
		MessageContextInfo:    msg.MessageContextInfo != nil,
		SenderKeyDistribution: msg.SenderKeyDistributionMessage != nil,
	}
	switch {
	case msg.Conversation != nil:
		text := msg.GetConversation()
		c.Conversation = &text
	case msg.ExtendedTextMessage != nil:
		ext := msg.GetExtendedTextMessage()
		c.ExtendedText = &bot.ExtendedText{
			Text:        ext.GetText(),
			ContextInfo: convertContextInfo(ext.GetContextInfo()),
		}
	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		c.Image = &bot.MediaPayload{
			Caption:     img.GetCaption(),
			Mimetype:    img.GetMimetype(),
			ViewOnce:    img.GetViewOnce(),
			ContextInfo: convertContextInfo(img.GetContextInfo()),
			Handle:      img,
		}
	case msg.VideoMessage != nil:
		vid := msg.GetVideoMessage()
		c.Video = &bot.MediaPayload{
			Caption:     vid.GetCaption(),
			Mimetype:    vid.GetMimetype(),
			ViewOnce:    vid.GetViewOnce(),
			ContextInfo: convertContextInfo(vid.GetContextInfo()),
			Handle:      vid,
		}
	case msg.DocumentMessage != nil:
		doc := msg.GetDocumentMessage()
		c.Document = &bot.MediaPayload{
			Caption:     doc.GetCaption(),
			Mimetype:    doc.GetMimetype(),
			ContextInfo: convertContextInfo(doc.GetContextInfo()),
			Handle:      doc,
		}
	case msg.StickerMessage != nil:
		st := msg.GetStickerMessage()
		c.Sticker = &bot.MediaPayload{
			Mimetype:    st.GetMimetype(),
			ContextInfo: convertContextInfo(st.GetContextInfo()),
			Handle:      st,
		}
	case msg.AudioMessage != nil:
		au := msg.GetAudioMessage()
		c.Audio = &bot.MediaPayload{
			Mimetype:    au.GetMimetype(),
			ViewOnce:    au.GetViewOnce(),
			ContextInfo: convertContextInfo(au.GetContextInfo()),
			Handle:      au,
		}
	default:
		if inner := viewOnceInner(msg); inner != nil {
			c.ViewOnce = convertContent(inner)
		}
	}
	return c
}

// viewOnceInner returns the message inside any of the view-once envelope
// variants.
func viewOnceInner(msg *waE2E.Message) *waE2E.Message {
	for _, envelope := range []*waE2E.FutureProofMessage{
		msg.GetViewOnceMessage(),
		msg.GetViewOnceMessageV2(),
		msg.GetViewOnceMessageV2Extension(),
	} {
		if inner := envelope.GetMessage(); inner != nil {
			return inner
		}
	}
	return nil
}

func convertContextInfo(ci *waE2E.ContextInfo) *bot.ContextInfo {
	if ci == nil {
		return nil
	}
	out := &bot.ContextInfo{
		StanzaID:      ci.GetStanzaID(),
		Participant:   bot.UserID(ci.GetParticipant()),
		QuotedMessage: convertContent(ci.GetQuotedMessage()),
	}
	for _, jid := range ci.GetMentionedJID() {
		out.MentionedJIDs = append(out.MentionedJIDs, bot.UserID(jid))
	}
	return out
}

// quoteContext builds the reference attached to a reply.
func quoteContext(quoted *bot.Message) *waE2E.ContextInfo {
	if quoted == nil {
		return nil
	}
	ci := &waE2E.ContextInfo{
		StanzaID:    proto.String(quoted.Key.ID),
		Participant: proto.String(quoted.Sender().String()),
	}
	if quoted.Content != nil {
		if raw, ok := quoted.Content.Raw.(*waE2E.Message); ok {
			ci.QuotedMessage = raw
		}
	}
	if quoted.Key.Chat.IsGroup() {
		ci.RemoteJID = proto.String(quoted.Key.Chat.String())
	}
	return ci
}

func withMentions(ci *waE2E.ContextInfo, mentions []bot.UserID) *waE2E.ContextInfo {
	if len(mentions) == 0 {
		return ci
	}
	if ci == nil {
		ci = &waE2E.ContextInfo{}
	}
	for _, m := range mentions {
		ci.MentionedJID = append(ci.MentionedJID, m.String())
	}
	return ci
}

// textMessage builds a plain conversation message, or an extended text
// message when it quotes or mentions.
func textMessage(text string, ci *waE2E.ContextInfo) *waE2E.Message {
	if ci == nil {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(text),
		ContextInfo: ci,
	}}
}

// forwardMessage copies content for forwarding with the view-once flag
// cleared, so the recipient can open it more than once.
func forwardMessage(content *bot.Content) (*waE2E.Message, bool) {
	if content == nil {
		return nil, false
	}
	raw, ok := content.Unwrap().Raw.(*waE2E.Message)
	if !ok || raw == nil {
		return nil, false
	}
	msg := proto.Clone(raw).(*waE2E.Message)
	if inner := viewOnceInner(msg); inner != nil {
		msg = inner
	}
	forwarded := &waE2E.ContextInfo{IsForwarded: proto.Bool(true), ForwardingScore: proto.Uint32(1)}
	switch {
	case msg.ImageMessage != nil:
		msg.ImageMessage.ViewOnce = proto.Bool(false)
		msg.ImageMessage.ContextInfo = forwarded
	case msg.VideoMessage != nil:
		msg.VideoMessage.ViewOnce = proto.Bool(false)
		msg.VideoMessage.ContextInfo = forwarded
	case msg.AudioMessage != nil:
		msg.AudioMessage.ViewOnce = proto.Bool(false)
		msg.AudioMessage.ContextInfo = forwarded
	case msg.ExtendedTextMessage != nil:
		msg.ExtendedTextMessage.ContextInfo = forwarded
	case msg.DocumentMessage != nil:
		msg.DocumentMessage.ContextInfo = forwarded
	case msg.StickerMessage != nil:
		msg.StickerMessage.ContextInfo = forwarded
	}
	msg.MessageContextInfo = nil
	return msg, true
}

func parseChat(chat bot.ChatID) (types.JID, error) {
	return types.ParseJID(chat.String())
}
