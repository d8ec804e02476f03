// Copyright 2024-2026 Aiku AI

package bot

import "time"

// Kind is the primary payload kind of a message.
type Kind string

const (
	KindNone         Kind = ""
	KindConversation Kind = "conversation"
	KindExtendedText Kind = "extendedText"
	KindImage        Kind = "image"
	KindVideo        Kind = "video"
	KindDocument     Kind = "document"
	KindSticker      Kind = "sticker"
	KindAudio        Kind = "audio"
	KindViewOnce     Kind = "viewOnce"
)

// IsStickerSource reports whether media of this kind can be turned into a
// sticker.
func (k Kind) IsStickerSource() bool {
	switch k {
	case KindImage, KindVideo, KindDocument, KindSticker:
		return true
	default:
		return false
	}
}

// MessageKey addresses a single message.
type MessageKey struct {
	ID          string
	Chat        ChatID
	Participant UserID
	FromMe      bool
}

// Message is an inbound message as delivered by the transport.
type Message struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	Content   *Content
}

// Sender returns the author of the message: the participant in groups and
// the chat itself otherwise.
func (m *Message) Sender() UserID {
	if m.Key.Chat.IsGroup() {
		return m.Key.Participant
	}
	return UserID(m.Key.Chat)
}

// ContextInfo is the reference metadata attached to a reply.
type ContextInfo struct {
	StanzaID      string
	Participant   UserID
	MentionedJIDs []UserID
	QuotedMessage *Content
}

// ExtendedText is a text message that may reference another message.
type ExtendedText struct {
	Text        string
	ContextInfo *ContextInfo
}

// MediaPayload is a downloadable attachment.
type MediaPayload struct {
	Caption     string
	Mimetype    string
	ViewOnce    bool
	ContextInfo *ContextInfo
	// Handle is the transport specific download reference.
	Handle any
}

// Content is the body of a message. At most one of the primary payload
// fields is expected to be set; MessageContextInfo and
// SenderKeyDistribution are auxiliary and never count as the primary kind.
type Content struct {
	Conversation *string
	ExtendedText *ExtendedText
	Image        *MediaPayload
	Video        *MediaPayload
	Document     *MediaPayload
	Sticker      *MediaPayload
	Audio        *MediaPayload
	// ViewOnce is the envelope around ephemeral media.
	ViewOnce *Content

	MessageContextInfo    bool
	SenderKeyDistribution bool

	// Raw is the transport native message this content was built from.
	Raw any
}

// Kind returns the primary payload kind.
func (c *Content) Kind() Kind {
	switch {
	case c == nil:
		return KindNone
	case c.Conversation != nil:
		return KindConversation
	case c.ExtendedText != nil:
		return KindExtendedText
	case c.Image != nil:
		return KindImage
	case c.Video != nil:
		return KindVideo
	case c.Document != nil:
		return KindDocument
	case c.Sticker != nil:
		return KindSticker
	case c.Audio != nil:
		return KindAudio
	case c.ViewOnce != nil:
		return KindViewOnce
	default:
		return KindNone
	}
}

// Unwrap removes one view-once envelope layer. Content without an envelope
// is returned as is.
func (c *Content) Unwrap() *Content {
	if c != nil && c.ViewOnce != nil {
		return c.ViewOnce
	}
	return c
}

// Body returns the text that may carry a command: the conversation text,
// the caption of an image, video or document, or the extended text.
func (c *Content) Body() string {
	switch c.Kind() {
	case KindConversation:
		return *c.Conversation
	case KindExtendedText:
		return c.ExtendedText.Text
	case KindImage:
		return c.Image.Caption
	case KindVideo:
		return c.Video.Caption
	case KindDocument:
		return c.Document.Caption
	default:
		return ""
	}
}

// Media returns the attachment of the primary payload, if any.
func (c *Content) Media() (*MediaPayload, Kind) {
	switch kind := c.Kind(); kind {
	case KindImage:
		return c.Image, kind
	case KindVideo:
		return c.Video, kind
	case KindDocument:
		return c.Document, kind
	case KindSticker:
		return c.Sticker, kind
	case KindAudio:
		return c.Audio, kind
	default:
		return nil, kind
	}
}

// ContextInfo returns the reply metadata of the primary payload.
func (c *Content) ContextInfo() *ContextInfo {
	if c.Kind() == KindExtendedText {
		return c.ExtendedText.ContextInfo
	}
	if media, _ := c.Media(); media != nil {
		return media.ContextInfo
	}
	return nil
}

// MediaRef points at downloadable media referenced by a command.
type MediaRef struct {
	Kind     Kind
	Mimetype string
	Payload  *MediaPayload
	// Content is the unwrapped message holding the media.
	Content *Content
}

func newMediaRef(c *Content) *MediaRef {
	media, kind := c.Media()
	if media == nil {
		return nil
	}
	return &MediaRef{
		Kind:     kind,
		Mimetype: media.Mimetype,
		Payload:  media,
		Content:  c,
	}
}
