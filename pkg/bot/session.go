// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"encoding/json"
)

// BatchClass is the delivery class of an inbound batch.
type BatchClass string

const (
	// BatchNotify is a live delivery.
	BatchNotify BatchClass = "notify"
	// BatchHistory is a replay of older messages.
	BatchHistory BatchClass = "history"
)

// Batch is a unit of inbound messages sharing a delivery class.
type Batch struct {
	Class    BatchClass
	Messages []*Message
}

// ConnectionState is the state reported by a connection update.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// DisconnectReason explains why a session closed.
type DisconnectReason struct {
	// LoggedOut is set when the identity was unlinked and the stored
	// credentials are no longer usable.
	LoggedOut bool
	// Shutdown is set when the session closed because the manager stopped.
	Shutdown bool
	Code     int
	Message  string
}

var reasonShutdown = DisconnectReason{Shutdown: true, Message: "shutting down"}

func (r DisconnectReason) String() string {
	if r.Message == "" && r.LoggedOut {
		return "logged out"
	}
	return r.Message
}

// ConnectionUpdate reports a connection state change.
type ConnectionUpdate struct {
	State  ConnectionState
	Reason DisconnectReason
}

// Credentials is the opaque authentication material of an identity.
type Credentials struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsZero reports whether the credentials are empty, which means a new
// identity has to be paired.
func (c *Credentials) IsZero() bool {
	return c == nil || (c.ID == "" && len(c.Data) == 0)
}

// EventSink receives the events of one session.
type EventSink interface {
	ConnectionUpdate(update ConnectionUpdate)
	CredentialsChanged(creds *Credentials)
	MessagesUpsert(batch *Batch)
}

// Transport creates sessions. Open must not start any network activity;
// the manager calls [Session.Connect] once the session is registered.
type Transport interface {
	Open(ctx context.Context, creds *Credentials, sink EventSink) (Session, error)
}

// Presence is a chat presence announcement.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// GroupMetadata describes a group chat.
type GroupMetadata struct {
	ID           ChatID
	Name         string
	Participants []UserID
}

// Session is an open connection for one identity.
type Session interface {
	Connect(ctx context.Context) error
	OwnID() UserID
	SendMessage(ctx context.Context, to ChatID, content *Outgoing, opts SendOptions) (string, error)
	MarkRead(ctx context.Context, keys []MessageKey) error
	GroupMetadata(ctx context.Context, chat ChatID) (*GroupMetadata, error)
	DownloadMedia(ctx context.Context, media *MediaRef) ([]byte, error)
	SubscribePresence(ctx context.Context, to ChatID) error
	SendPresence(ctx context.Context, to ChatID, presence Presence) error
	Close()
}

// OutgoingKind is the kind of an outbound message.
type OutgoingKind string

const (
	OutgoingText    OutgoingKind = "text"
	OutgoingImage   OutgoingKind = "image"
	OutgoingVideo   OutgoingKind = "video"
	OutgoingAudio   OutgoingKind = "audio"
	OutgoingSticker OutgoingKind = "sticker"
	OutgoingForward OutgoingKind = "forward"
)

// Outgoing is an outbound message. Media is read from Path when set and
// fetched from URL otherwise.
type Outgoing struct {
	Kind     OutgoingKind
	Text     string
	Caption  string
	URL      string
	Path     string
	Mimetype string
	Mentions []UserID
	// Forward is the content to forward, with any view-once flag cleared by
	// the transport.
	Forward *Content
}

// SendOptions modifies how a message is sent.
type SendOptions struct {
	// Quoted makes the message a reply to the given message.
	Quoted *Message
}

// Text builds a text message.
func Text(text string, mentions ...UserID) *Outgoing {
	return &Outgoing{Kind: OutgoingText, Text: text, Mentions: mentions}
}
