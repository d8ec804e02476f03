// Copyright 2024-2026 Aiku AI

package bot

import "strings"

const (
	// GroupServer is the address suffix of group chats.
	GroupServer = "@g.us"
	// UserServer is the address suffix of individual accounts.
	UserServer = "@s.whatsapp.net"
)

// ChatID identifies a conversation, either a direct chat or a group.
type ChatID string

// UserID identifies a single account.
type UserID string

// IsGroup reports whether the chat is a group chat.
func (c ChatID) IsGroup() bool {
	return strings.HasSuffix(string(c), GroupServer)
}

func (c ChatID) String() string {
	return string(c)
}

func (u UserID) String() string {
	return string(u)
}

// Chat returns the direct chat with the user.
func (u UserID) Chat() ChatID {
	return ChatID(u)
}

// User strips the server suffix and device part from the identifier,
// leaving the phone number or group id.
func (u UserID) User() string {
	s := string(u)
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
