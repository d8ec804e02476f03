// Copyright 2024-2026 Aiku AI

// Package alert reports session lifecycle changes to an operator channel on
// Mattermost or Matrix.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Notifier delivers an operator alert. Text is markdown.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, text string) error
}

// MattermostConfig selects the channel that receives alerts.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL"`
	Token     string `yaml:"token" env:"TOKEN"`
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID"`
}

// Enabled reports whether the config is complete.
func (c MattermostConfig) Enabled() bool {
	return c.ServerURL != "" && c.Token != "" && c.ChannelID != ""
}

// MattermostNotifier posts alerts to a Mattermost channel.
type MattermostNotifier struct {
	client    *model.Client4
	userID    string
	channelID string
}

// NewMattermostNotifier validates the token and returns a notifier posting
// as the token's user.
func NewMattermostNotifier(ctx context.Context, cfg MattermostConfig) (*MattermostNotifier, error) {
	client := model.NewAPIv4Client(strings.TrimRight(cfg.ServerURL, "/"))
	client.SetToken(cfg.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("mattermost authentication failed: %w", err)
	}
	return &MattermostNotifier{client: client, userID: me.Id, channelID: cfg.ChannelID}, nil
}

func (n *MattermostNotifier) Name() string {
	return "mattermost"
}

func (n *MattermostNotifier) Notify(ctx context.Context, text string) error {
	_, _, err := n.client.CreatePost(ctx, &model.Post{
		ChannelId: n.channelID,
		UserId:    n.userID,
		Message:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// MatrixConfig selects the room that receives alerts.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" env:"HOMESERVER"`
	UserID      string `yaml:"user_id" env:"USER_ID"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
	RoomID      string `yaml:"room_id" env:"ROOM_ID"`
}

// Enabled reports whether the config is complete.
func (c MatrixConfig) Enabled() bool {
	return c.Homeserver != "" && c.AccessToken != "" && c.RoomID != ""
}

// MatrixNotifier sends alerts as notices to a Matrix room.
type MatrixNotifier struct {
	client *mautrix.Client
	roomID id.RoomID
}

// NewMatrixNotifier creates a notifier. No request is made until the first
// alert.
func NewMatrixNotifier(cfg MatrixConfig) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &MatrixNotifier{client: client, roomID: id.RoomID(cfg.RoomID)}, nil
}

func (n *MatrixNotifier) Name() string {
	return "matrix"
}

func (n *MatrixNotifier) Notify(ctx context.Context, text string) error {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgNotice
	if _, err := n.client.SendMessageEvent(ctx, n.roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
