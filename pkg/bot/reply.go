// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TypingDelays configures the pauses of the typing choreography.
type TypingDelays struct {
	// AfterSubscribe is the pause between the presence subscription and the
	// composing announcement.
	AfterSubscribe time.Duration `yaml:"after_subscribe" env:"AFTER_SUBSCRIBE"`
	// Composing is how long the composing state is shown.
	Composing time.Duration `yaml:"composing" env:"COMPOSING"`
}

// DefaultTypingDelays mirror a human starting to type and sending.
var DefaultTypingDelays = TypingDelays{
	AfterSubscribe: 500 * time.Millisecond,
	Composing:      time.Second,
}

// ReplyGateway sends outbound content over a session.
type ReplyGateway struct {
	log    zerolog.Logger
	delays TypingDelays
}

// NewReplyGateway creates a gateway using the given typing delays.
func NewReplyGateway(log zerolog.Logger, delays TypingDelays) *ReplyGateway {
	return &ReplyGateway{
		log:    log.With().Str("component", "reply").Logger(),
		delays: delays,
	}
}

// Send delivers a proactive message preceded by the typing choreography:
// subscribe to presence, wait, announce composing, wait, announce paused,
// then send. Presence failures are logged and do not prevent the send.
func (g *ReplyGateway) Send(ctx context.Context, sess Session, to ChatID, content *Outgoing) error {
	log := g.log.With().Str("to", to.String()).Str("kind", string(content.Kind)).Logger()
	if err := sess.SubscribePresence(ctx, to); err != nil {
		log.Debug().Err(err).Msg("Failed to subscribe to presence")
	}
	if err := sleepCtx(ctx, g.delays.AfterSubscribe); err != nil {
		return err
	}
	if err := sess.SendPresence(ctx, to, PresenceComposing); err != nil {
		log.Debug().Err(err).Msg("Failed to send composing presence")
	}
	if err := sleepCtx(ctx, g.delays.Composing); err != nil {
		return err
	}
	if err := sess.SendPresence(ctx, to, PresencePaused); err != nil {
		log.Debug().Err(err).Msg("Failed to send paused presence")
	}
	return g.send(ctx, sess, to, content, SendOptions{})
}

// Reply sends content immediately as a quoted reply to msg.
func (g *ReplyGateway) Reply(ctx context.Context, sess Session, msg *Message, content *Outgoing) error {
	return g.send(ctx, sess, msg.Key.Chat, content, SendOptions{Quoted: msg})
}

// SendNow sends content immediately without quoting or typing.
func (g *ReplyGateway) SendNow(ctx context.Context, sess Session, to ChatID, content *Outgoing) error {
	return g.send(ctx, sess, to, content, SendOptions{})
}

func (g *ReplyGateway) send(ctx context.Context, sess Session, to ChatID, content *Outgoing, opts SendOptions) error {
	id, err := sess.SendMessage(ctx, to, content, opts)
	if err != nil {
		return fmt.Errorf("failed to send %s message to %s: %w", content.Kind, to, err)
	}
	g.log.Debug().
		Str("to", to.String()).
		Str("message_id", id).
		Str("kind", string(content.Kind)).
		Bool("quoted", opts.Quoted != nil).
		Msg("Sent message")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
