// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// ReadReceiptPolicy selects which live messages are marked read.
type ReadReceiptPolicy string

const (
	ReadReceiptsAll      ReadReceiptPolicy = "all"
	ReadReceiptsCommands ReadReceiptPolicy = "commands"
	ReadReceiptsOff      ReadReceiptPolicy = "off"
)

const (
	DefaultAckText   = "⌛Loading.."
	DefaultErrorText = "Maaf, terjadi kesalahan. Coba lagi nanti yaa"
)

// DispatcherConfig configures command dispatch.
type DispatcherConfig struct {
	Prefix       string            `yaml:"prefix" env:"PREFIX"`
	ReadReceipts ReadReceiptPolicy `yaml:"read_receipts" env:"READ_RECEIPTS"`
	// AckText is sent as a quoted reply before a command is looked up.
	// Empty disables the acknowledgment.
	AckText string `yaml:"ack_text" env:"ACK_TEXT"`
	// ErrorText is the reply sent when a handler fails.
	ErrorText string `yaml:"error_text" env:"ERROR_TEXT"`
}

// Dispatcher routes live messages to command handlers. It implements
// [BatchHandler].
type Dispatcher struct {
	log      zerolog.Logger
	cfg      DispatcherConfig
	registry *Registry
	reply    *ReplyGateway
}

var _ BatchHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(log zerolog.Logger, cfg DispatcherConfig, registry *Registry, reply *ReplyGateway) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ReadReceipts == "" {
		cfg.ReadReceipts = ReadReceiptsAll
	}
	if cfg.ErrorText == "" {
		cfg.ErrorText = DefaultErrorText
	}
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		cfg:      cfg,
		registry: registry,
		reply:    reply,
	}
}

// HandleBatch processes the messages of a live batch one at a time. Replayed
// history is ignored entirely.
func (d *Dispatcher) HandleBatch(ctx context.Context, sess Session, batch *Batch) {
	if batch == nil || batch.Class != BatchNotify {
		if batch != nil {
			d.log.Debug().
				Str("class", string(batch.Class)).
				Int("messages", len(batch.Messages)).
				Msg("Ignoring non-live batch")
		}
		return
	}
	for _, msg := range batch.Messages {
		if msg == nil || msg.Content == nil {
			continue
		}
		d.handleMessage(ctx, sess, msg)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, sess Session, msg *Message) {
	cmd, isCmd := Classify(msg, d.cfg.Prefix)
	if d.cfg.ReadReceipts == ReadReceiptsAll || (isCmd && d.cfg.ReadReceipts == ReadReceiptsCommands) {
		d.markRead(ctx, sess, msg)
	}
	if !isCmd {
		return
	}

	log := d.log.With().
		Str("command_id", xid.New().String()).
		Str("verb", cmd.Verb).
		Str("chat", cmd.Chat.String()).
		Str("sender", cmd.Sender.String()).
		Str("message_id", msg.Key.ID).
		Logger()
	ctx = log.WithContext(ctx)

	evt := &CommandEvent{Command: cmd, Session: sess, Log: log}
	if cmd.Chat.IsGroup() {
		meta, err := sess.GroupMetadata(ctx, cmd.Chat)
		if err != nil {
			log.Err(err).Msg("Failed to load group metadata, dropping command")
			return
		}
		evt.Group = meta
	}

	if d.cfg.AckText != "" {
		if err := d.reply.Reply(ctx, sess, msg, Text(d.cfg.AckText)); err != nil {
			log.Warn().Err(err).Msg("Failed to send acknowledgment")
		}
	}

	handler := d.registry.Lookup(cmd.Verb)
	if handler == nil {
		log.Debug().Msg("Unknown command")
		return
	}

	start := time.Now()
	err := d.run(ctx, handler, evt)
	if err != nil {
		log.Err(err).Str("command", handler.Name).Dur("duration", time.Since(start)).Msg("Command failed")
		if replyErr := d.reply.Reply(ctx, sess, msg, Text(d.cfg.ErrorText)); replyErr != nil {
			log.Err(replyErr).Msg("Failed to send error reply")
		}
		return
	}
	log.Info().Str("command", handler.Name).Dur("duration", time.Since(start)).Msg("Command handled")
}

// run calls the handler and turns a panic into an error.
func (d *Dispatcher) run(ctx context.Context, handler *CommandHandler, evt *CommandEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			evt.Log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any("panic", r).
				Msg("Command handler panicked")
			err = fmt.Errorf("panic in %s handler: %v", handler.Name, r)
		}
	}()
	return handler.Func(ctx, evt)
}

func (d *Dispatcher) markRead(ctx context.Context, sess Session, msg *Message) {
	if msg.Key.FromMe {
		return
	}
	if err := sess.MarkRead(ctx, []MessageKey{msg.Key}); err != nil {
		d.log.Debug().Err(err).Str("message_id", msg.Key.ID).Msg("Failed to mark message as read")
	}
}
