// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wabot/pkg/alert"
	"github.com/aiku/wabot/pkg/bot"
	"github.com/aiku/wabot/pkg/config"
	"github.com/aiku/wabot/pkg/media"
	"github.com/aiku/wabot/pkg/msgcache"
	"github.com/aiku/wabot/pkg/resolver"
	"github.com/aiku/wabot/pkg/whatsapp"
)

const shutdownTimeout = 10 * time.Second

// run wires the bot together and blocks until ctx is cancelled or the
// session is logged out.
func run(ctx context.Context, log zerolog.Logger, cfg *config.Config) error {
	media.SetFFmpegPath(cfg.Media.FFmpegPath)
	if !media.FFmpegAvailable() {
		log.Warn().Msg("ffmpeg not found, sticker commands will fail")
	}

	cache := msgcache.New(log, cfg.MessageCache)
	transport, err := whatsapp.NewTransport(ctx, log, whatsapp.Config{
		AuthDir:       cfg.Session.AuthDir,
		MediaTimeout:  cfg.Session.MediaTimeout,
		MaxMediaBytes: cfg.Session.MaxMediaBytes,
	}, cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close device store")
		}
	}()

	reply := bot.NewReplyGateway(log, cfg.Typing)
	registry := bot.NewRegistry()
	bot.RegisterCommands(registry, bot.CommandDeps{
		Reply:    reply,
		Stickers: media.NewPipeline(log, cfg.Media, media.FFmpeg{}),
		Resolver: resolver.NewClient(log, cfg.Resolver),
		Portal:   cfg.Portal,
		Prefix:   cfg.Commands.Prefix,
	})
	dispatcher := bot.NewDispatcher(log, cfg.Commands, registry, reply)

	alerter := alert.New(log, cfg.Name, notifiers(ctx, log, cfg.Alerts)...)
	defer alerter.Wait()

	manager := bot.NewManager(log, bot.ManagerParams{
		Transport:      transport,
		Store:          &bot.FileCredentialStore{Dir: cfg.Session.AuthDir},
		Handler:        dispatcher,
		Cache:          cache,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		Observers:      []bot.LifecycleObserver{alerter.Observe},
	})

	if cfg.AdminAPIAddr != "" {
		api := bot.NewAdminAPI(log, cfg.AdminAPIAddr, manager, cache)
		api.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := api.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to stop admin API")
			}
		}()
	}

	log.Info().
		Str("prefix", cfg.Commands.Prefix).
		Int("commands", len(registry.All())).
		Msg("Starting session manager")
	if err = manager.Run(ctx); err != nil {
		return fmt.Errorf("session manager stopped: %w", err)
	}
	return nil
}

// notifiers builds the configured alert channels. A channel that fails to
// initialize is skipped.
func notifiers(ctx context.Context, log zerolog.Logger, cfg config.AlertsConfig) []alert.Notifier {
	var out []alert.Notifier
	if cfg.Mattermost.Enabled() {
		n, err := alert.NewMattermostNotifier(ctx, cfg.Mattermost)
		if err != nil {
			log.Err(err).Msg("Mattermost alerts disabled")
		} else {
			out = append(out, n)
		}
	}
	if cfg.Matrix.Enabled() {
		n, err := alert.NewMatrixNotifier(cfg.Matrix)
		if err != nil {
			log.Err(err).Msg("Matrix alerts disabled")
		} else {
			out = append(out, n)
		}
	}
	return out
}
