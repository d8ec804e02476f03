// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wabot is a command-driven WhatsApp bot. It keeps a multi-device
// session alive, answers prefixed commands with stickers, downloaded media,
// link previews and report lookups, and alerts operators when the session
// goes down.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/wabot/pkg/bot"
	"github.com/aiku/wabot/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	name    = "wabot"
	version = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var wantVersion = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - a command-driven WhatsApp bot", name),
		fmt.Sprintf("%s [-hnve] [-c <path>]", name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(10)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *wantVersion {
		fmt.Printf("%s %s (tag %s, commit %s, built %s)\n", name, version, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if _, err = os.Stat(*configPath); err == nil {
			_, _ = fmt.Fprintln(os.Stderr, *configPath, "already exists, please remove it if you want to generate a new example")
			os.Exit(11)
		}
		if err = os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(12)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(13)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(14)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Initializing wabot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, *log, cfg)
	stop()
	switch {
	case errors.Is(err, bot.ErrLoggedOut):
		log.Error().Msg("Session was logged out, restart to pair a new device")
		os.Exit(2)
	case err != nil:
		log.Err(err).Msg("Wabot stopped with an error")
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
