// Copyright 2024-2026 Aiku AI

// Package config loads the wabot configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wabot/pkg/alert"
	"github.com/aiku/wabot/pkg/bot"
	"github.com/aiku/wabot/pkg/media"
	"github.com/aiku/wabot/pkg/msgcache"
	"github.com/aiku/wabot/pkg/resolver"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WABOT_"

// Config is the root of the configuration file.
type Config struct {
	Name         string               `yaml:"name" env:"NAME"`
	Session      SessionConfig        `yaml:"session" envPrefix:"SESSION_"`
	Commands     bot.DispatcherConfig `yaml:"commands" envPrefix:"COMMANDS_"`
	Portal       bot.PortalConfig     `yaml:"portal" envPrefix:"PORTAL_"`
	Typing       bot.TypingDelays     `yaml:"typing" envPrefix:"TYPING_"`
	Resolver     resolver.Config      `yaml:"resolver" envPrefix:"RESOLVER_"`
	Media        media.Config         `yaml:"media" envPrefix:"MEDIA_"`
	MessageCache msgcache.Config      `yaml:"message_cache" envPrefix:"CACHE_"`
	AdminAPIAddr string               `yaml:"admin_api_addr" env:"ADMIN_API_ADDR"`
	Alerts       AlertsConfig         `yaml:"alerts" envPrefix:"ALERTS_"`
	Logging      zeroconfig.Config    `yaml:"logging" env:"-"`
}

// SessionConfig holds the WhatsApp session settings.
type SessionConfig struct {
	AuthDir        string        `yaml:"auth_dir" env:"AUTH_DIR"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	MediaTimeout   time.Duration `yaml:"media_timeout" env:"MEDIA_TIMEOUT"`
	MaxMediaBytes  int64         `yaml:"max_media_bytes" env:"MAX_MEDIA_BYTES"`
}

// AlertsConfig selects the operator alert channels.
type AlertsConfig struct {
	Mattermost alert.MattermostConfig `yaml:"mattermost" envPrefix:"MATTERMOST_"`
	Matrix     alert.MatrixConfig     `yaml:"matrix" envPrefix:"MATRIX_"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "name")

	helper.Copy(up.Str, "session", "auth_dir")
	helper.Copy(up.Str, "session", "reconnect_delay")
	helper.Copy(up.Str, "session", "media_timeout")
	helper.Copy(up.Int, "session", "max_media_bytes")

	helper.Copy(up.Str, "commands", "prefix")
	helper.Copy(up.Str, "commands", "read_receipts")
	helper.Copy(up.Str, "commands", "ack_text")
	helper.Copy(up.Str, "commands", "error_text")

	helper.Copy(up.List, "portal", "allowed_senders")
	helper.Copy(up.Str, "portal", "required_marker")
	helper.Copy(up.List, "portal", "blocked_tokens")

	helper.Copy(up.Str, "typing", "after_subscribe")
	helper.Copy(up.Str, "typing", "composing")

	helper.Copy(up.Str, "resolver", "base_url")
	helper.Copy(up.Str, "resolver", "portal_url")
	helper.Copy(up.Str, "resolver", "timeout")
	helper.Copy(up.Int, "resolver", "max_body_bytes")
	helper.Copy(up.Str, "resolver", "user_agent")

	helper.Copy(up.Str, "media", "temp_dir")
	helper.Copy(up.Str, "media", "timeout")
	helper.Copy(up.Int, "media", "size")
	helper.Copy(up.Int, "media", "fps")
	helper.Copy(up.Str, "media", "ffmpeg_path")

	helper.Copy(up.Str, "message_cache", "path")
	helper.Copy(up.Str, "message_cache", "flush_interval")
	helper.Copy(up.Int, "message_cache", "max_entries")

	helper.Copy(up.Str, "admin_api_addr")

	helper.Copy(up.Str, "alerts", "mattermost", "server_url")
	helper.Copy(up.Str, "alerts", "mattermost", "token")
	helper.Copy(up.Str, "alerts", "mattermost", "channel_id")
	helper.Copy(up.Str, "alerts", "matrix", "homeserver")
	helper.Copy(up.Str, "alerts", "matrix", "user_id")
	helper.Copy(up.Str, "alerts", "matrix", "access_token")
	helper.Copy(up.Str, "alerts", "matrix", "room_id")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"session"},
		{"commands"},
		{"portal"},
		{"typing"},
		{"resolver"},
		{"media"},
		{"message_cache"},
		{"admin_api_addr"},
		{"alerts"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config file at path, upgrades it to the current layout
// (writing it back when save is set) and applies WABOT_* environment
// overrides.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config YAML and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

// parse uses environ instead of the process environment when it is not nil.
func parse(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.AuthDir == "" {
		errs = append(errs, errors.New("session.auth_dir must be set"))
	}
	switch c.Commands.ReadReceipts {
	case "", bot.ReadReceiptsAll, bot.ReadReceiptsCommands, bot.ReadReceiptsOff:
	default:
		errs = append(errs, fmt.Errorf("commands.read_receipts: unknown policy %q", c.Commands.ReadReceipts))
	}
	if c.Resolver.BaseURL == "" {
		errs = append(errs, errors.New("resolver.base_url must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
