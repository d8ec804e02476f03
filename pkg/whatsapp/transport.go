// Copyright 2024-2026 Aiku AI

// Package whatsapp implements the bot session on top of whatsmeow.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/aiku/wabot/pkg/bot"
)

// DeviceDBFileName is the SQLite database holding the device keys, next to
// the credentials file.
const DeviceDBFileName = "device.db"

// MessageStore keeps sent messages for delivery retries.
type MessageStore interface {
	Put(chat, id string, data []byte)
	Get(chat, id string) ([]byte, bool)
}

// Config configures the transport.
type Config struct {
	// AuthDir holds the device database.
	AuthDir string
	// MediaTimeout bounds downloads of outbound media given by URL.
	MediaTimeout time.Duration
	// MaxMediaBytes caps downloads of outbound media.
	MaxMediaBytes int64
	// QROutput receives the pairing QR code. Defaults to stdout.
	QROutput io.Writer
}

const (
	defaultMediaTimeout  = time.Minute
	defaultMaxMediaBytes = 64 << 20
)

// Transport opens whatsmeow sessions backed by a SQLite device store.
type Transport struct {
	log       zerolog.Logger
	cfg       Config
	container *sqlstore.Container
	messages  MessageStore
	http      *http.Client
}

var _ bot.Transport = (*Transport)(nil)

// NewTransport opens the device store. messages may be nil.
func NewTransport(ctx context.Context, log zerolog.Logger, cfg Config, messages MessageStore) (*Transport, error) {
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = defaultMediaTimeout
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = defaultMaxMediaBytes
	}
	if cfg.QROutput == nil {
		cfg.QROutput = os.Stdout
	}
	if err := os.MkdirAll(cfg.AuthDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create auth dir: %w", err)
	}
	log = log.With().Str("component", "whatsapp").Logger()
	dbPath := filepath.Join(cfg.AuthDir, DeviceDBFileName)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", waLog.Zerolog(log.With().Str("subcomponent", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return &Transport{
		log:       log,
		cfg:       cfg,
		container: container,
		messages:  messages,
		http:      &http.Client{Timeout: cfg.MediaTimeout},
	}, nil
}

// Close closes the device store.
func (t *Transport) Close() error {
	return t.container.Close()
}

// deviceInfo is the credential payload stored next to the device keys.
type deviceInfo struct {
	Platform     string `json:"platform,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	PairedAt     int64  `json:"paired_at,omitempty"`
}

// Open prepares a client for the device named by creds, or a fresh device
// when creds are empty. No connection is made until Connect.
func (t *Transport) Open(ctx context.Context, creds *bot.Credentials, sink bot.EventSink) (bot.Session, error) {
	device, err := t.device(ctx, creds)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, waLog.Zerolog(t.log.With().Str("subcomponent", "client").Logger()))
	client.EnableAutoReconnect = false
	s := &session{
		log:       t.log,
		transport: t,
		client:    client,
		sink:      sink,
	}
	client.GetMessageForRetry = s.messageForRetry
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

func (t *Transport) device(ctx context.Context, creds *bot.Credentials) (*store.Device, error) {
	if creds.IsZero() || creds.ID == "" {
		t.log.Info().Msg("No stored credentials, a new device will be paired")
		return t.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(creds.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored device id: %w", err)
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		t.log.Warn().Str("device", jid.String()).Msg("Stored device is missing from the key store, pairing again")
		return t.container.NewDevice(), nil
	}
	return device, nil
}

func pairedCredentials(jid types.JID, platform, businessName string) *bot.Credentials {
	data, _ := json.Marshal(deviceInfo{
		Platform:     platform,
		BusinessName: businessName,
		PairedAt:     time.Now().Unix(),
	})
	return &bot.Credentials{ID: jid.String(), Data: data}
}
