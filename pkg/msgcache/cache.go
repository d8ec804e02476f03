// Copyright 2024-2026 Aiku AI

// Package msgcache keeps recently sent and received messages so that
// delivery retries can be answered after a restart. The cache lives in
// memory and is snapshotted to a single JSON file on a fixed schedule.
package msgcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const snapshotVersion = 1

// Config configures the cache.
type Config struct {
	// Path is the snapshot file. Empty keeps the cache in memory only.
	Path          string        `yaml:"path" env:"PATH"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	// MaxEntries caps the cache; the oldest entries are evicted first.
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
}

const (
	defaultFlushInterval = 10 * time.Second
	defaultMaxEntries    = 5000
)

// Entry is a single cached message.
type Entry struct {
	Chat   string    `json:"chat"`
	ID     string    `json:"id"`
	Data   []byte    `json:"data"`
	Stored time.Time `json:"stored"`
}

type key struct {
	chat, id string
}

type snapshot struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"entries"`
}

// Cache is a bounded message cache with periodic persistence.
type Cache struct {
	log zerolog.Logger
	cfg Config

	mu      sync.Mutex
	entries map[key]*Entry
	order   []key
	dirty   bool

	flushLock sync.Mutex
	cron      *cronlib.Cron
}

// New creates an empty cache. Zero config values are replaced by defaults.
func New(log zerolog.Logger, cfg Config) *Cache {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Cache{
		log:     log.With().Str("component", "msgcache").Logger(),
		cfg:     cfg,
		entries: make(map[key]*Entry),
	}
}

// Put stores data for a message. Storing an existing message replaces its
// data without changing its eviction order.
func (c *Cache) Put(chat, id string, data []byte) {
	if id == "" || len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{chat, id}
	if existing, ok := c.entries[k]; ok {
		existing.Data = data
		c.dirty = true
		return
	}
	c.entries[k] = &Entry{Chat: chat, ID: id, Data: data, Stored: time.Now().UTC()}
	c.order = append(c.order, k)
	c.dirty = true
	c.evictLocked()
}

// Get returns the data stored for a message.
func (c *Cache) Get(chat, id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key{chat, id}]
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.cfg.MaxEntries && len(c.order) > 0 {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

// Load replaces the cache contents with the snapshot file. A missing file
// leaves the cache empty.
func (c *Cache) Load() error {
	if c.cfg.Path == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		c.log.Debug().Str("path", c.cfg.Path).Msg("No message cache snapshot found")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read message cache: %w", err)
	}
	var snap snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse message cache: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported message cache version %d", snap.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]*Entry, len(snap.Entries))
	c.order = c.order[:0]
	for _, entry := range snap.Entries {
		if entry == nil || entry.ID == "" {
			continue
		}
		k := key{entry.Chat, entry.ID}
		if _, ok := c.entries[k]; !ok {
			c.order = append(c.order, k)
		}
		c.entries[k] = entry
	}
	c.evictLocked()
	c.dirty = false
	c.log.Info().Int("entries", len(c.entries)).Msg("Loaded message cache")
	return nil
}

// Flush writes the snapshot file, replacing the previous one.
func (c *Cache) Flush() error {
	if c.cfg.Path == "" {
		return nil
	}
	c.flushLock.Lock()
	defer c.flushLock.Unlock()

	c.mu.Lock()
	snap := snapshot{Version: snapshotVersion, Entries: make([]*Entry, 0, len(c.order))}
	for _, k := range c.order {
		entry := *c.entries[k]
		snap.Entries = append(snap.Entries, &entry)
	}
	c.dirty = false
	c.mu.Unlock()

	data, err := json.Marshal(&snap)
	if err == nil {
		err = writeFileAtomic(c.cfg.Path, data)
	}
	if err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("failed to write message cache: %w", err)
	}
	c.log.Debug().Int("entries", len(snap.Entries)).Msg("Flushed message cache")
	return nil
}

func (c *Cache) flushIfDirty() {
	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()
	if !dirty {
		return
	}
	if err := c.Flush(); err != nil {
		c.log.Err(err).Msg("Periodic message cache flush failed")
	}
}

// StartFlushing schedules periodic snapshots.
func (c *Cache) StartFlushing() error {
	if c.cfg.Path == "" || c.cron != nil {
		return nil
	}
	sched := cronlib.New()
	if _, err := sched.AddFunc("@every "+c.cfg.FlushInterval.String(), c.flushIfDirty); err != nil {
		return fmt.Errorf("failed to schedule message cache flush: %w", err)
	}
	sched.Start()
	c.cron = sched
	c.log.Debug().Dur("interval", c.cfg.FlushInterval).Msg("Started message cache flushing")
	return nil
}

// Stop cancels the schedule, waits for a running flush and writes a final
// snapshot.
func (c *Cache) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
		c.cron = nil
	}
	if err := c.Flush(); err != nil {
		c.log.Err(err).Msg("Final message cache flush failed")
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
