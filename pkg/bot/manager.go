// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrLoggedOut is returned by [Manager.Run] when the identity was logged out
// remotely. The stored credentials are cleared and no reconnect happens.
var ErrLoggedOut = errors.New("session logged out")

// BatchHandler consumes inbound batches of a session.
type BatchHandler interface {
	HandleBatch(ctx context.Context, sess Session, batch *Batch)
}

// PersistentCache is a cache that is loaded at startup and flushed to disk
// periodically while the manager runs.
type PersistentCache interface {
	Load() error
	StartFlushing() error
	Stop()
}

// LifecycleEvent describes a session state transition.
type LifecycleEvent struct {
	State      ConnectionState
	Reason     DisconnectReason
	Generation int
	OwnID      UserID
}

// LifecycleObserver is notified of session state transitions.
type LifecycleObserver func(evt LifecycleEvent)

// ManagerStatus is a snapshot of the manager state.
type ManagerStatus struct {
	State          ConnectionState `json:"state"`
	OwnID          UserID          `json:"own_id,omitempty"`
	Generation     int             `json:"generation"`
	Reconnects     int             `json:"reconnects"`
	LastDisconnect string          `json:"last_disconnect,omitempty"`
	Since          time.Time       `json:"since"`
}

// Manager owns the session of the bot identity and keeps it connected.
type Manager struct {
	log            zerolog.Logger
	transport      Transport
	store          CredentialStore
	handler        BatchHandler
	cache          PersistentCache
	reconnectDelay time.Duration
	observers      []LifecycleObserver

	mu         sync.Mutex
	creds      *Credentials
	sess       Session
	generation int
	status     ManagerStatus
	handlers   sync.WaitGroup
}

// ManagerParams holds the collaborators of a [Manager].
type ManagerParams struct {
	Transport      Transport
	Store          CredentialStore
	Handler        BatchHandler
	Cache          PersistentCache
	ReconnectDelay time.Duration
	Observers      []LifecycleObserver
}

// DefaultReconnectDelay is the pause between reconnect attempts.
const DefaultReconnectDelay = time.Second

// NewManager creates a session manager.
func NewManager(log zerolog.Logger, params ManagerParams) *Manager {
	if params.ReconnectDelay <= 0 {
		params.ReconnectDelay = DefaultReconnectDelay
	}
	return &Manager{
		log:            log.With().Str("component", "session").Logger(),
		transport:      params.Transport,
		store:          params.Store,
		handler:        params.Handler,
		cache:          params.Cache,
		reconnectDelay: params.ReconnectDelay,
		observers:      params.Observers,
		status:         ManagerStatus{State: StateClosed, Since: time.Now()},
	}
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the current session, or nil while disconnected.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Credentials returns the credential material currently in effect.
func (m *Manager) Credentials() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	c := *m.creds
	return &c
}

// Run connects and keeps the session alive until ctx is cancelled or the
// identity is logged out. Transient disconnects and failed connection
// attempts are retried forever after the reconnect delay.
func (m *Manager) Run(ctx context.Context) error {
	creds, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	if m.cache != nil {
		if err = m.cache.Load(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to load message cache, starting empty")
		}
		if err = m.cache.StartFlushing(); err != nil {
			return fmt.Errorf("failed to start message cache flushing: %w", err)
		}
		defer m.cache.Stop()
	}
	defer m.handlers.Wait()

	for {
		reason, err := m.runSession(ctx)
		if ctx.Err() != nil {
			m.setClosed(reasonShutdown)
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrLoggedOut) {
				reason = DisconnectReason{LoggedOut: true, Message: err.Error()}
			} else {
				reason = DisconnectReason{Message: err.Error()}
			}
		}
		m.setClosed(reason)
		if reason.LoggedOut {
			m.log.Error().Str("reason", reason.String()).Msg("Session logged out, not reconnecting")
			if err = m.store.Clear(); err != nil {
				m.log.Warn().Err(err).Msg("Failed to clear stored credentials")
			}
			return ErrLoggedOut
		}
		m.log.Warn().
			Str("reason", reason.String()).
			Dur("delay", m.reconnectDelay).
			Msg("Session closed, reconnecting")
		if err = sleepCtx(ctx, m.reconnectDelay); err != nil {
			m.setClosed(reasonShutdown)
			return nil
		}
		m.mu.Lock()
		m.status.Reconnects++
		m.mu.Unlock()
	}
}

// runSession opens one session generation and blocks until it closes.
func (m *Manager) runSession(ctx context.Context) (DisconnectReason, error) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	creds := m.creds
	m.mu.Unlock()

	sink := &sessionSink{
		manager:    m,
		generation: gen,
		ctx:        ctx,
		closed:     make(chan DisconnectReason, 1),
	}
	m.emit(LifecycleEvent{State: StateConnecting, Generation: gen})
	m.log.Info().Int("generation", gen).Bool("paired", !creds.IsZero()).Msg("Opening session")
	sess, err := m.transport.Open(ctx, creds, sink)
	if err != nil {
		return DisconnectReason{}, fmt.Errorf("failed to open session: %w", err)
	}
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	sink.setSession(sess)
	defer func() {
		m.mu.Lock()
		if m.sess == sess {
			m.sess = nil
		}
		m.mu.Unlock()
		sess.Close()
	}()
	if err = sess.Connect(ctx); err != nil {
		return DisconnectReason{}, fmt.Errorf("failed to connect: %w", err)
	}

	select {
	case <-ctx.Done():
		return reasonShutdown, nil
	case reason := <-sink.closed:
		return reason, nil
	}
}

func (m *Manager) isCurrent(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Manager) setOpen(gen int, own UserID) {
	m.mu.Lock()
	m.status.State = StateOpen
	m.status.OwnID = own
	m.status.Generation = gen
	m.status.Since = time.Now()
	m.mu.Unlock()
	m.log.Info().Int("generation", gen).Str("own_id", own.String()).Msg("Session open")
	m.emit(LifecycleEvent{State: StateOpen, Generation: gen, OwnID: own})
}

func (m *Manager) setClosed(reason DisconnectReason) {
	m.mu.Lock()
	gen := m.generation
	m.status.State = StateClosed
	m.status.LastDisconnect = reason.String()
	m.status.Since = time.Now()
	m.mu.Unlock()
	m.emit(LifecycleEvent{State: StateClosed, Reason: reason, Generation: gen})
}

// applyCredentials persists new credential material before it replaces the
// material in effect. A failed write keeps the previous credentials.
func (m *Manager) applyCredentials(creds *Credentials) {
	if err := m.store.Save(creds); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist credentials, keeping previous ones")
		return
	}
	c := *creds
	m.mu.Lock()
	m.creds = &c
	m.mu.Unlock()
	m.log.Debug().Str("id", creds.ID).Msg("Credentials updated")
}

func (m *Manager) emit(evt LifecycleEvent) {
	for _, obs := range m.observers {
		obs(evt)
	}
}

// sessionSink routes the events of one session generation to the manager.
// Events arriving after the generation was replaced are dropped.
type sessionSink struct {
	manager    *Manager
	generation int
	ctx        context.Context
	closed     chan DisconnectReason

	mu   sync.Mutex
	sess Session
}

var _ EventSink = (*sessionSink)(nil)

func (s *sessionSink) setSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
}

func (s *sessionSink) session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *sessionSink) stale(event string) bool {
	if s.manager.isCurrent(s.generation) {
		return false
	}
	s.manager.log.Debug().
		Int("generation", s.generation).
		Str("event", event).
		Msg("Ignoring event from replaced session")
	return true
}

func (s *sessionSink) ConnectionUpdate(update ConnectionUpdate) {
	if s.stale("connection.update") {
		return
	}
	switch update.State {
	case StateOpen:
		var own UserID
		if sess := s.session(); sess != nil {
			own = sess.OwnID()
		}
		s.manager.setOpen(s.generation, own)
	case StateClosed:
		select {
		case s.closed <- update.Reason:
		default:
		}
	case StateConnecting:
		s.manager.log.Debug().Int("generation", s.generation).Msg("Session connecting")
	}
}

func (s *sessionSink) CredentialsChanged(creds *Credentials) {
	if s.stale("creds.update") || creds == nil {
		return
	}
	s.manager.applyCredentials(creds)
}

func (s *sessionSink) MessagesUpsert(batch *Batch) {
	if s.stale("messages.upsert") || batch == nil || s.manager.handler == nil {
		return
	}
	sess := s.session()
	if sess == nil {
		s.manager.log.Warn().Msg("Dropping batch received before the session was ready")
		return
	}
	s.manager.handlers.Add(1)
	go func() {
		defer s.manager.handlers.Done()
		s.manager.handler.HandleBatch(s.ctx, sess, batch)
	}()
}
