// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingHandler struct {
	batches  chan *Batch
	sessions chan Session
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{batches: make(chan *Batch, 16), sessions: make(chan Session, 16)}
}

func (h *recordingHandler) HandleBatch(_ context.Context, sess Session, batch *Batch) {
	h.sessions <- sess
	h.batches <- batch
}

type fakeCache struct {
	mu      sync.Mutex
	loads   int
	starts  int
	stops   int
	loadErr error
}

func (c *fakeCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return c.loadErr
}

func (c *fakeCache) StartFlushing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *fakeCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *lifecycleRecorder) observe(evt LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *lifecycleRecorder) States() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.State
	}
	return out
}

type managerHarness struct {
	transport *fakeTransport
	store     *memCredentialStore
	handler   *recordingHandler
	cache     *fakeCache
	lifecycle *lifecycleRecorder
	manager   *Manager
	cancel    context.CancelFunc
	done      chan error
}

func startManager(t *testing.T, creds *Credentials, tweak func(*managerHarness)) *managerHarness {
	t.Helper()
	h := &managerHarness{
		transport: newFakeTransport(),
		store:     &memCredentialStore{creds: creds},
		handler:   newRecordingHandler(),
		cache:     &fakeCache{},
		lifecycle: &lifecycleRecorder{},
		done:      make(chan error, 1),
	}
	if tweak != nil {
		tweak(h)
	}
	h.manager = NewManager(zerolog.Nop(), ManagerParams{
		Transport:      h.transport,
		Store:          h.store,
		Handler:        h.handler,
		Cache:          h.cache,
		ReconnectDelay: time.Millisecond,
		Observers:      []LifecycleObserver{h.lifecycle.observe},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.manager.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return h
}

func (h *managerHarness) nextOpen(t *testing.T) openCall {
	t.Helper()
	select {
	case call := <-h.transport.opened:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session open")
		return openCall{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerReconnectKeepsCredentials(t *testing.T) {
	t.Parallel()
	original := &Credentials{ID: "628000:1@s.whatsapp.net", Data: []byte(`{"k":1}`)}
	h := startManager(t, original, nil)

	first := h.nextOpen(t)
	if first.Creds.ID != original.ID || string(first.Creds.Data) != string(original.Data) {
		t.Fatalf("first open creds: got %+v", first.Creds)
	}
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateOpen})
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed, Reason: DisconnectReason{Code: 503, Message: "stream error"}})

	second := h.nextOpen(t)
	if second.Creds.ID != original.ID || string(second.Creds.Data) != string(original.Data) {
		t.Errorf("reconnect creds: got %+v, want %+v", second.Creds, original)
	}
	if h.store.saves != 0 {
		t.Errorf("store saves: got %d, want 0", h.store.saves)
	}
	if !first.Sess.IsClosed() {
		t.Error("replaced session should be closed")
	}
	waitFor(t, func() bool { return h.manager.Status().Reconnects == 1 })
}

func TestManagerCredentialsChanged(t *testing.T) {
	t.Parallel()
	h := startManager(t, nil, nil)
	first := h.nextOpen(t)
	if !first.Creds.IsZero() {
		t.Fatalf("unpaired open should get empty creds, got %+v", first.Creds)
	}
	paired := &Credentials{ID: "628000:7@s.whatsapp.net"}
	first.Sink.CredentialsChanged(paired)

	if got := h.manager.Credentials(); got.ID != paired.ID {
		t.Errorf("applied creds: got %+v", got)
	}
	if stored, _ := h.store.Load(); stored.ID != paired.ID {
		t.Errorf("stored creds: got %+v", stored)
	}

	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed, Reason: DisconnectReason{Message: "restart required"}})
	second := h.nextOpen(t)
	if second.Creds.ID != paired.ID {
		t.Errorf("reconnect creds: got %+v, want %+v", second.Creds, paired)
	}
}

func TestManagerCredentialsSaveFailureKeepsPrevious(t *testing.T) {
	t.Parallel()
	original := &Credentials{ID: "old"}
	h := startManager(t, original, func(h *managerHarness) { h.store.FailSave = true })
	first := h.nextOpen(t)
	first.Sink.CredentialsChanged(&Credentials{ID: "new"})
	if got := h.manager.Credentials(); got.ID != "old" {
		t.Errorf("creds after failed save: got %q, want old", got.ID)
	}
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed})
	if second := h.nextOpen(t); second.Creds.ID != "old" {
		t.Errorf("reconnect creds: got %q, want old", second.Creds.ID)
	}
}

func TestManagerLoggedOutStops(t *testing.T) {
	t.Parallel()
	h := startManager(t, &Credentials{ID: "x"}, nil)
	first := h.nextOpen(t)
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateOpen})
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed, Reason: DisconnectReason{LoggedOut: true, Code: 401}})

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrLoggedOut) {
			t.Errorf("Run: got %v, want ErrLoggedOut", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("manager kept running after logout")
	}
	if n := len(h.transport.Opens()); n != 1 {
		t.Errorf("opens: got %d, want 1", n)
	}
	if !h.store.cleared {
		t.Error("credentials should be cleared after logout")
	}
	states := h.lifecycle.States()
	want := []ConnectionState{StateConnecting, StateOpen, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("lifecycle: got %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("lifecycle[%d]: got %s, want %s", i, states[i], want[i])
		}
	}
}

func TestManagerRetriesFailedOpen(t *testing.T) {
	t.Parallel()
	h := startManager(t, &Credentials{ID: "x"}, func(h *managerHarness) { h.transport.FailOpens = 3 })
	call := h.nextOpen(t)
	if call.Creds.ID != "x" {
		t.Errorf("creds: got %+v", call.Creds)
	}
	waitFor(t, func() bool { return h.manager.Status().Reconnects == 3 })
}

func TestManagerIgnoresStaleSession(t *testing.T) {
	t.Parallel()
	h := startManager(t, &Credentials{ID: "x"}, nil)
	first := h.nextOpen(t)
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed})
	second := h.nextOpen(t)

	first.Sink.CredentialsChanged(&Credentials{ID: "stale"})
	first.Sink.MessagesUpsert(&Batch{Class: BatchNotify, Messages: []*Message{textMessage("1@s.whatsapp.net", "-s")}})
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateClosed})

	if h.store.saves != 0 {
		t.Error("stale credentials should not be saved")
	}
	select {
	case <-h.handler.batches:
		t.Error("stale batch should not be handled")
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case <-h.transport.opened:
		t.Error("stale close should not trigger a reconnect")
	case <-time.After(20 * time.Millisecond):
	}

	batch := &Batch{Class: BatchNotify}
	second.Sink.MessagesUpsert(batch)
	select {
	case got := <-h.handler.batches:
		if got != batch {
			t.Error("handler got a different batch")
		}
		if sess := <-h.handler.sessions; sess != second.Sess {
			t.Error("batch should be handled with the current session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("current batch was not handled")
	}
}

func TestManagerCacheLifecycle(t *testing.T) {
	t.Parallel()
	h := startManager(t, nil, func(h *managerHarness) { h.cache.loadErr = errors.New("corrupt") })
	h.nextOpen(t)
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run after cancel: got %v, want nil", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	if h.cache.loads != 1 || h.cache.starts != 1 || h.cache.stops != 1 {
		t.Errorf("cache calls: loads=%d starts=%d stops=%d", h.cache.loads, h.cache.starts, h.cache.stops)
	}
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()
	h := startManager(t, nil, nil)
	first := h.nextOpen(t)
	first.Sink.ConnectionUpdate(ConnectionUpdate{State: StateOpen})
	waitFor(t, func() bool { return h.manager.Status().State == StateOpen })
	st := h.manager.Status()
	if st.OwnID != first.Sess.OwnID() {
		t.Errorf("OwnID: got %q", st.OwnID)
	}
	if h.manager.Session() != first.Sess {
		t.Error("Session should return the open session")
	}
}
