// Copyright 2024-2026 Aiku AI

package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wabot/pkg/bot"
)

const defaultTimeout = 15 * time.Second

// Alerter turns lifecycle events into operator alerts. Repeated transient
// disconnects are reported once until the session is open again.
type Alerter struct {
	log       zerolog.Logger
	name      string
	notifiers []Notifier
	timeout   time.Duration

	mu         sync.Mutex
	down       bool
	everOpened bool
	lastOwnID  bot.UserID
	pending    sync.WaitGroup
}

// New creates an alerter. name identifies the bot in alert texts.
func New(log zerolog.Logger, name string, notifiers ...Notifier) *Alerter {
	return &Alerter{
		log:       log.With().Str("component", "alert").Logger(),
		name:      name,
		notifiers: notifiers,
		timeout:   defaultTimeout,
	}
}

// Observe matches [bot.LifecycleObserver]. Alerts are delivered in the
// background.
func (a *Alerter) Observe(evt bot.LifecycleEvent) {
	text := a.message(evt)
	if text == "" {
		return
	}
	for _, n := range a.notifiers {
		a.pending.Add(1)
		go func() {
			defer a.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			if err := n.Notify(ctx, text); err != nil {
				a.log.Err(err).Str("notifier", n.Name()).Msg("Failed to send alert")
			}
		}()
	}
}

// Wait blocks until every alert in flight has been delivered or failed.
func (a *Alerter) Wait() {
	a.pending.Wait()
}

func (a *Alerter) message(evt bot.LifecycleEvent) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch evt.State {
	case bot.StateOpen:
		if evt.OwnID != "" {
			a.lastOwnID = evt.OwnID
		}
		wasDown, first := a.down, !a.everOpened
		a.down = false
		a.everOpened = true
		switch {
		case first:
			return fmt.Sprintf("**%s** connected as `%s`", a.name, a.lastOwnID)
		case wasDown:
			return fmt.Sprintf("**%s** reconnected as `%s` (session %d)", a.name, a.lastOwnID, evt.Generation)
		}
	case bot.StateClosed:
		if evt.Reason.Shutdown {
			return ""
		}
		if evt.Reason.LoggedOut {
			a.down = true
			return fmt.Sprintf("**%s** was logged out (%s). Pair the device again to bring it back.", a.name, evt.Reason)
		}
		if a.down {
			return ""
		}
		a.down = true
		return fmt.Sprintf("**%s** disconnected: %s. Reconnecting.", a.name, evt.Reason)
	}
	return ""
}
