// Copyright 2024-2026 Aiku AI

package bot

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CommandEvent is passed to command handlers.
type CommandEvent struct {
	*Command
	Session Session
	Group   *GroupMetadata
	Log     zerolog.Logger
}

// CommandFunc handles one command. A returned error is logged and answered
// with a generic apology.
type CommandFunc func(ctx context.Context, evt *CommandEvent) error

// CommandHandler describes a command and its aliases.
type CommandHandler struct {
	Name        string
	Aliases     []string
	Description string
	Args        string
	Func        CommandFunc
}

// Registry maps verbs to command handlers. Lookups are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*CommandHandler
	aliases  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*CommandHandler),
		aliases:  make(map[string]string),
	}
}

// Register adds a handler. Registering a name twice replaces the handler.
func (r *Registry) Register(handler *CommandHandler) {
	if handler == nil || handler.Name == "" || handler.Func == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(handler.Name)
	r.handlers[name] = handler
	for _, alias := range handler.Aliases {
		r.aliases[strings.ToLower(alias)] = name
	}
}

// Lookup returns the handler for a verb or alias, or nil when nothing
// matches.
func (r *Registry) Lookup(verb string) *CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verb = strings.ToLower(verb)
	if canonical, ok := r.aliases[verb]; ok {
		verb = canonical
	}
	return r.handlers[verb]
}

// All returns every handler sorted by name.
func (r *Registry) All() []*CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := make([]*CommandHandler, 0, len(r.handlers))
	for _, handler := range r.handlers {
		handlers = append(handlers, handler)
	}
	slices.SortFunc(handlers, func(a, b *CommandHandler) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return handlers
}
