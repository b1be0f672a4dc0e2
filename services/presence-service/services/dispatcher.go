package services

import (
	"context"
	"sync"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// EventKind names an entry in the dispatch table.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventPresenceChanged EventKind = "presence_changed"
)

// Event is one occurrence routed through the Dispatcher. Which fields are set depends on Kind.
type Event struct {
	Kind      EventKind
	UserID    string
	SessionID string
	Client    Client
	Presence  *models.PresenceEvent
}

// HandlerFunc handles one dispatched event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher is an explicit table of handlers keyed by event kind. Handlers for a kind run in
// registration order; an error is logged and does not stop later handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind][]HandlerFunc
	logger   *utils.Logger
}

func NewDispatcher(logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventKind][]HandlerFunc),
		logger:   logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) On(kind EventKind, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], handler)
}

// Dispatch runs every handler registered for ev.Kind and returns how many failed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) int {
	d.mu.RLock()
	handlers := d.handlers[ev.Kind]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("No handlers for event", "kind", ev.Kind)
		return 0
	}

	failed := 0
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			failed++
			d.logger.Error("Event handler failed", "kind", ev.Kind, "user_id", ev.UserID, "error", err)
		}
	}
	return failed
}
