package services

import (
	"context"
	"errors"
	"fmt"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// Lifecycle is the glue between realtime connections and the presence service. It keeps no state
// of its own; the registry and the store hold it.
type Lifecycle struct {
	presence *PresenceService
	typing   *TypingService
	registry *ConnectionRegistry
	store    *Store
	metrics  *Metrics
	logger   *utils.Logger
}

func NewLifecycle(presence *PresenceService, typing *TypingService, registry *ConnectionRegistry, store *Store, metrics *Metrics, logger *utils.Logger) *Lifecycle {
	return &Lifecycle{
		presence: presence,
		typing:   typing,
		registry: registry,
		store:    store,
		metrics:  metrics,
		logger:   logger.With("component", "lifecycle"),
	}
}

// Register wires the connection and fan-out handlers into the dispatch table.
func (l *Lifecycle) Register(d *Dispatcher) {
	d.On(EventConnected, l.OnConnect)
	d.On(EventDisconnected, l.OnDisconnect)
	d.On(EventPresenceChanged, l.OnPresenceChanged)
}

// OnConnect registers the connection and counts it as a heartbeat, so a user is online as soon as
// the socket opens. The heartbeat creates the session and performs the online transition; the
// online status call then cancels an offline recheck a recent disconnect left pending here.
func (l *Lifecycle) OnConnect(ctx context.Context, ev Event) error {
	if ev.UserID == "" || ev.Client == nil {
		return errors.New("connect event without user or client")
	}

	first := l.registry.Register(ev.UserID, ev.Client)
	l.metrics.ActiveConnections.Set(float64(l.registry.Count()))
	l.logger.Debug("Connection opened", "user_id", ev.UserID, "session_id", ev.Client.SessionID(), "first_local", first)

	if err := l.presence.HandleHeartbeat(ctx, ev.UserID, ev.Client.SessionID()); err != nil {
		return err
	}
	if err := l.presence.SetUserOnlineStatus(ctx, ev.UserID, true); err != nil {
		return fmt.Errorf("failed to mark user online: %w", err)
	}
	return nil
}

// OnDisconnect removes the connection and its heartbeat key. When it was the user's last
// connection on this node, typing flags are cleared and the debounced offline path starts. Other
// nodes may still hold a session; the recheck looks for that.
func (l *Lifecycle) OnDisconnect(ctx context.Context, ev Event) error {
	if ev.UserID == "" || ev.SessionID == "" {
		return errors.New("disconnect event without user or session")
	}

	last := l.registry.Unregister(ev.UserID, ev.SessionID)
	l.metrics.ActiveConnections.Set(float64(l.registry.Count()))

	if err := l.store.DeleteHeartbeat(ctx, ev.UserID, ev.SessionID); err != nil {
		l.logger.Warn("Failed to delete heartbeat", "user_id", ev.UserID, "session_id", ev.SessionID, "error", err)
	}
	if !last {
		return nil
	}

	if err := l.typing.ClearUserTyping(ctx, ev.UserID); err != nil {
		l.logger.Warn("Failed to clear typing flags", "user_id", ev.UserID, "error", err)
	}
	if err := l.presence.SetUserOnlineStatus(ctx, ev.UserID, false); err != nil {
		return fmt.Errorf("failed to start offline check: %w", err)
	}
	return nil
}

// OnPresenceChanged pushes a transition to the subscribers connected to this node.
func (l *Lifecycle) OnPresenceChanged(ctx context.Context, ev Event) error {
	if ev.Presence == nil {
		return nil
	}

	audience, err := l.presence.Audience(ctx, ev.Presence.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve presence audience: %w", err)
	}

	frame := models.ServerFrame{Type: models.FramePresence, Presence: ev.Presence}
	for _, viewerID := range audience {
		for _, client := range l.registry.Connections(viewerID) {
			if err := client.Send(frame); err != nil {
				l.metrics.FanoutDeliveries.WithLabelValues("dropped").Inc()
				l.logger.Debug("Dropped presence frame", "viewer_id", viewerID, "error", err)
				continue
			}
			l.metrics.FanoutDeliveries.WithLabelValues("delivered").Inc()
		}
	}
	return nil
}
