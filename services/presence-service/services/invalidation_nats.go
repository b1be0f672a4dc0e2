package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"chorus/presence-service/utils"
)

const invalidationSubject = "cache.invalidate"

// NATSInvalidationBus implements InvalidationBus over a plain NATS subject (no queue group, so
// every node receives every message).
type NATSInvalidationBus struct {
	nc      *nats.Conn
	subject string
	logger  *utils.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSInvalidationBus(nc *nats.Conn, logger *utils.Logger) *NATSInvalidationBus {
	return &NATSInvalidationBus{
		nc:      nc,
		subject: invalidationSubject,
		logger:  logger.With("component", "invalidation-bus", "transport", "nats"),
	}
}

// ConnectNATS dials NATS with reconnects enabled, retrying the first connect with backoff.
func ConnectNATS(ctx context.Context, url, name string, logger *utils.Logger) (*nats.Conn, error) {
	connect := func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(time.Minute),
	), ctx)

	var nc *nats.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = connect()
		return err
	}, b, func(err error, wait time.Duration) {
		logger.Info("Waiting for NATS", "error", err, "wait", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}

func (b *NATSInvalidationBus) Publish(_ context.Context, key string) error {
	if err := b.nc.Publish(b.subject, []byte(key)); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

func (b *NATSInvalidationBus) Start(_ context.Context, handler InvalidationHandler) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to confirm subscription to %s: %w", b.subject, err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	b.logger.Info("Listening for cache invalidations", "subject", b.subject)
	return nil
}

func (b *NATSInvalidationBus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
