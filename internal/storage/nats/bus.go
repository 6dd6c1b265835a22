// Package nats provides a NATS core pub/sub implementation of the message
// bus, for deployments that keep room traffic off the Redis server.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// Config holds NATS connection settings
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// DefaultConfig returns the default NATS configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: 10,
		ReconnectWait: time.Second,
		PingInterval:  20 * time.Second,
	}
}

// Bus publishes and subscribes over NATS subjects. Channel names are used
// as subjects verbatim.
type Bus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS and returns a bus that owns the connection
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	logger = logger.With(slog.String("component", "nats-bus"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name("lobbymesh"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to nats: %w", model.ErrStoreUnavailable, err)
	}

	return &Bus{nc: nc, logger: logger}, nil
}

// Ensure Bus implements the interface
var _ storage.Bus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("%w: publish: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Subscribe registers an async subscription. NATS runs each async
// subscription on its own goroutine, so handlers see messages in order.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler storage.Handler) (storage.Subscription, error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %w", model.ErrStoreUnavailable, err)
	}

	// The round trip guarantees the server has processed the SUB
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: subscribe flush: %w", model.ErrStoreUnavailable, err)
	}
	return &subscription{sub: sub}, nil
}

// Close drains pending messages and closes the connection
func (b *Bus) Close() error {
	return b.nc.Drain()
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Close() error {
	err := s.sub.Unsubscribe()
	if err == nats.ErrBadSubscription || err == nats.ErrConnectionClosed {
		return nil
	}
	return err
}
