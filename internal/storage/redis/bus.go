package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mcoot/lobbymesh/internal/storage"
)

// ErrBusClosed is returned when subscribing on a closed bus
var ErrBusClosed = errors.New("bus closed")

// Bus multiplexes every channel subscription of an instance over a single
// Redis pub/sub connection.
type Bus struct {
	client *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]*channelState
	nextID   uint64
	closed   bool
}

type channelState struct {
	ready     chan struct{}
	readyOnce sync.Once
	inboxes   map[uint64]*storage.Inbox
}

func (c *channelState) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// NewBus creates a bus on top of an existing client
func NewBus(client *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{
		client:   client,
		logger:   logger.With(slog.String("component", "redis-bus")),
		channels: make(map[string]*channelState),
	}
}

// Ensure Bus implements the interface
var _ storage.Bus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler storage.Handler) (storage.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(context.Background())
		go b.run(b.pubsub.ChannelWithSubscriptions())
	}

	state, ok := b.channels[channel]
	if !ok {
		state = &channelState{
			ready:   make(chan struct{}),
			inboxes: make(map[uint64]*storage.Inbox),
		}
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.mu.Unlock()
			return nil, unavailable("subscribe", err)
		}
		b.channels[channel] = state
	}

	b.nextID++
	sub := &subscription{bus: b, channel: channel, id: b.nextID}
	state.inboxes[sub.id] = storage.NewInbox(handler)
	b.mu.Unlock()

	// Redis confirms the SUBSCRIBE on the receive side; until then a
	// publish could be missed.
	select {
	case <-state.ready:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

// Close tears down every subscription and the shared connection
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, state := range b.channels {
		for _, in := range state.inboxes {
			in.Close()
		}
	}
	b.channels = make(map[string]*channelState)

	if b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}

func (b *Bus) run(messages <-chan any) {
	for msg := range messages {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.mu.Lock()
				if state, ok := b.channels[m.Channel]; ok {
					state.markReady()
				}
				b.mu.Unlock()
			}
		case *redis.Message:
			b.deliver(m.Channel, []byte(m.Payload))
		default:
			b.logger.Debug("ignoring pubsub message", slog.Any("message", m))
		}
	}
}

func (b *Bus) deliver(channel string, payload []byte) {
	b.mu.Lock()
	state, ok := b.channels[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	inboxes := make([]*storage.Inbox, 0, len(state.inboxes))
	for _, in := range state.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.Unlock()

	for _, in := range inboxes {
		in.Push(payload)
	}
}

func (b *Bus) unsubscribe(channel string, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.channels[channel]
	if !ok {
		return nil
	}
	in, ok := state.inboxes[id]
	if !ok {
		return nil
	}
	in.Close()
	delete(state.inboxes, id)

	if len(state.inboxes) > 0 {
		return nil
	}
	delete(b.channels, channel)

	if b.closed || b.pubsub == nil {
		return nil
	}
	if err := b.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		return unavailable("unsubscribe", err)
	}
	return nil
}

type subscription struct {
	bus     *Bus
	channel string
	id      uint64
	once    sync.Once
	err     error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.bus.unsubscribe(s.channel, s.id)
	})
	return s.err
}
