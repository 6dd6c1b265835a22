package memory

import (
	"context"
	"sync"

	"github.com/mcoot/lobbymesh/internal/storage"
)

// Bus is an in-process pub/sub bus. Several coordinators sharing one Bus
// behave like instances sharing a Redis server.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*storage.Inbox
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]*storage.Inbox),
	}
}

// Ensure Bus implements the interface
var _ storage.Bus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	inboxes := make([]*storage.Inbox, 0, len(b.subs[channel]))
	for _, in := range b.subs[channel] {
		inboxes = append(inboxes, in)
	}
	b.mu.Unlock()

	msg := append([]byte(nil), payload...)
	for _, in := range inboxes {
		in.Push(msg)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler storage.Handler) (storage.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		set = make(map[uint64]*storage.Inbox)
		b.subs[channel] = set
	}
	b.nextID++
	set[b.nextID] = storage.NewInbox(handler)
	return &subscription{bus: b, channel: channel, id: b.nextID}, nil
}

// Subscribers reports how many live subscriptions a channel has
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[channel]
	if !ok {
		return
	}
	if in, ok := set[id]; ok {
		in.Close()
		delete(set, id)
	}
	if len(set) == 0 {
		delete(b.subs, channel)
	}
}

type subscription struct {
	bus     *Bus
	channel string
	id      uint64
}

func (s *subscription) Close() error {
	s.bus.unsubscribe(s.channel, s.id)
	return nil
}
