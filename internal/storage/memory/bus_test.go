package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(ctx, "chan", func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
	})
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, "chan", []byte(m)))
	}
	require.NoError(t, bus.Publish(ctx, "elsewhere", []byte("x")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	delivered := make(chan string, 4)
	sub, err := bus.Subscribe(ctx, "chan", func(payload []byte) {
		delivered <- string(payload)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("chan"))

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.Subscribers("chan"))

	require.NoError(t, bus.Publish(ctx, "chan", []byte("late")))
	select {
	case m := <-delivered:
		t.Fatalf("unexpected delivery %q", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusPublishCopiesPayload(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	delivered := make(chan []byte, 1)
	_, err := bus.Subscribe(ctx, "chan", func(payload []byte) {
		delivered <- payload
	})
	require.NoError(t, err)

	buf := []byte("original")
	require.NoError(t, bus.Publish(ctx, "chan", buf))
	copy(buf, "mutated!")

	select {
	case got := <-delivered:
		assert.Equal(t, "original", string(got))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
