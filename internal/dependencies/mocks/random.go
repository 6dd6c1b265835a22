package mocks

import (
	"sync"

	"github.com/mcoot/lobbymesh/internal/dependencies/random"
)

// MockRandom returns queued strings in order. Once the queue is drained it
// returns Fallback.
type MockRandom struct {
	mu       sync.Mutex
	queue    []string
	Fallback string
	calls    int
}

// Ensure MockRandom implements Random
var _ random.Random = (*MockRandom)(nil)

// NewMockRandom creates a new MockRandom
func NewMockRandom() *MockRandom {
	return &MockRandom{}
}

// String returns the next queued result, ignoring length and alphabet
func (r *MockRandom) String(length int, alphabet string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.queue) == 0 {
		return r.Fallback
	}
	result := r.queue[0]
	r.queue = r.queue[1:]
	return result
}

// QueueString adds values to the result queue
func (r *MockRandom) QueueString(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, values...)
}

// Calls returns how many strings have been drawn
func (r *MockRandom) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
