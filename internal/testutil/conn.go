package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mcoot/lobbymesh/internal/model"
)

// ErrConnClosed is returned by RecordingConn.Send after Close
var ErrConnClosed = errors.New("connection closed")

// RecordingConn captures events sent to a client connection.
// Safe for concurrent use.
type RecordingConn struct {
	mu     sync.Mutex
	events []model.Event
	closed bool
	reason string
}

// NewRecordingConn creates an open RecordingConn
func NewRecordingConn() *RecordingConn {
	return &RecordingConn{}
}

// Send records the event
func (c *RecordingConn) Send(ctx context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.events = append(c.events, ev)
	return nil
}

// Close marks the connection closed
func (c *RecordingConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

// Events returns a copy of everything sent so far
func (c *RecordingConn) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

// Kinds returns the kinds of everything sent so far, in order
func (c *RecordingConn) Kinds() []model.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]model.EventKind, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Has reports whether an event of the given kind was sent
func (c *RecordingConn) Has(kind model.EventKind) bool {
	_, ok := c.Find(kind)
	return ok
}

// Find returns the most recent event of the given kind
func (c *RecordingConn) Find(kind model.EventKind) (model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Kind == kind {
			return c.events[i], true
		}
	}
	return model.Event{}, false
}

// Decode unmarshals the data of the most recent event of the given kind
func (c *RecordingConn) Decode(kind model.EventKind, v any) bool {
	ev, ok := c.Find(kind)
	if !ok {
		return false
	}
	return json.Unmarshal(ev.Data, v) == nil
}

// Reset forgets recorded events
func (c *RecordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Closed reports whether Close was called, and why
func (c *RecordingConn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}
