package storage

import "sync"

// Inbox runs a Handler on its own goroutine, delivering pushed payloads in
// order. Handlers may block or subscribe to further channels without stalling
// the bus that feeds them.
type Inbox struct {
	handler Handler
	wake    chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// NewInbox starts delivering to handler
func NewInbox(handler Handler) *Inbox {
	in := &Inbox{
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	go in.run()
	return in
}

// Push queues a payload. Pushing to a closed inbox is a no-op.
func (in *Inbox) Push(payload []byte) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.queue = append(in.queue, payload)
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Close drops anything still queued and stops the delivery goroutine. A
// handler call already in progress runs to completion.
func (in *Inbox) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.queue = nil
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *Inbox) run() {
	for range in.wake {
		for {
			in.mu.Lock()
			if in.closed {
				in.mu.Unlock()
				return
			}
			if len(in.queue) == 0 {
				in.mu.Unlock()
				break
			}
			payload := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.mu.Unlock()

			in.handler(payload)
		}
	}
}
