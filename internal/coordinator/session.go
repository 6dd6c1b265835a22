package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mcoot/lobbymesh/internal/model"
)

// ErrSessionEnded is returned when sending on a session that has ended
var ErrSessionEnded = errors.New("session ended")

// Conn is the client connection a Session writes to
type Conn interface {
	// Send queues an event for delivery to the client
	Send(ctx context.Context, ev model.Event) error
	// Close terminates the connection
	Close(reason string)
}

// Session is one live client connection bound to a LocalPlayer.
// Its context is canceled when the session ends for any reason.
type Session struct {
	id     string
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	player *LocalPlayer
	ended  bool
}

func newSession(parent context.Context, conn Conn, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("session", id)),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Context is canceled once the session ends
func (s *Session) Context() context.Context {
	return s.ctx
}

// Player returns the bound player, or nil
func (s *Session) Player() *LocalPlayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// Active reports whether the session is still bound
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.player != nil
}

// Send writes an event to the client
func (s *Session) Send(ev model.Event) error {
	if s.ctx.Err() != nil {
		return ErrSessionEnded
	}
	return s.conn.Send(s.ctx, ev)
}

// Bind attaches the session to a player. Any session previously bound to the
// player is force-ended first; this one becomes active only after that, so
// the two are never active together. Callers hold the player's lifecycle
// lock.
func (s *Session) Bind(p *LocalPlayer) {
	if prev := p.currentSession(); prev != nil && prev != s {
		prev.forceEnd(model.NewEvent(model.EventSessionReplaced, nil), "session replaced")
	}
	p.connect(s)

	s.mu.Lock()
	s.player = p
	s.mu.Unlock()
}

// Unbind ends the session after a client disconnect. The player stays known
// to the instance but inactive.
func (s *Session) Unbind() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	p := s.player
	s.mu.Unlock()

	s.cancel()
	if p != nil {
		p.disconnect(s)
	}
}

// forceEnd tells the client why, then closes the connection. The player
// binding is left to whoever replaced this session.
func (s *Session) forceEnd(notice model.Event, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	if err := s.conn.Send(s.ctx, notice); err != nil {
		s.logger.Debug("failed to notify ended session", slog.String("error", err.Error()))
	}
	s.cancel()
	s.conn.Close(reason)
	s.logger.Info("session force-ended", slog.String("reason", reason))
}
