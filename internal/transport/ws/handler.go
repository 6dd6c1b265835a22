// Package ws connects websocket clients to the coordinator. Each connection
// becomes one Session bound to the player named in the query string.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/protocol"
)

// Config holds websocket settings
type Config struct {
	// SendBuffer is how many outbound events may queue per client before
	// the client is disconnected
	SendBuffer int
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration
	// PingInterval is how often idle clients are pinged. Zero disables pings.
	PingInterval time.Duration
	// ReadLimit is the maximum inbound frame size in bytes
	ReadLimit int64
	// OriginPatterns lists extra origins allowed to connect cross-origin
	OriginPatterns []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

const maxNameLength = 64

var playerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidPlayerID reports whether a client-supplied id is usable as is
func ValidPlayerID(id string) bool {
	return playerIDPattern.MatchString(id)
}

type messageHandler func(ctx context.Context, p *coordinator.LocalPlayer, data any) error

var handlers = map[protocol.InboundKind]messageHandler{
	protocol.InboundHost: func(ctx context.Context, p *coordinator.LocalPlayer, data any) error {
		return p.Host(ctx, data.(protocol.HostData).Password)
	},
	protocol.InboundJoin: func(ctx context.Context, p *coordinator.LocalPlayer, data any) error {
		d := data.(protocol.JoinData)
		return p.AttemptJoining(ctx, d.GameID, d.Password)
	},
	protocol.InboundLeave: func(ctx context.Context, p *coordinator.LocalPlayer, _ any) error {
		return p.Leave(ctx)
	},
	protocol.InboundHeartbeat: func(context.Context, *coordinator.LocalPlayer, any) error {
		return nil
	},
	protocol.InboundUpdateState: func(ctx context.Context, p *coordinator.LocalPlayer, data any) error {
		return p.UpdateState(ctx, data.(protocol.StateData).Payload)
	},
	protocol.InboundTimer: func(ctx context.Context, p *coordinator.LocalPlayer, data any) error {
		return p.Timer(ctx, data.(protocol.TimerData).Value)
	},
}

// Handler upgrades HTTP requests to websocket sessions
type Handler struct {
	coord  *coordinator.Coordinator
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a websocket handler
func NewHandler(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		coord:  coord,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ws")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id := query.Get("id")
	if !ValidPlayerID(id) {
		id = uuid.NewString()
	}
	name := truncate(strings.ToValidUTF8(strings.TrimSpace(query.Get("name")), ""), maxNameLength)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer ws.CloseNow()
	if h.cfg.ReadLimit > 0 {
		ws.SetReadLimit(h.cfg.ReadLimit)
	}

	c := newConn(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	sess, err := h.coord.Connect(r.Context(), c, model.PlayerID(id), name)
	if err != nil {
		h.logger.Error("failed to connect player", slog.String("player", id), slog.String("error", err.Error()))
		status := websocket.StatusInternalError
		if errors.Is(err, coordinator.ErrClosed) {
			status = websocket.StatusGoingAway
		}
		_ = ws.Close(status, "unable to connect")
		return
	}

	// Not the session context: a force-ended session must still flush its
	// final notice, and the writer stops on its own once the queue closes
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		return h.readLoop(ctx, ws, sess)
	})
	g.Go(func() error {
		return c.writeLoop(ctx)
	})
	if h.cfg.PingInterval > 0 {
		g.Go(func() error {
			// A quiet client is still present as long as it answers pings
			return c.pingLoop(ctx, h.cfg.PingInterval, func(ctx context.Context) {
				h.renew(ctx, sess.Player())
			})
		})
	}

	err = g.Wait()
	serverClosed := c.isClosed()
	sess.Unbind()
	c.Close("")

	if serverClosed {
		return
	}
	if closeErr := classify(err); closeErr != nil {
		h.logger.Warn("websocket closed with error", slog.String("player", id), slog.String("error", closeErr.Error()))
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sess *coordinator.Session) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if sendErr := sess.Send(protocol.ErrorEvent(err)); sendErr != nil && !errors.Is(sendErr, coordinator.ErrSessionEnded) {
				return sendErr
			}
			continue
		}

		p := sess.Player()
		h.renew(ctx, p)

		if err := handlers[msg.Kind](ctx, p, msg.Data); err != nil {
			// Outcomes are reported to the client by the player itself
			h.logger.Debug("client request failed",
				slog.String("player", string(p.ID())),
				slog.String("type", string(msg.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (h *Handler) renew(ctx context.Context, p *coordinator.LocalPlayer) {
	if err := p.Renew(ctx); err != nil {
		h.logger.Warn("failed to renew player", slog.String("player", string(p.ID())), slog.String("error", err.Error()))
	}
}

// classify drops the errors that mean an ordinary end of connection
func classify(err error) error {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, errServerClosed),
		errors.Is(err, ErrConnClosed):
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return nil
	}
	return err
}
