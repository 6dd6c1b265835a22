package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// CommandVersion is the envelope version this instance speaks
const CommandVersion = 1

// CommandKind names a cross-instance command
type CommandKind string

// Player channel commands
const (
	CmdSendEvent  CommandKind = "send-event"
	CmdJoinedRoom CommandKind = "joined-room"
	CmdEvicted    CommandKind = "evicted"
	CmdHost       CommandKind = "host"
	CmdJoin       CommandKind = "join"
	CmdLeave      CommandKind = "leave"
	CmdDisplace   CommandKind = "displace"
)

// Room channel commands
const (
	CmdRoomJoin      CommandKind = "room-join"
	CmdRoomLeave     CommandKind = "room-leave"
	CmdRoomBroadcast CommandKind = "room-broadcast"
	CmdRoomRelay     CommandKind = "room-relay"
)

// Command is the envelope published on player and room channels
type Command struct {
	Version int             `json:"v"`
	Origin  string          `json:"origin"`
	Target  string          `json:"target"`
	Kind    CommandKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinedRoomPayload struct {
	Code   model.RoomCode `json:"code"`
	IsHost bool           `json:"isHost"`
	// Moved marks membership handed over by the player's previous instance
	Moved bool `json:"moved,omitempty"`
}

type evictedPayload struct {
	Code model.RoomCode `json:"code"`
}

type hostPayload struct {
	Password string `json:"password,omitempty"`
}

type joinPayload struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

type roomMemberPayload struct {
	Player model.PlayerID `json:"player"`
	Name   string         `json:"name,omitempty"`
}

type roomBroadcastPayload struct {
	Sender model.PlayerID `json:"sender"`
	Event  model.Event    `json:"event"`
}

type roomRelayPayload struct {
	Recipients []model.PlayerID `json:"recipients"`
	Event      model.Event      `json:"event"`
}

var errUnknownCommand = errors.New("unknown command kind")

type playerCommandFunc func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error

type roomCommandFunc func(ctx context.Context, c *Coordinator, code model.RoomCode, cmd Command) error

var playerCommands = map[CommandKind]playerCommandFunc{
	CmdSendEvent: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		var ev model.Event
		if err := json.Unmarshal(cmd.Payload, &ev); err != nil {
			return err
		}
		return p.SendEvent(ctx, ev)
	},
	CmdJoinedRoom: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		var payload joinedRoomPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		if payload.Moved {
			return p.adopt(ctx, payload.Code, payload.IsHost)
		}
		return p.JoinSucceeded(ctx, payload.Code, payload.IsHost)
	},
	CmdEvicted: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		var payload evictedPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return p.Evicted(ctx, payload.Code)
	},
	CmdHost: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		var payload hostPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return p.Host(ctx, payload.Password)
	},
	CmdJoin: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		var payload joinPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return p.AttemptJoining(ctx, payload.Code, payload.Password)
	},
	CmdLeave: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		return p.Leave(ctx)
	},
	CmdDisplace: func(ctx context.Context, c *Coordinator, p *LocalPlayer, cmd Command) error {
		return c.handOff(ctx, p, cmd.Origin)
	},
}

var roomCommands = map[CommandKind]roomCommandFunc{
	CmdRoomJoin: func(ctx context.Context, c *Coordinator, code model.RoomCode, cmd Command) error {
		room := c.hostedRoom(code)
		if room == nil {
			return nil
		}
		var payload roomMemberPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return room.TryJoining(ctx, c.resolvePlayer(payload.Player, payload.Name))
	},
	CmdRoomLeave: func(ctx context.Context, c *Coordinator, code model.RoomCode, cmd Command) error {
		room := c.hostedRoom(code)
		if room == nil {
			return nil
		}
		var payload roomMemberPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return room.PlayerLeft(ctx, c.resolvePlayer(payload.Player, payload.Name))
	},
	CmdRoomBroadcast: func(ctx context.Context, c *Coordinator, code model.RoomCode, cmd Command) error {
		room := c.hostedRoom(code)
		if room == nil {
			return nil
		}
		var payload roomBroadcastPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return room.Broadcast(ctx, payload.Sender, payload.Event)
	},
	CmdRoomRelay: func(ctx context.Context, c *Coordinator, code model.RoomCode, cmd Command) error {
		var payload roomRelayPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		var errs []error
		for _, id := range payload.Recipients {
			p := c.localPlayer(id)
			if p == nil {
				continue
			}
			if err := p.SendEvent(ctx, payload.Event); err != nil {
				errs = append(errs, fmt.Errorf("deliver to %s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	},
}

// PlayerChannel is the bus channel addressed to a player
func PlayerChannel(id model.PlayerID) string {
	return "lobbymesh:events:player:" + string(id)
}

// RoomChannel is the bus channel addressed to a room
func RoomChannel(code model.RoomCode) string {
	return "lobbymesh:events:room:" + string(code)
}

// Router publishes commands to other instances and dispatches the commands
// they publish to local players and hosted rooms.
type Router struct {
	coord  *Coordinator
	bus    storage.Bus
	logger *slog.Logger

	mu         sync.Mutex
	playerSubs map[model.PlayerID]storage.Subscription
	roomSubs   map[model.RoomCode]*roomWatch
}

type roomWatch struct {
	sub  storage.Subscription
	refs int
}

func newRouter(coord *Coordinator, bus storage.Bus, logger *slog.Logger) *Router {
	return &Router{
		coord:      coord,
		bus:        bus,
		logger:     logger.With(slog.String("component", "router")),
		playerSubs: make(map[model.PlayerID]storage.Subscription),
		roomSubs:   make(map[model.RoomCode]*roomWatch),
	}
}

// SendToPlayer publishes a command on a player's channel
func (r *Router) SendToPlayer(ctx context.Context, id model.PlayerID, kind CommandKind, payload any) error {
	return r.publish(ctx, PlayerChannel(id), string(id), kind, payload)
}

// SendToRoom publishes a command on a room's channel
func (r *Router) SendToRoom(ctx context.Context, code model.RoomCode, kind CommandKind, payload any) error {
	return r.publish(ctx, RoomChannel(code), string(code), kind, payload)
}

func (r *Router) publish(ctx context.Context, channel, target string, kind CommandKind, payload any) error {
	cmd := Command{
		Version: CommandVersion,
		Origin:  r.coord.cfg.Instance,
		Target:  target,
		Kind:    kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		cmd.Payload = data
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", kind, err)
	}
	return r.bus.Publish(ctx, channel, data)
}

// SubscribePlayer starts receiving commands addressed to a local player
func (r *Router) SubscribePlayer(ctx context.Context, id model.PlayerID) error {
	r.mu.Lock()
	_, ok := r.playerSubs[id]
	r.mu.Unlock()
	if ok {
		return nil
	}

	sub, err := r.bus.Subscribe(ctx, PlayerChannel(id), func(data []byte) {
		r.dispatchPlayer(id, data)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.playerSubs[id]; ok {
		_ = sub.Close()
		return nil
	}
	r.playerSubs[id] = sub
	return nil
}

// UnsubscribePlayer stops receiving a player's commands
func (r *Router) UnsubscribePlayer(id model.PlayerID) {
	r.mu.Lock()
	sub, ok := r.playerSubs[id]
	delete(r.playerSubs, id)
	r.mu.Unlock()

	if ok {
		if err := sub.Close(); err != nil {
			r.logger.Warn("failed to unsubscribe player", slog.String("player", string(id)), slog.String("error", err.Error()))
		}
	}
}

// WatchRoom takes a reference on a room channel subscription
func (r *Router) WatchRoom(ctx context.Context, code model.RoomCode) error {
	r.mu.Lock()
	if w, ok := r.roomSubs[code]; ok {
		w.refs++
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(ctx, RoomChannel(code), func(data []byte) {
		r.dispatchRoom(code, data)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.roomSubs[code]; ok {
		// Lost a race with a concurrent watcher
		w.refs++
		_ = sub.Close()
		return nil
	}
	r.roomSubs[code] = &roomWatch{sub: sub, refs: 1}
	return nil
}

// ReleaseRoom drops a reference taken by WatchRoom
func (r *Router) ReleaseRoom(code model.RoomCode) {
	r.mu.Lock()
	w, ok := r.roomSubs[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	w.refs--
	if w.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.roomSubs, code)
	r.mu.Unlock()

	if err := w.sub.Close(); err != nil {
		r.logger.Warn("failed to unsubscribe room", slog.String("code", string(code)), slog.String("error", err.Error()))
	}
}

// WatchedRooms returns the reference count per watched room
func (r *Router) WatchedRooms() map[model.RoomCode]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.RoomCode]int, len(r.roomSubs))
	for code, w := range r.roomSubs {
		out[code] = w.refs
	}
	return out
}

// Close drops every subscription
func (r *Router) Close() {
	r.mu.Lock()
	players := r.playerSubs
	rooms := r.roomSubs
	r.playerSubs = make(map[model.PlayerID]storage.Subscription)
	r.roomSubs = make(map[model.RoomCode]*roomWatch)
	r.mu.Unlock()

	for _, sub := range players {
		_ = sub.Close()
	}
	for _, w := range rooms {
		_ = w.sub.Close()
	}
}

func (r *Router) decode(target string, data []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		r.logger.Warn("dropping malformed command", slog.String("error", err.Error()))
		return cmd, false
	}
	if cmd.Version != CommandVersion {
		r.logger.Warn("dropping command with unsupported version",
			slog.Int("version", cmd.Version),
			slog.String("kind", string(cmd.Kind)),
		)
		return cmd, false
	}
	if cmd.Target != target {
		r.logger.Warn("dropping misaddressed command",
			slog.String("target", cmd.Target),
			slog.String("channel_target", target),
		)
		return cmd, false
	}
	// Never act on our own publications
	if cmd.Origin == r.coord.cfg.Instance {
		return cmd, false
	}
	return cmd, true
}

func (r *Router) dispatchPlayer(id model.PlayerID, data []byte) {
	cmd, ok := r.decode(string(id), data)
	if !ok {
		return
	}

	handler, ok := playerCommands[cmd.Kind]
	if !ok {
		r.logCommandError(cmd, errUnknownCommand)
		return
	}

	p := r.coord.localPlayer(id)
	if p == nil {
		r.logger.Debug("no local player for command", slog.String("player", string(id)), slog.String("kind", string(cmd.Kind)))
		return
	}

	if err := handler(r.coord.baseCtx, r.coord, p, cmd); err != nil {
		r.logCommandError(cmd, err)
	}
}

func (r *Router) dispatchRoom(code model.RoomCode, data []byte) {
	cmd, ok := r.decode(string(code), data)
	if !ok {
		return
	}

	handler, ok := roomCommands[cmd.Kind]
	if !ok {
		r.logCommandError(cmd, errUnknownCommand)
		return
	}

	if err := handler(r.coord.baseCtx, r.coord, code, cmd); err != nil {
		r.logCommandError(cmd, err)
	}
}

func (r *Router) logCommandError(cmd Command, err error) {
	level := slog.LevelWarn
	if _, reported := model.ErrorEvent(err); reported {
		// Already surfaced to the player's client
		level = slog.LevelDebug
	}
	r.logger.Log(context.Background(), level, "command failed",
		slog.String("kind", string(cmd.Kind)),
		slog.String("origin", cmd.Origin),
		slog.String("target", cmd.Target),
		slog.String("error", err.Error()),
	)
}
