package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/lobbymesh/internal/dependencies/clock"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/protocol"
)

// ErrNotHost is returned when a non-host tries a host-only operation
var ErrNotHost = errors.New("player is not hosting a room")

// LocalPlayer is a player whose client is (or was last) connected to this
// instance. It owns the player's room membership state.
type LocalPlayer struct {
	id     model.PlayerID
	coord  *Coordinator
	logger *slog.Logger

	// ops serializes Host, AttemptJoining and Leave. Lock order is
	// ops, then a room's mutex, then mu.
	ops sync.Mutex

	mu         sync.Mutex
	name       string
	session    *Session
	lastSeen   time.Time
	hostedRoom Room
	joinedRoom Room
	// pendingJoin is the room asked to admit this player that has not
	// confirmed yet
	pendingJoin model.RoomCode
}

func newLocalPlayer(coord *Coordinator, id model.PlayerID, name string) *LocalPlayer {
	return &LocalPlayer{
		id:       id,
		name:     name,
		coord:    coord,
		logger:   coord.logger.With(slog.String("player", string(id))),
		lastSeen: coord.clock.Now(),
	}
}

// Ensure LocalPlayer implements Player
var _ Player = (*LocalPlayer)(nil)

func (p *LocalPlayer) ID() model.PlayerID {
	return p.id
}

func (p *LocalPlayer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// IsActive reports whether a session is bound
func (p *LocalPlayer) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

// LastSeen returns the last recorded activity time
func (p *LocalPlayer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Hosting returns the code of the hosted room, if any
func (p *LocalPlayer) Hosting() (model.RoomCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hostedRoom == nil {
		return "", false
	}
	return p.hostedRoom.Code(), true
}

// Joined returns the code of the joined room, if any
func (p *LocalPlayer) Joined() (model.RoomCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joinedRoom == nil {
		return "", false
	}
	return p.joinedRoom.Code(), true
}

func (p *LocalPlayer) currentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SendEvent writes to the bound session. Without one the event is dropped.
func (p *LocalPlayer) SendEvent(ctx context.Context, ev model.Event) error {
	sess := p.currentSession()
	if sess == nil {
		return nil
	}
	if err := sess.Send(ev); err != nil && !errors.Is(err, ErrSessionEnded) {
		return err
	}
	return nil
}

func (p *LocalPlayer) reply(ctx context.Context, kind model.EventKind, payload any) {
	if err := p.SendEvent(ctx, model.NewEvent(kind, payload)); err != nil {
		p.logger.Warn("failed to send event", slog.String("event", string(kind)), slog.String("error", err.Error()))
	}
}

// replyError reports err to the client as its mapped event and returns it
func (p *LocalPlayer) replyError(ctx context.Context, err error) error {
	if ev, ok := model.ErrorEvent(err); ok {
		if sendErr := p.SendEvent(ctx, ev); sendErr != nil {
			p.logger.Warn("failed to send event", slog.String("event", string(ev.Kind)), slog.String("error", sendErr.Error()))
		}
	}
	return err
}

// Host creates a new room with this player as host
func (p *LocalPlayer) Host(ctx context.Context, password string) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	if _, hosting := p.Hosting(); hosting {
		return p.replyError(ctx, model.ErrAlreadyHosting)
	}

	if err := p.leaveJoined(ctx); err != nil {
		p.logger.Warn("failed to leave room before hosting", slog.String("error", err.Error()))
	}

	room, err := p.coord.openRoom(ctx, p, password)
	if err != nil {
		p.logger.Error("room creation failed", slog.String("error", err.Error()))
		return p.replyError(ctx, fmt.Errorf("%w: %w", model.ErrRoomCreationFailed, err))
	}

	p.mu.Lock()
	p.hostedRoom = room
	p.mu.Unlock()

	p.logger.Info("hosting room", slog.String("code", string(room.Code())))
	p.reply(ctx, model.EventRoomCreated, room.Code())
	p.reply(ctx, model.EventJoinedGame, model.JoinedGamePayload{Code: room.Code(), IsHost: true})
	return nil
}

// AttemptJoining validates the code and password, leaves any current room
// and asks the room to admit this player. The room reports the outcome.
func (p *LocalPlayer) AttemptJoining(ctx context.Context, raw string, password string) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	code := model.NormalizeRoomCode(raw)

	if _, hosting := p.Hosting(); hosting {
		return p.replyError(ctx, model.ErrAlreadyHosting)
	}
	if !code.Valid() {
		return p.replyError(ctx, model.ErrInvalidRoomCode)
	}

	rec, err := p.coord.store.GetRoom(ctx, code)
	if err != nil {
		return p.replyError(ctx, err)
	}

	if rec.PasswordProtected {
		if password == "" {
			return p.replyError(ctx, model.ErrPasswordNeeded)
		}
		if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
			p.replyLater(model.NewEvent(model.EventInvalidPassword, nil))
			return model.ErrInvalidPassword
		}
	}

	if joined, ok := p.Joined(); ok && joined == code {
		p.reply(ctx, model.EventJoinedGame, model.JoinedGamePayload{Code: code, IsHost: false})
		return nil
	}
	// A retry of the pending join is sent again; the room admits a member
	// at most once
	if p.pending() != code {
		if err := p.leaveJoined(ctx); err != nil {
			p.logger.Warn("failed to leave previous room", slog.String("error", err.Error()))
		}
	}

	room := p.coord.resolveRoom(code)
	p.mu.Lock()
	p.pendingJoin = code
	p.mu.Unlock()

	err = room.TryJoining(ctx, p)
	// A local room answers synchronously
	if _, local := room.(*HostedRoom); local || err != nil {
		p.clearPending(code)
	}
	return err
}

func (p *LocalPlayer) pending() model.RoomCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingJoin
}

func (p *LocalPlayer) clearPending(code model.RoomCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingJoin == code {
		p.pendingJoin = ""
	}
}

// abandonPending withdraws an unconfirmed join. The room channel is
// ordered, so the leave reaches the room after the join it cancels.
func (p *LocalPlayer) abandonPending(ctx context.Context) error {
	p.mu.Lock()
	code := p.pendingJoin
	p.pendingJoin = ""
	p.mu.Unlock()

	if code == "" {
		return nil
	}
	p.logger.Debug("abandoning pending join", slog.String("code", string(code)))
	return p.coord.resolveRoom(code).PlayerLeft(ctx, p)
}

// replyLater sends ev to the current session after WrongPasswordDelay. The
// reply is dropped if that session ends first.
func (p *LocalPlayer) replyLater(ev model.Event) {
	sess := p.currentSession()
	if sess == nil {
		return
	}

	timers := make(chan clock.Timer, 1)
	stop := context.AfterFunc(sess.Context(), func() {
		(<-timers).Stop()
	})
	timers <- p.coord.clock.AfterFunc(p.coord.cfg.WrongPasswordDelay, func() {
		stop()
		if err := sess.Send(ev); err != nil && !errors.Is(err, ErrSessionEnded) {
			p.logger.Warn("failed to send delayed event", slog.String("error", err.Error()))
		}
	})
}

// Leave leaves the joined room, or closes the hosted one
func (p *LocalPlayer) Leave(ctx context.Context) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	hosted := p.hostedRoom
	p.mu.Unlock()

	if hosted != nil {
		err := hosted.PlayerLeft(ctx, p)
		p.detach(hosted)
		p.reply(ctx, model.EventLeftGame, hosted.Code())
		return err
	}

	p.mu.Lock()
	joined := p.joinedRoom
	p.mu.Unlock()

	// An unconfirmed join is withdrawn without telling the client, which
	// never saw joinedGame for it
	err := p.leaveJoined(ctx)
	if joined != nil {
		p.reply(ctx, model.EventLeftGame, joined.Code())
	}
	return err
}

// leaveJoined leaves the joined room and withdraws any pending join. Must
// be called with ops held.
func (p *LocalPlayer) leaveJoined(ctx context.Context) error {
	pendingErr := p.abandonPending(ctx)

	p.mu.Lock()
	joined := p.joinedRoom
	p.mu.Unlock()
	if joined == nil {
		return pendingErr
	}

	err := joined.PlayerLeft(ctx, p)
	p.detach(joined)
	return errors.Join(pendingErr, err)
}

// JoinSucceeded records room membership and tells the client. A
// confirmation for a join the player has since abandoned is ignored.
func (p *LocalPlayer) JoinSucceeded(ctx context.Context, code model.RoomCode, isHost bool) error {
	if !isHost && !p.expectsJoin(code) {
		p.logger.Debug("ignoring stale join confirmation", slog.String("code", string(code)))
		return nil
	}
	return p.adopt(ctx, code, isHost)
}

// expectsJoin consumes the pending join for code. A repeated confirmation
// of the current room is also expected.
func (p *LocalPlayer) expectsJoin(code model.RoomCode) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingJoin == code {
		p.pendingJoin = ""
		return true
	}
	return p.joinedRoom != nil && p.joinedRoom.Code() == code
}

// adopt records membership of a room without a matching request, as when
// the player moves here from another instance
func (p *LocalPlayer) adopt(ctx context.Context, code model.RoomCode, isHost bool) error {
	room := p.coord.resolveRoom(code)
	if err := p.attach(ctx, room, isHost); err != nil {
		return err
	}
	p.reply(ctx, model.EventJoinedGame, model.JoinedGamePayload{Code: code, IsHost: isHost})
	return nil
}

// Evicted clears membership of a room that closed
func (p *LocalPlayer) Evicted(ctx context.Context, code model.RoomCode) error {
	p.mu.Lock()
	var room Room
	switch {
	case p.joinedRoom != nil && p.joinedRoom.Code() == code:
		room = p.joinedRoom
	case p.hostedRoom != nil && p.hostedRoom.Code() == code:
		room = p.hostedRoom
	}
	p.mu.Unlock()

	if room == nil {
		return nil
	}
	p.detach(room)
	p.reply(ctx, model.EventRoomClosed, code)
	return nil
}

// attach sets the room as hosted or joined. Rooms hosted elsewhere are
// watched so relayed broadcasts reach this instance.
func (p *LocalPlayer) attach(ctx context.Context, room Room, isHost bool) error {
	if _, remote := room.(*RoomHandle); remote {
		if err := p.coord.router.WatchRoom(ctx, room.Code()); err != nil {
			return err
		}
	}

	p.mu.Lock()
	var replaced Room
	if isHost {
		replaced, p.hostedRoom = p.hostedRoom, room
	} else {
		replaced, p.joinedRoom = p.joinedRoom, room
	}
	p.mu.Unlock()

	if replaced == nil {
		return nil
	}
	if replaced.Code() != room.Code() {
		// Never a member of two rooms
		if err := replaced.PlayerLeft(ctx, p); err != nil {
			p.logger.Warn("failed to leave replaced room", slog.String("code", string(replaced.Code())), slog.String("error", err.Error()))
		}
	}
	p.release(replaced)
	return nil
}

func (p *LocalPlayer) detach(room Room) {
	p.mu.Lock()
	switch {
	case p.hostedRoom == room:
		p.hostedRoom = nil
	case p.joinedRoom == room:
		p.joinedRoom = nil
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.release(room)
}

func (p *LocalPlayer) release(room Room) {
	if _, remote := room.(*RoomHandle); remote {
		p.coord.router.ReleaseRoom(room.Code())
	}
}

// UpdateState broadcasts an opaque game state to the hosted room
func (p *LocalPlayer) UpdateState(ctx context.Context, state json.RawMessage) error {
	return p.broadcastAsHost(ctx, model.RawEvent(model.EventStateChanged, state))
}

// Timer broadcasts a timer value to the hosted room
func (p *LocalPlayer) Timer(ctx context.Context, value json.RawMessage) error {
	return p.broadcastAsHost(ctx, model.RawEvent(model.EventTimer, value))
}

func (p *LocalPlayer) broadcastAsHost(ctx context.Context, ev model.Event) error {
	p.mu.Lock()
	hosted := p.hostedRoom
	p.mu.Unlock()

	if hosted == nil {
		p.reply(ctx, model.EventError, model.ErrorPayload{Code: protocol.CodeNotHost, Message: ErrNotHost.Error()})
		return ErrNotHost
	}
	return hosted.Broadcast(ctx, p.id, ev)
}

// Renew refreshes the player's presence record, at most once per
// RenewThreshold
func (p *LocalPlayer) Renew(ctx context.Context) error {
	now := p.coord.clock.Now()

	p.mu.Lock()
	if now.Sub(p.lastSeen) <= p.coord.cfg.RenewThreshold {
		p.mu.Unlock()
		return nil
	}
	p.lastSeen = now
	p.mu.Unlock()

	return p.coord.store.TouchPlayer(ctx, p.id, now)
}

// Clean deletes the player's presence record
func (p *LocalPlayer) Clean(ctx context.Context) error {
	return p.coord.store.DeletePlayer(ctx, p.id)
}

// connect binds a session. lastSeen is left to the next renewal so it
// keeps tracking the last presence write.
func (p *LocalPlayer) connect(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// disconnect unbinds s if it is still the current session
func (p *LocalPlayer) disconnect(s *Session) {
	now := p.coord.clock.Now()

	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		return
	}
	p.session = nil
	p.lastSeen = now
	p.mu.Unlock()

	if err := p.coord.store.TouchPlayer(p.coord.baseCtx, p.id, now); err != nil {
		p.logger.Warn("failed to record disconnect", slog.String("error", err.Error()))
	}
	p.logger.Info("player disconnected")
}

func (p *LocalPlayer) setName(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" || name == p.name {
		return false
	}
	p.name = name
	return true
}
