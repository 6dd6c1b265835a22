package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcoot/lobbymesh/internal/model"
)

// HostedRoom is the authoritative state of a room, living on the instance
// where it was created. Membership changes are serialized by mu and
// mirrored into the shared store.
type HostedRoom struct {
	code   model.RoomCode
	hostID model.PlayerID
	coord  *Coordinator
	logger *slog.Logger

	mu      sync.Mutex
	state   model.RoomState
	members map[model.PlayerID]string
	touched time.Time
}

func newHostedRoom(coord *Coordinator, code model.RoomCode, host Player) *HostedRoom {
	return &HostedRoom{
		code:    code,
		hostID:  host.ID(),
		coord:   coord,
		logger:  coord.logger.With(slog.String("room", string(code))),
		state:   model.RoomStateCreated,
		members: map[model.PlayerID]string{host.ID(): host.Name()},
		touched: coord.clock.Now(),
	}
}

// Ensure HostedRoom implements Room
var _ Room = (*HostedRoom)(nil)

func (r *HostedRoom) Code() model.RoomCode {
	return r.code
}

// HostID returns the host's player id
func (r *HostedRoom) HostID() model.PlayerID {
	return r.hostID
}

// State returns the lifecycle state
func (r *HostedRoom) State() model.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Members returns the member ids in sorted order
func (r *HostedRoom) Members() []model.PlayerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberIDsLocked("")
}

func (r *HostedRoom) open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == model.RoomStateCreated {
		r.state = model.RoomStateOpen
	}
}

func (r *HostedRoom) TryJoining(ctx context.Context, p Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != model.RoomStateOpen {
		r.reject(ctx, p, model.ErrRoomClosed)
		return model.ErrRoomClosed
	}

	if _, ok := r.members[p.ID()]; ok {
		return p.JoinSucceeded(ctx, r.code, p.ID() == r.hostID)
	}

	if err := r.coord.store.AddRoomMember(ctx, r.code, p.ID()); err != nil {
		r.logger.Error("failed to record member", slog.String("player", string(p.ID())), slog.String("error", err.Error()))
		r.reject(ctx, p, err)
		return err
	}

	others := r.memberIDsLocked("")
	r.members[p.ID()] = p.Name()

	if err := p.JoinSucceeded(ctx, r.code, false); err != nil {
		r.logger.Warn("failed to confirm join", slog.String("player", string(p.ID())), slog.String("error", err.Error()))
	}
	r.deliverLocked(ctx, others, model.NewEvent(model.EventPlayerJoined, model.MemberPayload{ID: p.ID(), Name: p.Name()}))

	r.logger.Info("player joined", slog.String("player", string(p.ID())))
	return nil
}

func (r *HostedRoom) reject(ctx context.Context, p Player, cause error) {
	if err := p.SendEvent(ctx, model.NewEvent(model.EventCannotJoin, nil)); err != nil {
		r.logger.Warn("failed to reject join",
			slog.String("player", string(p.ID())),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *HostedRoom) PlayerLeft(ctx context.Context, p Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == model.RoomStateClosed {
		return nil
	}
	if p.ID() == r.hostID {
		return r.closeLocked(ctx, r.hostID)
	}
	if _, ok := r.members[p.ID()]; !ok {
		return nil
	}

	delete(r.members, p.ID())
	storeErr := r.coord.store.RemoveRoomMember(ctx, r.code, p.ID())
	if storeErr != nil {
		r.logger.Error("failed to remove member", slog.String("player", string(p.ID())), slog.String("error", storeErr.Error()))
	}

	r.logger.Info("player left", slog.String("player", string(p.ID())))
	if len(r.members) == 0 {
		return errors.Join(storeErr, r.closeLocked(ctx, ""))
	}
	r.deliverLocked(ctx, r.memberIDsLocked(""), model.NewEvent(model.EventPlayerLeft, model.MemberPayload{ID: p.ID()}))
	return storeErr
}

// Broadcast sends ev to every member, the host included. Only the host may
// broadcast.
func (r *HostedRoom) Broadcast(ctx context.Context, sender model.PlayerID, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != model.RoomStateOpen {
		return model.ErrRoomClosed
	}
	if sender != r.hostID {
		return ErrNotHost
	}
	r.deliverLocked(ctx, r.memberIDsLocked(""), ev)
	return nil
}

// Close tears the room down, evicting every member including the host
func (r *HostedRoom) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == model.RoomStateClosed {
		return nil
	}
	return r.closeLocked(ctx, "")
}

// touch extends the room's store record, at most once per RenewThreshold.
// A record that has already expired closes the room.
func (r *HostedRoom) touch(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != model.RoomStateOpen || now.Sub(r.touched) <= r.coord.cfg.RenewThreshold {
		return
	}

	err := r.coord.store.TouchRoom(ctx, r.code, r.hostID)
	switch {
	case err == nil:
		r.touched = now
	case errors.Is(err, model.ErrRoomNotFound):
		// The code may already name another room, so its record is left alone
		r.logger.Error("room record expired while open")
		r.evictLocked(ctx, "")
		r.coord.forgetRoom(r)
	default:
		r.logger.Warn("failed to refresh room", slog.String("error", err.Error()))
	}
}

// evictLocked closes the room and evicts every member except `except`
func (r *HostedRoom) evictLocked(ctx context.Context, except model.PlayerID) {
	r.state = model.RoomStateClosed

	for _, id := range r.memberIDsLocked(except) {
		if err := r.coord.resolvePlayer(id, r.members[id]).Evicted(ctx, r.code); err != nil {
			r.logger.Warn("failed to evict member", slog.String("player", string(id)), slog.String("error", err.Error()))
		}
	}
	r.members = make(map[model.PlayerID]string)
}

// closeLocked evicts every member except `except` and removes the room
// from the store and this instance
func (r *HostedRoom) closeLocked(ctx context.Context, except model.PlayerID) error {
	r.evictLocked(ctx, except)

	err := r.coord.store.DeleteRoom(ctx, r.code)
	if err != nil {
		r.logger.Error("failed to delete room", slog.String("error", err.Error()))
	}
	r.coord.forgetRoom(r)

	r.logger.Info("room closed")
	return err
}

// deliverLocked sends to local members directly and to all remote members
// with a single relay on the room channel
func (r *HostedRoom) deliverLocked(ctx context.Context, ids []model.PlayerID, ev model.Event) {
	var remote []model.PlayerID
	for _, id := range ids {
		p := r.coord.localPlayer(id)
		if p == nil {
			remote = append(remote, id)
			continue
		}
		if err := p.SendEvent(ctx, ev); err != nil {
			r.logger.Warn("failed to deliver event", slog.String("player", string(id)), slog.String("error", err.Error()))
		}
	}

	if len(remote) == 0 {
		return
	}
	payload := roomRelayPayload{Recipients: remote, Event: ev}
	if err := r.coord.router.SendToRoom(ctx, r.code, CmdRoomRelay, payload); err != nil {
		r.logger.Warn("failed to relay event", slog.Int("recipients", len(remote)), slog.String("error", err.Error()))
	}
}

func (r *HostedRoom) memberIDsLocked(except model.PlayerID) []model.PlayerID {
	ids := make([]model.PlayerID, 0, len(r.members))
	for id := range r.members {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
