// Package coordinator tracks the players and rooms owned by this instance
// and routes everything else through the shared store's pub/sub.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/mcoot/lobbymesh/internal/dependencies/clock"
	"github.com/mcoot/lobbymesh/internal/dependencies/random"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/protocol"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("coordinator closed")

const lifecycleStripes = 32

// Coordinator is the per-instance registry of local players and hosted rooms
type Coordinator struct {
	cfg    Config
	store  storage.Storage
	clock  clock.Clock
	codes  *Generator
	router *Router
	logger *slog.Logger

	// lookups collapses concurrent DescribeRoom calls for one code
	lookups singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc

	// lifecycle serializes creating and dropping a given player id
	lifecycle [lifecycleStripes]sync.Mutex

	mu        sync.Mutex
	players   map[model.PlayerID]*LocalPlayer
	rooms     map[model.RoomCode]*HostedRoom
	reapTimer clock.Timer
	closed    bool
}

// New creates a Coordinator
func New(
	cfg Config,
	store storage.Storage,
	bus storage.Bus,
	clock clock.Clock,
	random random.Random,
	logger *slog.Logger,
) *Coordinator {
	logger = logger.With(slog.String("instance", cfg.Instance))
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		codes:   NewGenerator(store, random, cfg.MaxCodeAttempts, logger),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		players: make(map[model.PlayerID]*LocalPlayer),
		rooms:   make(map[model.RoomCode]*HostedRoom),
	}
	c.router = newRouter(c, bus, logger)
	return c
}

// Instance returns this instance's name
func (c *Coordinator) Instance() string {
	return c.cfg.Instance
}

// Closed reports whether Close has been called
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Router returns the event router
func (c *Coordinator) Router() *Router {
	return c.router
}

// Start schedules the periodic sweep: idle players are reaped and the
// records of connected players and open rooms are kept alive
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cfg.ReapInterval <= 0 {
		return
	}
	c.reapTimer = c.clock.AfterFunc(c.cfg.ReapInterval, func() {
		c.Reap(c.baseCtx)
		c.KeepAlive(c.baseCtx)
		c.Start()
	})
}

func (c *Coordinator) lifecycleLock(id model.PlayerID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &c.lifecycle[h.Sum32()%lifecycleStripes]
}

// Connect binds a new client connection to the player with the given id,
// creating the player on this instance if needed. A session already bound
// to the player is force-ended, and an instance that previously owned the
// player is told to hand it off.
func (c *Coordinator) Connect(ctx context.Context, conn Conn, id model.PlayerID, name string) (*Session, error) {
	if c.Closed() {
		return nil, ErrClosed
	}

	lock := c.lifecycleLock(id)
	lock.Lock()
	p, previous, err := c.ensurePlayer(ctx, id, name)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	sess := newSession(c.baseCtx, conn, c.logger)
	sess.Bind(p)
	lock.Unlock()

	p.reply(ctx, model.EventAuthenticated, model.AuthenticatedPayload{ID: id, Name: p.Name()})
	if code, ok := p.Hosting(); ok {
		p.reply(ctx, model.EventJoinedGame, model.JoinedGamePayload{Code: code, IsHost: true})
	} else if code, ok := p.Joined(); ok {
		p.reply(ctx, model.EventJoinedGame, model.JoinedGamePayload{Code: code, IsHost: false})
	}

	// The previous owner answers with the player's room, which must reach
	// the client after authenticated
	if previous != "" {
		c.logger.Info("displacing player from previous instance",
			slog.String("player", string(id)),
			slog.String("previous", previous),
		)
		if err := c.router.SendToPlayer(ctx, id, CmdDisplace, nil); err != nil {
			c.logger.Warn("failed to displace player", slog.String("player", string(id)), slog.String("error", err.Error()))
		}
	}

	c.logger.Info("player connected", slog.String("player", string(id)), slog.String("session", sess.ID()))
	return sess, nil
}

// ensurePlayer returns the local player for id, creating it if needed. For a
// new player it also returns the instance named in the stored record when
// that is another instance. Must hold the id's lifecycle lock.
func (c *Coordinator) ensurePlayer(ctx context.Context, id model.PlayerID, name string) (*LocalPlayer, string, error) {
	if p := c.localPlayer(id); p != nil {
		if p.setName(name) {
			if err := c.savePlayer(ctx, p); err != nil {
				c.logger.Warn("failed to save player name", slog.String("player", string(id)), slog.String("error", err.Error()))
			}
		}
		return p, "", nil
	}

	var previous string
	rec, err := c.store.GetPlayer(ctx, id)
	switch {
	case err == nil:
		if rec.Instance != c.cfg.Instance {
			previous = rec.Instance
		}
		if name == "" {
			name = rec.Name
		}
	case errors.Is(err, model.ErrPlayerNotFound):
	default:
		return nil, "", err
	}
	if name == "" {
		name = string(id)
	}

	p := newLocalPlayer(c, id, name)
	if err := c.savePlayer(ctx, p); err != nil {
		return nil, "", err
	}
	if err := c.router.SubscribePlayer(ctx, id); err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	c.players[id] = p
	c.mu.Unlock()
	return p, previous, nil
}

func (c *Coordinator) savePlayer(ctx context.Context, p *LocalPlayer) error {
	return c.store.SavePlayer(ctx, &model.PlayerRecord{
		ID:       p.ID(),
		Name:     p.Name(),
		LastSeen: p.LastSeen(),
		Instance: c.cfg.Instance,
	})
}

// handOff gives up a player that reconnected to another instance. The room
// state moves with it: the new owner is told which room the player is in.
func (c *Coordinator) handOff(ctx context.Context, p *LocalPlayer, to string) error {
	lock := c.lifecycleLock(p.id)
	lock.Lock()
	defer lock.Unlock()

	if !c.removePlayer(p) {
		return nil
	}
	c.router.UnsubscribePlayer(p.id)

	p.ops.Lock()
	defer p.ops.Unlock()

	if sess := p.currentSession(); sess != nil {
		sess.forceEnd(model.NewEvent(model.EventSessionReplaced, nil), "connected elsewhere")
	}

	// The room's confirmation would reach the new owner unasked, so an
	// unconfirmed join is withdrawn instead of moved
	errs := []error{p.abandonPending(ctx)}

	p.mu.Lock()
	hosted, joined := p.hostedRoom, p.joinedRoom
	p.hostedRoom, p.joinedRoom, p.session = nil, nil, nil
	p.mu.Unlock()

	c.logger.Info("handed off player", slog.String("player", string(p.id)), slog.String("to", to))

	if hosted != nil {
		p.release(hosted)
		errs = append(errs, c.router.SendToPlayer(ctx, p.id, CmdJoinedRoom, joinedRoomPayload{Code: hosted.Code(), IsHost: true, Moved: true}))
	}
	if joined != nil {
		p.release(joined)
		errs = append(errs, c.router.SendToPlayer(ctx, p.id, CmdJoinedRoom, joinedRoomPayload{Code: joined.Code(), IsHost: false, Moved: true}))
	}
	return errors.Join(errs...)
}

// Reap drops players that have been disconnected for longer than PlayerTTL.
// Their rooms are left (a hosted room closes) and their records deleted.
func (c *Coordinator) Reap(ctx context.Context) int {
	now := c.clock.Now()

	c.mu.Lock()
	var idle []*LocalPlayer
	for _, p := range c.players {
		if !p.IsActive() && now.Sub(p.LastSeen()) > c.cfg.PlayerTTL {
			idle = append(idle, p)
		}
	}
	c.mu.Unlock()

	reaped := 0
	for _, p := range idle {
		if c.dropPlayer(ctx, p, now) {
			reaped++
		}
	}
	if reaped > 0 {
		c.logger.Info("reaped idle players", slog.Int("count", reaped))
	}
	return reaped
}

// KeepAlive renews the presence of every connected player and the store
// record of every open hosted room. Both writes are debounced by
// RenewThreshold, so a quiet client keeps its record as long as its
// connection lives.
func (c *Coordinator) KeepAlive(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	var active []*LocalPlayer
	for _, p := range c.players {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	rooms := make([]*HostedRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, p := range active {
		if err := p.Renew(ctx); err != nil {
			c.logger.Warn("failed to renew player", slog.String("player", string(p.id)), slog.String("error", err.Error()))
		}
	}
	for _, r := range rooms {
		r.touch(ctx, now)
	}
}

func (c *Coordinator) dropPlayer(ctx context.Context, p *LocalPlayer, now time.Time) bool {
	lock := c.lifecycleLock(p.id)
	lock.Lock()
	defer lock.Unlock()

	// A reconnect may have won the race for the lock
	if p.IsActive() || now.Sub(p.LastSeen()) <= c.cfg.PlayerTTL {
		return false
	}
	if !c.removePlayer(p) {
		return false
	}

	if err := p.Leave(ctx); err != nil {
		c.logger.Warn("failed to leave room for idle player", slog.String("player", string(p.id)), slog.String("error", err.Error()))
	}
	if err := p.Clean(ctx); err != nil {
		c.logger.Warn("failed to delete idle player", slog.String("player", string(p.id)), slog.String("error", err.Error()))
	}
	c.router.UnsubscribePlayer(p.id)
	return true
}

func (c *Coordinator) removePlayer(p *LocalPlayer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.players[p.id] != p {
		return false
	}
	delete(c.players, p.id)
	return true
}

// openRoom generates a code, claims it in the store and starts serving the
// room from this instance
func (c *Coordinator) openRoom(ctx context.Context, host *LocalPlayer, password string) (*HostedRoom, error) {
	code, err := c.codes.Generate(ctx)
	if err != nil {
		return nil, err
	}

	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), c.cfg.PasswordCost)
		if err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
		hash = string(b)
	}

	room := newHostedRoom(c, code, host)

	c.mu.Lock()
	if _, taken := c.rooms[code]; taken {
		c.mu.Unlock()
		return nil, model.ErrRoomCodeTaken
	}
	c.rooms[code] = room
	c.mu.Unlock()

	// Watch before registering so no join request can precede the subscription
	if err := c.router.WatchRoom(ctx, code); err != nil {
		c.mu.Lock()
		delete(c.rooms, code)
		c.mu.Unlock()
		return nil, err
	}

	rec := &model.RoomRecord{
		Code:              code,
		PasswordProtected: password != "",
		PasswordHash:      hash,
		HostID:            host.ID(),
		Instance:          c.cfg.Instance,
		CreatedAt:         c.clock.Now(),
	}
	if err := c.store.RegisterRoom(ctx, rec); err != nil {
		c.forgetRoom(room)
		return nil, err
	}

	room.open()
	return room, nil
}

// forgetRoom stops serving a hosted room from this instance
func (c *Coordinator) forgetRoom(room *HostedRoom) {
	c.mu.Lock()
	owned := c.rooms[room.code] == room
	if owned {
		delete(c.rooms, room.code)
	}
	c.mu.Unlock()

	if owned {
		c.router.ReleaseRoom(room.code)
	}
}

func (c *Coordinator) localPlayer(id model.PlayerID) *LocalPlayer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.players[id]
}

// resolvePlayer returns the local player or a proxy for a remote one
func (c *Coordinator) resolvePlayer(id model.PlayerID, name string) Player {
	if p := c.localPlayer(id); p != nil {
		return p
	}
	return &ProxyPlayer{id: id, name: name, router: c.router}
}

func (c *Coordinator) hostedRoom(code model.RoomCode) *HostedRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[code]
}

// resolveRoom returns the hosted room or a handle to a remote one
func (c *Coordinator) resolveRoom(code model.RoomCode) Room {
	if r := c.hostedRoom(code); r != nil {
		return r
	}
	return &RoomHandle{code: code, router: c.router}
}

// RoomInfo is the public view of a live room
type RoomInfo struct {
	Code              model.RoomCode
	PasswordProtected bool
	MemberCount       int
	Instance          string
	CreatedAt         time.Time
}

// DescribeRoom looks a room up in the shared store
func (c *Coordinator) DescribeRoom(ctx context.Context, raw string) (*RoomInfo, error) {
	code := model.NormalizeRoomCode(raw)
	if !code.Valid() {
		return nil, model.ErrInvalidRoomCode
	}

	v, err, _ := c.lookups.Do(string(code), func() (any, error) {
		rec, err := c.store.GetRoom(ctx, code)
		if err != nil {
			return nil, err
		}
		members, err := c.store.RoomMembers(ctx, code)
		if err != nil {
			return nil, err
		}
		return RoomInfo{
			Code:              rec.Code,
			PasswordProtected: rec.PasswordProtected,
			MemberCount:       len(members),
			Instance:          rec.Instance,
			CreatedAt:         rec.CreatedAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	info := v.(RoomInfo)
	return &info, nil
}

// ListRooms returns the codes of every live room in the fleet
func (c *Coordinator) ListRooms(ctx context.Context) ([]model.RoomCode, error) {
	return c.store.ListRooms(ctx)
}

// Stats counts what this instance currently owns
type Stats struct {
	Players       int
	ActivePlayers int
	HostedRooms   int
}

// Stats returns a snapshot of local ownership
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Players: len(c.players), HostedRooms: len(c.rooms)}
	for _, p := range c.players {
		if p.IsActive() {
			s.ActivePlayers++
		}
	}
	return s
}

// Close closes every hosted room, ends every session and drops all
// subscriptions
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	timer := c.reapTimer
	rooms := make([]*HostedRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	players := make([]*LocalPlayer, 0, len(c.players))
	for _, p := range c.players {
		players = append(players, p)
	}
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	var errs []error
	for _, r := range rooms {
		errs = append(errs, r.Close(ctx))
	}

	notice := model.NewEvent(model.EventError, model.ErrorPayload{Code: protocol.CodeShuttingDown, Message: "server shutting down"})
	for _, p := range players {
		if sess := p.currentSession(); sess != nil {
			sess.forceEnd(notice, "server shutting down")
		}
	}

	c.router.Close()
	c.cancel()
	c.logger.Info("coordinator closed", slog.Int("rooms", len(rooms)), slog.Int("players", len(players)))
	return errors.Join(errs...)
}
