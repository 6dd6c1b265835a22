package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/lobbymesh/internal/dependencies/mocks"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
	"github.com/mcoot/lobbymesh/internal/storage/memory"
	"github.com/mcoot/lobbymesh/internal/storage/redis"
	"github.com/mcoot/lobbymesh/internal/testutil"
)

// ClusterSuite runs two coordinators against one shared store
type ClusterSuite struct {
	suite.Suite
	backend string

	clock  *mocks.MockClock
	random *mocks.MockRandom
	store  storage.Storage
	a      *Coordinator
	b      *Coordinator
	ctx    context.Context

	cleanup []func()
}

func TestClusterMemory(t *testing.T) {
	suite.Run(t, &ClusterSuite{backend: "memory"})
}

func TestClusterRedis(t *testing.T) {
	suite.Run(t, &ClusterSuite{backend: "redis"})
}

func (s *ClusterSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = mocks.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	s.random = mocks.NewMockRandom()
	s.cleanup = nil

	var busA, busB storage.Bus
	switch s.backend {
	case "redis":
		mini := miniredis.RunT(s.T())
		clientA := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
		clientB := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
		s.store = redis.NewWithClient(clientA, redis.DefaultConfig())
		redisBusA := redis.NewBus(clientA, testutil.NopLogger())
		redisBusB := redis.NewBus(clientB, testutil.NopLogger())
		busA, busB = redisBusA, redisBusB
		s.cleanup = append(s.cleanup, func() {
			_ = redisBusA.Close()
			_ = redisBusB.Close()
			_ = clientA.Close()
			_ = clientB.Close()
		})
	default:
		s.store = memory.New()
		shared := memory.NewBus()
		busA, busB = shared, shared
	}

	s.a = s.newInstance("a", busA)
	s.b = s.newInstance("b", busB)
}

func (s *ClusterSuite) newInstance(name string, bus storage.Bus) *Coordinator {
	cfg := DefaultConfig()
	cfg.Instance = name
	cfg.PasswordCost = bcrypt.MinCost
	return New(cfg, s.store, bus, s.clock, s.random, testutil.NopLogger())
}

func (s *ClusterSuite) TearDownTest() {
	_ = s.a.Close(s.ctx)
	_ = s.b.Close(s.ctx)
	for _, f := range s.cleanup {
		f()
	}
}

func (s *ClusterSuite) connect(c *Coordinator, id string) (*LocalPlayer, *testutil.RecordingConn) {
	conn := testutil.NewRecordingConn()
	sess, err := c.Connect(s.ctx, conn, model.PlayerID(id), id)
	s.Require().NoError(err)
	return sess.Player(), conn
}

func (s *ClusterSuite) await(cond func() bool, msg string) {
	s.Require().Eventually(cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (s *ClusterSuite) awaitEvent(conn *testutil.RecordingConn, kind model.EventKind) {
	s.await(func() bool { return conn.Has(kind) }, "waiting for "+string(kind))
}

func (s *ClusterSuite) hostOnA(password string) (*LocalPlayer, *testutil.RecordingConn) {
	s.random.QueueString("MESH")
	host, conn := s.connect(s.a, "host")
	s.Require().NoError(host.Host(s.ctx, password))
	return host, conn
}

func (s *ClusterSuite) joinFromB(id string) (*LocalPlayer, *testutil.RecordingConn) {
	p, conn := s.connect(s.b, id)
	s.Require().NoError(p.AttemptJoining(s.ctx, "mesh", ""))
	s.awaitEvent(conn, model.EventJoinedGame)
	return p, conn
}

func (s *ClusterSuite) hostRoomOnA(id string, code string) {
	s.random.QueueString(code)
	host, _ := s.connect(s.a, id)
	s.Require().NoError(host.Host(s.ctx, ""))
}

func (s *ClusterSuite) TestRemoteJoin() {
	_, hostConn := s.hostOnA("")
	guest, guestConn := s.joinFromB("guest")

	var joined model.JoinedGamePayload
	s.Require().True(guestConn.Decode(model.EventJoinedGame, &joined))
	s.Equal(model.JoinedGamePayload{Code: "MESH", IsHost: false}, joined)
	code, ok := guest.Joined()
	s.True(ok)
	s.Equal(model.RoomCode("MESH"), code)

	s.awaitEvent(hostConn, model.EventPlayerJoined)
	var member model.MemberPayload
	s.Require().True(hostConn.Decode(model.EventPlayerJoined, &member))
	s.Equal(model.MemberPayload{ID: "guest", Name: "guest"}, member)

	members, err := s.store.RoomMembers(s.ctx, "MESH")
	s.Require().NoError(err)
	s.ElementsMatch([]model.PlayerID{"host", "guest"}, members)
	s.Equal(1, s.b.Router().WatchedRooms()["MESH"])
}

func (s *ClusterSuite) TestRemoteMembersSeeBroadcasts() {
	host, hostConn := s.hostOnA("")
	_, firstConn := s.joinFromB("first")
	_, secondConn := s.joinFromB("second")

	s.Require().NoError(host.UpdateState(s.ctx, []byte(`{"phase":"lobby"}`)))

	s.True(hostConn.Has(model.EventStateChanged))
	for _, conn := range []*testutil.RecordingConn{firstConn, secondConn} {
		s.awaitEvent(conn, model.EventStateChanged)
		ev, _ := conn.Find(model.EventStateChanged)
		s.JSONEq(`{"phase":"lobby"}`, string(ev.Data))
	}

	// first hears about second through the relay
	s.awaitEvent(firstConn, model.EventPlayerJoined)
}

func (s *ClusterSuite) TestRemotePasswordChecks() {
	s.hostOnA("secret")
	guest, conn := s.connect(s.b, "guest")

	s.ErrorIs(guest.AttemptJoining(s.ctx, "MESH", ""), model.ErrPasswordNeeded)
	s.True(conn.Has(model.EventPasswordNeeded))

	s.ErrorIs(guest.AttemptJoining(s.ctx, "MESH", "nope"), model.ErrInvalidPassword)
	s.False(conn.Has(model.EventInvalidPassword))
	s.clock.Advance(1500 * time.Millisecond)
	s.True(conn.Has(model.EventInvalidPassword))

	s.Require().NoError(guest.AttemptJoining(s.ctx, "MESH", "secret"))
	s.awaitEvent(conn, model.EventJoinedGame)
}

func (s *ClusterSuite) TestRemoteLeaveAndClose() {
	host, hostConn := s.hostOnA("")
	guest, guestConn := s.joinFromB("guest")
	s.awaitEvent(hostConn, model.EventPlayerJoined)

	s.Require().NoError(guest.Leave(s.ctx))
	s.True(guestConn.Has(model.EventLeftGame))
	s.awaitEvent(hostConn, model.EventPlayerLeft)
	s.await(func() bool {
		return len(s.a.hostedRoom("MESH").Members()) == 1
	}, "guest removed from hosted room")
	s.Empty(s.b.Router().WatchedRooms())

	// Rejoin, then the host leaves
	s.Require().NoError(guest.AttemptJoining(s.ctx, "MESH", ""))
	s.await(func() bool {
		_, ok := guest.Joined()
		return ok
	}, "guest rejoined")

	s.Require().NoError(host.Leave(s.ctx))
	s.awaitEvent(guestConn, model.EventRoomClosed)
	s.await(func() bool {
		_, ok := guest.Joined()
		return !ok
	}, "guest evicted")
	s.await(func() bool {
		return len(s.b.Router().WatchedRooms()) == 0
	}, "room channel released")

	exists, err := s.store.RoomExists(s.ctx, "MESH")
	s.Require().NoError(err)
	s.False(exists)
}

func (s *ClusterSuite) TestClosedRoomRejectsRemoteJoin() {
	s.hostOnA("")
	room := s.a.hostedRoom("MESH")
	s.Require().NotNil(room)

	// Close the room locally but keep its record, as if the teardown raced the lookup
	room.mu.Lock()
	room.state = model.RoomStateClosed
	room.mu.Unlock()

	guest, conn := s.connect(s.b, "guest")
	s.Require().NoError(guest.AttemptJoining(s.ctx, "MESH", ""))
	s.awaitEvent(conn, model.EventCannotJoin)
	_, joined := guest.Joined()
	s.False(joined)
}

func (s *ClusterSuite) TestMemberReconnectsToAnotherInstance() {
	host, hostConn := s.hostOnA("")
	mover, moverConnA := s.connect(s.a, "mover")
	s.Require().NoError(mover.AttemptJoining(s.ctx, "MESH", ""))
	s.Require().True(hostConn.Has(model.EventPlayerJoined))

	moved, moverConnB := s.connect(s.b, "mover")

	s.awaitEvent(moverConnA, model.EventSessionReplaced)
	s.await(func() bool {
		closed, _ := moverConnA.Closed()
		return closed
	}, "old connection closed")
	s.Equal(model.EventAuthenticated, moverConnB.Kinds()[0])

	s.awaitEvent(moverConnB, model.EventJoinedGame)
	var joined model.JoinedGamePayload
	s.Require().True(moverConnB.Decode(model.EventJoinedGame, &joined))
	s.Equal(model.JoinedGamePayload{Code: "MESH", IsHost: false}, joined)
	s.await(func() bool {
		_, ok := moved.Joined()
		return ok
	}, "membership moved")

	s.Nil(s.a.localPlayer("mover"))
	rec, err := s.store.GetPlayer(s.ctx, "mover")
	s.Require().NoError(err)
	s.Equal("b", rec.Instance)

	// The hosted room now reaches the member through the relay
	s.Require().NoError(host.Timer(s.ctx, []byte(`5`)))
	s.awaitEvent(moverConnB, model.EventTimer)
}

func (s *ClusterSuite) TestHostReconnectsToAnotherInstance() {
	_, hostConnA := s.hostOnA("")
	_, guestConn := s.joinFromB("guest")

	movedHost, hostConnB := s.connect(s.b, "host")
	s.awaitEvent(hostConnA, model.EventSessionReplaced)
	s.awaitEvent(hostConnB, model.EventJoinedGame)
	var joined model.JoinedGamePayload
	s.Require().True(hostConnB.Decode(model.EventJoinedGame, &joined))
	s.Equal(model.JoinedGamePayload{Code: "MESH", IsHost: true}, joined)
	s.await(func() bool {
		_, ok := movedHost.Hosting()
		return ok
	}, "hosting moved")

	// The room itself stays on a; broadcasts go through it
	s.Require().NoError(movedHost.UpdateState(s.ctx, []byte(`{"turn":1}`)))
	s.awaitEvent(guestConn, model.EventStateChanged)
	s.awaitEvent(hostConnB, model.EventStateChanged)

	s.Require().NoError(movedHost.Leave(s.ctx))
	s.awaitEvent(guestConn, model.EventRoomClosed)
	s.await(func() bool {
		return s.a.hostedRoom("MESH") == nil
	}, "room torn down on owner")
}

func (s *ClusterSuite) TestQuickSuccessiveJoinsEndInOneRoom() {
	s.hostRoomOnA("h1", "AAAA")
	s.hostRoomOnA("h2", "BBBB")
	p, conn := s.connect(s.b, "p")

	s.Require().NoError(p.AttemptJoining(s.ctx, "AAAA", ""))
	s.Require().NoError(p.AttemptJoining(s.ctx, "BBBB", ""))

	s.await(func() bool {
		code, ok := p.Joined()
		return ok && code == "BBBB"
	}, "joined BBBB")
	s.await(func() bool {
		return len(s.a.hostedRoom("AAAA").Members()) == 1
	}, "withdrawn from AAAA")
	s.await(func() bool {
		watched := s.b.Router().WatchedRooms()
		return len(watched) == 1 && watched["BBBB"] == 1
	}, "only BBBB watched")

	s.Equal([]model.PlayerID{"h1"}, s.a.hostedRoom("AAAA").Members())
	s.Equal([]model.PlayerID{"h2", "p"}, s.a.hostedRoom("BBBB").Members())
	members, err := s.store.RoomMembers(s.ctx, "AAAA")
	s.Require().NoError(err)
	s.Equal([]model.PlayerID{"h1"}, members)

	var joined model.JoinedGamePayload
	s.Require().True(conn.Decode(model.EventJoinedGame, &joined))
	s.Equal(model.RoomCode("BBBB"), joined.Code)
}

func (s *ClusterSuite) TestLeaveBeforeJoinConfirmedWithdrawsJoin() {
	_, hostConn := s.hostOnA("")
	guest, _ := s.connect(s.b, "guest")

	s.Require().NoError(guest.AttemptJoining(s.ctx, "MESH", ""))
	s.Require().NoError(guest.Leave(s.ctx))

	// The room sees the join, then the leave
	s.awaitEvent(hostConn, model.EventPlayerLeft)
	s.Never(func() bool {
		_, ok := guest.Joined()
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond)

	s.Equal([]model.PlayerID{"host"}, s.a.hostedRoom("MESH").Members())
	members, err := s.store.RoomMembers(s.ctx, "MESH")
	s.Require().NoError(err)
	s.Equal([]model.PlayerID{"host"}, members)
	s.Empty(s.b.Router().WatchedRooms())
}

func TestActiveRoomOutlivesRoomTTL(t *testing.T) {
	ctx := context.Background()
	mini := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redis.NewWithClient(client, redis.DefaultConfig())
	bus := redis.NewBus(client, testutil.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })

	clk := mocks.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	rnd := mocks.NewMockRandom()
	cfg := DefaultConfig()
	cfg.Instance = "a"
	cfg.PasswordCost = bcrypt.MinCost
	c := New(cfg, store, bus, clk, rnd, testutil.NopLogger())
	t.Cleanup(func() { _ = c.Close(ctx) })
	c.Start()

	rnd.QueueString("WXYZ")
	sess, err := c.Connect(ctx, testutil.NewRecordingConn(), "host", "Host")
	require.NoError(t, err)
	host := sess.Player()
	require.NoError(t, host.Host(ctx, ""))

	for i := 0; i < 5; i++ {
		mini.FastForward(30 * time.Minute)
		clk.Advance(30 * time.Minute)
		require.NoError(t, host.UpdateState(ctx, []byte(`{"tick":1}`)))
	}

	rec, err := store.GetRoom(ctx, "WXYZ")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Instance)
	_, err = store.GetPlayer(ctx, "host")
	assert.NoError(t, err)

	// The live code is never handed to another host
	rnd.QueueString("WXYZ")
	rnd.QueueString("ABCD")
	other, err := c.Connect(ctx, testutil.NewRecordingConn(), "other", "Other")
	require.NoError(t, err)
	require.NoError(t, other.Player().Host(ctx, ""))
	code, _ := other.Player().Hosting()
	assert.Equal(t, model.RoomCode("ABCD"), code)
}
