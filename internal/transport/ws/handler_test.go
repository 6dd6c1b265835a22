package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/dependencies/clock"
	"github.com/mcoot/lobbymesh/internal/dependencies/mocks"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/protocol"
	"github.com/mcoot/lobbymesh/internal/storage"
	"github.com/mcoot/lobbymesh/internal/storage/memory"
	"github.com/mcoot/lobbymesh/internal/testutil"
)

type HandlerSuite struct {
	suite.Suite
	random *mocks.MockRandom
	coord  *coordinator.Coordinator
	server *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.random = mocks.NewMockRandom()

	cfg := coordinator.DefaultConfig()
	cfg.Instance = "test"
	cfg.PasswordCost = bcrypt.MinCost
	cfg.WrongPasswordDelay = 0
	s.coord = coordinator.New(cfg, memory.New(), memory.NewBus(), clock.New(), s.random, testutil.NopLogger())

	wsCfg := DefaultConfig()
	wsCfg.PingInterval = 0
	s.server = httptest.NewServer(NewHandler(s.coord, wsCfg, testutil.NopLogger()))
}

func (s *HandlerSuite) TearDownTest() {
	_ = s.coord.Close(context.Background())
	s.server.Close()
	s.cancel()
}

func (s *HandlerSuite) dial(id, name string) *websocket.Conn {
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	if name != "" {
		q.Set("name", name)
	}
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/?" + q.Encode()
	conn, _, err := websocket.Dial(s.ctx, u, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.CloseNow() })
	return conn
}

func (s *HandlerSuite) send(conn *websocket.Conn, kind protocol.InboundKind, data any) {
	in := protocol.Inbound{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		s.Require().NoError(err)
		in.Data = raw
	}
	s.Require().NoError(wsjson.Write(s.ctx, conn, in))
}

// expect reads events until one of the given kind arrives
func (s *HandlerSuite) expect(conn *websocket.Conn, kind model.EventKind) model.Event {
	for {
		var ev model.Event
		s.Require().NoError(wsjson.Read(s.ctx, conn, &ev), "waiting for %s", kind)
		if ev.Kind == kind {
			return ev
		}
	}
}

func (s *HandlerSuite) authenticated(conn *websocket.Conn) model.AuthenticatedPayload {
	ev := s.expect(conn, model.EventAuthenticated)
	var payload model.AuthenticatedPayload
	s.Require().NoError(json.Unmarshal(ev.Data, &payload))
	return payload
}

func (s *HandlerSuite) TestConnectAuthenticates() {
	conn := s.dial("alice", "Alice")
	s.Equal(model.AuthenticatedPayload{ID: "alice", Name: "Alice"}, s.authenticated(conn))
}

func (s *HandlerSuite) TestInvalidIDGetsGeneratedOne() {
	conn := s.dial("not a valid id!", "")
	payload := s.authenticated(conn)
	s.NotEqual(model.PlayerID("not a valid id!"), payload.ID)
	s.True(ValidPlayerID(string(payload.ID)))
	s.Equal(string(payload.ID), payload.Name)
}

func (s *HandlerSuite) TestLongNamesAreCutOnRuneBoundaries() {
	conn := s.dial("alice", "a"+strings.Repeat("é", 40))
	payload := s.authenticated(conn)

	s.True(utf8.ValidString(payload.Name))
	s.Equal("a"+strings.Repeat("é", 31), payload.Name)
}

func (s *HandlerSuite) TestHostJoinAndBroadcast() {
	s.random.QueueString("GAME")

	host := s.dial("host", "Host")
	s.authenticated(host)
	s.send(host, protocol.InboundHost, protocol.HostData{})
	var code model.RoomCode
	s.Require().NoError(json.Unmarshal(s.expect(host, model.EventRoomCreated).Data, &code))
	s.Equal(model.RoomCode("GAME"), code)

	guest := s.dial("guest", "Guest")
	s.authenticated(guest)
	s.send(guest, protocol.InboundJoin, protocol.JoinData{GameID: "game"})
	var joined model.JoinedGamePayload
	s.Require().NoError(json.Unmarshal(s.expect(guest, model.EventJoinedGame).Data, &joined))
	s.Equal(model.JoinedGamePayload{Code: "GAME"}, joined)

	var member model.MemberPayload
	s.Require().NoError(json.Unmarshal(s.expect(host, model.EventPlayerJoined).Data, &member))
	s.Equal(model.MemberPayload{ID: "guest", Name: "Guest"}, member)

	s.send(host, protocol.InboundUpdateState, protocol.StateData{Payload: json.RawMessage(`{"round":2}`)})
	s.JSONEq(`{"round":2}`, string(s.expect(guest, model.EventStateChanged).Data))
	s.JSONEq(`{"round":2}`, string(s.expect(host, model.EventStateChanged).Data))

	s.send(host, protocol.InboundTimer, protocol.TimerData{Value: json.RawMessage(`15`)})
	s.Equal("15", string(s.expect(guest, model.EventTimer).Data))

	s.send(guest, protocol.InboundLeave, nil)
	s.expect(guest, model.EventLeftGame)
	s.expect(host, model.EventPlayerLeft)
}

func (s *HandlerSuite) TestJoinErrorsAreReported() {
	conn := s.dial("alice", "")
	s.authenticated(conn)

	s.send(conn, protocol.InboundJoin, protocol.JoinData{GameID: "AB"})
	s.expect(conn, model.EventInvalidRoomCode)

	s.send(conn, protocol.InboundJoin, protocol.JoinData{GameID: "ZZZZ"})
	s.expect(conn, model.EventInvalidRoomCode)
}

func (s *HandlerSuite) TestPasswordProtectedRoom() {
	s.random.QueueString("SAFE")
	host := s.dial("host", "")
	s.authenticated(host)
	s.send(host, protocol.InboundHost, protocol.HostData{Password: "hunter2"})
	s.expect(host, model.EventRoomCreated)

	guest := s.dial("guest", "")
	s.authenticated(guest)
	s.send(guest, protocol.InboundJoin, protocol.JoinData{GameID: "SAFE"})
	s.expect(guest, model.EventPasswordNeeded)
	s.send(guest, protocol.InboundJoin, protocol.JoinData{GameID: "SAFE", Password: "wrong"})
	s.expect(guest, model.EventInvalidPassword)
	s.send(guest, protocol.InboundJoin, protocol.JoinData{GameID: "SAFE", Password: "hunter2"})
	s.expect(guest, model.EventJoinedGame)
}

func (s *HandlerSuite) TestMalformedAndUnknownMessages() {
	conn := s.dial("alice", "")
	s.authenticated(conn)

	s.Require().NoError(conn.Write(s.ctx, websocket.MessageText, []byte("{garbage")))
	var payload model.ErrorPayload
	s.Require().NoError(json.Unmarshal(s.expect(conn, model.EventError).Data, &payload))
	s.Equal(protocol.CodeMalformed, payload.Code)

	s.send(conn, "teleport", nil)
	s.Require().NoError(json.Unmarshal(s.expect(conn, model.EventError).Data, &payload))
	s.Equal(protocol.CodeUnknownType, payload.Code)

	// The connection survives bad input
	s.send(conn, protocol.InboundHeartbeat, nil)
	s.send(conn, protocol.InboundUpdateState, protocol.StateData{Payload: json.RawMessage(`1`)})
	s.Require().NoError(json.Unmarshal(s.expect(conn, model.EventError).Data, &payload))
	s.Equal(protocol.CodeNotHost, payload.Code)
}

func (s *HandlerSuite) TestReconnectReplacesSession() {
	first := s.dial("alice", "")
	s.authenticated(first)

	second := s.dial("alice", "")
	s.authenticated(second)

	s.expect(first, model.EventSessionReplaced)
	var ev model.Event
	err := wsjson.Read(s.ctx, first, &ev)
	s.Require().Error(err)
	s.Equal(websocket.StatusNormalClosure, websocket.CloseStatus(err))

	// The new session is live
	s.send(second, protocol.InboundJoin, protocol.JoinData{GameID: "NONE"})
	s.expect(second, model.EventInvalidRoomCode)
}

func (s *HandlerSuite) TestDisconnectUnbindsPlayer() {
	conn := s.dial("alice", "")
	s.authenticated(conn)
	s.Equal(1, s.coord.Stats().ActivePlayers)

	s.Require().NoError(conn.Close(websocket.StatusNormalClosure, "bye"))
	s.Eventually(func() bool {
		return s.coord.Stats().ActivePlayers == 0
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal(1, s.coord.Stats().Players)
}

func (s *HandlerSuite) TestShutdownNotifiesClients() {
	conn := s.dial("alice", "")
	s.authenticated(conn)

	s.Require().NoError(s.coord.Close(context.Background()))

	var payload model.ErrorPayload
	s.Require().NoError(json.Unmarshal(s.expect(conn, model.EventError).Data, &payload))
	s.Equal(protocol.CodeShuttingDown, payload.Code)
}

func TestValidPlayerID(t *testing.T) {
	cases := map[string]bool{
		"alice":                 true,
		"a-b_c-123":             true,
		"":                      false,
		"has space":             false,
		"emoji😀":                false,
		strings.Repeat("x", 64): true,
		strings.Repeat("x", 65): false,
	}
	for id, want := range cases {
		if got := ValidPlayerID(id); got != want {
			t.Errorf("ValidPlayerID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 64, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"éé", 3, "é"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
		{"é", 0, ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "truncate(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got))
	}
}

type touchCounter struct {
	storage.Storage
	touches atomic.Int32
}

func (c *touchCounter) TouchPlayer(ctx context.Context, id model.PlayerID, lastSeen time.Time) error {
	c.touches.Add(1)
	return c.Storage.TouchPlayer(ctx, id, lastSeen)
}

func TestPongsRenewPresence(t *testing.T) {
	store := &touchCounter{Storage: memory.New()}
	cfg := coordinator.DefaultConfig()
	cfg.Instance = "test"
	cfg.RenewThreshold = 0
	coord := coordinator.New(cfg, store, memory.NewBus(), clock.New(), mocks.NewMockRandom(), testutil.NopLogger())
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	wsCfg := DefaultConfig()
	wsCfg.PingInterval = 20 * time.Millisecond
	server := httptest.NewServer(NewHandler(coord, wsCfg, testutil.NopLogger()))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/?id=quiet", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var ev model.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, model.EventAuthenticated, ev.Kind)

	// The client never sends a message; CloseRead still answers pings
	conn.CloseRead(ctx)
	assert.Eventually(t, func() bool {
		return store.touches.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
