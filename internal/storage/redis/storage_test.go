package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/mcoot/lobbymesh/internal/model"
)

type StorageSuite struct {
	suite.Suite
	mini    *miniredis.Miniredis
	storage *Storage
	ctx     context.Context
}

func TestStorageSuite(t *testing.T) {
	suite.Run(t, new(StorageSuite))
}

func (s *StorageSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())

	client := redis.NewClient(&redis.Options{
		Addr: s.mini.Addr(),
	})

	s.storage = NewWithClient(client, DefaultConfig())
	s.ctx = context.Background()
}

func (s *StorageSuite) TearDownTest() {
	if s.storage != nil {
		_ = s.storage.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *StorageSuite) room(code model.RoomCode) *model.RoomRecord {
	return &model.RoomRecord{
		Code:      code,
		HostID:    "host-1",
		Instance:  "instance-a",
		CreatedAt: time.UnixMilli(1700000000000),
	}
}

// Player tests

func (s *StorageSuite) TestSaveAndGetPlayer() {
	rec := &model.PlayerRecord{
		ID:       "player-1",
		Name:     "Alice",
		LastSeen: time.UnixMilli(1700000000000),
		Instance: "instance-a",
	}

	err := s.storage.SavePlayer(s.ctx, rec)
	s.Require().NoError(err)

	retrieved, err := s.storage.GetPlayer(s.ctx, "player-1")
	s.Require().NoError(err)
	s.Equal(rec.ID, retrieved.ID)
	s.Equal(rec.Name, retrieved.Name)
	s.True(rec.LastSeen.Equal(retrieved.LastSeen))
	s.Equal("instance-a", retrieved.Instance)

	s.Equal("Alice", s.mini.HGet("lobbymesh:player:player-1", "name"))
	s.Equal(10*time.Minute, s.mini.TTL("lobbymesh:player:player-1"))
}

func (s *StorageSuite) TestGetPlayerNotFound() {
	_, err := s.storage.GetPlayer(s.ctx, "nonexistent")
	s.ErrorIs(err, model.ErrPlayerNotFound)
}

func (s *StorageSuite) TestPlayerExpires() {
	s.Require().NoError(s.storage.SavePlayer(s.ctx, &model.PlayerRecord{ID: "player-1", Name: "Alice"}))

	s.mini.FastForward(11 * time.Minute)

	_, err := s.storage.GetPlayer(s.ctx, "player-1")
	s.ErrorIs(err, model.ErrPlayerNotFound)
}

func (s *StorageSuite) TestTouchPlayerRefreshesExpiry() {
	s.Require().NoError(s.storage.SavePlayer(s.ctx, &model.PlayerRecord{ID: "player-1", Name: "Alice"}))
	s.mini.FastForward(8 * time.Minute)

	seen := time.UnixMilli(1700000300000)
	s.Require().NoError(s.storage.TouchPlayer(s.ctx, "player-1", seen))
	s.mini.FastForward(8 * time.Minute)

	retrieved, err := s.storage.GetPlayer(s.ctx, "player-1")
	s.Require().NoError(err)
	s.True(seen.Equal(retrieved.LastSeen))
	s.Equal("Alice", retrieved.Name)
}

func (s *StorageSuite) TestDeletePlayer() {
	_ = s.storage.SavePlayer(s.ctx, &model.PlayerRecord{ID: "player-1", Name: "Alice"})

	err := s.storage.DeletePlayer(s.ctx, "player-1")
	s.Require().NoError(err)

	_, err = s.storage.GetPlayer(s.ctx, "player-1")
	s.ErrorIs(err, model.ErrPlayerNotFound)
}

// Room tests

func (s *StorageSuite) TestRegisterAndGetRoom() {
	rec := s.room("ABCD")
	rec.PasswordProtected = true
	rec.PasswordHash = "hash"

	s.Require().NoError(s.storage.RegisterRoom(s.ctx, rec))

	retrieved, err := s.storage.GetRoom(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.Equal(model.RoomCode("ABCD"), retrieved.Code)
	s.True(retrieved.PasswordProtected)
	s.Equal("hash", retrieved.PasswordHash)
	s.Equal(model.PlayerID("host-1"), retrieved.HostID)
	s.Equal("instance-a", retrieved.Instance)
	s.True(rec.CreatedAt.Equal(retrieved.CreatedAt))

	members, err := s.storage.RoomMembers(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.Equal([]model.PlayerID{"host-1"}, members)

	s.Equal(2*time.Hour, s.mini.TTL("lobbymesh:room:ABCD"))
}

func (s *StorageSuite) TestRegisterRoomCodeTaken() {
	s.Require().NoError(s.storage.RegisterRoom(s.ctx, s.room("ABCD")))

	other := s.room("ABCD")
	other.HostID = "host-2"
	err := s.storage.RegisterRoom(s.ctx, other)
	s.ErrorIs(err, model.ErrRoomCodeTaken)

	retrieved, err := s.storage.GetRoom(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.Equal(model.PlayerID("host-1"), retrieved.HostID)
}

func (s *StorageSuite) TestRegisterRoomConcurrentOnlyOneWins() {
	const contenders = 8

	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := s.room("WXYZ")
			rec.HostID = model.PlayerID(string(rune('a' + i)))
			results <- s.storage.RegisterRoom(s.ctx, rec)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		s.ErrorIs(err, model.ErrRoomCodeTaken)
	}
	s.Equal(1, wins)
}

func (s *StorageSuite) TestGetRoomNotFound() {
	_, err := s.storage.GetRoom(s.ctx, "NOPE")
	s.ErrorIs(err, model.ErrRoomNotFound)
}

func (s *StorageSuite) TestRoomExists() {
	exists, err := s.storage.RoomExists(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.False(exists)

	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))

	exists, err = s.storage.RoomExists(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.True(exists)
}

func (s *StorageSuite) TestDeleteRoom() {
	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))

	s.Require().NoError(s.storage.DeleteRoom(s.ctx, "ABCD"))

	_, err := s.storage.GetRoom(s.ctx, "ABCD")
	s.ErrorIs(err, model.ErrRoomNotFound)

	members, err := s.storage.RoomMembers(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.Empty(members)

	codes, err := s.storage.ListRooms(s.ctx)
	s.Require().NoError(err)
	s.Empty(codes)
}

func (s *StorageSuite) TestDeletedCodeCanBeReused() {
	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))
	_ = s.storage.DeleteRoom(s.ctx, "ABCD")

	s.NoError(s.storage.RegisterRoom(s.ctx, s.room("ABCD")))
}

func (s *StorageSuite) TestListRoomsPrunesExpired() {
	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))
	s.mini.FastForward(time.Hour)
	_ = s.storage.RegisterRoom(s.ctx, s.room("EFGH"))
	s.mini.FastForward(90 * time.Minute)

	codes, err := s.storage.ListRooms(s.ctx)
	s.Require().NoError(err)
	s.Equal([]model.RoomCode{"EFGH"}, codes)

	s.False(s.mini.Exists("lobbymesh:room:ABCD"))
	isMember, err := s.mini.SIsMember("lobbymesh:rooms", "ABCD")
	s.Require().NoError(err)
	s.False(isMember)
}

// Membership tests

func (s *StorageSuite) TestAddAndRemoveMembers() {
	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))

	s.Require().NoError(s.storage.AddRoomMember(s.ctx, "ABCD", "guest-1"))
	s.Require().NoError(s.storage.AddRoomMember(s.ctx, "ABCD", "guest-2"))

	members, err := s.storage.RoomMembers(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.ElementsMatch([]model.PlayerID{"host-1", "guest-1", "guest-2"}, members)

	s.Require().NoError(s.storage.RemoveRoomMember(s.ctx, "ABCD", "guest-1"))

	members, err = s.storage.RoomMembers(s.ctx, "ABCD")
	s.Require().NoError(err)
	s.ElementsMatch([]model.PlayerID{"host-1", "guest-2"}, members)
}

func (s *StorageSuite) TestMembershipRefreshesRoomExpiry() {
	_ = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))
	s.mini.FastForward(time.Hour)

	s.Require().NoError(s.storage.AddRoomMember(s.ctx, "ABCD", "guest-1"))

	s.Equal(2*time.Hour, s.mini.TTL("lobbymesh:room:ABCD"))
	s.Equal(2*time.Hour, s.mini.TTL("lobbymesh:room:ABCD:members"))
}

func (s *StorageSuite) TestTouchRoomKeepsActiveRoomAlive() {
	s.Require().NoError(s.storage.RegisterRoom(s.ctx, s.room("WXYZ")))

	for i := 0; i < 5; i++ {
		s.mini.FastForward(30 * time.Minute)
		s.Require().NoError(s.storage.TouchRoom(s.ctx, "WXYZ", "host-1"))
	}

	rec, err := s.storage.GetRoom(s.ctx, "WXYZ")
	s.Require().NoError(err)
	s.Equal(model.RoomCode("WXYZ"), rec.Code)
	s.Equal(2*time.Hour, s.mini.TTL("lobbymesh:room:WXYZ"))
	s.Equal(2*time.Hour, s.mini.TTL("lobbymesh:room:WXYZ:members"))

	codes, err := s.storage.ListRooms(s.ctx)
	s.Require().NoError(err)
	s.Equal([]model.RoomCode{"WXYZ"}, codes)
}

func (s *StorageSuite) TestTouchExpiredRoom() {
	s.Require().NoError(s.storage.RegisterRoom(s.ctx, s.room("WXYZ")))
	s.mini.FastForward(3 * time.Hour)

	s.ErrorIs(s.storage.TouchRoom(s.ctx, "WXYZ", "host-1"), model.ErrRoomNotFound)

	// The freed code is claimed by someone else; the old host cannot keep it
	rec := s.room("WXYZ")
	rec.HostID = "host-2"
	s.Require().NoError(s.storage.RegisterRoom(s.ctx, rec))
	s.ErrorIs(s.storage.TouchRoom(s.ctx, "WXYZ", "host-1"), model.ErrRoomNotFound)
	s.NoError(s.storage.TouchRoom(s.ctx, "WXYZ", "host-2"))
}

// Failure tests

func (s *StorageSuite) TestStoreUnavailable() {
	s.mini.Close()

	_, err := s.storage.GetRoom(s.ctx, "ABCD")
	s.ErrorIs(err, model.ErrStoreUnavailable)

	err = s.storage.RegisterRoom(s.ctx, s.room("ABCD"))
	s.ErrorIs(err, model.ErrStoreUnavailable)

	err = s.storage.SavePlayer(s.ctx, &model.PlayerRecord{ID: "player-1"})
	s.ErrorIs(err, model.ErrStoreUnavailable)

	err = s.storage.TouchRoom(s.ctx, "ABCD", "host-1")
	s.ErrorIs(err, model.ErrStoreUnavailable)
}
