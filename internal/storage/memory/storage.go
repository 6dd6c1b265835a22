package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// Storage is an in-memory implementation of the storage interface.
// Records never expire.
type Storage struct {
	mu sync.RWMutex

	rooms   map[model.RoomCode]*model.RoomRecord
	members map[model.RoomCode]map[model.PlayerID]struct{}
	players map[model.PlayerID]*model.PlayerRecord
}

// New creates a new in-memory storage instance
func New() *Storage {
	return &Storage{
		rooms:   make(map[model.RoomCode]*model.RoomRecord),
		members: make(map[model.RoomCode]map[model.PlayerID]struct{}),
		players: make(map[model.PlayerID]*model.PlayerRecord),
	}
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

// Room operations

func (s *Storage) RegisterRoom(ctx context.Context, rec *model.RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[rec.Code]; ok {
		return model.ErrRoomCodeTaken
	}
	stored := *rec
	s.rooms[rec.Code] = &stored
	s.members[rec.Code] = map[model.PlayerID]struct{}{rec.HostID: {}}
	return nil
}

func (s *Storage) RoomExists(ctx context.Context, code model.RoomCode) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[code]
	return ok, nil
}

func (s *Storage) GetRoom(ctx context.Context, code model.RoomCode) (*model.RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[code]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Storage) DeleteRoom(ctx context.Context, code model.RoomCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, code)
	delete(s.members, code)
	return nil
}

func (s *Storage) ListRooms(ctx context.Context) ([]model.RoomCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]model.RoomCode, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes, nil
}

func (s *Storage) TouchRoom(ctx context.Context, code model.RoomCode, hostID model.PlayerID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.rooms[code]; !ok || rec.HostID != hostID {
		return model.ErrRoomNotFound
	}
	return nil
}

// Membership operations

func (s *Storage) AddRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[code]
	if !ok {
		set = make(map[model.PlayerID]struct{})
		s.members[code] = set
	}
	set[id] = struct{}{}
	return nil
}

func (s *Storage) RemoveRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.members[code]; ok {
		delete(set, id)
	}
	return nil
}

func (s *Storage) RoomMembers(ctx context.Context, code model.RoomCode) ([]model.PlayerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[code]
	ids := make([]model.PlayerID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Player operations

func (s *Storage) SavePlayer(ctx context.Context, rec *model.PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.players[rec.ID] = &stored
	return nil
}

func (s *Storage) GetPlayer(ctx context.Context, id model.PlayerID) (*model.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.players[id]
	if !ok {
		return nil, model.ErrPlayerNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Storage) TouchPlayer(ctx context.Context, id model.PlayerID, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Matches HSET on a missing hash: a partial record appears
	rec, ok := s.players[id]
	if !ok {
		rec = &model.PlayerRecord{ID: id}
		s.players[id] = rec
	}
	rec.LastSeen = lastSeen
	return nil
}

func (s *Storage) DeletePlayer(ctx context.Context, id model.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
	return nil
}
