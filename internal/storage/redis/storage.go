package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// Storage is a Redis-backed implementation of the storage interface
type Storage struct {
	client *redis.Client
	cfg    Config
}

// New creates a new Redis storage instance
func New(cfg Config) (*Storage, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}

	return &Storage{
		client: client,
		cfg:    cfg,
	}, nil
}

// NewWithClient creates a Redis storage with an existing client (for testing)
func NewWithClient(client *redis.Client, cfg Config) *Storage {
	return &Storage{
		client: client,
		cfg:    cfg,
	}
}

// Client exposes the underlying client so the pub/sub bus can share it
func (s *Storage) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, op, err)
}

// Room operations

func (s *Storage) RegisterRoom(ctx context.Context, rec *model.RoomRecord) error {
	key := roomKey(rec.Code)
	membersKey := roomMembersKey(rec.Code)

	// WATCH the room hash so two instances racing for the same code cannot
	// both commit.
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return model.ErrRoomCodeTaken
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, roomsKey(), string(rec.Code))
			pipe.HSet(ctx, key, map[string]any{
				fieldPasswordProtected: strconv.FormatBool(rec.PasswordProtected),
				fieldPasswordHash:      rec.PasswordHash,
				fieldHostID:            string(rec.HostID),
				fieldInstance:          rec.Instance,
				fieldCreatedAt:         strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
			})
			pipe.Expire(ctx, key, s.cfg.RoomTTL)
			pipe.Del(ctx, membersKey)
			pipe.SAdd(ctx, membersKey, string(rec.HostID))
			pipe.Expire(ctx, membersKey, s.cfg.RoomTTL)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrRoomCodeTaken), errors.Is(err, redis.TxFailedErr):
		return model.ErrRoomCodeTaken
	default:
		return unavailable("register room", err)
	}
}

func (s *Storage) RoomExists(ctx context.Context, code model.RoomCode) (bool, error) {
	exists, err := s.client.Exists(ctx, roomKey(code)).Result()
	if err != nil {
		return false, unavailable("room exists", err)
	}
	return exists > 0, nil
}

func (s *Storage) GetRoom(ctx context.Context, code model.RoomCode) (*model.RoomRecord, error) {
	values, err := s.client.HGetAll(ctx, roomKey(code)).Result()
	if err != nil {
		return nil, unavailable("get room", err)
	}
	if len(values) == 0 {
		return nil, model.ErrRoomNotFound
	}

	protected, _ := strconv.ParseBool(values[fieldPasswordProtected])
	return &model.RoomRecord{
		Code:              code,
		PasswordProtected: protected,
		PasswordHash:      values[fieldPasswordHash],
		HostID:            model.PlayerID(values[fieldHostID]),
		Instance:          values[fieldInstance],
		CreatedAt:         parseMillis(values[fieldCreatedAt]),
	}, nil
}

func (s *Storage) DeleteRoom(ctx context.Context, code model.RoomCode) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, roomsKey(), string(code))
		pipe.Del(ctx, roomKey(code), roomMembersKey(code))
		return nil
	})
	if err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *Storage) ListRooms(ctx context.Context) ([]model.RoomCode, error) {
	members, err := s.client.SMembers(ctx, roomsKey()).Result()
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	if len(members) == 0 {
		return []model.RoomCode{}, nil
	}

	// The code set has no per-member expiry; prune codes whose room hash
	// has expired.
	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		checks[i] = pipe.Exists(ctx, roomKey(model.RoomCode(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("list rooms", err)
	}

	codes := make([]model.RoomCode, 0, len(members))
	var stale []any
	for i, m := range members {
		if checks[i].Val() > 0 {
			codes = append(codes, model.RoomCode(m))
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next listing
		_ = s.client.SRem(ctx, roomsKey(), stale...).Err()
	}
	return codes, nil
}

func (s *Storage) TouchRoom(ctx context.Context, code model.RoomCode, hostID model.PlayerID) error {
	key := roomKey(code)

	txf := func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, key, fieldHostID).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != string(hostID)) {
			return model.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, key, s.cfg.RoomTTL)
			pipe.Expire(ctx, roomMembersKey(code), s.cfg.RoomTTL)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrRoomNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// A concurrent write to the room already refreshed it, or deleted
		// it; the next touch tells which
		return nil
	default:
		return unavailable("touch room", err)
	}
}

// Membership operations

func (s *Storage) AddRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, roomMembersKey(code), string(id))
		pipe.Expire(ctx, roomMembersKey(code), s.cfg.RoomTTL)
		pipe.Expire(ctx, roomKey(code), s.cfg.RoomTTL)
		return nil
	})
	if err != nil {
		return unavailable("add room member", err)
	}
	return nil
}

func (s *Storage) RemoveRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, roomMembersKey(code), string(id))
		pipe.Expire(ctx, roomKey(code), s.cfg.RoomTTL)
		return nil
	})
	if err != nil {
		return unavailable("remove room member", err)
	}
	return nil
}

func (s *Storage) RoomMembers(ctx context.Context, code model.RoomCode) ([]model.PlayerID, error) {
	members, err := s.client.SMembers(ctx, roomMembersKey(code)).Result()
	if err != nil {
		return nil, unavailable("room members", err)
	}
	ids := make([]model.PlayerID, len(members))
	for i, m := range members {
		ids[i] = model.PlayerID(m)
	}
	return ids, nil
}

// Player operations

func (s *Storage) SavePlayer(ctx context.Context, rec *model.PlayerRecord) error {
	key := playerKey(rec.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			fieldID:       string(rec.ID),
			fieldName:     rec.Name,
			fieldLastSeen: strconv.FormatInt(rec.LastSeen.UnixMilli(), 10),
			fieldInstance: rec.Instance,
		})
		pipe.Expire(ctx, key, s.cfg.PlayerTTL)
		return nil
	})
	if err != nil {
		return unavailable("save player", err)
	}
	return nil
}

func (s *Storage) GetPlayer(ctx context.Context, id model.PlayerID) (*model.PlayerRecord, error) {
	values, err := s.client.HGetAll(ctx, playerKey(id)).Result()
	if err != nil {
		return nil, unavailable("get player", err)
	}
	if len(values) == 0 {
		return nil, model.ErrPlayerNotFound
	}
	return &model.PlayerRecord{
		ID:       id,
		Name:     values[fieldName],
		LastSeen: parseMillis(values[fieldLastSeen]),
		Instance: values[fieldInstance],
	}, nil
}

func (s *Storage) TouchPlayer(ctx context.Context, id model.PlayerID, lastSeen time.Time) error {
	key := playerKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldLastSeen, strconv.FormatInt(lastSeen.UnixMilli(), 10))
		pipe.Expire(ctx, key, s.cfg.PlayerTTL)
		return nil
	})
	if err != nil {
		return unavailable("touch player", err)
	}
	return nil
}

func (s *Storage) DeletePlayer(ctx context.Context, id model.PlayerID) error {
	if err := s.client.Del(ctx, playerKey(id)).Err(); err != nil {
		return unavailable("delete player", err)
	}
	return nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
