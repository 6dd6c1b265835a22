package storage

import (
	"context"
	"time"

	"github.com/mcoot/lobbymesh/internal/model"
)

// Storage is the key-value side of the shared store. Every mutation that
// other instances depend on goes through it.
type Storage interface {
	// Room operations

	// RegisterRoom atomically claims rec.Code, writes the room metadata and
	// adds the host as first member. It fails with model.ErrRoomCodeTaken if
	// the code is live.
	RegisterRoom(ctx context.Context, rec *model.RoomRecord) error
	RoomExists(ctx context.Context, code model.RoomCode) (bool, error)
	GetRoom(ctx context.Context, code model.RoomCode) (*model.RoomRecord, error)
	DeleteRoom(ctx context.Context, code model.RoomCode) error
	ListRooms(ctx context.Context) ([]model.RoomCode, error)
	// TouchRoom extends the expiry of a live room and its member set. It
	// fails with model.ErrRoomNotFound if the room has expired, including
	// when the code has since been claimed by another host.
	TouchRoom(ctx context.Context, code model.RoomCode, hostID model.PlayerID) error

	// Membership operations
	AddRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error
	RemoveRoomMember(ctx context.Context, code model.RoomCode, id model.PlayerID) error
	RoomMembers(ctx context.Context, code model.RoomCode) ([]model.PlayerID, error)

	// Player operations
	SavePlayer(ctx context.Context, rec *model.PlayerRecord) error
	GetPlayer(ctx context.Context, id model.PlayerID) (*model.PlayerRecord, error)
	TouchPlayer(ctx context.Context, id model.PlayerID, lastSeen time.Time) error
	DeletePlayer(ctx context.Context, id model.PlayerID) error
}

// Handler receives raw messages published on a subscribed channel
type Handler func(payload []byte)

// Subscription is an active channel subscription
type Subscription interface {
	Close() error
}

// Bus is the publish/subscribe side of the shared store. Messages on one
// channel are delivered in publish order; nothing is promised across channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns once the subscription is active, so a message
	// published after it returns will be delivered.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}
