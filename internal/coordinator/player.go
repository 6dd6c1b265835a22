package coordinator

import (
	"context"

	"github.com/mcoot/lobbymesh/internal/model"
)

// Player is the capability set shared by players connected to this instance
// and proxies for players connected elsewhere. Result events are delivered
// to the player's client by the implementation; returned errors are for the
// caller's logs.
type Player interface {
	ID() model.PlayerID
	Name() string

	// SendEvent delivers an event to the player's client
	SendEvent(ctx context.Context, ev model.Event) error
	// JoinSucceeded records that the player is now in the room
	JoinSucceeded(ctx context.Context, code model.RoomCode, isHost bool) error
	// Evicted records that the room was closed under the player
	Evicted(ctx context.Context, code model.RoomCode) error

	Host(ctx context.Context, password string) error
	AttemptJoining(ctx context.Context, code string, password string) error
	Leave(ctx context.Context) error
}
