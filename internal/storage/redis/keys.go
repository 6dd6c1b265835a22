package redis

import (
	"fmt"

	"github.com/mcoot/lobbymesh/internal/model"
)

// Key prefix for all coordinator data
const keyPrefix = "lobbymesh"

// Hash fields
const (
	fieldID                = "id"
	fieldName              = "name"
	fieldLastSeen          = "lastSeen"
	fieldInstance          = "instance"
	fieldPasswordProtected = "passwordProtected"
	fieldPasswordHash      = "passwordHash"
	fieldHostID            = "hostId"
	fieldCreatedAt         = "createdAt"
)

// roomsKey returns the SET of currently registered room codes
func roomsKey() string {
	return fmt.Sprintf("%s:rooms", keyPrefix)
}

// roomKey returns the HASH holding a room's metadata
func roomKey(code model.RoomCode) string {
	return fmt.Sprintf("%s:room:%s", keyPrefix, code)
}

// roomMembersKey returns the SET of player ids in a room
func roomMembersKey(code model.RoomCode) string {
	return fmt.Sprintf("%s:room:%s:members", keyPrefix, code)
}

// playerKey returns the HASH holding a player's record
func playerKey(id model.PlayerID) string {
	return fmt.Sprintf("%s:player:%s", keyPrefix, id)
}
