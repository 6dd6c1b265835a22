package model

import (
	"strings"
	"time"
)

// RoomCodeLength is the number of letters in a room code
const RoomCodeLength = 4

// RoomCode is the public, human-typeable identifier of a room.
// Canonical form is uppercase A-Z.
type RoomCode string

// NormalizeRoomCode uppercases user input. It does not validate.
func NormalizeRoomCode(raw string) RoomCode {
	return RoomCode(strings.ToUpper(raw))
}

// Valid reports whether the code is exactly RoomCodeLength letters in A-Z
func (c RoomCode) Valid() bool {
	if len(c) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// RoomState is the lifecycle state of a hosted room
type RoomState string

const (
	RoomStateCreated RoomState = "created" // host only, not yet registered
	RoomStateOpen    RoomState = "open"    // accepting joins
	RoomStateClosed  RoomState = "closed"  // host left or torn down
)

// RoomRecord is the persisted metadata of a live room
type RoomRecord struct {
	Code              RoomCode
	PasswordProtected bool
	PasswordHash      string // bcrypt hash, empty when unprotected
	HostID            PlayerID
	Instance          string // instance owning the hosted room
	CreatedAt         time.Time
}
