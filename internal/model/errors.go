package model

import "errors"

// Errors surfaced to clients. Each maps to exactly one outbound event.
var (
	ErrAlreadyHosting     = errors.New("player is already hosting a room")
	ErrRoomCreationFailed = errors.New("room creation failed")
	ErrInvalidRoomCode    = errors.New("invalid room code")
	ErrPasswordNeeded     = errors.New("room requires a password")
	ErrInvalidPassword    = errors.New("invalid room password")
	ErrCannotJoin         = errors.New("cannot join room")
	ErrRoomClosed         = errors.New("room is closed")
	ErrStoreUnavailable   = errors.New("shared store unavailable")
)

// Lookup errors returned by storage
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomCodeTaken  = errors.New("room code already registered")
	ErrPlayerNotFound = errors.New("player not found")
)
