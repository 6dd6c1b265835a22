package model

import (
	"encoding/json"
	"errors"
)

// EventKind identifies a server to client event
type EventKind string

const (
	// Session events
	EventAuthenticated   EventKind = "authenticated"
	EventSessionReplaced EventKind = "sessionReplaced"
	EventError           EventKind = "error"

	// Hosting events
	EventRoomCreated        EventKind = "roomCreated"
	EventRoomCreationFailed EventKind = "roomCreationFailed"
	EventAlreadyHosting     EventKind = "alreadyHosting"

	// Joining events
	EventInvalidRoomCode EventKind = "invalidRoomCode"
	EventPasswordNeeded  EventKind = "passwordNeeded"
	EventInvalidPassword EventKind = "invalidPassword"
	EventCannotJoin      EventKind = "cannotJoin"
	EventJoinedGame      EventKind = "joinedGame"
	EventLeftGame        EventKind = "leftGame"

	// Room events
	EventPlayerJoined EventKind = "playerJoined"
	EventPlayerLeft   EventKind = "playerLeft"
	EventRoomClosed   EventKind = "roomClosed"
	EventStateChanged EventKind = "stateChanged"
	EventTimer        EventKind = "timer"
)

var eventKinds = map[EventKind]struct{}{
	EventAuthenticated:      {},
	EventSessionReplaced:    {},
	EventError:              {},
	EventRoomCreated:        {},
	EventRoomCreationFailed: {},
	EventAlreadyHosting:     {},
	EventInvalidRoomCode:    {},
	EventPasswordNeeded:     {},
	EventInvalidPassword:    {},
	EventCannotJoin:         {},
	EventJoinedGame:         {},
	EventLeftGame:           {},
	EventPlayerJoined:       {},
	EventPlayerLeft:         {},
	EventRoomClosed:         {},
	EventStateChanged:       {},
	EventTimer:              {},
}

// Known reports whether k is part of the outbound vocabulary
func (k EventKind) Known() bool {
	_, ok := eventKinds[k]
	return ok
}

// Event is a single outbound message. It is also the wire envelope, so it
// survives a trip through the cross-instance bus unchanged.
type Event struct {
	Kind EventKind       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A nil payload yields
// an event with no data.
func NewEvent(kind EventKind, payload any) Event {
	if payload == nil {
		return Event{Kind: kind}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{Kind: kind}
	}
	return Event{Kind: kind, Data: data}
}

// RawEvent builds an event around an already-encoded opaque payload
func RawEvent(kind EventKind, data json.RawMessage) Event {
	return Event{Kind: kind, Data: data}
}

// AuthenticatedPayload tells a client which identity it is bound to
type AuthenticatedPayload struct {
	ID   PlayerID `json:"id"`
	Name string   `json:"name"`
}

// JoinedGamePayload is sent when a player enters a room as host or member
type JoinedGamePayload struct {
	Code   RoomCode `json:"code"`
	IsHost bool     `json:"isHost"`
}

// MemberPayload identifies a room member in join/leave notifications
type MemberPayload struct {
	ID   PlayerID `json:"id"`
	Name string   `json:"name,omitempty"`
}

// ErrorPayload describes a protocol-level problem with a client request
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent maps a user-visible error to its outbound event. Unknown errors
// report false.
func ErrorEvent(err error) (Event, bool) {
	switch {
	case errors.Is(err, ErrAlreadyHosting):
		return NewEvent(EventAlreadyHosting, nil), true
	case errors.Is(err, ErrRoomCreationFailed):
		return NewEvent(EventRoomCreationFailed, nil), true
	case errors.Is(err, ErrInvalidRoomCode), errors.Is(err, ErrRoomNotFound):
		return NewEvent(EventInvalidRoomCode, nil), true
	case errors.Is(err, ErrPasswordNeeded):
		return NewEvent(EventPasswordNeeded, nil), true
	case errors.Is(err, ErrInvalidPassword):
		return NewEvent(EventInvalidPassword, nil), true
	case errors.Is(err, ErrCannotJoin), errors.Is(err, ErrRoomClosed), errors.Is(err, ErrStoreUnavailable):
		return NewEvent(EventCannotJoin, nil), true
	default:
		return Event{}, false
	}
}
