package coordinator

import (
	"context"

	"github.com/mcoot/lobbymesh/internal/model"
)

// Room is either the authoritative HostedRoom on the host's instance or a
// RoomHandle that forwards to it.
type Room interface {
	Code() model.RoomCode

	// TryJoining admits the player or rejects it. The outcome is reported to
	// the player through JoinSucceeded or SendEvent.
	TryJoining(ctx context.Context, p Player) error
	// PlayerLeft removes a member. The host leaving closes the room.
	PlayerLeft(ctx context.Context, p Player) error
	// Broadcast sends an event from the host to every member
	Broadcast(ctx context.Context, sender model.PlayerID, ev model.Event) error
}

// RoomHandle stands in for a room hosted on another instance. It holds no
// state beyond the code.
type RoomHandle struct {
	code   model.RoomCode
	router *Router
}

// Ensure RoomHandle implements Room
var _ Room = (*RoomHandle)(nil)

func (h *RoomHandle) Code() model.RoomCode {
	return h.code
}

func (h *RoomHandle) TryJoining(ctx context.Context, p Player) error {
	return h.router.SendToRoom(ctx, h.code, CmdRoomJoin, roomMemberPayload{Player: p.ID(), Name: p.Name()})
}

func (h *RoomHandle) PlayerLeft(ctx context.Context, p Player) error {
	return h.router.SendToRoom(ctx, h.code, CmdRoomLeave, roomMemberPayload{Player: p.ID()})
}

func (h *RoomHandle) Broadcast(ctx context.Context, sender model.PlayerID, ev model.Event) error {
	return h.router.SendToRoom(ctx, h.code, CmdRoomBroadcast, roomBroadcastPayload{Sender: sender, Event: ev})
}
