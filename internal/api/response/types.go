package response

import (
	"time"

	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/model"
)

// Health is the response for the health endpoint
type Health struct {
	Status        string `json:"status"`
	Instance      string `json:"instance"`
	Players       int    `json:"players"`
	ActivePlayers int    `json:"active_players"`
	HostedRooms   int    `json:"hosted_rooms"`
}

// HealthFromStats builds a Health response from coordinator stats
func HealthFromStats(instance string, s coordinator.Stats) Health {
	return Health{
		Status:        "ok",
		Instance:      instance,
		Players:       s.Players,
		ActivePlayers: s.ActivePlayers,
		HostedRooms:   s.HostedRooms,
	}
}

// Room describes a room without any password data
type Room struct {
	Code              string     `json:"code"`
	Exists            bool       `json:"exists"`
	PasswordProtected bool       `json:"password_protected"`
	MemberCount       int        `json:"member_count"`
	Instance          string     `json:"instance,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

// RoomFromInfo converts coordinator.RoomInfo
func RoomFromInfo(info *coordinator.RoomInfo) Room {
	createdAt := info.CreatedAt
	return Room{
		Code:              string(info.Code),
		Exists:            true,
		PasswordProtected: info.PasswordProtected,
		MemberCount:       info.MemberCount,
		Instance:          info.Instance,
		CreatedAt:         &createdAt,
	}
}

// MissingRoom is the response for a well-formed code with no live room
func MissingRoom(code model.RoomCode) Room {
	return Room{Code: string(code)}
}

// RoomList is the response for listing live rooms
type RoomList struct {
	Rooms []string `json:"rooms"`
	Count int      `json:"count"`
}

// RoomListFromCodes converts a list of room codes
func RoomListFromCodes(codes []model.RoomCode) RoomList {
	rooms := make([]string, len(codes))
	for i, c := range codes {
		rooms[i] = string(c)
	}
	return RoomList{Rooms: rooms, Count: len(rooms)}
}
