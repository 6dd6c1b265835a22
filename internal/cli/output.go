package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Output handles formatting output based on the configured format
type Output struct {
	format string
	w      io.Writer
}

// NewOutput creates a new Output formatter writing to w
func NewOutput(format string, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Print outputs data in the configured format
func (o *Output) Print(data any) {
	if o.format == "json" {
		o.printJSON(data)
	} else {
		o.printText(data)
	}
}

func (o *Output) printJSON(data any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func (o *Output) printText(data any) {
	switch v := data.(type) {
	case HealthResult:
		o.printHealthResult(v)
	case RoomList:
		o.printRoomList(v)
	case Room:
		o.printRoom(v)
	default:
		// Fallback to JSON for unknown types
		o.printJSON(data)
	}
}

// HealthResult response type
type HealthResult struct {
	Status        string `json:"status"`
	Instance      string `json:"instance"`
	Players       int    `json:"players"`
	ActivePlayers int    `json:"active_players"`
	HostedRooms   int    `json:"hosted_rooms"`
}

// RoomList response type
type RoomList struct {
	Rooms []string `json:"rooms"`
	Count int      `json:"count"`
}

// Room response type
type Room struct {
	Code              string     `json:"code"`
	Exists            bool       `json:"exists"`
	PasswordProtected bool       `json:"password_protected"`
	MemberCount       int        `json:"member_count"`
	Instance          string     `json:"instance,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
}

func (o *Output) printHealthResult(h HealthResult) {
	_, _ = fmt.Fprintf(o.w, "Status: %s\n", h.Status)
	_, _ = fmt.Fprintf(o.w, "Instance: %s\n", h.Instance)
	_, _ = fmt.Fprintf(o.w, "Players: %d (%d connected)\n", h.Players, h.ActivePlayers)
	_, _ = fmt.Fprintf(o.w, "Hosted rooms: %d\n", h.HostedRooms)
}

func (o *Output) printRoomList(l RoomList) {
	if l.Count == 0 {
		_, _ = fmt.Fprintln(o.w, "No rooms")
		return
	}
	_, _ = fmt.Fprintf(o.w, "Rooms (%d):\n", l.Count)
	for _, code := range l.Rooms {
		_, _ = fmt.Fprintf(o.w, "  - %s\n", code)
	}
}

func (o *Output) printRoom(r Room) {
	if !r.Exists {
		_, _ = fmt.Fprintf(o.w, "Room %s does not exist\n", r.Code)
		return
	}
	_, _ = fmt.Fprintf(o.w, "Room: %s\n", r.Code)
	_, _ = fmt.Fprintf(o.w, "Instance: %s\n", r.Instance)
	_, _ = fmt.Fprintf(o.w, "Members: %d\n", r.MemberCount)
	protected := "no"
	if r.PasswordProtected {
		protected = "yes"
	}
	_, _ = fmt.Fprintf(o.w, "Password: %s\n", protected)
	if r.CreatedAt != nil {
		_, _ = fmt.Fprintf(o.w, "Created: %s\n", r.CreatedAt.Format(time.RFC3339))
	}
}
