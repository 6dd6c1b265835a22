package model

import "time"

// PlayerID uniquely identifies a player across reconnects and server instances.
// It is supplied by the client and is not verified.
type PlayerID string

// PlayerRecord is the persisted view of a player shared by all instances
type PlayerRecord struct {
	ID       PlayerID
	Name     string
	LastSeen time.Time
	Instance string // instance currently owning the live connection
}
