package coordinator

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds per-instance coordinator settings
type Config struct {
	// Instance names this server in player and room records and in the
	// origin of every command it publishes. Must be unique in the fleet.
	Instance string

	// PlayerTTL is how long a disconnected player is kept before its rooms
	// are released and its record deleted
	PlayerTTL time.Duration
	// RenewThreshold debounces presence writes
	RenewThreshold time.Duration
	// WrongPasswordDelay postpones invalidPassword replies
	WrongPasswordDelay time.Duration
	// ReapInterval is how often idle players are swept
	ReapInterval time.Duration

	// MaxCodeAttempts bounds room code generation
	MaxCodeAttempts int
	// PasswordCost is the bcrypt cost for room passwords
	PasswordCost int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Instance:           "local",
		PlayerTTL:          10 * time.Minute,
		RenewThreshold:     5 * time.Minute,
		WrongPasswordDelay: 1500 * time.Millisecond,
		ReapInterval:       time.Minute,
		MaxCodeAttempts:    16,
		PasswordCost:       bcrypt.DefaultCost,
	}
}
