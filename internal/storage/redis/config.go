package redis

import "time"

// Config holds Redis connection and behavior settings
type Config struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379)
	URL string

	// Pool settings
	PoolSize     int
	MinIdleConns int

	// PlayerTTL is how long a player record lives without renewal
	PlayerTTL time.Duration
	// RoomTTL is how long a room lives without a membership change or a
	// TouchRoom from its owner
	RoomTTL time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		PlayerTTL:    10 * time.Minute,
		RoomTTL:      2 * time.Hour,
	}
}
