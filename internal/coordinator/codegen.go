package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcoot/lobbymesh/internal/dependencies/random"
	"github.com/mcoot/lobbymesh/internal/model"
	"github.com/mcoot/lobbymesh/internal/storage"
)

// RoomCodeAlphabet is the set of letters room codes are drawn from
const RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Generator draws room codes that are not live in the shared store
type Generator struct {
	store       storage.Storage
	random      random.Random
	maxAttempts int
	logger      *slog.Logger
}

// NewGenerator creates a Generator
func NewGenerator(store storage.Storage, random random.Random, maxAttempts int, logger *slog.Logger) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Generator{
		store:       store,
		random:      random,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Generate returns a code that was free at the time of the check. Callers
// still claim it atomically with RegisterRoom.
func (g *Generator) Generate(ctx context.Context) (model.RoomCode, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		code := model.RoomCode(g.random.String(model.RoomCodeLength, RoomCodeAlphabet))
		if !code.Valid() {
			continue
		}

		exists, err := g.store.RoomExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("%w: %w", model.ErrRoomCreationFailed, err)
		}
		if !exists {
			return code, nil
		}
		g.logger.Debug("room code collision",
			slog.String("code", string(code)),
			slog.Int("attempt", attempt),
		)
	}
	return "", fmt.Errorf("%w: no free code after %d attempts", model.ErrRoomCreationFailed, g.maxAttempts)
}
