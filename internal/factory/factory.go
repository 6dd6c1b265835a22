package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/dependencies/clock"
	"github.com/mcoot/lobbymesh/internal/dependencies/random"
	"github.com/mcoot/lobbymesh/internal/storage"
	"github.com/mcoot/lobbymesh/internal/storage/memory"
	natsbus "github.com/mcoot/lobbymesh/internal/storage/nats"
	redisstorage "github.com/mcoot/lobbymesh/internal/storage/redis"
)

// Storage type constants
const (
	StorageTypeMemory = "memory"
	StorageTypeRedis  = "redis"
)

// Bus type constants. An empty bus type uses the storage backend's own
// pub/sub.
const (
	BusTypeMemory = "memory"
	BusTypeRedis  = "redis"
	BusTypeNATS   = "nats"
)

// App contains all wired application components
type App struct {
	// Shared store
	Storage storage.Storage
	Bus     storage.Bus

	// External dependencies
	Clock  clock.Clock
	Random random.Random

	Coordinator *coordinator.Coordinator

	closers []io.Closer
}

// Config holds configuration for the application factory
type Config struct {
	// Logger is the application logger (optional)
	// If nil, a no-op logger is used
	Logger *slog.Logger
	// StorageType selects the storage backend ("memory" or "redis")
	// If empty, defaults to "memory"
	StorageType string
	// RedisConfig holds Redis connection settings (required if StorageType is "redis")
	RedisConfig *redisstorage.Config
	// BusType selects the message bus ("memory", "redis" or "nats")
	// If empty, the bus matches StorageType
	BusType string
	// NATSConfig holds NATS connection settings (required if BusType is "nats")
	NATSConfig *natsbus.Config
	// Coordinator holds per-instance settings (optional)
	// If zero value, defaults to coordinator.DefaultConfig()
	Coordinator coordinator.Config
}

// New creates a new application with all dependencies wired
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	storageType := cfg.StorageType
	if storageType == "" {
		storageType = StorageTypeMemory
	}
	busType := cfg.BusType
	if busType == "" {
		busType = storageType
	}

	var (
		store   storage.Storage
		bus     storage.Bus
		closers []io.Closer
	)
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	var redisStore *redisstorage.Storage
	switch storageType {
	case StorageTypeMemory:
		store = memory.New()
	case StorageTypeRedis:
		if cfg.RedisConfig == nil {
			return nil, errors.New("RedisConfig required when StorageType is redis")
		}
		s, err := redisstorage.New(*cfg.RedisConfig)
		if err != nil {
			return nil, err
		}
		redisStore = s
		store = s
		closers = append(closers, s)
	default:
		return nil, errors.New("invalid StorageType: must be 'memory' or 'redis'")
	}

	switch busType {
	case BusTypeMemory:
		if storageType != StorageTypeMemory {
			return fail(errors.New("memory bus only works with memory storage"))
		}
		bus = memory.NewBus()
	case BusTypeRedis:
		if redisStore == nil {
			return fail(errors.New("redis bus requires redis storage"))
		}
		b := redisstorage.NewBus(redisStore.Client(), logger)
		bus = b
		closers = append(closers, b)
	case BusTypeNATS:
		natsCfg := natsbus.DefaultConfig()
		if cfg.NATSConfig != nil {
			natsCfg = *cfg.NATSConfig
		}
		b, err := natsbus.Connect(natsCfg, logger)
		if err != nil {
			return fail(err)
		}
		bus = b
		closers = append(closers, b)
	default:
		return fail(fmt.Errorf("invalid BusType %q: must be 'memory', 'redis' or 'nats'", busType))
	}

	coordCfg := cfg.Coordinator
	if coordCfg.Instance == "" {
		coordCfg = coordinator.DefaultConfig()
	}

	app := newWithDependencies(store, bus, clock.New(), random.New(), coordCfg, logger)
	app.closers = closers
	return app, nil
}

// newWithDependencies creates an App with the given dependencies (useful for testing)
func newWithDependencies(store storage.Storage, bus storage.Bus, clk clock.Clock, rnd random.Random, coordCfg coordinator.Config, logger *slog.Logger) *App {
	return &App{
		Storage:     store,
		Bus:         bus,
		Clock:       clk,
		Random:      rnd,
		Coordinator: coordinator.New(coordCfg, store, bus, clk, rnd, logger),
	}
}

// Close shuts the coordinator down, then releases the bus and store
// connections in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.Coordinator.Close(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
