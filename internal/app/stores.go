package service

import (
	"context"
	"fmt"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/adapters/repository/postgres"
	"github.com/okian/pbengine/internal/adapters/repository/redisstore"
	"github.com/okian/pbengine/internal/config"
	"github.com/okian/pbengine/internal/domain/gamemode"
	"github.com/okian/pbengine/pkg/logger"
)

// OpenStore connects the store selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		return repository.NewMemoryStore(ctx), nil
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithWriteConcurrency(cfg.RankWriteConcurrency),
			postgres.WithLogger(log.Named("postgres")),
		)
	case config.DriverRedis:
		return redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisDB, redisstore.WithPrefix(cfg.RedisPrefix))
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
}

// ModeRegistry layers the configured mode policies over the built-in ones.
func ModeRegistry(modes map[string]config.ModeConfig) (*gamemode.Registry, error) {
	reg := gamemode.DefaultRegistry()
	for name, mc := range modes {
		mode, err := gamemode.ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		reg.Register(mode, gamemode.Policy{
			SecondaryMetric: mc.SecondaryMetric,
			Lamps:           mc.Lamps,
			ComposeLamp:     mc.ComposeLamp,
			RatingWeights:   mc.RatingWeights,
		})
	}
	return reg, nil
}

// FromConfig builds an unstarted Service from cfg. The service owns the store.
func FromConfig(ctx context.Context, cfg *config.Config, log logger.Logger) (*Service, error) {
	modes, err := ModeRegistry(cfg.Modes)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return New(
		WithStore(store),
		WithModes(modes),
		WithLogger(log),
		WithWorkerCount(cfg.WorkerCount),
		WithQueueSize(cfg.QueueSize),
		WithDedupeSize(cfg.DedupeSize),
		WithMaxListLimit(cfg.MaxListLimit),
		WithConcurrency(cfg.BuildConcurrency, cfg.RankConcurrency, cfg.RankWriteConcurrency),
		WithProcessTimeout(msDuration(cfg.ProcessTimeoutMS)),
	), nil
}
