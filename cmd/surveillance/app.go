package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/adapters/arboret"
	"github.com/phl-surveillance/platform/internal/adapters/labware"
	"github.com/phl-surveillance/platform/internal/adapters/nedss"
	"github.com/phl-surveillance/platform/internal/analytics"
	"github.com/phl-surveillance/platform/internal/blobstore"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/privacy"
	"github.com/phl-surveillance/platform/internal/report"
	"github.com/phl-surveillance/platform/internal/shared/config"
	"github.com/phl-surveillance/platform/internal/shared/database"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/shared/logging"
	"github.com/phl-surveillance/platform/internal/storage/postgres"
	"github.com/phl-surveillance/platform/internal/syncengine"
)

type bootstrapOptions struct {
	migrate bool
}

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg      *config.Config
	adapters *config.AdaptersConfig
	log      zerolog.Logger

	db      *database.DB
	bus     *events.Bus
	redis   *redis.Client
	labware *labware.Adapter

	regions   canonical.RegionTable
	engine    *syncengine.Engine
	analytics *analytics.Engine
	reports   *report.Service
}

// bootstrap loads configuration and connects to every backing service.
// Postgres is required; KurrentDB, Redis and object storage are optional.
func bootstrap(ctx context.Context, opts bootstrapOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Server.Env, cfg.Server.LogLevel)

	adaptersCfg, err := config.LoadAdapters(cfg.AdaptersFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		adapters: adaptersCfg,
		log:      log,
		regions:  canonical.NewRegionTable(adaptersCfg.Regions),
	}

	a.db, err = database.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if opts.migrate {
		if err := database.Migrate(ctx, a.db.Pool, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KurrentDB.Enabled {
		a.bus, err = events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			log.Warn().Err(err).Msg("KurrentDB not available, running without event streaming")
		} else {
			publisher = a.bus
		}
	}

	var locker syncengine.Locker
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = syncengine.NewRedisLocker(a.redis, cfg.Redis.LeaseTTL, log)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, sync leases are held in process only")
		locker = syncengine.NewMemoryLocker()
	}

	registry, err := a.buildRegistry()
	if err != nil {
		a.Close()
		return nil, err
	}

	var blobs blobstore.Store
	if cfg.Storage.Enabled {
		s3Store, err := blobstore.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			a.Close()
			return nil, err
		}
		blobs = s3Store
	}

	store := postgres.New(a.db.Pool)
	a.engine = syncengine.New(syncengine.Deps{
		Store:     store,
		Registry:  registry,
		Locker:    locker,
		Publisher: publisher,
		Regions:   a.regions,
		Policy:    syncengine.PolicyFromConfig(cfg.Sync),
		Log:       log,
	})
	a.analytics = analytics.New(store, a.regions)
	a.reports = report.NewService(store, a.analytics, a.engine, blobs, publisher, a.regions, log)

	return a, nil
}

// buildRegistry registers the enabled adapters. Only configured systems are
// reachable; fixture sources are never registered here.
func (a *app) buildRegistry() (*adapters.Registry, error) {
	registry := adapters.NewRegistry()

	if a.adapters.Labware.Enabled {
		pseudonyms, err := privacy.NewPseudonymizer([]byte(a.adapters.PseudonymKey))
		if err != nil {
			return nil, fmt.Errorf("pseudonymizer: %w", err)
		}
		a.labware = labware.New(a.adapters.Labware, pseudonyms, a.log)
		registry.RegisterSource(a.labware)
	}
	if a.adapters.Nedss.Enabled {
		registry.RegisterCaseSink(nedss.New(a.adapters.Nedss, a.log))
	}
	if a.adapters.Arboret.Enabled {
		registry.RegisterVectorSink(arboret.New(a.adapters.Arboret, a.log))
	}

	a.log.Info().Strs("sources", registry.SourceIDs()).Msg("adapter registry built")
	return registry, nil
}

// Close releases every connection opened by bootstrap.
func (a *app) Close() {
	if a.labware != nil {
		if err := a.labware.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close labware connection")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
