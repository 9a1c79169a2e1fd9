package wire

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/config"
	"github.com/Digital-Creators-Team/progressive-core/db/memory"
	"github.com/Digital-Creators-Team/progressive-core/db/postgres"
	"github.com/Digital-Creators-Team/progressive-core/db/redis"
	ekafka "github.com/Digital-Creators-Team/progressive-core/events/kafka"
	"github.com/Digital-Creators-Team/progressive-core/jobs"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/contribution"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/linked"
	"github.com/Digital-Creators-Team/progressive-core/pkg/manifest"
	"github.com/Digital-Creators-Team/progressive-core/pkg/payout"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/Digital-Creators-Team/progressive-core/provider"
	"github.com/Digital-Creators-Team/progressive-core/server"
	"github.com/google/wire"
	"github.com/rs/zerolog"
)

// ProvideLogger provides a zerolog.Logger
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging)
}

// ProvideRedisClient provides a Redis client
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client, err := redis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideHub provides the progressive event hub
func ProvideHub(logger zerolog.Logger) *events.Hub {
	return events.NewHub(logger)
}

// ProvideLevelRepository selects the level snapshot store named by
// progressive.store. The redis store is leased to this node until cleanup.
func ProvideLevelRepository(cfg *config.Config, logger zerolog.Logger) (progressive.LevelRepository, func(), error) {
	switch cfg.Progressive.Store {
	case "memory":
		logger.Warn().Msg("Level snapshots are kept in memory and lost on restart")
		return memory.NewLevelRepository(), func() {}, nil
	case "redis":
		client, closeClient, err := ProvideRedisClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		lease := redis.NewLease(client, "levels", nodeOwner(cfg), cfg.Progressive.StoreLeaseTTL, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Acquire(ctx); err != nil {
			closeClient()
			return nil, nil, err
		}
		cleanup := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to release store lease")
			}
			closeClient()
		}
		return redis.NewLevelRepository(client), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown progressive store %q", cfg.Progressive.Store)
	}
}

// nodeOwner names this process as a lease holder. A restart on the same host
// and node id takes its own lease back.
func nodeOwner(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, cfg.Progressive.NodeID)
}

// ProvideTransactionLog selects the transaction ledger named by
// progressive.ledger. The PostgreSQL schema is migrated on connect.
func ProvideTransactionLog(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (progressive.TransactionLog, func(), error) {
	switch cfg.Progressive.Ledger {
	case "memory":
		logger.Warn().Msg("Jackpot transactions are kept in memory and lost on restart")
		return memory.NewTransactionLog(), func() {}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewTransactionLog(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown progressive ledger %q", cfg.Progressive.Ledger)
	}
}

// ProvideIDGenerator provides snowflake transaction ids for this node
func ProvideIDGenerator(cfg *config.Config) (claim.IDGenerator, error) {
	return claim.NewSnowflakeIDs(cfg.Progressive.NodeID)
}

// ProvideLevelStore provides the level store
func ProvideLevelStore(repo progressive.LevelRepository, hub *events.Hub, logger zerolog.Logger) *levelstore.Store {
	return levelstore.New(levelstore.Config{Repository: repo, Hub: hub, Logger: logger})
}

// ProvideMonitor provides the error monitor with the configured RTP bounds
func ProvideMonitor(cfg *config.Config, store *levelstore.Store, hub *events.Hub, logger zerolog.Logger) (*errormonitor.Monitor, error) {
	minRTP, err := contribution.ParseRate(cfg.Progressive.MinRTP)
	if err != nil {
		return nil, fmt.Errorf("invalid progressive.min_rtp: %w", err)
	}
	maxRTP, err := contribution.ParseRate(cfg.Progressive.MaxRTP)
	if err != nil {
		return nil, fmt.Errorf("invalid progressive.max_rtp: %w", err)
	}
	return errormonitor.New(errormonitor.Config{
		Store:  store,
		Hub:    hub,
		Logger: logger,
		MinRTP: minRTP,
		MaxRTP: maxRTP,
	}), nil
}

// ProvidePayoutQueue provides the committed payout queue
func ProvidePayoutQueue() *payout.Queue {
	return payout.NewQueue()
}

// ProvideCoordinator provides the claim coordinator
func ProvideCoordinator(
	cfg *config.Config,
	store *levelstore.Store,
	monitor *errormonitor.Monitor,
	log progressive.TransactionLog,
	queue *payout.Queue,
	hub *events.Hub,
	ids claim.IDGenerator,
	logger zerolog.Logger,
) *claim.Coordinator {
	coord := claim.New(claim.Config{
		Store:         store,
		Monitor:       monitor,
		Log:           log,
		Payouts:       queue,
		Hub:           hub,
		IDs:           ids,
		Logger:        logger,
		ClaimTimeout:  cfg.Progressive.ClaimTimeout,
		CommitTimeout: cfg.Progressive.CommitTimeout,
		AllowIdleHits: cfg.Progressive.AllowIdleHits,
	})
	coord.AddObserver(queue)
	return coord
}

// ProvideAdapter provides the linked level adapter
func ProvideAdapter(
	cfg *config.Config,
	store *levelstore.Store,
	monitor *errormonitor.Monitor,
	coord *claim.Coordinator,
	hub *events.Hub,
	logger zerolog.Logger,
) *linked.Adapter {
	return linked.New(linked.Config{
		Store:         store,
		Monitor:       monitor,
		Coordinator:   coord,
		Hub:           hub,
		Logger:        logger,
		UpdateTimeout: cfg.Progressive.UpdateTimeout,
	})
}

// ManifestLevels are the levels declared by the pack manifests.
type ManifestLevels []progressive.Level

// ProvideManifestLevels loads progressive.manifest_dir. No directory means
// the service only serves levels already persisted.
func ProvideManifestLevels(cfg *config.Config, adapter *linked.Adapter, logger zerolog.Logger) (ManifestLevels, error) {
	if cfg.Progressive.ManifestDir == "" {
		return nil, nil
	}
	m, err := manifest.Load(cfg.Progressive.ManifestDir)
	if err != nil {
		return nil, err
	}
	levels, err := m.Levels(adapter.LevelName)
	if err != nil {
		return nil, err
	}
	logger.Info().Strs("packs", m.PackNames()).Int("levels", len(levels)).Msg("Pack manifests loaded")
	return levels, nil
}

// ProvideService provides the jackpot service
func ProvideService(
	cfg *config.Config,
	store *levelstore.Store,
	monitor *errormonitor.Monitor,
	coord *claim.Coordinator,
	adapter *linked.Adapter,
	hub *events.Hub,
	levels ManifestLevels,
	logger zerolog.Logger,
) *jackpot.Service {
	return jackpot.NewService(jackpot.ServiceConfig{
		Store:             store,
		Monitor:           monitor,
		Coordinator:       coord,
		Adapter:           adapter,
		Hub:               hub,
		Levels:            levels,
		BroadcastInterval: cfg.Progressive.BroadcastInterval,
		AutoAwardSap:      cfg.Progressive.AutoAwardSap,
		Logger:            logger,
	})
}

// ProvidePayoutDispatcher provides the dispatcher paying committed awards
// through the host payout service.
func ProvidePayoutDispatcher(cfg *config.Config, queue *payout.Queue, coord *claim.Coordinator, logger zerolog.Logger) *payout.Dispatcher {
	return payout.NewDispatcher(payout.DispatcherConfig{
		Queue:        queue,
		Payer:        provider.NewPayoutProvider(cfg, logger),
		Acknowledger: coord,
		Logger:       logger,
		RetryEvery:   cfg.Progressive.PayoutRetry,
	})
}

// ProvideScheduler provides the maintenance scheduler with the progressive
// jobs registered.
func ProvideScheduler(cfg *config.Config, svc *jackpot.Service, logger zerolog.Logger) (*jobs.Scheduler, error) {
	s := jobs.NewScheduler(logger)
	if err := s.AddProgressiveJobs(cfg.Progressive.SweepSchedule, svc, svc.Monitor()); err != nil {
		return nil, fmt.Errorf("invalid progressive.sweep_schedule: %w", err)
	}
	return s, nil
}

// ProvideKafkaProducer provides a producer, or nil when no brokers are configured.
func ProvideKafkaProducer(cfg *config.Config, logger zerolog.Logger) (*ekafka.Producer, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}
	}
	p := ekafka.NewProducer(ekafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, Logger: logger})
	return p, func() { _ = p.Close() }
}

// ProvideKafkaSink provides the event sink, or nil without a producer.
func ProvideKafkaSink(cfg *config.Config, producer *ekafka.Producer, hub *events.Hub, logger zerolog.Logger) *ekafka.Sink {
	if producer == nil {
		return nil
	}
	return ekafka.NewSink(ekafka.SinkConfig{
		Producer:    producer,
		Hub:         hub,
		Topic:       cfg.Kafka.Topic("events"),
		ValuesTopic: cfg.Kafka.Topic("values"),
		Logger:      logger,
	})
}

// ProvideServerOptions provides server options
func ProvideServerOptions(cfg *config.Config, logger zerolog.Logger, svc *jackpot.Service, hub *events.Hub) server.Options {
	return server.Options{
		Config:  cfg,
		Logger:  logger,
		Service: svc,
		Hub:     hub,
	}
}

// ProvideApp provides the main application with all routes registered
func ProvideApp(opts server.Options) *server.App {
	app := server.New(opts)
	app.UseCommonMiddlewares()
	app.RegisterHealthCheck()
	app.RegisterProgressiveRoutes()
	return app
}

// ConfigSet is the wire provider set for configuration
var ConfigSet = wire.NewSet(
	config.Load,
)

// LoggingSet is the wire provider set for logging
var LoggingSet = wire.NewSet(
	ProvideLogger,
)

// StorageSet is the wire provider set for level and ledger persistence
var StorageSet = wire.NewSet(
	ProvideLevelRepository,
	ProvideTransactionLog,
)

// CoreSet is the wire provider set for the progressive core
var CoreSet = wire.NewSet(
	ProvideHub,
	ProvideIDGenerator,
	ProvideLevelStore,
	ProvideMonitor,
	ProvidePayoutQueue,
	ProvideCoordinator,
	ProvideAdapter,
	ProvideManifestLevels,
	ProvideService,
	ProvidePayoutDispatcher,
	ProvideScheduler,
)

// KafkaSet is the wire provider set for Kafka transport
var KafkaSet = wire.NewSet(
	ProvideKafkaProducer,
	ProvideKafkaSink,
)

// ServerSet is the wire provider set for server
var ServerSet = wire.NewSet(
	ProvideServerOptions,
	ProvideApp,
)

// DefaultSet is the default wire provider set including all common providers
var DefaultSet = wire.NewSet(
	LoggingSet,
	StorageSet,
	CoreSet,
	KafkaSet,
	ServerSet,
)
