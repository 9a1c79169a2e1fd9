package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/config"
	ekafka "github.com/Digital-Creators-Team/progressive-core/events/kafka"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/Digital-Creators-Team/progressive-core/pkg/manifest"
	"github.com/Digital-Creators-Team/progressive-core/pkg/payout"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/Digital-Creators-Team/progressive-core/wire"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "progressived",
		Short: "Progressive jackpot core",
		Long: `progressived runs the progressive jackpot core: level funding,
jackpot transactions, linked progressives and payout hand-off.

Example:
  progressived serve --config config/config.yaml
  progressived recover
  progressived levels --manifest config/packs`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Config file (defaults are used when it does not exist)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, Kafka feeds, scheduler and payout dispatcher",
		RunE:  runServe,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Load persisted levels, resume open transactions and exit",
		RunE:  runRecover,
	}

	levelsCmd := &cobra.Command{
		Use:   "levels",
		Short: "Validate pack manifests and print the levels they declare",
		RunE:  runLevels,
	}
	levelsCmd.Flags().StringP("manifest", "m", "", "Manifest file or directory (default: progressive.manifest_dir)")

	rootCmd.AddCommand(serveCmd, recoverCmd, levelsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env and the config file. A missing file falls back to
// defaults so the core can run in memory with no setup.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// core is the wired progressive core of one process.
type core struct {
	hub        *events.Hub
	service    *jackpot.Service
	queue      *payout.Queue
	dispatcher *payout.Dispatcher
	cleanups   []func()
}

func (c *core) close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func buildCore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*core, error) {
	c := &core{}

	repo, cleanup, err := wire.ProvideLevelRepository(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.cleanups = append(c.cleanups, cleanup)

	ledger, cleanup, err := wire.ProvideTransactionLog(ctx, cfg, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.cleanups = append(c.cleanups, cleanup)

	ids, err := wire.ProvideIDGenerator(cfg)
	if err != nil {
		c.close()
		return nil, err
	}

	c.hub = wire.ProvideHub(logger)
	store := wire.ProvideLevelStore(repo, c.hub, logger)
	monitor, err := wire.ProvideMonitor(cfg, store, c.hub, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.queue = wire.ProvidePayoutQueue()
	coord := wire.ProvideCoordinator(cfg, store, monitor, ledger, c.queue, c.hub, ids, logger)
	adapter := wire.ProvideAdapter(cfg, store, monitor, coord, c.hub, logger)

	levels, err := wire.ProvideManifestLevels(cfg, adapter, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.service = wire.ProvideService(cfg, store, monitor, coord, adapter, c.hub, levels, logger)
	c.dispatcher = wire.ProvidePayoutDispatcher(cfg, c.queue, coord, logger)
	return c, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := wire.ProvideLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build progressive core")
		return err
	}
	defer c.close()

	report, err := c.service.Start(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start jackpot service")
		return err
	}
	defer c.service.Stop()
	logger.Info().Interface("report", report).Msg("Progressive core ready")

	scheduler, err := wire.ProvideScheduler(cfg, c.service, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	producer, closeProducer := wire.ProvideKafkaProducer(cfg, logger)
	defer closeProducer()
	if sink := wire.ProvideKafkaSink(cfg, producer, c.hub, logger); sink != nil {
		sink.Start()
		defer sink.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	app := wire.ProvideApp(wire.ProvideServerOptions(cfg, logger, c.service, c.hub))
	g.Go(func() error {
		return app.RunWithContext(gctx)
	})

	if len(cfg.Kafka.Brokers) > 0 {
		consumers := []*ekafka.Consumer{
			ekafka.NewConsumer(ekafka.ConsumerConfig{
				Brokers:       cfg.Kafka.Brokers,
				Topic:         cfg.Kafka.Topic("wagers"),
				ConsumerGroup: cfg.Kafka.ConsumerGroup,
				Logger:        logger,
			}, ekafka.WagerHandler(c.service)),
			ekafka.NewConsumer(ekafka.ConsumerConfig{
				Brokers:       cfg.Kafka.Brokers,
				Topic:         cfg.Kafka.Topic("link_status"),
				ConsumerGroup: cfg.Kafka.ConsumerGroup,
				Logger:        logger,
			}, ekafka.LinkStatusHandler(c.service.Adapter())),
		}
		for _, consumer := range consumers {
			consumer := consumer
			consumer.Start()
			g.Go(func() error {
				<-gctx.Done()
				return consumer.Stop()
			})
		}
	} else {
		logger.Info().Msg("No Kafka brokers configured, wagers are accepted over HTTP only")
	}

	if cfg.ExternalServices.PayoutService.BaseURL != "" {
		g.Go(func() error {
			return c.dispatcher.Run(gctx)
		})
	} else {
		logger.Info().Msg("No payout service configured, commits wait for commit-ack from the host")
	}

	return g.Wait()
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := wire.ProvideLogger(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := c.service.Start(ctx)
	if err != nil {
		return err
	}
	c.service.Stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		jackpot.StartReport
		PendingPayouts []progressive.PendingPayout `json:"pending_payouts"`
	}{report, c.queue.Pending()})
}

func runLevels(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("manifest")
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Progressive.ManifestDir
	}
	if path == "" {
		return errors.New("no manifest given and progressive.manifest_dir is empty")
	}

	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	levels, err := m.Levels(nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tTYPE\tFUNDING\tRESET\tMAXIMUM\tRATE\tASSIGNED\tERROR")
	invalid := 0
	for _, l := range levels {
		if l.ConfigError != "" {
			invalid++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			l.Key, l.LevelName, l.LevelType, l.FundingType,
			progressive.FormatMillicents(l.ResetValue), progressive.FormatMillicents(l.MaximumValue),
			l.IncrementRate, l.AssignedProgressiveID, l.ConfigError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d levels have configuration errors", invalid, len(levels))
	}
	return nil
}
