package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finalarm/internal/account"
	"finalarm/internal/alerts"
	"finalarm/internal/api"
	"finalarm/internal/config"
	"finalarm/internal/engine"
	"finalarm/internal/ingest"
	"finalarm/internal/logging"
	"finalarm/internal/model"
	"finalarm/internal/normalize"
	"finalarm/internal/notify"
	"finalarm/internal/rules"
	"finalarm/internal/scheduler"
	"finalarm/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("FINALARM_CONFIG"), "path to config file (JSON or YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "finalarm:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.Log)
	logger.Info("starting finalarm", "version", version, "config", cfgManager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	var alertPersister alerts.Persister
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		alertPersister = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	dispatcher := notify.NewDispatcher(cfg.Engine.DispatchTimeout, logger)
	defer dispatcher.Close()
	eng := engine.NewEngine(cfg, logger,
		account.NewStore(nil),
		rules.NewRegistry(),
		alerts.NewStore(alertPersister),
		dispatcher,
		store,
	)
	if err := eng.Bootstrap(ctx, cfg.Rules); err != nil {
		return fmt.Errorf("bootstrap engine: %w", err)
	}

	categorizer, err := normalize.LoadCategorizer(cfg.Ingest.CategoriesFile)
	if err != nil {
		return fmt.Errorf("categories: %w", err)
	}
	conv := &ingest.Converter{Loc: cfg.Location(), Categorize: categorizer}
	events := make(chan model.IngestEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	ingest.StartREST(ctx, cfgManager, conv, events, logger)
	ingest.StartKafka(ctx, cfgManager, ingest.NewParser(), conv, events, logger)
	ingest.StartFileTail(ctx, cfgManager, conv, events, logger)
	api.Start(ctx, cfgManager, eng, logger, version)

	sched := scheduler.New(logger)
	if err := registerJobs(ctx, sched, cfg, eng, conv, logger); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		// Ingest sources keep the timezone they started with.
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "timezone", next.Timezone)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func registerJobs(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config, eng *engine.Engine, conv *ingest.Converter, logger *slog.Logger) error {
	if schedule := cfg.Engine.EvaluateSchedule; schedule != "" {
		if err := sched.AddJob(schedule, scheduler.NewEvaluateJob(ctx, eng, logger)); err != nil {
			return fmt.Errorf("evaluate schedule %q: %w", schedule, err)
		}
	}
	fs := cfg.Ingest.FileSource
	if !fs.Enabled {
		return nil
	}
	syncer := ingest.NewSyncer(ingest.NewFileSource(fs.Path, conv), eng, logger)
	job := scheduler.NewSyncJob(ctx, syncer)
	if err := sched.AddJob(fs.Schedule, job); err != nil {
		return fmt.Errorf("file source schedule %q: %w", fs.Schedule, err)
	}
	if err := sched.RunNow(job); err != nil {
		logger.Warn("initial sync failed", "source", fs.Path, "err", err)
	}
	return nil
}
