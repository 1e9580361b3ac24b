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

	"telemetrygate/internal/api"
	"telemetrygate/internal/config"
	"telemetrygate/internal/engine"
	"telemetrygate/internal/ingest"
	"telemetrygate/internal/logging"
	"telemetrygate/internal/model"
	"telemetrygate/internal/publish"
	"telemetrygate/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config/telemetrygate.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "telemetrygate: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	mgr, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	logger, logCloser := logging.NewFileLogger(cfg.LogLevel, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("storage init: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	opts := engine.Options{Logger: logger, Store: store}
	pub, err := publish.NewKafka(cfg.Publish.Kafka, logger)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	if pub != nil {
		opts.Publisher = pub
		defer pub.Close()
		logger.Info("kafka publisher enabled", "topic", cfg.Publish.Kafka.Topic)
	}

	eng, err := engine.NewEngine(cfg, opts)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close()

	frames := make(chan model.Frame, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, frames)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, eng, logger)
	ingest.StartTCPStream(ctx, mgr, parser, frames, logger)
	ingest.StartUDP(ctx, mgr, frames, logger)
	ingest.StartFileTail(ctx, mgr, parser, frames, logger)
	ingest.StartKafka(ctx, mgr, frames, logger)

	api.Start(ctx, api.NewServer(mgr, eng.Metrics(), eng.Alerts(), eng, store, logger, version))

	go mgr.Watch(3*time.Second, func(next *config.Config) {
		if err := eng.UpdateConfig(next); err != nil {
			logger.Error("config reload rejected", "err", err)
			return
		}
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config watch", "err", err)
	}, ctx.Done())

	logger.Info("telemetrygate started", "version", version, "config", mgr.Path(), "workers", cfg.Ingest.Workers)
	<-ctx.Done()
	logger.Info("shutting down")
	eng.Wait()
	st := eng.Stats()
	logger.Info("telemetrygate stopped", "frames", st.Frames, "valid", st.Valid, "rejected", st.Rejected)
	return nil
}
