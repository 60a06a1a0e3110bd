package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/aggregator"
	"tickflow/archive"
	"tickflow/config"
	"tickflow/feed"
	"tickflow/hub"
	"tickflow/internal/channel"
	"tickflow/internal/symbol"
	"tickflow/logger"
	"tickflow/processor"
	"tickflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	db, err := store.Open(cfg.Storage.Postgres)
	if err != nil {
		log.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.WithError(err).Error("failed to ensure database schema")
		os.Exit(1)
	}

	// Idempotent pair bootstrap: upsert every configured pair and align its
	// active flag with the config.
	for _, pc := range cfg.Pairs {
		if _, err := db.UpsertPair(ctx, pc.Symbol, pc.DisplayName); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": pc.Symbol}).Error("failed to upsert pair")
			os.Exit(1)
		}
		if err := db.SetPairActive(ctx, pc.Symbol, pc.Active); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": pc.Symbol}).Error("failed to set pair active flag")
			os.Exit(1)
		}
	}
	log.WithFields(logger.Fields{"pairs": len(cfg.Pairs)}).Info("pairs bootstrapped")

	registry := symbol.NewRegistry(cfg.Pairs)
	channels := channel.NewChannels(cfg.Channels.TickBuffer)
	defer channels.Close()

	tickHub := hub.NewHub(cfg.Hub)
	hubServer := hub.NewServer(cfg.Hub, tickHub)
	tickProcessor := processor.NewProcessor(cfg.Processor.Workers, db, tickHub, channels)
	hourlyAggregator := aggregator.NewAggregator(cfg.Aggregator, db, tickHub)

	var archiver store.Archiver
	if cfg.Storage.S3.Enabled {
		s3Archiver, err := archive.NewS3Archiver(cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create tick archiver")
			os.Exit(1)
		}
		archiver = s3Archiver
	} else {
		log.WithComponent("main").Info("S3 storage disabled; expiring ticks are deleted without archiving")
	}
	cleaner := store.NewCleaner(cfg.Retention, db, archiver)

	feedClient := feed.NewClient(cfg.Feed, registry, channels, func(connected bool, message string) {
		tickHub.BroadcastConnectionStatus(connected, message, nil)
	})

	// Leaves first: the hub must accept broadcasts before the processor
	// produces them, and the processor must drain before the feed fills.
	if err := hubServer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start hub server")
		os.Exit(1)
	}
	if err := tickProcessor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start tick processor")
		os.Exit(1)
	}
	if err := hourlyAggregator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start hourly aggregator")
		os.Exit(1)
	}
	if err := cleaner.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start retention cleaner")
		os.Exit(1)
	}
	if err := feedClient.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start feed client")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping feed client")
		feedClient.Stop()

		log.Info("stopping retention cleaner")
		cleaner.Stop()

		log.Info("stopping hourly aggregator")
		hourlyAggregator.Stop()

		log.Info("stopping tick processor")
		tickProcessor.Stop()

		log.Info("stopping hub server")
		hubServer.Stop()

		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}
