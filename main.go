package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bondwatch/config"
	"bondwatch/internal/metrics"
	"bondwatch/logger"
	"bondwatch/notify"
	"bondwatch/provider/moex"
	"bondwatch/provider/tinkoff"
	"bondwatch/reconcile"
	"bondwatch/scheduler"
	"bondwatch/store"
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
		"service": cfg.Bondwatch.Name,
		"version": cfg.Bondwatch.Version,
	}).Info("starting bondwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		metrics.StartPublisher(ctx, cfg.Metrics.CloudWatch.FlushInterval)
	}

	st, err := store.Open(cfg.Storage.Sqlite.Path)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	tinkoffClient := tinkoff.NewClient(cfg.Source.Tinkoff)
	moexClient := moex.NewClient(cfg.Source.Moex)
	lookup := tinkoff.NewLookup(tinkoffClient, cfg.Scheduler.BackfillMaxAge)

	engine := reconcile.NewEngine(
		tinkoffClient,
		moexClient,
		st,
		cfg.Scheduler.LeadTimeDays,
		cfg.Source.Tinkoff.Timeout,
		cfg.Source.Tinkoff.LongTimeout,
	)

	dispatcher := notify.NewTelegramDispatcher(cfg.Telegram)

	notifier := scheduler.NewNotifier(st, engine, dispatcher, cfg.Scheduler)
	backfill := scheduler.NewBackfill(st, engine, lookup, moexClient, cfg.Scheduler)

	if err := notifier.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start notifier")
		os.Exit(1)
	}
	if err := backfill.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start backfill")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping backfill")
	backfill.Stop()

	log.Info("stopping notifier")
	notifier.Stop()

	log.Info("shutdown complete")
}
