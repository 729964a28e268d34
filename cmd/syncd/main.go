// Command syncd runs the punch synchronization engine: the incremental
// puller, the hourly daily reconciliation, the 10-minute aggregate gap
// detector, and the ops HTTP surface. Business logic lives in the internal
// packages; main only wires dependencies and the lifecycle.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"punchsync/internal/events"
	"punchsync/internal/events/kafka"
	"punchsync/internal/gapdetect"
	"punchsync/internal/platform/config"
	"punchsync/internal/platform/httpserver"
	"punchsync/internal/platform/logger"
	"punchsync/internal/platform/metrics"
	platformredis "punchsync/internal/platform/redis"
	"punchsync/internal/poller"
	"punchsync/internal/punch/ports"
	memorystore "punchsync/internal/punch/store/memory"
	postgresstore "punchsync/internal/punch/store/postgres"
	sqlitestore "punchsync/internal/punch/store/sqlite"
	"punchsync/internal/reconcile"
	"punchsync/internal/remote"
	"punchsync/internal/remote/countcache"
	httptransport "punchsync/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)
	m := metrics.New()

	store, cleanup, err := openStore(cfg)
	if err != nil {
		log.Error("open punch store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	client, err := remote.New(remote.Config{
		BaseURL:     cfg.RemoteBaseURL,
		Username:    cfg.RemoteUsername,
		Password:    cfg.RemotePassword,
		Timeout:     cfg.RemoteTimeout,
		InsecureTLS: cfg.RemoteInsecureTLS,
		RatePerSec:  cfg.RemoteRatePerSec,
	}, remote.WithLogger(log), remote.WithMetrics(m))
	if err != nil {
		log.Error("build remote client", "error", err)
		os.Exit(1)
	}

	var cache ports.CountCache = countcache.NewMemory(cfg.CacheValidity)
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = countcache.NewRedis(redisClient.Client, cfg.CacheValidity, log)
	}

	bus := events.NewBus(log)
	defer bus.Close()

	oracle, err := reconcile.New(store, client, bus,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(m),
		reconcile.WithLocation(cfg.Location()),
		reconcile.WithDaysToCheck(cfg.DaysToCheck),
		reconcile.WithCompletenessThreshold(cfg.CompletenessThreshold),
		reconcile.WithStrictRemoteErrors(cfg.StrictRemoteErrors),
	)
	if err != nil {
		log.Error("build reconciliation service", "error", err)
		os.Exit(1)
	}

	detector, err := gapdetect.New(store, client, cache, bus,
		gapdetect.WithLogger(log),
		gapdetect.WithMetrics(m),
		gapdetect.WithStrictRemoteErrors(cfg.StrictRemoteErrors),
	)
	if err != nil {
		log.Error("build gap detector", "error", err)
		os.Exit(1)
	}

	puller, err := poller.New(store, client, detector, oracle,
		poller.WithLogger(log),
		poller.WithMetrics(m),
		poller.WithPageSize(cfg.PageSize),
	)
	if err != nil {
		log.Error("build poller", "error", err)
		os.Exit(1)
	}

	router := httptransport.NewRouter(client, httptransport.StatusSources{
		Reconciliation: oracle,
		Gaps:           detector,
		Poller:         puller,
	})
	srv := httpserver.New(cfg.OpsAddr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return puller.Run(ctx, cfg.PollInterval) })
	g.Go(func() error { return oracle.Run(ctx, cfg.ReconcileInterval) })
	g.Go(func() error { return detector.Run(ctx, cfg.DetectInterval) })

	if cfg.KafkaBrokers != "" {
		inbox := bus.Subscribe(256)
		bridge, err := kafka.NewBridge(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, inbox, log)
		if err != nil {
			log.Error("build kafka bridge", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return bridge.Run(ctx) })
	}

	g.Go(func() error {
		log.Info("ops server listening", "addr", cfg.OpsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("punchsync engine started",
		"store", cfg.StoreDriver,
		"poll_interval", cfg.PollInterval,
		"reconcile_interval", cfg.ReconcileInterval,
		"detect_interval", cfg.DetectInterval,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	log.Info("engine stopped")
}

func openStore(cfg config.Config) (ports.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := postgresstore.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memorystore.New(), func() {}, nil
	}
}
