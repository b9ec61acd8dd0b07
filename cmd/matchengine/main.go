package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/config"
	"github.com/efreitasn/matchengine/internal/handler"
	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/marketdata"
	"github.com/efreitasn/matchengine/internal/metrics"
	"github.com/efreitasn/matchengine/internal/persistence"
	"github.com/efreitasn/matchengine/internal/service"
	"github.com/efreitasn/matchengine/internal/tradefeed"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Market data: WebSocket subscribers always, Redis when configured.
	hub := marketdata.NewWebSocketHub(logger.Named("ws"))
	outputs := marketdata.MultiBroadcaster{hub}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		outputs = append(outputs, marketdata.NewRedisPublisher(redisClient, logger.Named("redis")))
	}
	agg := marketdata.NewAggregator(outputs, marketdata.Options{
		Levels:        cfg.DepthLevels,
		QueueCapacity: cfg.DepthQueueCapacity,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger.Named("marketdata"),
		Metrics:       m,
	})

	// Trade hand-off.
	var sink tradefeed.Sink = tradefeed.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := tradefeed.NewKafkaSink(tradefeed.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTradeTopic,
			Logger:  logger.Named("tradefeed"),
		})
		if err != nil {
			logger.Fatal("failed to create trade sink", zap.Error(err))
		}
		sink = ks
	}

	// Books and order flow.
	registry := service.NewRegistry(service.RegistryOptions{
		Unit: persistence.Options{
			WALDir:              cfg.WALDir,
			SnapshotDir:         cfg.SnapshotDir,
			SnapshotSize:        cfg.SnapshotSize,
			WALSyncInterval:     cfg.WALSyncInterval,
			FiveLevelProtection: cfg.FiveLevelProtection,
			DepthListener:       agg,
			Logger:              logger.Named("book"),
			Metrics:             m,
		},
		SnapshotInterval: cfg.SnapshotInterval,
		Logger:           logger.Named("registry"),
		Metrics:          m,
	})
	orderSvc, err := service.NewOrderService(registry, sink, service.Options{
		Shards:          cfg.ShardCount,
		QueueCapacity:   cfg.QueueCapacity,
		FlushOnBatchEnd: cfg.FlushOnBatchEnd,
		Flusher:         agg,
		Logger:          logger.Named("pipeline"),
		Metrics:         m,
	})
	if err != nil {
		logger.Fatal("failed to start order service", zap.Error(err))
	}

	// Router.
	router := handler.NewRouter(orderSvc, handler.RouterOptions{
		Logger:    logger.Named("http"),
		Gatherer:  promReg,
		DepthFeed: hub,
	})

	// Start the depth aggregator with a cancellable context.
	aggCtx, cancelAgg := context.WithCancel(context.Background())
	defer cancelAgg()
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.Run(aggCtx)
	}()

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", zap.String("addr", addr), zap.Int("shards", cfg.ShardCount))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Graceful shutdown: stop accepting requests, drain the shards and take
	// final snapshots, then stop market data and the trade feed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orderSvc.Shutdown(shutdownCtx); err != nil {
		logger.Error("order service shutdown error", zap.Error(err))
	}
	cancelAgg()
	<-aggDone
	hub.Close()
	if err := sink.Close(); err != nil {
		logger.Error("trade sink close error", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server stopped")
}
