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

	"github.com/PetoAdam/homenavi/telemetry-service/internal/config"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/httpapi"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/ingest"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/mqtt"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/ratelimit"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/realtime"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/store"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const serviceName = "telemetry-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	obs, err := observability.Setup(context.Background(), serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	opts := []store.Option{store.WithHistoryCap(cfg.HistoryCap)}
	if rdb != nil {
		opts = append(opts, store.WithStatusCache(store.NewStatusCache(rdb, cfg.StatusCacheTTL)))
	}
	repo, err := store.New(db, opts...)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub(0)
	defer hub.Close()

	pipeline := ingest.NewPipeline(repo, hub, obs.Tracer)
	pool := ingest.NewPool(pipeline, cfg.IngestWorkers, cfg.IngestQueueSize)

	mq, err := mqtt.New(mqtt.Options{
		BrokerURL:      cfg.MQTTBrokerURL,
		ClientID:       cfg.MQTTClientID,
		Topic:          cfg.MQTTTopic,
		QoS:            byte(cfg.MQTTQoS),
		BackoffInitial: cfg.MQTTBackoffInitial,
		BackoffMax:     cfg.MQTTBackoffMax,
		RetryCeiling:   cfg.MQTTRetryCeiling,
		TLS:            mqtt.TLSOptions{CAFile: cfg.MQTTTLSCA, Insecure: cfg.MQTTTLSInsecure},
	}, func(topic string, payload []byte) {
		pool.Submit(topic, payload)
	})
	if err != nil {
		slog.Error("mqtt setup failed", "error", err)
		os.Exit(1)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(rdb, serviceName, ratelimit.LimiterConfig{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	}

	srv := httpapi.NewServer(repo, httpapi.ServerOptions{
		ServiceName: serviceName,
		Tracer:      obs.Tracer,
		Limiter:     limiter,
		Realtime:    hub,
		Metrics:     obs.MetricsHandler,
		Health:      mq,
	})
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return mq.Run(ctx) })
	g.Go(func() error {
		slog.Info("telemetry-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("telemetry-service stopped", "error", err)
		os.Exit(1)
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DBDriver == "postgres" {
		pg := cfg.Postgres
		return store.OpenPostgres(pg.User, pg.Password, pg.DBName, pg.Host, pg.Port, pg.SSLMode)
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
