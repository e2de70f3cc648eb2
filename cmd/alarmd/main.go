// The alarmd process turns observation signals into alarm instances: the
// ISA-18.2-style state machine, cascade suppression, flood protection, the
// stale monitor, and the operator API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/microlink/mcs/internal/alarm"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/registry"
	"github.com/microlink/mcs/internal/sensorcache"
)

func main() {
	configPath := flag.String("config", "alarm.yaml", "path to the alarmd YAML config")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("alarmd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadAlarm(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer reg.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	cache := sensorcache.New(rdb, reg,
		time.Duration(config.DefaultCacheTTLSeconds)*time.Second, metrics.NewCacheMetrics(nil), logger)
	if err := cache.Warm(ctx); err != nil {
		return err
	}

	engine, err := alarm.NewEngine(cfg, alarm.NewSQLStore(reg.DB()), cache, rdb,
		metrics.NewAlarmMetrics(nil), logger)
	if err != nil {
		return err
	}
	if err := engine.Recover(ctx); err != nil {
		return err
	}

	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9103"
	}
	r := mux.NewRouter()
	alarm.NewAPI(engine).Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "addr", addr, "error", err)
		}
	}()

	logger.Info("alarmd started", "api_addr", addr, "cascade_rules", len(cfg.CascadeRules))
	if err := engine.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("alarmd stopped")
	return nil
}
