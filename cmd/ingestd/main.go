// The ingestd process consumes cloud-broker telemetry, resolves sensor
// keys, batches rows into storage, dead-letters what cannot be stored, and
// feeds the live and alarm channels.
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

	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/ingest"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
	"github.com/microlink/mcs/internal/registry"
	"github.com/microlink/mcs/internal/schema"
	"github.com/microlink/mcs/internal/sensorcache"
)

func main() {
	configPath := flag.String("config", "ingest.yaml", "path to the ingestd YAML config")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("ingestd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadIngest(configPath)
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

	met := metrics.NewIngestMetrics(nil)
	cache := sensorcache.New(rdb, reg,
		time.Duration(cfg.CacheTTLSeconds)*time.Second, metrics.NewCacheMetrics(nil), logger)
	if err := cache.Warm(ctx); err != nil {
		return err
	}

	writer := ingest.NewWriter(reg.DB(), cfg.Batch.MaxRows, cfg.Batch.HighWater,
		time.Duration(cfg.Batch.MaxAgeMs)*time.Millisecond,
		time.Duration(cfg.InsertTimeoutMs)*time.Millisecond, met, logger)
	dlq := ingest.NewDLQ(reg.DB(), cfg.DLQPayloadMaxBytes, met, logger)
	pipe := ingest.NewPipeline(cache, writer, dlq, rdb, met, logger)

	cli, err := mqttx.Dial(cfg.Broker, mqttx.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := cli.Subscribe(schema.TopicRoot+"/#", 1, func(msg mqttx.Message) {
		pipe.HandleMessage(ctx, msg)
	}); err != nil {
		return err
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.Run(ctx)
	}()

	srv := serveOps(cfg.MetricsAddr, logger)

	logger.Info("ingestd started", "site", cfg.Site, "broker", cfg.Broker.URI())
	<-ctx.Done()

	// Stop intake first so the final flush sees everything.
	cli.Close()
	<-writerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("ingestd stopped")
	return nil
}

// serveOps exposes /metrics and /healthz.
func serveOps(addr string, logger *slog.Logger) *http.Server {
	if addr == "" {
		addr = ":9102"
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
