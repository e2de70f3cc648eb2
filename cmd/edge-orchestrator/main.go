// The edge-orchestrator process bridges the local broker to the cloud:
// live forwarding, store-and-forward buffering, replay, heartbeat, and the
// downlink command channel.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/microlink/mcs/internal/bridge"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/edgebuffer"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
)

func main() {
	configPath := flag.String("config", "orchestrator.yaml", "path to the edge-orchestrator YAML config")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("edge-orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadOrchestrator(configPath)
	if err != nil {
		return err
	}

	buf, err := edgebuffer.Open(cfg.Buffer, logger)
	if err != nil {
		return err
	}
	defer buf.Close()

	local, err := mqttx.Dial(cfg.LocalBroker, mqttx.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer local.Close()

	// The cloud client needs the bridge's connection callback, and the
	// bridge needs the client. The atomic holder breaks the cycle; events
	// fired before the bridge exists are recovered from Connected() at Run.
	var br atomic.Pointer[bridge.Bridge]
	cloud, err := mqttx.Dial(cfg.CloudBroker, mqttx.Options{
		Logger: logger,
		OnConnectionChange: func(up bool) {
			if b := br.Load(); b != nil {
				b.CloudConnectionChanged(up)
			}
		},
	})
	if err != nil {
		return err
	}
	defer cloud.Close()

	b := bridge.New(cfg, local, cloud, buf, metrics.NewBridgeMetrics(nil), logger)
	br.Store(b)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("edge-orchestrator starting",
		"site", cfg.Site, "block", cfg.Block, "edge_id", cfg.EdgeID, "buffer_depth", buf.Depth())
	if err := b.Run(ctx); err != nil {
		return err
	}
	logger.Info("edge-orchestrator stopped")
	return nil
}
