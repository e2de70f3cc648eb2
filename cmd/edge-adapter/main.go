// The edge-adapter process polls the devices of one block and publishes
// normalized telemetry to the local broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/microlink/mcs/internal/adapter"
	"github.com/microlink/mcs/internal/adapter/bacnet"
	"github.com/microlink/mcs/internal/adapter/modbus"
	"github.com/microlink/mcs/internal/adapter/snmpadapter"
	"github.com/microlink/mcs/internal/config"
	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/mqttx"
)

func main() {
	configPath := flag.String("config", "edge.yaml", "path to the edge-adapter YAML config")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("edge-adapter exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadEdge(configPath, logger)
	if err != nil {
		return err
	}

	cli, err := mqttx.Dial(cfg.Broker, mqttx.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer cli.Close()

	devices := make([]adapter.Device, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		var reader adapter.Reader
		switch dev.Protocol {
		case "modbus":
			reader = modbus.NewReader(dev)
		case "snmp":
			reader = snmpadapter.NewReader(dev)
		case "bacnet":
			reader = bacnet.NewReader(dev)
		default:
			return fmt.Errorf("device %s: unknown protocol %q", dev.Name, dev.Protocol)
		}
		devices = append(devices, adapter.Device{Config: dev, Reader: reader})
	}

	pub := adapter.NewPublisher(cfg.Site, cfg.Block, cli)
	a := adapter.New(cfg, devices, pub, metrics.NewAdapterMetrics(nil), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("edge-adapter starting",
		"site", cfg.Site, "block", cfg.Block, "devices", len(cfg.Devices))
	a.Run(ctx)
	logger.Info("edge-adapter stopped")
	return nil
}
