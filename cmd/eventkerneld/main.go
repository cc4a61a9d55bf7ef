package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/evkernel/ekernel"
	"github.com/evkernel/ekernel/internal/logging"
	"github.com/evkernel/ekernel/internal/wire"
	"github.com/evkernel/ekernel/internal/workflow"
)

// daemonConfig is the example daemon's on-disk configuration, loaded with
// gopkg.in/yaml.v2 the way the teacher's cmd/ublk-mem/main.go takes its
// settings from flags; this daemon additionally supports a config file
// for the settings a real deployment would want to version-control.
type daemonConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	Buckets          int    `yaml:"buckets"`
	PhysicalMemoryMB int    `yaml:"physical_memory_mb"`
	TickIntervalMs   int    `yaml:"tick_interval_ms"`
	LogLevel         string `yaml:"log_level"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		ListenAddr:       ":9400",
		Buckets:          64,
		PhysicalMemoryMB: 256,
		TickIntervalMs:   10,
		LogLevel:         "info",
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func logLevel(name string) logging.LogLevel {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (optional)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventkerneld: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logLevel(cfg.LogLevel)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := ekernel.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(ekernel.NewPromCollector(metrics))

	kernel, err := ekernel.New(
		ekernel.WithBuckets(cfg.Buckets),
		ekernel.WithPhysicalMemory(cfg.PhysicalMemoryMB<<20),
		ekernel.WithMetrics(metrics),
		ekernel.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to construct kernel", "error", err)
		os.Exit(1)
	}

	workflowID, err := registerSampleWorkflow(kernel)
	if err != nil {
		logger.Error("failed to register sample workflow", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kernel.Run(ctx, time.Duration(cfg.TickIntervalMs)*time.Millisecond)
	defer kernel.Stop()

	if err := kernel.Workflows.Activate(ctx, workflowID, nil); err != nil {
		logger.Error("failed to activate sample workflow", "error", err)
		os.Exit(1)
	}
	logger.Info("activated sample workflow", "workflow_id", workflowID)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info("serving metrics", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

// registerSampleWorkflow registers the two-node CRC32-then-DJB2 chain
// (spec.md §8 scenario 2): node 1 depends on node 0's hash, both routed
// through the Operations deck then Execution.
func registerSampleWorkflow(kernel *ekernel.Kernel) (uint64, error) {
	opsRoute := [wire.MaxRoute]uint8{1}

	return kernel.Workflows.Register("sample-hash-chain", opsRoute, 0, []workflow.NodeTemplate{
		{Type: 100, Route: opsRoute, Payload: []byte("abc")},
		{Type: 101, Route: opsRoute, Payload: []byte("abc"), Deps: []int{0}},
	})
}
