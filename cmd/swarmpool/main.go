package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swarmpool/swarmpool/pkg/config"
	"github.com/swarmpool/swarmpool/pkg/coordinator"
	"github.com/swarmpool/swarmpool/pkg/logger"
	"github.com/swarmpool/swarmpool/pkg/metrics"
	"github.com/swarmpool/swarmpool/pkg/orchestrator"
	"github.com/swarmpool/swarmpool/pkg/pool"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "swarmpool",
		Short: "Swarmpool - adaptive object pooling with cross-instance coordination",
		Long: `Swarmpool runs an adaptive object-pool service: per-kind local pools that
grow and shrink with demand, a memory-pressure monitor that resizes them
under load, and optional Redis-based coordination across instances.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Swarmpool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: %d pool kind(s), coordinator enabled=%v\n",
				len(cfg.Pools), cfg.Coordinator.Enabled)
			return nil
		},
	}
	checkCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	root.AddCommand(checkCmd)

	var runConfigFile, instanceID, listenAddr string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pool service",
		Long: `Run the pool service until interrupted. Pools are created from the
configuration file; with no file a single default "buffer" kind is served.

Example:
  swarmpool run --config swarmpool.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(runConfigFile, instanceID, listenAddr)
		},
	}
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "Path to YAML configuration file")
	runCmd.Flags().StringVar(&instanceID, "instance-id", "", "Override the instance identity used in coordination")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Override the stats/metrics listen address")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the file when given, otherwise returns defaults.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// bufferFactory is the built-in demo kind served when no pools are
// configured: reusable 64KiB scratch buffers.
type bufferFactory struct{}

var _ pool.SlotFactory = bufferFactory{}

func (bufferFactory) Create(kind string) (interface{}, error) {
	buf := make([]byte, 0, 64*1024)
	return &buf, nil
}

func (bufferFactory) Reset(obj interface{}) {
	buf := obj.(*[]byte)
	*buf = (*buf)[:0]
}

func runService(configFile, instanceID, listenAddr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if instanceID != "" {
		cfg.Orchestrator.InstanceID = instanceID
	}
	if listenAddr != "" {
		cfg.HTTP.ListenAddr = listenAddr
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var backend coordinator.Backend
	if cfg.Coordinator.Enabled {
		backend = coordinator.NewRedisBackend(cfg.Coordinator.Redis, logger.Get())
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	orch, err := orchestrator.New(cfg.Orchestrator, backend, cfg.Memory, collector, logger.Get())
	if err != nil {
		return fmt.Errorf("orchestrator error: %w", err)
	}

	kinds := make([]string, 0, len(cfg.Pools))
	for kind := range cfg.Pools {
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		kinds = []string{"buffer"}
	}
	for _, kind := range kinds {
		if err := orch.RegisterKind(kind, bufferFactory{}, cfg.PoolConfig(kind)); err != nil {
			return fmt.Errorf("failed to register kind %q: %w", kind, err)
		}
	}

	logCtx := context.WithValue(context.Background(), logger.InstanceIDKey, orch.InstanceID())
	logCtx = context.WithValue(logCtx, logger.ComponentKey, "swarmpool-cli")
	log := logger.WithContext(logCtx)

	log.Info("starting swarmpool",
		zap.Strings("kinds", kinds),
		zap.Bool("coordinator", cfg.Coordinator.Enabled),
		zap.String("listen_addr", cfg.HTTP.ListenAddr))

	ctx, cancel := signal.NotifyContext(logCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var srv *http.Server
	if cfg.HTTP.ListenAddr != "" {
		srv = newHTTPServer(cfg.HTTP.ListenAddr, registry, orch)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	orch.Run(ctx)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
	}

	log.Info("swarmpool stopped")
	return nil
}

// newHTTPServer serves Prometheus metrics, a JSON stats snapshot, and a
// liveness probe.
func newHTTPServer(addr string, registry *prometheus.Registry, orch *orchestrator.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(orch.GetStats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
