// Command objmapperd is the object-mapper daemon: it serves named blobs
// over a Unix-domain socket by passing kernel descriptors, tiers them
// across storage backends, and migrates them by access heat.
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

	"go.uber.org/multierr"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/circuit"
	"github.com/objmapper/objmapper/internal/config"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/internal/migrate"
	"github.com/objmapper/objmapper/internal/object"
	"github.com/objmapper/objmapper/internal/promote"
	"github.com/objmapper/objmapper/internal/server"
	"github.com/objmapper/objmapper/pkg/api"
	"github.com/objmapper/objmapper/pkg/health"
	"github.com/objmapper/objmapper/pkg/status"
	"github.com/objmapper/objmapper/pkg/utils"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "objmapperd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		socketPath = flag.String("socket", "", "override the Unix socket path")
		logLevel   = flag.String("log-level", "", "override the log level")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("objmapperd", version)
		return nil
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.Socket.Path = *socketPath
	}
	if *logLevel != "" {
		cfg.Global.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("starting", map[string]interface{}{
		"version": version,
		"socket":  cfg.Socket.Path,
	})

	// Metrics.
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "objmapper",
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return err
	}
	tracker := metrics.NewOperationTracker()

	// Index, registry, tiers.
	global := index.New(cfg.Index.Buckets)
	registry := backend.NewRegistry(global, logger)
	if err := registerBackends(cfg, registry); err != nil {
		return err
	}

	// Lifecycle, migration, promoter.
	store := object.NewStore(registry, logger, collector)
	engine := migrate.NewEngine(registry, logger, collector, circuit.Config{
		Timeout: cfg.Network.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.Network.CircuitBreaker.FailureThreshold
		},
	})
	promoter := promote.New(registry, engine, logger, collector, promote.Config{
		CheckInterval: cfg.Promoter.CheckInterval,
		Threshold:     cfg.Promoter.Threshold,
		MaxPerScan:    cfg.Promoter.MaxPerScan,
	})

	// Object socket.
	srv := server.New(store, logger, collector, tracker, server.Config{
		SocketPath:  cfg.Socket.Path,
		Permissions: cfg.Socket.Permissions,
		MaxPipeline: uint16(cfg.Socket.MaxPipeline),
	})

	// Component health.
	healthTracker := health.NewTracker(health.DefaultTrackerConfig())
	healthTracker.RegisterComponent("server")
	healthTracker.RegisterComponent("promoter")
	for _, b := range registry.Backends() {
		healthTracker.RegisterComponent("backend:" + b.Name)
	}
	if cfg.Monitoring.HealthChecks.Enabled {
		healthCtx, healthCancel := context.WithCancel(context.Background())
		defer healthCancel()
		healthTracker.StartHealthChecks(healthCtx, cfg.Monitoring.HealthChecks.Interval,
			backendProbe(registry))
	}

	// Management API.
	reporter := status.NewReporter(version, registry).
		WithOperationTracker(tracker).
		WithHealthTracker(healthTracker).
		WithConnectionCounter(srv.ActiveConnections).
		WithPromoterProbe(promoter.Running)
	apiServer := api.NewServer(api.ServerConfig{
		Address:      fmt.Sprintf("localhost:%d", cfg.Global.HealthPort),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, reporter, healthTracker).
		WithMetricsHandler(collector.Handler())
	apiServer.AddDebugHandler("breakers", breakerHandler(engine))

	// Bring everything up.
	ctx := context.Background()
	if err := collector.Start(ctx); err != nil {
		return err
	}
	if err := apiServer.Start(); err != nil {
		return err
	}
	if cfg.Promoter.Enabled {
		promoter.Start()
	}
	if err := srv.Start(); err != nil {
		return err
	}

	// Signal-driven shutdown with a bounded drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, srv.Stop(shutdownCtx))
	promoter.Stop()
	errs = multierr.Append(errs, registry.SaveAll())
	errs = multierr.Append(errs, apiServer.Stop(shutdownCtx))
	errs = multierr.Append(errs, collector.Stop(shutdownCtx))

	if errs != nil {
		return errs
	}
	logger.Info("shutdown complete", nil)
	return nil
}

func buildLogger(cfg *config.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}

	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	if cfg.Monitoring.Logging.Format == "json" {
		loggerConfig.Format = utils.FormatJSON
	}
	if cfg.Global.LogFile != "" {
		loggerConfig.Rotation = &utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
	}
	return utils.NewStructuredLogger(loggerConfig)
}

// registerBackends creates the configured tiers and applies the
// designations. A persistent tier with neither snapshot nor index gets a
// cold-start scan so pre-existing files become objects.
func registerBackends(cfg *config.Configuration, registry *backend.Registry) error {
	for i := range cfg.Backends {
		bc := &cfg.Backends[i]

		backendType, err := backend.ParseType(bc.Type)
		if err != nil {
			return err
		}
		policy, err := backend.ParsePolicy(bc.MigrationPolicy)
		if err != nil {
			return err
		}
		capacity, err := bc.CapacityBytes()
		if err != nil {
			return err
		}

		flags := backend.FlagMigrationSrc | backend.FlagMigrationDst
		if bc.EphemeralOnly {
			flags |= backend.FlagEphemeralOnly
		} else {
			flags |= backend.FlagPersistent
		}
		if bc.ReadOnly {
			flags |= backend.FlagReadOnly
		}

		id, err := registry.Register(backend.RegisterConfig{
			Type:             backendType,
			MountPath:        bc.MountPath,
			Name:             bc.Name,
			CapacityBytes:    uint64(capacity),
			Flags:            flags,
			HighWatermark:    bc.HighWatermark,
			LowWatermark:     bc.LowWatermark,
			MigrationPolicy:  policy,
			HotnessThreshold: bc.HotnessThreshold,
			HotnessHalflife:  bc.HotnessHalflife,
			IndexBuckets:     cfg.Index.Buckets,
		})
		if err != nil {
			return err
		}

		if bc.Default {
			if err := registry.SetDefault(id); err != nil {
				return err
			}
		}
		if bc.Ephemeral {
			if err := registry.SetEphemeral(id); err != nil {
				return err
			}
		}
		if bc.Cache {
			if err := registry.SetCache(id); err != nil {
				return err
			}
		}

		// Cold start: files on disk but nothing indexed yet.
		b, _ := registry.Get(id)
		if !bc.EphemeralOnly && b.Index.Len() == 0 {
			if _, err := registry.Scan(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// backendProbe checks that each backend's mount is still reachable.
func backendProbe(registry *backend.Registry) func(component string) error {
	return func(component string) error {
		for _, b := range registry.Backends() {
			if "backend:"+b.Name == component {
				_, err := os.Stat(b.MountPath)
				return err
			}
		}
		return nil
	}
}

func breakerHandler(engine *migrate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats := engine.BreakerStats()
		fmt.Fprint(w, "{")
		first := true
		for name, s := range stats {
			if !first {
				fmt.Fprint(w, ",")
			}
			first = false
			fmt.Fprintf(w, "%q:{\"state\":%q,\"requests\":%d,\"failures\":%d}",
				name, s.State.String(), s.Counts.Requests, s.Counts.TotalFailures)
		}
		fmt.Fprint(w, "}")
	}
}
