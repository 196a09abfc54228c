package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/gridsweep/internal/backend/local"
	"github.com/copyleftdev/gridsweep/internal/config"
	"github.com/copyleftdev/gridsweep/internal/engine"
	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/server"
	"github.com/copyleftdev/gridsweep/internal/session"
	"github.com/copyleftdev/gridsweep/internal/store"
	"github.com/copyleftdev/gridsweep/internal/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	sweepPath := flag.String("sweep", "", "YAML sweep file defining the tasks to run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return engine.ExitFatal
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return engine.ExitFatal
	}
	logger = logger.With(logging.Fields{
		"service": "gridsweep",
		"session": cfg.Session.Name,
	})

	if err := os.MkdirAll(cfg.Session.Dir, 0o755); err != nil {
		logger.Error("failed to create session directory", logging.Fields{"error": err.Error()})
		return engine.ExitFatal
	}

	st, err := store.OpenSQLite(cfg.Store.DSN, logging.NewZapLogger(logger))
	if err != nil {
		logger.Error("failed to open task store", logging.Fields{"error": err.Error()})
		return engine.ExitFatal
	}
	defer st.Close()

	be, err := local.New(cfg.Backend.Slots, cfg.Backend.WorkDir, logger)
	if err != nil {
		logger.Error("failed to create backend", logging.Fields{"error": err.Error()})
		return engine.ExitFatal
	}

	registry := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Backend:         be,
		Store:           st,
		Logger:          logger,
		Metrics:         engine.NewMetrics(registry),
		MaxInFlight:     cfg.Engine.MaxInFlight,
		PollParallelism: cfg.Engine.PollParallelism,
		OutputDir:       filepath.Join(cfg.Session.Dir, "output"),
	})
	if err != nil {
		logger.Error("failed to create engine", logging.Fields{"error": err.Error()})
		return engine.ExitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resume the persisted session, then add any tasks from the sweep
	// file that are not yet known.
	if err := eng.LoadSession(ctx); err != nil {
		logger.Error("failed to load session", logging.Fields{"error": err.Error()})
		return engine.ExitFatal
	}
	if *sweepPath != "" {
		sweep, err := config.LoadSweep(*sweepPath)
		if err != nil {
			logger.Error("failed to load sweep file", logging.Fields{"error": err.Error()})
			return engine.ExitFatal
		}
		for _, t := range sweep.Tasks {
			rec := task.New(t.Name, task.CommandSpec{
				Executable:   t.Executable,
				Args:         t.Args,
				Cores:        t.Cores,
				MemoryMB:     t.MemoryMB,
				Walltime:     time.Duration(t.Walltime),
				Architecture: t.Architecture,
			})
			rec.Inputs = t.Inputs
			rec.Outputs = t.Outputs
			rec.MaxRetries = t.MaxRetries
			if _, err := eng.Add(ctx, rec, nil); err != nil {
				logger.Error("failed to add task", logging.Fields{
					"task":  t.Name,
					"error": err.Error(),
				})
				return engine.ExitFatal
			}
		}
	}

	if cfg.HTTP.Port > 0 {
		go serveMonitor(cfg, st, registry, logger)
	}

	driver := session.NewDriver(eng, cfg.Session.PollInterval, cfg.Session.Wait, os.Stdout, logger)
	rc := driver.Run(ctx)
	logger.Info("session finished", logging.Fields{"exit_code": rc})
	return rc
}

func serveMonitor(cfg *config.Config, st store.Store, registry *prometheus.Registry, logger *logging.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server.New(st, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	logger.Info("monitor listening", logging.Fields{"address": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("monitor server failed", logging.Fields{"error": err.Error()})
	}
}
