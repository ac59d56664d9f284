package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rueda1208/hems-controller/internal/config"
	"github.com/rueda1208/hems-controller/internal/controller"
	"github.com/rueda1208/hems-controller/internal/cop"
	"github.com/rueda1208/hems-controller/internal/history"
	"github.com/rueda1208/hems-controller/internal/homeassistant"
	"github.com/rueda1208/hems-controller/internal/metrics"
	"github.com/rueda1208/hems-controller/internal/mqtt"
	"github.com/rueda1208/hems-controller/internal/peakevents"
	"github.com/rueda1208/hems-controller/internal/scheduler"
	"github.com/rueda1208/hems-controller/internal/web"

	"github.com/prometheus/client_golang/prometheus"
)

// Command hems-controller runs the heat pump and thermostat control loop
// of the home energy management add-on.
//
// The controller supports:
//   - Home Assistant climate device discovery and control
//   - Quadratic COP models fitted from manufacturer performance specs
//   - Hydro-Québec peak event handling (shedding, preconditioning, recovery)
//   - TimescaleDB observation history
//   - Prometheus metrics and an HTTP status surface
//   - Optional MQTT publishing with Home Assistant discovery
//
// Usage:
//
//	hems-controller [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-listen string
//	      web listen address (overrides web.listen_addr)
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	listenAddr := flag.String("listen", "", "web listen address (overrides web.listen_addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.Web.ListenAddr = *listenAddr
	}

	logger := newLogger(cfg.Logging)

	logger.WithFields(logrus.Fields{
		"building_id": cfg.Controller.BuildingID,
		"listen_addr": cfg.Web.ListenAddr,
	}).Info("Starting controller")

	copModels, err := cop.FromSpecs(cfg.HeatPump.PerformanceSpecs)
	if err != nil {
		logger.Fatalf("Failed to fit COP models: %v", err)
	}

	gateway := homeassistant.NewClient(
		cfg.HomeAssistant.BaseURL,
		cfg.HomeAssistant.Token,
		cfg.HomeAssistant.Timeout(),
		cfg.HomeAssistant.RateLimit,
		cfg.HomeAssistant.RateLimitBurst,
		logger,
	)

	events, err := peakevents.NewClient(cfg.HEMS.APIBaseURL, cfg.HEMS.PeakEventsFile, logger)
	if err != nil {
		logger.Fatalf("Failed to create peak events client: %v", err)
	}

	// Observation history is optional; without a database section the
	// controller runs with metrics and status only.
	var repo history.ObservationRepository
	var recorder history.Recorder = history.NopRecorder{}
	if cfg.Database != nil {
		pg, err := history.NewPostgresRepo(cfg.Database.ConnString(), cfg.Controller.BuildingID)
		if err != nil {
			logger.Fatalf("Failed to connect to observation history: %v", err)
		}
		repo = pg
		recorder = pg
	}

	registry := prometheus.NewRegistry()
	ctrl := controller.New(
		cfg,
		gateway,
		events,
		copModels,
		recorder,
		controller.NewMetrics(registry, cfg.Controller.BuildingID),
		logger,
	)

	if cfg.MQTT != nil {
		publisher, err := mqtt.NewPublisher(cfg.MQTT, cfg.Controller.BuildingID, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer publisher.Close()
		ctrl.SetPublisher(publisher)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrap(ctx, cfg, *configPath, ctrl, logger)

	sched := scheduler.NewScheduler(ctx, ctrl, cfg.Controller.Schedule, logger)
	srv := web.NewServer(cfg.Web.ListenAddr, ctrl, repo, registry, logger)

	if cfg.TelegrafConfigPath != "" {
		if err := metrics.StartTelegraf(ctx, cfg.TelegrafConfigPath, logger); err != nil {
			logger.WithError(err).Warn("Telegraf launch failed, metrics remain scrape-only")
		}
	}

	errChan := make(chan error, 1)

	go func() {
		if err := sched.Start(); err != nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- fmt.Errorf("web server error: %w", err)
		}
	}()

	go handleShutdown(ctx, cancel, srv, sched, repo, logger, errChan)

	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
}

// bootstrap discovers climate devices, seeds missing zone configuration
// and runs one control cycle before the schedule takes over.
func bootstrap(ctx context.Context, cfg *config.Config, configPath string, ctrl *controller.Controller, logger *logrus.Logger) {
	startup, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	devices, err := ctrl.Discover(startup)
	if err != nil {
		logger.WithError(err).Warn("Initial device discovery failed, retrying on schedule")
		return
	}

	added, err := config.UpdateZones(configPath, devices)
	if err != nil {
		logger.WithError(err).Warn("Failed to seed zone configuration")
	} else if len(added) > 0 {
		logger.WithFields(logrus.Fields{
			"zones": added,
		}).Info("Seeded configuration for new zones, restart to apply schedules")
	}

	if err := ctrl.Cycle(startup); err != nil {
		logger.WithError(err).Warn("Initial control cycle failed")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// Handle graceful shutdown
func handleShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	srv *web.Server,
	sched *scheduler.Scheduler,
	repo history.ObservationRepository,
	logger *logrus.Logger,
	errChan chan<- error,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	}

	logger.Println("Gracefully stopping server...")
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Web server shutdown failed")
	}

	if repo != nil {
		repo.Close()
	}

	logger.Println("Server stopped")
	errChan <- nil
}
