package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ampline/linewatch/internal/config"
	"github.com/ampline/linewatch/internal/control"
	"github.com/ampline/linewatch/internal/correlator"
	"github.com/ampline/linewatch/internal/dashboard"
	"github.com/ampline/linewatch/internal/frames"
	"github.com/ampline/linewatch/internal/metrics"
	"github.com/ampline/linewatch/internal/session"
	"github.com/ampline/linewatch/internal/store"
	"github.com/ampline/linewatch/internal/verdict"
)

// Supervisor owns every component of the daemon and wires them together:
// channels into the correlator, correlator into store and metrics, session
// controller over the channels, dashboard over everything.
type Supervisor struct {
	cfg *config.Config

	store      *store.Store
	registry   *prometheus.Registry
	aggregator *metrics.Aggregator
	verdictCh  *verdict.Channel
	cam1       *frames.Channel
	cam2       *frames.Channel
	correlator *correlator.Correlator
	controller *session.Controller
	dashboard  *dashboard.Server

	started time.Time
	wg      sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
}

// New builds a Supervisor from a configuration file.
func New(configPath string) (*Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"device_id", cfg.DeviceID,
	)

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	agg := metrics.New(registry)

	verdictCh := verdict.NewChannel(cfg.MQTT, cfg.InstanceID)
	cam1 := frames.NewChannel(1)
	cam2 := frames.NewChannel(2)

	remote := control.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutS)*time.Second)

	corr := correlator.New(verdictCh.Events(), cam1, cam2, st, remote, agg)

	ctl := session.NewController(cfg.DeviceID, remote, verdictCh, cam1, cam2, agg,
		cfg.Cameras.Endpoint1, cfg.Cameras.Endpoint2)

	dash := dashboard.NewServer(ctl, agg, cam1, cam2, st, st, remote, registry)

	return &Supervisor{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		aggregator: agg,
		verdictCh:  verdictCh,
		cam1:       cam1,
		cam2:       cam2,
		correlator: corr,
		controller: ctl,
		dashboard:  dash,
	}, nil
}

// Run starts the correlator and the dashboard and blocks until the context
// is cancelled. The session itself is operator-driven through the
// dashboard's command endpoints.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("linewatch starting", "instance_id", s.cfg.InstanceID)

	if err := s.dashboard.Start(s.cfg.Dashboard.Addr); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.correlator.Run(ctx)
	}()

	slog.Info("linewatch running", "dashboard", s.cfg.Dashboard.Addr)

	<-ctx.Done()

	slog.Info("linewatch run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("shutting down linewatch")

	// 1. Stop accepting operator commands first: a Start racing shutdown
	//    could otherwise reconnect the broker after the event sequence
	//    below is already closed.
	if err := s.dashboard.Shutdown(ctx); err != nil {
		slog.Error("failed to stop dashboard", "error", err)
	}

	// 2. Stop the session (disconnects all three channels).
	if err := s.controller.Stop(ctx); err != nil {
		slog.Error("failed to stop session", "error", err)
	}

	// 3. Terminate the verdict sequence so the correlator drains out.
	s.verdictCh.Close()

	// 4. Wait for the correlator (and its in-flight persistence).
	slog.Info("waiting for goroutines to finish")
	s.wg.Wait()

	// 5. Close the database last.
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("linewatch shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Supervisor) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
