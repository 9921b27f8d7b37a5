package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the operator session lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrTransitioning is returned when a command arrives while another
// Start/Stop/Restart is still in flight.
var ErrTransitioning = errors.New("session transition in progress")

// RemoteControl is the external line controller consumed by the session.
type RemoteControl interface {
	Start(ctx context.Context, deviceID string) error
	Stop(ctx context.Context, deviceID string) error
	Restart(ctx context.Context, deviceID string) error
}

// VerdictConn is the verdict channel surface the session drives: lifecycle
// plus the control-topic broadcast of session transitions.
type VerdictConn interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendCommand(cmd string) error
}

// FrameConn is the camera channel lifecycle surface.
type FrameConn interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect()
}

// MetricsResetter clears the live counters on restart.
type MetricsResetter interface {
	Reset()
}

// Controller drives the whole pipeline in response to operator commands:
// Stopped -> Starting -> Running -> Stopping -> Stopped, with restart
// permitted from Running or Stopped. Transitions are idempotent: Start
// while Running and Stop while Stopped are no-ops.
//
// No lock is held while connecting or disconnecting; the state field
// guards against concurrent transitions instead.
type Controller struct {
	deviceID string
	remote   RemoteControl
	verdict  VerdictConn
	cam1     FrameConn
	cam2     FrameConn
	agg      MetricsResetter

	mu        sync.Mutex
	state     State
	endpoints [2]string
	startedAt time.Time
}

// NewController creates a Controller in the Stopped state with the given
// initial camera endpoints.
func NewController(deviceID string, remote RemoteControl, verdict VerdictConn, cam1, cam2 FrameConn, agg MetricsResetter, endpoint1, endpoint2 string) *Controller {
	return &Controller{
		deviceID:  deviceID,
		remote:    remote,
		verdict:   verdict,
		cam1:      cam1,
		cam2:      cam2,
		agg:       agg,
		endpoints: [2]string{endpoint1, endpoint2},
		state:     Stopped,
	}
}

// Start brings the session up: external start request first, then the
// verdict and camera channels. On any failure everything connected so far
// is torn down and the session stays Stopped; the error is the operator's
// signal that the system start failed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Running:
		c.mu.Unlock()
		slog.Debug("start ignored, session already running")
		return nil
	case Starting, Stopping:
		c.mu.Unlock()
		return ErrTransitioning
	}
	c.state = Starting
	endpoints := c.endpoints
	c.mu.Unlock()

	slog.Info("session starting", "device_id", c.deviceID)

	if err := c.remote.Start(ctx, c.deviceID); err != nil {
		c.setState(Stopped)
		return fmt.Errorf("system start failed: %w", err)
	}

	if err := c.connectChannels(ctx, endpoints); err != nil {
		c.disconnectChannels()
		c.setState(Stopped)
		return fmt.Errorf("system start failed: %w", err)
	}

	c.mu.Lock()
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.state = Running
	c.mu.Unlock()

	c.broadcast("START")

	slog.Info("session running", "device_id", c.deviceID)
	return nil
}

// Restart re-issues the external restart request and reconnects every
// channel, optionally at fresh endpoints. The live counters reset to zero
// (a restart opens a new inspection batch) but the session uptime clock
// does not. Permitted from Running or Stopped.
func (c *Controller) Restart(ctx context.Context, endpoint1, endpoint2 string) error {
	c.mu.Lock()
	switch c.state {
	case Starting, Stopping:
		c.mu.Unlock()
		return ErrTransitioning
	}
	prev := c.state
	c.state = Starting
	c.mu.Unlock()

	slog.Info("session restarting", "device_id", c.deviceID, "previous_state", prev.String())

	if err := c.remote.Restart(ctx, c.deviceID); err != nil {
		// Previous state is restored untouched, fresh endpoints included:
		// they only take effect once the remote accepts the restart.
		c.setState(prev)
		return fmt.Errorf("system restart failed: %w", err)
	}

	c.mu.Lock()
	if endpoint1 != "" {
		c.endpoints[0] = endpoint1
	}
	if endpoint2 != "" {
		c.endpoints[1] = endpoint2
	}
	endpoints := c.endpoints
	c.mu.Unlock()

	c.disconnectChannels()

	if err := c.connectChannels(ctx, endpoints); err != nil {
		c.disconnectChannels()
		c.setState(Stopped)
		return fmt.Errorf("system restart failed: %w", err)
	}

	c.agg.Reset()

	c.mu.Lock()
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.state = Running
	c.mu.Unlock()

	c.broadcast("RESTART")

	slog.Info("session running after restart", "device_id", c.deviceID)
	return nil
}

// Stop tears the session down. The external stop request is best-effort:
// whatever it returns, the local channels are always disconnected and the
// session always ends Stopped. Stop while Stopped is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Stopped:
		c.mu.Unlock()
		slog.Debug("stop ignored, session already stopped")
		return nil
	case Starting, Stopping:
		c.mu.Unlock()
		return ErrTransitioning
	}
	c.state = Stopping
	c.mu.Unlock()

	slog.Info("session stopping", "device_id", c.deviceID)

	// Broadcast while the broker connection is still up.
	c.broadcast("STOP")

	if err := c.remote.Stop(ctx, c.deviceID); err != nil {
		// Local resources are released regardless.
		slog.Warn("external stop request failed", "device_id", c.deviceID, "error", err)
	}

	c.disconnectChannels()
	c.setState(Stopped)

	slog.Info("session stopped", "device_id", c.deviceID)
	return nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Uptime returns the elapsed time since the first successful Start of
// this process. Restart does not reset it.
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

func (c *Controller) connectChannels(ctx context.Context, endpoints [2]string) error {
	if err := c.verdict.Connect(ctx); err != nil {
		return fmt.Errorf("verdict channel: %w", err)
	}
	if err := c.cam1.Connect(ctx, endpoints[0]); err != nil {
		return fmt.Errorf("camera 1: %w", err)
	}
	if err := c.cam2.Connect(ctx, endpoints[1]); err != nil {
		return fmt.Errorf("camera 2: %w", err)
	}
	return nil
}

// broadcast publishes a session transition on the control topic. Best
// effort: the line devices listening there get a heads-up, but a failed
// publish never fails the transition itself.
func (c *Controller) broadcast(cmd string) {
	if err := c.verdict.SendCommand(cmd); err != nil {
		slog.Warn("control broadcast failed", "command", cmd, "error", err)
	}
}

// disconnectChannels releases every channel. Errors are swallowed by the
// channels themselves: cleanup never blocks a return to Stopped.
func (c *Controller) disconnectChannels() {
	c.verdict.Disconnect()
	c.cam1.Disconnect()
	c.cam2.Disconnect()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
