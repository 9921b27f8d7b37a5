package frames

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ampline/linewatch/internal/types"
)

const (
	// handshakeTimeout bounds the initial connection attempt; receive
	// loops otherwise wait indefinitely for data until disconnected.
	handshakeTimeout = 5 * time.Second

	// chunkSize is the reassembly read granularity. Cancellation is
	// checked between chunks so disconnect unblocks promptly.
	chunkSize = 32 * 1024
)

// Channel maintains one persistent camera stream. The receive loop
// reassembles chunked binary messages into complete frames and publishes
// each completed frame as "latest", overwriting the prior one. Partial
// frames are never exposed.
//
// The latest-frame slot is single-writer (the receive loop) / multi-reader
// (correlator snapshot, dashboard): publish-by-replacement of an immutable
// frame, never in-place mutation.
type Channel struct {
	cameraID int

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	latest    *types.Frame
	seq       uint64
	connected bool
	discarded uint64 // partial frames thrown away on protocol violations
}

// NewChannel creates a Channel for the given camera (1 or 2).
func NewChannel(cameraID int) *Channel {
	return &Channel{cameraID: cameraID}
}

// Connect dials the endpoint and starts the receive loop. Reconnecting
// after a stop begins with an empty slot: no stale frame from a previous
// session or endpoint is ever visible. Connect while already connected is
// a no-op.
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("camera %d dial %s: %w", c.cameraID, endpoint, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.latest = nil
	c.connected = true
	c.mu.Unlock()

	slog.Info("camera stream connected", "camera", c.cameraID, "endpoint", endpoint)

	go c.receiveLoop(loopCtx, conn, done)

	return nil
}

// Disconnect cancels the receive loop and closes the connection. Safe to
// call at any time, including before any frame has arrived or when the
// channel was never connected. Errors from the close are swallowed:
// disconnecting is best-effort cleanup.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.conn = nil
	c.cancel = nil
	c.done = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Unblocks a receive loop waiting in NextReader.
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	slog.Info("camera stream disconnected", "camera", c.cameraID)
}

// Latest returns the most recently completed frame, or nil if none has
// arrived since the last connect. The frame is an immutable snapshot.
func (c *Channel) Latest() *types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Connected reports whether the receive loop is running.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CameraID:  c.cameraID,
		Frames:    c.seq,
		Discarded: c.discarded,
		Connected: c.connected,
	}
}

// Stats contains frame channel statistics
type Stats struct {
	CameraID  int
	Frames    uint64
	Discarded uint64
	Connected bool
}

// receiveLoop runs until the connection closes or Disconnect is called.
// One binary websocket message is one complete image; the loop accumulates
// chunks until end-of-message, then publishes the result atomically.
func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		msgType, r, err := conn.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				// Requested shutdown, not a failure.
				return
			}
			// Steady-state drop: surfaced as a degraded signal, the
			// reconnect decision belongs to the operator (Restart).
			slog.Warn("camera stream dropped", "camera", c.cameraID, "error", err)
			c.markDisconnected()
			return
		}

		if msgType != websocket.BinaryMessage {
			// Protocol violation: drain and keep the loop alive.
			_, _ = io.Copy(io.Discard, r)
			c.mu.Lock()
			c.discarded++
			c.mu.Unlock()
			slog.Warn("camera sent non-binary message, frame discarded", "camera", c.cameraID)
			continue
		}

		data, err := c.readFrame(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				// Mid-frame cancellation: the partial frame is discarded,
				// never published.
				return
			}
			c.mu.Lock()
			c.discarded++
			c.mu.Unlock()
			slog.Warn("frame reassembly failed, frame discarded", "camera", c.cameraID, "error", err)
			continue
		}

		c.publish(data)
	}
}

// readFrame accumulates message chunks until end-of-message, checking for
// cancellation after each chunk.
func (c *Channel) readFrame(ctx context.Context, r io.Reader) ([]byte, error) {
	var data []byte
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// publish replaces the latest-frame slot with a newly completed frame.
func (c *Channel) publish(data []byte) {
	c.mu.Lock()
	c.seq++
	c.latest = &types.Frame{
		CameraID:   c.cameraID,
		Seq:        c.seq,
		ReceivedAt: time.Now(),
		Data:       data,
	}
	seq := c.seq
	c.mu.Unlock()

	slog.Debug("frame published", "camera", c.cameraID, "seq", seq, "size", len(data))
}

func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.mu.Unlock()
}
