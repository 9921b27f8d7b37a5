package frames

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// cameraServer is a test stand-in for the line's streaming endpoint.
type cameraServer struct {
	t  *testing.T
	ts *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newCameraServer(t *testing.T) *cameraServer {
	t.Helper()
	s := &cameraServer{t: t}
	upgrader := websocket.Upgrader{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		// Keep the read side alive so close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(s.close)
	return s
}

func (s *cameraServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *cameraServer) conn() *websocket.Conn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if n := len(s.conns); n > 0 {
			c := s.conns[n-1]
			s.mu.Unlock()
			return c
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatal("no client connected")
	return nil
}

func (s *cameraServer) sendBinary(data []byte) {
	if err := s.conn().WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.t.Fatalf("send binary: %v", err)
	}
}

func (s *cameraServer) sendText(text string) {
	if err := s.conn().WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.t.Fatalf("send text: %v", err)
	}
}

func (s *cameraServer) close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.ts.Close()
}

func waitForFrame(t *testing.T, ch *Channel, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f := ch.Latest(); f != nil && string(f.Data) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	f := ch.Latest()
	if f == nil {
		t.Fatalf("no frame received, want %q", want)
	}
	t.Fatalf("latest frame %q, want %q", f.Data, want)
}

func TestLatestFrameOverwrite(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	srv.sendBinary([]byte("frame-1"))
	waitForFrame(t, ch, "frame-1")

	srv.sendBinary([]byte("frame-2"))
	waitForFrame(t, ch, "frame-2")

	f := ch.Latest()
	if f.Seq != 2 {
		t.Errorf("expected seq 2, got %d", f.Seq)
	}
	if f.CameraID != 1 {
		t.Errorf("expected camera 1, got %d", f.CameraID)
	}
}

func TestTextMessageDiscardedLoopContinues(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	srv.sendText("this is not an image")
	srv.sendBinary([]byte("after-violation"))

	waitForFrame(t, ch, "after-violation")

	stats := ch.Stats()
	if stats.Discarded != 1 {
		t.Errorf("expected 1 discarded message, got %d", stats.Discarded)
	}
	if stats.Frames != 1 {
		t.Errorf("expected 1 completed frame, got %d", stats.Frames)
	}
}

func TestLatestNilBeforeFirstFrame(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(2)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	if f := ch.Latest(); f != nil {
		t.Errorf("expected nil frame before any arrival, got %+v", f)
	}
}

func TestDisconnectSafeWithoutConnect(t *testing.T) {
	ch := NewChannel(1)
	ch.Disconnect()
	ch.Disconnect()

	if ch.Connected() {
		t.Error("expected disconnected state")
	}
}

func TestDisconnectUnblocksReceiveLoop(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The loop is parked in NextReader with no data pending; Disconnect
	// must return promptly anyway.
	done := make(chan struct{})
	go func() {
		ch.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect hung while receive loop was waiting for data")
	}
}

// TestReconnectStartsWithNoStaleFrame covers the stop-mid-session /
// fresh-endpoint scenario: a new connection never exposes a frame from
// the previous one.
func TestReconnectStartsWithNoStaleFrame(t *testing.T) {
	srv1 := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv1.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv1.sendBinary([]byte("old-session"))
	waitForFrame(t, ch, "old-session")

	ch.Disconnect()

	srv2 := newCameraServer(t)
	if err := ch.Connect(context.Background(), srv2.url()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer ch.Disconnect()

	if f := ch.Latest(); f != nil {
		t.Errorf("stale frame %q visible after reconnect", f.Data)
	}

	srv2.sendBinary([]byte("new-session"))
	waitForFrame(t, ch, "new-session")
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("second Connect returned error: %v", err)
	}

	srv.mu.Lock()
	n := len(srv.conns)
	srv.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestConnectFailureBoundedTimeout(t *testing.T) {
	ch := NewChannel(1)

	start := time.Now()
	err := ch.Connect(context.Background(), "ws://127.0.0.1:1/view")
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("connect attempt not bounded: took %v", elapsed)
	}
	if ch.Connected() {
		t.Error("expected disconnected state after failed connect")
	}
}

// TestServerDropMarksDisconnected covers the steady-state drop: the loop
// exits, the channel reports degraded, the latest frame is preserved for
// the display until the operator restarts.
func TestServerDropMarksDisconnected(t *testing.T) {
	srv := newCameraServer(t)
	ch := NewChannel(1)

	if err := ch.Connect(context.Background(), srv.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Disconnect()

	srv.sendBinary([]byte("last-good"))
	waitForFrame(t, ch, "last-good")

	srv.close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.Connected() {
		t.Fatal("channel still reports connected after server drop")
	}
	if f := ch.Latest(); f == nil || string(f.Data) != "last-good" {
		t.Error("last completed frame should survive a steady-state drop")
	}
}
