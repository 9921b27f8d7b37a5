package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
instance_id: "test-line"
mqtt:
  broker: "tcp://127.0.0.1:1883"
cameras:
  endpoint_1: "ws://127.0.0.1:1/view/1"
  endpoint_2: "ws://127.0.0.1:1/view/2"
api:
  base_url: "http://127.0.0.1:1"
db:
  path: "` + filepath.Join(dir, "test.db") + `"
dashboard:
  addr: "127.0.0.1:0"
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLifecycle(t *testing.T) {
	sup, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- sup.Run(ctx)
	}()

	// Give the components a moment to start, then stop everything. No
	// session was ever started, so the command surface closes first and
	// the verdict sequence terminates with nothing in flight.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Shutdown is idempotent once the supervisor has stopped.
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
}

func TestShutdownTimeoutDefault(t *testing.T) {
	sup, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := sup.ShutdownTimeout(); got != 5*time.Second {
		t.Errorf("expected default 5s shutdown timeout, got %v", got)
	}
}

func TestRunRejectsSecondCall(t *testing.T) {
	sup, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	defer func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to be rejected")
	}
}
