package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ampline/linewatch/internal/types"
)

// timestampLayout is the measurement record format the line database uses.
const timestampLayout = "2006-01-02 15:04:05"

// persistBuffer bounds the backlog between correlation and the disk. When
// the store falls this far behind, ingestion applies backpressure through
// the verdict buffer instead of spawning unbounded writers.
const persistBuffer = 256

// FrameSource yields the latest completed frame for one camera, or nil.
type FrameSource interface {
	Latest() *types.Frame
}

// MeasurementStore persists one measurement record.
type MeasurementStore interface {
	InsertMeasurement(m types.Measurement) error
}

// MeasurementUploader mirrors one measurement to the remote line server.
type MeasurementUploader interface {
	UploadMeasurement(ctx context.Context, m types.Measurement) error
}

// MetricsRecorder folds a measurement into the live counters.
type MetricsRecorder interface {
	Record(m types.Measurement)
}

// Correlator is the single consumer of the verdict sequence. For each
// verdict it snapshots the latest frame per camera, builds a Measurement,
// folds it into the metrics synchronously and queues it for persistence.
// Exactly one measurement per verdict: a missing frame means a nil image,
// never a dropped record.
//
// Persistence runs on one worker goroutine behind a bounded queue. Store
// and upload failures are logged and counted, never retried, and the
// metrics fold is never rolled back.
type Correlator struct {
	events   <-chan types.VerdictEvent
	cam1     FrameSource
	cam2     FrameSource
	store    MeasurementStore
	uploader MeasurementUploader // nil disables the server mirror
	agg      MetricsRecorder

	// mu makes snapshot-then-fold atomic per verdict, so two verdicts can
	// never interleave their frame reads into a corrupted pair.
	mu sync.Mutex

	queue chan types.Measurement

	statsMu       sync.RWMutex
	processed     uint64
	failed        uint64 // persistence failures, logged and dropped
	uploadsFailed uint64
}

// New creates a Correlator consuming events, snapshotting cam1/cam2. A nil
// uploader disables measurement mirroring.
func New(events <-chan types.VerdictEvent, cam1, cam2 FrameSource, store MeasurementStore, uploader MeasurementUploader, agg MetricsRecorder) *Correlator {
	return &Correlator{
		events:   events,
		cam1:     cam1,
		cam2:     cam2,
		store:    store,
		uploader: uploader,
		agg:      agg,
		queue:    make(chan types.Measurement, persistBuffer),
	}
}

// Run consumes verdicts until the context is cancelled or the event
// sequence ends. Queued persistence is drained before returning. Call once.
func (c *Correlator) Run(ctx context.Context) {
	slog.Info("correlator started")

	done := make(chan struct{})
	go c.persistLoop(done)

	defer func() {
		close(c.queue)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("correlator stopping")
			return
		case ev, ok := <-c.events:
			if !ok {
				slog.Info("verdict sequence closed, correlator stopping")
				return
			}
			c.process(ev)
		}
	}
}

// process correlates one verdict.
func (c *Correlator) process(ev types.VerdictEvent) {
	c.mu.Lock()
	m := types.Measurement{
		TraceID:   uuid.NewString(),
		ProductID: ev.ProductID,
		Timestamp: time.Now().Format(timestampLayout),
		IsDefect:  ev.Result.IsDefect(),
	}
	if f := c.cam1.Latest(); f != nil {
		m.Image1 = f.Data
	}
	if f := c.cam2.Latest(); f != nil {
		m.Image2 = f.Data
	}
	c.agg.Record(m)
	c.mu.Unlock()

	c.statsMu.Lock()
	c.processed++
	c.statsMu.Unlock()

	c.queue <- m

	slog.Debug("verdict correlated",
		"trace_id", m.TraceID,
		"product_id", m.ProductID,
		"defect", m.IsDefect,
		"image1", m.Image1 != nil,
		"image2", m.Image2 != nil)
}

// persistLoop is the single persistence worker: local insert first, then
// the best-effort server mirror.
func (c *Correlator) persistLoop(done chan struct{}) {
	defer close(done)

	for m := range c.queue {
		if err := c.store.InsertMeasurement(m); err != nil {
			c.statsMu.Lock()
			c.failed++
			c.statsMu.Unlock()
			slog.Error("measurement persist failed",
				"trace_id", m.TraceID,
				"product_id", m.ProductID,
				"error", err)
		}

		if c.uploader == nil {
			continue
		}
		if err := c.uploader.UploadMeasurement(context.Background(), m); err != nil {
			c.statsMu.Lock()
			c.uploadsFailed++
			c.statsMu.Unlock()
			slog.Warn("measurement upload failed",
				"trace_id", m.TraceID,
				"product_id", m.ProductID,
				"error", err)
		}
	}
}

// Stats returns correlator counters.
func (c *Correlator) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return Stats{
		Processed:       c.processed,
		PersistFailures: c.failed,
		UploadFailures:  c.uploadsFailed,
	}
}

// Stats contains correlator statistics
type Stats struct {
	Processed       uint64
	PersistFailures uint64
	UploadFailures  uint64
}
