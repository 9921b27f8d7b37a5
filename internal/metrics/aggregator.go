package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ampline/linewatch/internal/types"
)

// seriesCap bounds the charting series: a sliding window, oldest evicted first.
const seriesCap = 50

// Point is one charting sample: cumulative counts at a moment in time.
type Point struct {
	At        time.Time `json:"at"`
	Completed int       `json:"completed"`
	Defects   int       `json:"defects"`
}

// Snapshot is a consistent, read-only copy of the aggregator state.
type Snapshot struct {
	Completed  int     `json:"completed"`
	Defects    int     `json:"defects"`
	DefectRate float64 `json:"defect_rate"`
	Series     []Point `json:"series"`
}

// Aggregator maintains the live session counters and the bounded charting
// series. A single update is a critical section; readers get an immutable
// copy and can never observe a torn update (count incremented, rate stale).
type Aggregator struct {
	mu         sync.RWMutex
	completed  int
	defects    int
	defectRate float64
	series     []Point

	// Cumulative process-lifetime counters for the scrape endpoint.
	// Reset() deliberately does not touch these: prometheus counters are
	// monotonic, the session window lives in the snapshot fields above.
	inspectedTotal prometheus.Counter
	defectsTotal   prometheus.Counter
}

// New creates an Aggregator and registers its counters on reg.
func New(reg prometheus.Registerer) *Aggregator {
	inspected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linewatch_inspected_total",
		Help: "Total units inspected since process start.",
	})
	defects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linewatch_defects_total",
		Help: "Total defective units since process start.",
	})
	reg.MustRegister(inspected, defects)

	return &Aggregator{
		series:         make([]Point, 0, seriesCap),
		inspectedTotal: inspected,
		defectsTotal:   defects,
	}
}

// Record folds one measurement into the session counters and appends a
// charting point, evicting the oldest when the window is full.
func (a *Aggregator) Record(m types.Measurement) {
	a.mu.Lock()

	a.completed++
	if m.IsDefect {
		a.defects++
	}
	a.defectRate = float64(a.defects) / float64(a.completed) * 100.0

	a.series = append(a.series, Point{
		At:        time.Now(),
		Completed: a.completed,
		Defects:   a.defects,
	})
	if len(a.series) > seriesCap {
		a.series = a.series[1:]
	}

	a.mu.Unlock()

	a.inspectedTotal.Inc()
	if m.IsDefect {
		a.defectsTotal.Inc()
	}
}

// Reset zeroes the session counters and clears the series. Used when the
// operator restarts the line: new inspection batch, same uptime clock.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed = 0
	a.defects = 0
	a.defectRate = 0
	a.series = a.series[:0]
}

// Snapshot returns a consistent copy of the current state. The returned
// series is a fresh slice and safe to retain.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	series := make([]Point, len(a.series))
	copy(series, a.series)

	return Snapshot{
		Completed:  a.completed,
		Defects:    a.defects,
		DefectRate: a.defectRate,
		Series:     series,
	}
}
