package types

import "time"

// Result is the inspection verdict for a single unit. The broker delivers
// it as a free-form string; anything we do not recognize maps to
// ResultUnknown instead of being silently classified.
type Result int

const (
	ResultUnknown Result = iota
	ResultOK
	ResultDefective
)

// ParseResult maps the wire value to a Result. The line controller emits
// "OK" for passes and "NG" (legacy) or "DEFECTIVE" for failures.
func ParseResult(s string) Result {
	switch s {
	case "OK":
		return ResultOK
	case "NG", "DEFECTIVE":
		return ResultDefective
	default:
		return ResultUnknown
	}
}

// IsDefect reports whether the verdict counts as a defect.
// ResultUnknown does NOT count as defective.
func (r Result) IsDefect() bool {
	return r == ResultDefective
}

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultDefective:
		return "NG"
	default:
		return "UNKNOWN"
	}
}

// VerdictEvent is one pass/fail judgement delivered on the data topic.
type VerdictEvent struct {
	ProductID  int
	Result     Result
	ReceivedAt time.Time
}

// Frame is one complete image received from a camera stream.
//
// Data MUST NOT be modified after the frame is published; consumers share
// the slice as an immutable snapshot.
type Frame struct {
	// CameraID is 1 or 2
	CameraID int
	// Seq is the monotonic per-camera sequence number
	Seq uint64
	// ReceivedAt is when the last chunk of the frame arrived
	ReceivedAt time.Time
	// Data is the complete encoded image (JPEG from the line server)
	Data []byte
}

// Measurement correlates one verdict with the latest available frame per
// camera. Immutable after creation.
type Measurement struct {
	// TraceID is a unique identifier for tracing the record through
	// persistence and upload
	TraceID   string
	ProductID int
	// Timestamp is the wall-clock correlation time, "2006-01-02 15:04:05"
	Timestamp string
	IsDefect  bool
	// Image1/Image2 are nil when the camera had no completed frame yet
	Image1 []byte
	Image2 []byte
}

// LogEntry is one historical measurement row as shown to the operator.
type LogEntry struct {
	ID          int
	Timestamp   string
	ProductName string
	Defect      bool
}

// User is an operator account from the local database.
type User struct {
	Name    string
	LoginID string
	Role    int
}
