package dispatch

import (
	"time"

	"github.com/trickstertwo/xtrack/query"
)

// EventType enumerates dispatcher lifecycle events.
type EventType string

const (
	Enqueued     EventType = "enqueue"
	Sent         EventType = "send"
	Completed    EventType = "complete"
	Rejected     EventType = "reject"
	Discarded    EventType = "discard"
	StateChanged EventType = "state_change"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Dispatcher    string
	QueryID       int64
	QueryName     string
	CorrelationID string
	Status        query.Status
	State         ConnectionState
	Duration      time.Duration
	Err           error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics is a snapshot of dispatcher counters.
type Metrics struct {
	Enqueued    uint64
	Rejected    uint64
	Sent        uint64
	Finished    uint64
	Failed      uint64
	Invalidated uint64
	// Discarded counts responses that matched no outstanding request.
	Discarded     uint64
	EventsDropped uint64
	Pending       int
	InFlight      int
	// AvgExecutionTimeMs is the mean time from enqueue to completion.
	AvgExecutionTimeMs float64
}

// HealthStatus indicates dispatcher health.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
