package reactorbus

import (
	"sync/atomic"
	"time"
)

// busMetrics uses lock-free atomics for production-grade telemetry,
// grounded on the teacher's busMetrics struct.
type busMetrics struct {
	notified     atomic.Uint64
	routed       atomic.Uint64
	errors       atomic.Uint64
	cancelled    atomic.Uint64
	processingNs atomic.Int64
}

func (m *busMetrics) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := m.processingNs.Load()
	if current == 0 {
		m.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	m.processingNs.Store(newAvg)
}

// BusMetrics is a point-in-time snapshot of an EventBus's counters. Per
// testable property 9, every counter field is monotonically non-decreasing
// across the lifetime of a bus; AvgProcessingTimeMs is a moving average and
// can go down.
type BusMetrics struct {
	Notified            uint64
	Routed              uint64
	Errors              uint64
	Cancelled           uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health, grounded on the teacher's
// Kubernetes-probe-oriented HealthStatus type.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   BusMetrics
	Timestamp time.Time
	Message   string
}
