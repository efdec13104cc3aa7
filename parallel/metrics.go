package parallel

// LaneMetrics is a point-in-time snapshot of one lane's throughput and
// demand, grounded on the ambient BusMetrics/HealthStatus telemetry types
// the root package exposes for the Event Bus, applied here to fan-out lanes.
type LaneMetrics struct {
	Index      int
	Delivered  uint64
	Dropped    uint64
	Demand     int64
	Cancelled  bool
}

// ParallelMetrics is a point-in-time snapshot of a ParallelAction's pool.
type ParallelMetrics struct {
	PoolSize     int
	Lanes        []LaneMetrics
	TotalDropped uint64
}
