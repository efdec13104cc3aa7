package reactorbus

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// BusEventType enumerates internal lifecycle events delivered to Observers.
type BusEventType string

const (
	RegisterStart     BusEventType = "register_start"
	CancelStart       BusEventType = "cancel_start"
	NotifyStart       BusEventType = "notify_start"
	NotifyDone        BusEventType = "notify_done"
	RouteError        BusEventType = "route_error"
	ConsumerCancelled BusEventType = "consumer_cancelled"
	CapacityClamped   BusEventType = "capacity_clamped"
	LaneDropped       BusEventType = "lane_dropped"
)

// BusEvent carries telemetry for Observers. It is distinct from Event (the
// data-plane message envelope) so that lifecycle telemetry about the bus
// never collides with the domain events flowing through it.
type BusEvent struct {
	Type     BusEventType
	Key      any
	Duration time.Duration
	Err      error

	observers []Observer
}

// Observer receives bus lifecycle events. Implementations should be
// non-blocking; the ObserverPool already dispatches off the hot path, but a
// slow Observer still occupies one of the pool's worker goroutines.
type Observer interface {
	OnEvent(e BusEvent)
}

// ObserverFunc adapts a plain function to satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver emits BusEvents via xlog, grounded on the teacher's
// LoggingObserver.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(xlog.Str("type", string(e.Type)))
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}
	switch e.Type {
	case RouteError, LaneDropped:
		ev.Warn().Err(e.Err).Msg("reactorbus event")
	case CapacityClamped:
		ev.Warn().Msg("reactorbus event")
	default:
		ev.Debug().Msg("reactorbus event")
	}
}
