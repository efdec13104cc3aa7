package reactorbus

import "sync/atomic"

// Registration binds a Selector to a consumer and tracks its lifecycle.
// Once Cancel has been called (directly, via CancelAfterUse, or via
// Router-observed CancelMe), the registration is never delivered to again.
type Registration struct {
	selector Selector
	consumer any

	cancelled      atomic.Bool
	paused         atomic.Bool
	cancelAfterUse atomic.Bool

	seq uint64 // insertion order, used as the registry's stable tie-break
}

func newRegistration(sel Selector, consumer any, seq uint64) *Registration {
	return &Registration{selector: sel, consumer: consumer, seq: seq}
}

// Selector returns the selector this registration was created with.
func (r *Registration) Selector() Selector { return r.selector }

// Consumer returns the raw consumer value passed to On/Receive.
func (r *Registration) Consumer() any { return r.consumer }

// Cancel marks the registration cancelled. It is idempotent and safe to call
// concurrently with routing.
func (r *Registration) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (r *Registration) Cancelled() bool { return r.cancelled.Load() }

// Pause temporarily stops delivery without cancelling the registration.
func (r *Registration) Pause() { r.paused.Store(true) }

// Resume undoes a Pause.
func (r *Registration) Resume() { r.paused.Store(false) }

// Paused reports whether the registration is currently paused.
func (r *Registration) Paused() bool { return r.paused.Load() }

// CancelAfterUse marks the registration to be cancelled automatically after
// its consumer is next invoked successfully. Returns the receiver so further
// calls can be chained on it.
func (r *Registration) CancelAfterUse() *Registration {
	r.cancelAfterUse.Store(true)
	return r
}

// IsCancelAfterUse reports whether CancelAfterUse was set.
func (r *Registration) IsCancelAfterUse() bool { return r.cancelAfterUse.Load() }
