package reactorbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ Observable = (*EventBus)(nil)

// EventBus is the central Facade tying a Registry, Router and Dispatcher
// together into the key-indexed publish/subscribe surface described by
// Observable, grounded on the teacher's Bus (transport-level Facade
// wrapping Codec/Transport) but retargeted at in-process routing instead of
// wire transport.
type EventBus struct {
	registry   Registry
	dispatcher Dispatcher
	router     *ConsumerFilteringRouter

	clock  xclock.Clock
	logger *xlog.Logger

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	baseCtx context.Context

	uncaughtErrorHandler func(error)

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once

	idOnce sync.Once
	id     string
}

// ID returns a stable, lazily generated identity for this bus, useful for
// correlating BusEvents emitted by several buses in the same process.
// Generated with uuid.NewV7 so IDs sort roughly by creation time.
func (b *EventBus) ID() string {
	b.idOnce.Do(func() {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		b.id = id.String()
	})
	return b.id
}

// On registers consumer against sel. consumer must be one of the shapes
// ArgumentConvertingConsumerInvoker understands: func(*Event), func(*Event)
// error, func(T), func(T) error, or the ctx-aware func(context.Context,
// *Event) / func(context.Context, T) forms (each optionally returning
// error), where the context passed in is retrievable via LoggerFromContext,
// ClockFromContext and BusFromContext.
func (b *EventBus) On(sel Selector, consumer any) (*Registration, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if sel == nil {
		return nil, ErrInvalidSelector
	}
	if consumer == nil {
		return nil, ErrInvalidConsumer
	}
	reg := b.registry.Register(sel, consumer)
	b.notifyAsync(BusEvent{Type: RegisterStart, Key: sel})
	return reg, nil
}

// Receive registers fn against sel and, once fn returns, publishes its
// result back to the triggering event's ReplyTo key -- on ev's pinned
// ReplyToObservable if one was set (see SendAndReceive), otherwise on this
// bus. An error return is wrapped with WrapError and published on the
// error's own dynamic type instead, so ClassSelector/ErrorSelector
// registrations on the reply target catch it.
func (b *EventBus) Receive(sel Selector, fn func(*Event) (any, error)) (*Registration, error) {
	if fn == nil {
		return nil, ErrInvalidConsumer
	}
	wrapped := func(ev *Event) error {
		result, err := fn(ev)
		if err != nil {
			b.deliverError(ev, err)
			return err
		}
		if ev.ReplyTo != nil {
			b.deliverReply(ev, asEvent(result))
		}
		return nil
	}
	return b.On(sel, wrapped)
}

func (b *EventBus) deliverReply(source *Event, reply *Event) {
	if source == nil || source.ReplyTo == nil {
		return
	}
	target := source.replyObservable()
	if target == nil {
		target = b
	}
	_ = target.Notify(b.baseCtx, source.ReplyTo, reply)
}

// deliverError publishes a Receive/fn failure to the reply target keyed on
// err's own dynamic type, mirroring the success path's target resolution
// but never the reply key itself -- a success and a failure from the same
// call must never collide on one key.
func (b *EventBus) deliverError(source *Event, err error) {
	if source == nil {
		return
	}
	target := source.replyObservable()
	if target == nil {
		target = b
	}
	_ = target.Notify(b.baseCtx, err, WrapError(err))
}

// Notify routes ev to every live registration whose selector matches key,
// via the configured Dispatcher. It returns promptly: with a synchronous
// dispatcher, routing has completed by the time it returns; with an async
// dispatcher, routing happens on a worker goroutine and delivery failures
// surface only through error consumers, observers, and metrics.
func (b *EventBus) Notify(ctx context.Context, key any, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	if key == nil {
		return ErrInvalidKey
	}
	if ev == nil {
		ev = NewEvent(nil)
	}
	candidates := b.registry.Select(key)
	return b.dispatchNotify(ctx, key, ev, candidates)
}

// enrichContext layers this bus's logger, clock and identity onto ctx via
// injectLogger/injectClock/injectBus, so a ctx-aware consumer invoked
// through this bus can retrieve them with LoggerFromContext,
// ClockFromContext and BusFromContext instead of capturing the bus by
// closure.
func (b *EventBus) enrichContext(ctx context.Context) context.Context {
	ctx = injectBus(ctx, b)
	ctx = injectLogger(ctx, b.logger)
	ctx = injectClock(ctx, b.clock)
	return ctx
}

// NotifyFunc is Notify with the payload built by supplier, evaluated on the
// calling goroutine before dispatch (so a panicking supplier surfaces to the
// caller rather than to an error consumer).
func (b *EventBus) NotifyFunc(ctx context.Context, key any, supplier func() any) error {
	if supplier == nil {
		return ErrInvalidConsumer
	}
	return b.Notify(ctx, key, NewEvent(supplier()))
}

// NotifyKey is Notify for keyed signals that carry no payload.
func (b *EventBus) NotifyKey(ctx context.Context, key any) error {
	return b.Notify(ctx, key, NewEvent(Void{}))
}

// Send is Notify with reply-routing attached: if ev has no ReplyTo key yet,
// one is minted; replies published to it are delivered to replyTo[0] if
// given, otherwise to this bus. Send does not itself register a consumer
// for the reply -- pair it with a Receive registered ahead of time, or use
// SendAndReceive to do both.
func (b *EventBus) Send(ctx context.Context, key any, ev *Event, replyTo ...Observable) error {
	if ev == nil {
		ev = NewEvent(nil)
	}
	var target Observable = b
	if len(replyTo) > 0 && replyTo[0] != nil {
		target = replyTo[0]
	}
	if ev.ReplyTo == nil {
		ev.SetReplyTo(newAnonymousKey("send-reply"))
	}
	ev.SetReplyToObservable(target)
	return b.Notify(ctx, key, ev)
}

// SendAndReceive publishes ev to key and invokes reply exactly once with
// whatever a downstream Receive-registered consumer replies with. If that
// consumer fails, reply is not invoked: the WrapError event is published
// under the error itself instead (see Receive). The reply registration is
// single-use: it cancels itself after its first invocation.
func (b *EventBus) SendAndReceive(ctx context.Context, key any, ev *Event, reply func(*Event)) error {
	if reply == nil {
		return ErrInvalidConsumer
	}
	if ev == nil {
		ev = NewEvent(nil)
	}
	replyKey := newAnonymousKey("send-and-receive")
	sel := PredicateSelector(func(k any) bool { return k == replyKey })
	reg, err := b.On(sel, reply)
	if err != nil {
		return err
	}
	reg.CancelAfterUse()

	ev.SetReplyTo(replyKey)
	ev.SetReplyToObservable(b)
	return b.Notify(ctx, key, ev)
}

// BatchNotify returns a consumer that, given a slice of events, dispatches a
// single task carrying the whole batch: inside that task, every event is
// routed to every registration currently matching key (no per-event
// registration partitioning), then completion is invoked once. Per the
// Open Question resolved in DESIGN.md, a batch is one dispatcher task, not
// one task per event, so completion truly observes the whole batch as done.
// Registrations are selected when the task actually runs, not when the
// returned func is called, so a registration added in between sees
// subsequent batches -- the same live-selection guarantee Notify makes.
func (b *EventBus) BatchNotify(key any, completion func() error) func(events []*Event) {
	return func(events []*Event) {
		if b.closed.Load() || key == nil {
			return
		}

		task := func(payload any) {
			batch, _ := payload.([]*Event)
			candidates := b.registry.Select(key)
			for _, ev := range batch {
				if ev == nil {
					ev = NewEvent(nil)
				}
				ev.SetKey(key)
				ev.SetContext(b.enrichContext(b.baseCtx))
				b.router.Route(key, ev, candidates, nil, func(err error) { b.handleRouteError(err, ev) })
			}
			b.metrics.notified.Add(uint64(len(batch)))
			b.metrics.routed.Add(uint64(len(batch)))
			if completion != nil {
				if err := b.safeCompletion(completion); err != nil {
					b.handleRouteError(&ErrCompletionFailed{Key: key, Err: err}, NewEvent(nil))
				}
			}
		}
		b.dispatcher.Dispatch(events, task, func(err error) { b.handleRouteError(err, NewEvent(nil)) })
	}
}

func (b *EventBus) safeCompletion(completion func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reactorbus: batch completion panic: %v", rec)
		}
	}()
	return completion()
}

// Prepare freezes the set of registrations matching key and returns a hot
// consumer that dispatches each event (with key set) against that frozen
// snapshot. A registration added after Prepare returns is never seen by the
// returned function; use PrepareLive where that matters more than the
// lookup savings of a fixed snapshot.
func (b *EventBus) Prepare(key any) func(ev *Event) {
	candidates := b.registry.Select(key)
	return func(ev *Event) {
		if b.closed.Load() {
			return
		}
		if ev == nil {
			ev = NewEvent(nil)
		}
		_ = b.dispatchNotify(b.baseCtx, key, ev, candidates)
	}
}

// PrepareLive is Prepare without the snapshot: every call re-selects
// registrations, so newly added consumers are visible immediately at the
// cost of paying the registry lookup on every dispatch.
func (b *EventBus) PrepareLive(key any) func(ev *Event) {
	return func(ev *Event) {
		_ = b.Notify(b.baseCtx, key, ev)
	}
}

// Schedule dispatches an opaque task applying consumer(data) on the bus's
// own Dispatcher, giving callers access to the bus's execution strategy
// (and its panic isolation) without going through the key-routing machinery
// at all.
func (b *EventBus) Schedule(consumer func(any), data any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if consumer == nil {
		return ErrInvalidConsumer
	}
	b.dispatcher.Dispatch(data, consumer, func(err error) { b.handleRouteError(err, NewEvent(data)) })
	return nil
}

// Accept reports whether ev's key currently has at least one matching,
// live registration.
func (b *EventBus) Accept(ev *Event) bool {
	if ev == nil {
		return false
	}
	return b.RespondsToKey(ev.Key())
}

// RespondsToKey reports whether key currently has at least one matching,
// live registration.
func (b *EventBus) RespondsToKey(key any) bool {
	return len(b.registry.Select(key)) > 0
}

// dispatchNotify is the shared core of Notify and Prepare's returned
// closure: it stamps ev's key, enriches its context, submits routing to the
// dispatcher, and records telemetry once routing completes.
func (b *EventBus) dispatchNotify(ctx context.Context, key any, ev *Event, candidates []*Registration) error {
	ev.SetKey(key)
	ev.SetContext(b.enrichContext(ctx))
	b.metrics.notified.Add(1)
	b.notifyAsync(BusEvent{Type: NotifyStart, Key: key})

	task := func(payload any) {
		e, _ := payload.(*Event)
		if e == nil {
			return
		}
		start := b.clock.Now()
		b.router.Route(key, e, candidates, nil, func(err error) { b.handleRouteError(err, e) })
		duration := b.clock.Since(start)
		b.metrics.recordProcessingTime(duration.Nanoseconds())
		b.metrics.routed.Add(1)
		b.notifyAsync(BusEvent{Type: NotifyDone, Key: key, Duration: duration})
	}

	errHandler := func(err error) { b.handleRouteError(err, ev) }

	b.dispatcher.Dispatch(ev, task, errHandler)
	return nil
}

// handleRouteError is the bus's uncaught-exception path: it records the
// failure, notifies observers, and -- if ev did not carry its own
// ErrorConsumer -- re-notifies the error under a key selecting on the
// error's own dynamic type, letting ErrorSelector/ClassSelector
// registrations catch it, mirroring how the distilled specification's
// source material routes uncaught dispatcher exceptions back through the
// bus instead of dropping them.
func (b *EventBus) handleRouteError(err error, ev *Event) {
	if err == nil {
		return
	}
	b.metrics.errors.Add(1)
	b.notifyAsync(BusEvent{Type: RouteError, Key: ev.Key(), Err: err})

	if ev.ErrorConsumer != nil {
		b.safeInvokeErrorConsumer(ev.ErrorConsumer, err)
		return
	}

	candidates := b.registry.Select(err)
	if len(candidates) > 0 {
		b.router.Route(err, WrapError(err), candidates, nil, func(inner error) {
			if b.uncaughtErrorHandler != nil {
				b.uncaughtErrorHandler(inner)
			}
		})
		return
	}

	if b.uncaughtErrorHandler != nil {
		b.uncaughtErrorHandler(err)
	}
}

func (b *EventBus) safeInvokeErrorConsumer(fn func(error), err error) {
	defer func() { recover() }()
	fn(err)
}

// Metrics returns a point-in-time snapshot of this bus's counters.
func (b *EventBus) Metrics() BusMetrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return BusMetrics{
		Notified:            b.metrics.notified.Load(),
		Routed:              b.metrics.routed.Load(),
		Errors:              b.metrics.errors.Load(),
		Cancelled:           b.metrics.cancelled.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports bus health for use in readiness/liveness probes, grounded
// on the teacher's Kubernetes-probe-oriented Health method.
func (b *EventBus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.Metrics()
	status := "healthy"
	if metrics.Errors > 0 && metrics.Notified > 0 {
		if errorRate := float64(metrics.Errors) / float64(metrics.Notified); errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{Status: status, Metrics: metrics, Timestamp: b.clock.Now()}
}

// Close idempotently shuts the bus down: it stops accepting new
// registrations and notifications, drains the observer pool, and closes the
// dispatcher.
func (b *EventBus) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				if b.logger != nil {
					b.logger.Warn().Err(err).Msg("reactorbus: observer pool shutdown timeout")
				}
				closeErr = err
			}
		}

		if b.dispatcher != nil {
			deadline := 5 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				deadline = time.Until(dl)
			}
			if err := b.dispatcher.Close(deadline); err != nil {
				if b.logger != nil {
					b.logger.Error().Err(err).Msg("reactorbus: dispatcher close failed")
				}
				closeErr = err
			}
		}
	})
	return closeErr
}

// AddObserver registers obs to receive future BusEvents.
func (b *EventBus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver deregisters obs, comparing by identity.
func (b *EventBus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *EventBus) notifyAsync(e BusEvent) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	n := len(b.observers)
	if n == 0 {
		b.observersMu.RUnlock()
		return
	}
	if n == 1 {
		obs := b.observers[0]
		b.observersMu.RUnlock()
		b.observerPool.Notify(e, []Observer{obs})
		return
	}
	observers := make([]Observer, n)
	copy(observers, b.observers)
	b.observersMu.RUnlock()
	b.observerPool.Notify(e, observers)
}
