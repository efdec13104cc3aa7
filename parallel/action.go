package parallel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/reactorbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ReservedSlots is the per-lane guard reserved out of any aggregate capacity
// an implementer sets, so a downstream burst can never fully starve the
// master's own bookkeeping. Mirrors RESERVED_SLOTS in the original source
// material's Action base class.
const ReservedSlots = 32

// DispatcherSupplier mints one Dispatcher per lane. Lanes are typically
// given distinct dispatchers (e.g. one WorkerPoolDispatcher of size 1 each)
// so that a slow lane never blocks its siblings, grounded on
// adapter/memory's per-group worker-goroutine pattern in the teacher.
type DispatcherSupplier func() reactorbus.Dispatcher

// ParallelAction fans an upstream element stream out across a fixed pool of
// Lanes, round-robin by default but yielding to whichever lane currently
// has spare demand, grounded on reactor.rx.action.ParallelAction from the
// original source material.
type ParallelAction[O any] struct {
	mu       sync.Mutex
	lanes    []*Lane[O]
	poolSize int

	roundRobinIndex int
	cursor          int

	capacity     int64
	laneCapacity int64

	downstream Subscriber[Publisher[O]]

	upstreamRequest func(n int64)

	observersMu sync.RWMutex
	observers   []reactorbus.Observer

	droppedTotal atomic.Uint64

	logger *xlog.Logger
	clock  xclock.Clock
}

// Option configures a ParallelAction at construction time.
type Option[O any] func(*ParallelAction[O])

// WithLogger overrides the default xlog logger used for capacity and
// drop diagnostics.
func WithLogger[O any](l *xlog.Logger) Option[O] {
	return func(pa *ParallelAction[O]) { pa.logger = l }
}

// WithClock overrides the default xclock clock.
func WithClock[O any](c xclock.Clock) Option[O] {
	return func(pa *ParallelAction[O]) { pa.clock = c }
}

// WithObserver attaches a reactorbus.Observer that receives this action's
// CapacityClamped/LaneDropped BusEvents, letting one Observer implementation
// watch both an EventBus and its fan-out actions.
func WithObserver[O any](obs reactorbus.Observer) Option[O] {
	return func(pa *ParallelAction[O]) {
		if obs != nil {
			pa.observers = append(pa.observers, obs)
		}
	}
}

// WithUpstreamRequest registers the callback invoked when a lane asks for
// more elements to be pulled from whatever feeds this action's DoNext.
func WithUpstreamRequest[O any](fn func(n int64)) Option[O] {
	return func(pa *ParallelAction[O]) { pa.upstreamRequest = fn }
}

// NewParallelAction builds a ParallelAction with poolSize lanes, each given
// its own Dispatcher from supplier.
func NewParallelAction[O any](poolSize int, supplier DispatcherSupplier, opts ...Option[O]) (*ParallelAction[O], error) {
	if poolSize <= 0 {
		return nil, ErrInvalidPoolSize
	}
	if supplier == nil {
		return nil, ErrNoDispatcherSupplier
	}

	pa := &ParallelAction[O]{poolSize: poolSize, lanes: make([]*Lane[O], poolSize)}
	for _, o := range opts {
		o(pa)
	}
	if pa.clock == nil {
		pa.clock = xclock.Default()
	}
	if pa.logger == nil {
		pa.logger = xlog.Default()
	}
	for i := 0; i < poolSize; i++ {
		pa.lanes[i] = newLane[O](pa, i, supplier())
	}
	return pa, nil
}

// PoolSize returns the number of lanes this action was constructed with.
func (pa *ParallelAction[O]) PoolSize() int { return pa.poolSize }

// Lanes returns the current lane slots, in index order; a nil entry means
// that lane's downstream cancelled and the slot is now empty.
func (pa *ParallelAction[O]) Lanes() []*Lane[O] {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	out := make([]*Lane[O], len(pa.lanes))
	copy(out, pa.lanes)
	return out
}

// Capacity applies the aggregate-capacity policy: the master's own capacity
// becomes e - poolSize*ReservedSlots + ReservedSlots, and every lane gets
// e/poolSize. If e is below the poolSize*ReservedSlots guard, the master
// capacity stays at e; if e/poolSize is zero, every lane gets the full e.
// Either fallback emits a diagnostic instead of failing.
func (pa *ParallelAction[O]) Capacity(e int64) *ParallelAction[O] {
	n := int64(pa.poolSize)
	guard := n * ReservedSlots

	pa.mu.Lock()
	if e < guard {
		pa.capacity = e
		pa.mu.Unlock()
		pa.logger.With(xlog.Str("elements", fmt.Sprintf("%d", e)), xlog.Str("reserved_slots", fmt.Sprintf("%d", guard))).
			Warn().Msg("parallel: capacity below the reserved-slot guard, clamping master capacity to the requested value")
		pa.emitBusEvent(reactorbus.BusEvent{Type: reactorbus.CapacityClamped})
		pa.mu.Lock()
	} else {
		pa.capacity = e - guard + ReservedSlots
	}

	c := e / n
	if c == 0 {
		c = e
		pa.mu.Unlock()
		pa.logger.With(xlog.Str("pool_size", fmt.Sprintf("%d", pa.poolSize))).
			Warn().Msg("parallel: per-lane capacity floored to zero, sharing the full budget across lanes")
		pa.emitBusEvent(reactorbus.BusEvent{Type: reactorbus.CapacityClamped})
		pa.mu.Lock()
	}
	pa.laneCapacity = c
	lanes := append([]*Lane[O](nil), pa.lanes...)
	pa.mu.Unlock()

	for _, l := range lanes {
		if l != nil {
			l.setCapacity(c)
		}
	}
	return pa
}

// DoNext fans ev out to the lane currently sitting at roundRobinIndex as
// long as that lane still has spare demand, only probing forward to the
// next lane once the current one runs dry -- a sticky round-robin, not a
// per-element rotation, mirroring the original source material's doNext
// (the index only advances inside the "no capacity" branch, never after a
// successful broadcast). Falls back to the last lane seen to still exist if
// none currently has capacity, and drops ev only when every lane is gone.
func (pa *ParallelAction[O]) DoNext(ev O) {
	pa.mu.Lock()
	lastExisting := -1
	var target *Lane[O]
	for tries := 0; tries < pa.poolSize; tries++ {
		lane := pa.lanes[pa.roundRobinIndex]
		if lane != nil {
			lastExisting = pa.roundRobinIndex
			if lane.DownstreamSubscribed() && lane.RemainingCapacity() > 0 {
				target = lane
				break
			}
		}
		pa.roundRobinIndex = (pa.roundRobinIndex + 1) % pa.poolSize
	}
	if target == nil && lastExisting >= 0 {
		target = pa.lanes[lastExisting]
	}
	pa.mu.Unlock()

	if target == nil {
		pa.emitDropped(ev)
		return
	}
	if err := target.BroadcastNext(ev); err != nil {
		target.BroadcastError(err)
	}
}

// DoError propagates err to the master's own downstream subscriber, then
// broadcasts it to every live lane.
func (pa *ParallelAction[O]) DoError(err error) {
	pa.mu.Lock()
	downstream := pa.downstream
	lanes := append([]*Lane[O](nil), pa.lanes...)
	pa.mu.Unlock()

	if downstream != nil {
		downstream.OnError(err)
	}
	for _, l := range lanes {
		if l != nil {
			l.BroadcastError(err)
		}
	}
}

// DoComplete propagates completion to the master's own downstream
// subscriber, then broadcasts it to every live lane.
func (pa *ParallelAction[O]) DoComplete() {
	pa.mu.Lock()
	downstream := pa.downstream
	lanes := append([]*Lane[O](nil), pa.lanes...)
	pa.mu.Unlock()

	if downstream != nil {
		downstream.OnComplete()
	}
	for _, l := range lanes {
		if l != nil {
			l.BroadcastComplete()
		}
	}
}

// Subscribe attaches sub as the master's downstream subscriber -- the one
// that receives lanes-as-elements -- and returns a Subscription driving how
// many lanes get emitted.
func (pa *ParallelAction[O]) Subscribe(sub Subscriber[Publisher[O]]) Subscription {
	pa.mu.Lock()
	pa.downstream = sub
	pa.mu.Unlock()
	return &masterSubscription[O]{action: pa}
}

func (pa *ParallelAction[O]) onRequest(n int64) {
	if pa.upstreamRequest != nil {
		pa.upstreamRequest(n)
	}
}

func (pa *ParallelAction[O]) clearLane(index int) {
	pa.mu.Lock()
	pa.lanes[index] = nil
	pa.mu.Unlock()
}

func (pa *ParallelAction[O]) emitDropped(ev any) {
	pa.droppedTotal.Add(1)
	pa.logger.Debug().Msg("parallel: event dropped, every lane has cancelled")
	pa.emitBusEvent(reactorbus.BusEvent{Type: reactorbus.LaneDropped})
}

func (pa *ParallelAction[O]) emitBusEvent(e reactorbus.BusEvent) {
	pa.observersMu.RLock()
	observers := make([]reactorbus.Observer, len(pa.observers))
	copy(observers, pa.observers)
	pa.observersMu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() { recover() }()
			obs.OnEvent(e)
		}()
	}
}

// Metrics returns a point-in-time snapshot of every lane's throughput and
// demand, feeding the round-robin-fairness testable property.
func (pa *ParallelAction[O]) Metrics() ParallelMetrics {
	pa.mu.Lock()
	lanes := append([]*Lane[O](nil), pa.lanes...)
	pa.mu.Unlock()

	out := ParallelMetrics{PoolSize: pa.poolSize, TotalDropped: pa.droppedTotal.Load()}
	for i, l := range lanes {
		if l == nil {
			out.Lanes = append(out.Lanes, LaneMetrics{Index: i, Cancelled: true})
			continue
		}
		out.Lanes = append(out.Lanes, LaneMetrics{
			Index:     i,
			Delivered: l.delivered.Load(),
			Dropped:   l.dropped.Load(),
			Demand:    l.demand.Load(),
		})
	}
	return out
}

type masterSubscription[O any] struct {
	action *ParallelAction[O]
}

// Request emits lanes [cursor, min(cursor+n, poolSize)) to the master's
// downstream subscriber as next-elements, signaling completion once the
// cursor exhausts the pool.
func (m *masterSubscription[O]) Request(n int64) {
	if n <= 0 {
		return
	}
	pa := m.action

	pa.mu.Lock()
	start := pa.cursor
	end := start + int(n)
	if end > pa.poolSize {
		end = pa.poolSize
	}
	toEmit := make([]*Lane[O], 0, end-start)
	for i := start; i < end; i++ {
		if pa.lanes[i] != nil {
			toEmit = append(toEmit, pa.lanes[i])
		}
	}
	pa.cursor = end
	done := pa.cursor >= pa.poolSize
	downstream := pa.downstream
	pa.mu.Unlock()

	if downstream == nil {
		return
	}
	for _, l := range toEmit {
		downstream.OnNext(l)
	}
	if done {
		downstream.OnComplete()
	}
}

// Cancel cancels every lane in the pool, without notifying the master's own
// downstream (which is the one calling Cancel).
func (m *masterSubscription[O]) Cancel() {
	pa := m.action
	pa.mu.Lock()
	lanes := append([]*Lane[O](nil), pa.lanes...)
	pa.mu.Unlock()
	for _, l := range lanes {
		if l != nil {
			(&laneSubscription[O]{lane: l}).Cancel()
		}
	}
}
