package parallel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/reactorbus"
)

// Lane is one of a ParallelAction's fan-out sub-streams: a single-subscriber
// Publisher with demand-based backpressure, grounded on the original
// source material's private ParallelStream inner class. A Lane owns its own
// Dispatcher; the parent ParallelAction owns the Lane.
type Lane[O any] struct {
	index  int
	parent *ParallelAction[O]

	dispatcher reactorbus.Dispatcher

	mu         sync.Mutex
	subscriber Subscriber[O]

	demand      atomic.Int64
	maxCapacity atomic.Int64

	delivered atomic.Uint64
	dropped   atomic.Uint64
	cancelled atomic.Bool
}

func newLane[O any](parent *ParallelAction[O], index int, dispatcher reactorbus.Dispatcher) *Lane[O] {
	return &Lane[O]{index: index, parent: parent, dispatcher: dispatcher}
}

// Index returns this lane's position in the parent's pool.
func (l *Lane[O]) Index() int { return l.index }

// Subscribe attaches sub as this lane's sole downstream subscriber,
// returning a Subscription it can use to request elements or cancel.
func (l *Lane[O]) Subscribe(sub Subscriber[O]) Subscription {
	l.mu.Lock()
	l.subscriber = sub
	l.mu.Unlock()
	return &laneSubscription[O]{lane: l}
}

// DownstreamSubscribed reports whether a Subscriber currently holds this
// lane's subscription -- the Go analogue of Java's
// downstreamSubscription() != null check in ParallelAction.doNext.
func (l *Lane[O]) DownstreamSubscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscriber != nil
}

// RemainingCapacity reports the lane's currently granted, undelivered demand.
func (l *Lane[O]) RemainingCapacity() int64 { return l.demand.Load() }

func (l *Lane[O]) setCapacity(c int64) { l.maxCapacity.Store(c) }

// BroadcastNext delivers v to the subscriber synchronously on the calling
// goroutine -- unlike BroadcastComplete/BroadcastError, next-element
// delivery is never routed through the lane's own dispatcher, mirroring how
// the original ParallelStream leaves broadcastNext un-overridden while
// explicitly re-dispatching broadcastComplete/broadcastError. A panicking
// subscriber is converted to an error rather than propagated, so the caller
// can broadcast it back out through BroadcastError.
func (l *Lane[O]) BroadcastNext(v O) (err error) {
	if l.cancelled.Load() {
		l.dropped.Add(1)
		return ErrLaneGone
	}
	l.mu.Lock()
	sub := l.subscriber
	l.mu.Unlock()
	if sub == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parallel: lane %d subscriber panic: %v", l.index, r)
		}
	}()

	if d := l.demand.Add(-1); d < 0 {
		l.demand.Store(0)
	}
	sub.OnNext(v)
	l.delivered.Add(1)
	return nil
}

// BroadcastComplete signals completion to the subscriber, dispatched
// through the lane's own dispatcher so it happens-after every element
// already in flight on this lane.
func (l *Lane[O]) BroadcastComplete() {
	l.mu.Lock()
	sub := l.subscriber
	l.mu.Unlock()
	if sub == nil {
		return
	}
	l.dispatcher.Dispatch(nil, func(any) { sub.OnComplete() }, func(error) {})
}

// BroadcastError signals a terminal error to the subscriber, dispatched
// through the lane's own dispatcher for the same happens-after ordering as
// BroadcastComplete.
func (l *Lane[O]) BroadcastError(broadcastErr error) {
	l.mu.Lock()
	sub := l.subscriber
	l.mu.Unlock()
	if sub == nil {
		return
	}
	l.dispatcher.Dispatch(broadcastErr, func(payload any) {
		if e, ok := payload.(error); ok {
			sub.OnError(e)
		}
	}, func(error) {})
}

type laneSubscription[O any] struct {
	lane *Lane[O]
}

// Request grants n additional elements of demand and asks the parent action
// to pull that much more from upstream to refill this lane.
func (s *laneSubscription[O]) Request(n int64) {
	if n <= 0 {
		return
	}
	l := s.lane
	l.demand.Add(n)
	if max := l.maxCapacity.Load(); max > 0 && l.demand.Load() > max {
		l.demand.Store(max)
	}
	l.parent.onRequest(n)
}

// Cancel stops delivery to this lane and clears the parent's slot for it --
// the only way a lane becomes empty.
func (s *laneSubscription[O]) Cancel() {
	l := s.lane
	if l.cancelled.Swap(true) {
		return
	}
	l.parent.clearLane(l.index)
}
