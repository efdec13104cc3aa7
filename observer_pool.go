package reactorbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool manages asynchronous BusEvent dispatch. Prevents slow
// observers from blocking the critical Notify/DoNext path. Non-blocking
// design: drops events if the buffer is full, adapted line-for-line from the
// teacher's ObserverPool but retargeted at BusEvent instead of the
// transport-layer Event it was written for.
type ObserverPool struct {
	eventCh   chan *BusEvent
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification. A workers
// value below 1 falls back to 4; a bufferSize below 1 falls back to 1000.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *BusEvent, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}
	return op
}

// Notify sends an event for asynchronous observer dispatch. Non-blocking:
// returns immediately, drops the event if the buffer is full.
func (op *ObserverPool) Notify(e BusEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

func (op *ObserverPool) dispatchEvent(e *BusEvent) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { recover() }() // an observer panic must never crash the pool
			obs.OnEvent(*e)
		}()
	}
}

// ObserverPoolStats reports telemetry about an ObserverPool.
type ObserverPoolStats struct {
	Dropped   uint64
	Processed uint64
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() ObserverPoolStats {
	return ObserverPoolStats{Dropped: op.dropped.Load(), Processed: op.processed.Load()}
}

// Close gracefully shuts down the pool, waiting up to timeout for workers to
// drain queued events.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errObserverPoolShutdownTimeout
	}
}

var errObserverPoolShutdownTimeout = errShutdownTimeout("reactorbus: observer pool shutdown timed out")

type errShutdownTimeout string

func (e errShutdownTimeout) Error() string { return string(e) }
