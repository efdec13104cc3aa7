package reactorbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher schedules consumer(payload) on some execution context,
// invoking errorHandler(err) on failure. Implementations must be safe to
// call from any goroutine.
type Dispatcher interface {
	Dispatch(payload any, consumer func(any), errorHandler func(error))
	Close(timeout time.Duration) error
}

// DispatcherFactory constructs dispatchers from a config blob, mirroring
// the teacher's TransportFactory/CodecFactory named-construction pattern in
// registry.go, now applied to pluggable execution strategies instead of
// pluggable wire transports.
type DispatcherFactory func(cfg map[string]any) (Dispatcher, error)

var (
	dispatcherRegistryMu sync.RWMutex
	dispatcherRegistry   = map[string]DispatcherFactory{
		"sync": func(map[string]any) (Dispatcher, error) { return NewSynchronousDispatcher(), nil },
		"worker-pool": func(cfg map[string]any) (Dispatcher, error) {
			return NewWorkerPoolDispatcher(workerPoolConfigFromMap(cfg)), nil
		},
	}
)

// RegisterDispatcher registers a named dispatcher factory so it can be
// selected by name from EventBusBuilder.WithDispatcherName.
func RegisterDispatcher(name string, factory DispatcherFactory) error {
	if name == "" {
		return errors.New("reactorbus: dispatcher name must not be empty")
	}
	if factory == nil {
		return errors.New("reactorbus: dispatcher factory must not be nil")
	}
	dispatcherRegistryMu.Lock()
	dispatcherRegistry[name] = factory
	dispatcherRegistryMu.Unlock()
	return nil
}

// NewDispatcher constructs a dispatcher by its registered name.
func NewDispatcher(name string, cfg map[string]any) (Dispatcher, error) {
	dispatcherRegistryMu.RLock()
	f, ok := dispatcherRegistry[name]
	dispatcherRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownDispatcher{name: name}
	}
	return f(cfg)
}

// SynchronousDispatcher runs consumer(payload) on the calling goroutine,
// recovering panics into errorHandler. It is the bus's default when no
// dispatcher is supplied, mirroring reactor.core.dispatch
// .SynchronousDispatcher.INSTANCE from the original source material.
type SynchronousDispatcher struct{}

// NewSynchronousDispatcher returns a ready-to-use SynchronousDispatcher.
func NewSynchronousDispatcher() *SynchronousDispatcher { return &SynchronousDispatcher{} }

func (SynchronousDispatcher) Dispatch(payload any, consumer func(any), errorHandler func(error)) {
	defer func() {
		if r := recover(); r != nil {
			if errorHandler != nil {
				errorHandler(panicToError(r))
			}
		}
	}()
	consumer(payload)
}

func (SynchronousDispatcher) Close(time.Duration) error { return nil }

// WorkerPoolConfig controls a WorkerPoolDispatcher's queue and worker count.
type WorkerPoolConfig struct {
	// Workers is the number of goroutines draining the task queue (default 4).
	Workers int
	// QueueSize is the buffered task channel capacity (default 1024).
	QueueSize int
	// EnqueueTimeout bounds how long Dispatch blocks trying to enqueue a
	// task once the queue is full, before failing into errorHandler with
	// ErrDispatchQueueFull (default 0 = fail immediately, non-blocking).
	EnqueueTimeout time.Duration
}

func workerPoolConfigFromMap(cfg map[string]any) WorkerPoolConfig {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return d
	}
	return WorkerPoolConfig{
		Workers:        maxInt(1, getInt("workers", 4)),
		QueueSize:      maxInt(1, getInt("queue_size", 1024)),
		EnqueueTimeout: getDur("enqueue_timeout", 0),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type dispatchTask struct {
	payload      any
	consumer     func(any)
	errorHandler func(error)
}

// WorkerPoolDispatcher is a fixed pool of goroutines draining a buffered
// channel of tasks, grounded structurally on the teacher's ObserverPool
// (eventCh, workers, wg, closed atomic.Bool) but applied to arbitrary
// consumer dispatch instead of observer notification, and blocking (up to
// EnqueueTimeout) rather than unconditionally dropping on a full queue --
// dropping a caller-submitted task silently would violate the "no silent
// drop while lanes live" property that the parallel fan-out core depends on
// this dispatcher to uphold.
type WorkerPoolDispatcher struct {
	tasks   chan dispatchTask
	cfg     WorkerPoolConfig
	wg      sync.WaitGroup
	closed  atomic.Bool
	quit    chan struct{}
	quitVal sync.Once
}

// NewWorkerPoolDispatcher starts cfg.Workers goroutines and returns a ready
// dispatcher.
func NewWorkerPoolDispatcher(cfg WorkerPoolConfig) *WorkerPoolDispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	d := &WorkerPoolDispatcher{
		tasks: make(chan dispatchTask, cfg.QueueSize),
		cfg:   cfg,
		quit:  make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *WorkerPoolDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			// Drain remaining queued tasks before exiting so a Close call
			// observes every already-accepted task run to completion.
			for {
				select {
				case t := <-d.tasks:
					d.run(t)
				default:
					return
				}
			}
		case t := <-d.tasks:
			d.run(t)
		}
	}
}

func (d *WorkerPoolDispatcher) run(t dispatchTask) {
	defer func() {
		if r := recover(); r != nil && t.errorHandler != nil {
			t.errorHandler(panicToError(r))
		}
	}()
	t.consumer(t.payload)
}

func (d *WorkerPoolDispatcher) Dispatch(payload any, consumer func(any), errorHandler func(error)) {
	if d.closed.Load() {
		if errorHandler != nil {
			errorHandler(ErrDispatcherClosed)
		}
		return
	}

	t := dispatchTask{payload: payload, consumer: consumer, errorHandler: errorHandler}

	if d.cfg.EnqueueTimeout <= 0 {
		select {
		case d.tasks <- t:
		default:
			if errorHandler != nil {
				errorHandler(ErrDispatchQueueFull)
			}
		}
		return
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case d.tasks <- t:
	case <-timer.C:
		if errorHandler != nil {
			errorHandler(ErrDispatchQueueFull)
		}
	}
}

// Close stops accepting new tasks and waits up to timeout for queued and
// in-flight tasks to finish.
func (d *WorkerPoolDispatcher) Close(timeout time.Duration) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.quitVal.Do(func() { close(d.quit) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reactorbus: worker pool dispatcher shutdown timed out after %s", timeout)
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("reactorbus: panic: %v", r)
}
