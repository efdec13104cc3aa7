package reactorbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// EventBusBuilder constructs EventBus instances (Builder pattern), grounded
// on the teacher's BusBuilder.
type EventBusBuilder struct {
	registry Registry

	dispatcherName string
	dispatcherCfg  map[string]any
	dispatcherInst Dispatcher

	filter  Filter
	invoker ConsumerInvoker

	observers            []Observer
	observerWorkers      int
	observerBufferSize   int
	uncaughtErrorHandler func(error)

	logger *xlog.Logger
	clock  xclock.Clock

	baseCtx context.Context
}

// NewEventBusBuilder returns a builder seeded with sensible defaults: a
// CachingRegistry, the synchronous dispatcher, and a PassThrough filter.
func NewEventBusBuilder() *EventBusBuilder {
	return &EventBusBuilder{
		dispatcherName:     "sync",
		observerWorkers:    4,
		observerBufferSize: 1000,
	}
}

// WithRegistry supplies a ready Registry instance, overriding the default
// CachingRegistry.
func (bb *EventBusBuilder) WithRegistry(r Registry) *EventBusBuilder {
	bb.registry = r
	return bb
}

// WithDispatcherName selects a registered Dispatcher factory by name (see
// RegisterDispatcher), e.g. "sync" or "worker-pool".
func (bb *EventBusBuilder) WithDispatcherName(name string, cfg map[string]any) *EventBusBuilder {
	bb.dispatcherName = name
	bb.dispatcherCfg = cfg
	return bb
}

// WithDispatcherInstance supplies a ready Dispatcher instance, taking
// priority over WithDispatcherName.
func (bb *EventBusBuilder) WithDispatcherInstance(d Dispatcher) *EventBusBuilder {
	bb.dispatcherInst = d
	return bb
}

// WithFilter overrides the router's candidate filter (default PassThrough).
func (bb *EventBusBuilder) WithFilter(f Filter) *EventBusBuilder {
	bb.filter = f
	return bb
}

// WithInvoker overrides the router's ConsumerInvoker (default
// ArgumentConvertingConsumerInvoker).
func (bb *EventBusBuilder) WithInvoker(inv ConsumerInvoker) *EventBusBuilder {
	bb.invoker = inv
	return bb
}

// WithObserver attaches one or more Observers at build time.
func (bb *EventBusBuilder) WithObserver(obs ...Observer) *EventBusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *EventBusBuilder) WithObserverPool(workers, bufferSize int) *EventBusBuilder {
	if workers > 0 {
		bb.observerWorkers = workers
	}
	if bufferSize > 0 {
		bb.observerBufferSize = bufferSize
	}
	return bb
}

// WithUncaughtErrorHandler sets the handler invoked for a routing error whose
// event has no ErrorConsumer. Build's default ErrorSelector consumer calls it
// for every such error, including errors that a caller-registered
// error-type consumer also receives.
func (bb *EventBusBuilder) WithUncaughtErrorHandler(fn func(error)) *EventBusBuilder {
	bb.uncaughtErrorHandler = fn
	return bb
}

// WithLogger overrides the default xlog logger.
func (bb *EventBusBuilder) WithLogger(l *xlog.Logger) *EventBusBuilder {
	bb.logger = l
	return bb
}

// WithClock overrides the default xclock clock, primarily for deterministic
// tests.
func (bb *EventBusBuilder) WithClock(c xclock.Clock) *EventBusBuilder {
	bb.clock = c
	return bb
}

// WithBaseContext sets the context used for reply delivery performed
// outside of any caller-supplied context (e.g. Receive's automatic reply).
func (bb *EventBusBuilder) WithBaseContext(ctx context.Context) *EventBusBuilder {
	bb.baseCtx = ctx
	return bb
}

// Build validates the accumulated configuration and constructs an EventBus.
func (bb *EventBusBuilder) Build() (*EventBus, error) {
	var dispatcher Dispatcher
	var err error
	switch {
	case bb.dispatcherInst != nil:
		dispatcher = bb.dispatcherInst
	case bb.dispatcherName != "":
		dispatcher, err = NewDispatcher(bb.dispatcherName, bb.dispatcherCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoDispatcherConfigured
	}

	registry := bb.registry
	if registry == nil {
		registry = NewCachingRegistry()
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	baseCtx := bb.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	b := &EventBus{
		registry:             registry,
		dispatcher:           dispatcher,
		clock:                clk,
		logger:               lg,
		baseCtx:              baseCtx,
		uncaughtErrorHandler: bb.uncaughtErrorHandler,
		metrics:              &busMetrics{},
	}
	b.router = NewConsumerFilteringRouter(bb.filter, bb.invoker, lg).
		WithCancelHook(func(*Registration) { b.metrics.cancelled.Add(1) })

	b.observerPool = NewObserverPool(baseCtx, bb.observerWorkers, bb.observerBufferSize)

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	// A default catch-all so an uncaught error always has somewhere to go,
	// even before any caller registers their own ErrorSelector consumer.
	_, err = b.On(ErrorSelector(), func(ev *Event) {
		routeErr, _ := ev.Data.(error)
		if routeErr == nil {
			return
		}
		if b.uncaughtErrorHandler != nil {
			b.uncaughtErrorHandler(routeErr)
			return
		}
		b.logger.Error().Err(routeErr).Msg("reactorbus: uncaught error")
	})
	if err != nil {
		return nil, err
	}

	return b, nil
}

// New constructs an EventBus via EventBusBuilder and returns a convenience
// close function alongside it, grounded on the teacher's New.
func New(init func(b *EventBusBuilder)) (*EventBus, func() error, error) {
	bb := NewEventBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
