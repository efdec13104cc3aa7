package reactorbus

import (
	"context"
	"sync"
)

var (
	defaultBus   *EventBus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide singleton EventBus, initializing it on
// first call with the optional init function. Per the REDESIGN note on
// process-wide singletons, prefer constructing an *EventBus explicitly via
// New/EventBusBuilder in library code; Default exists as an explicit
// convenience opt-in for small programs and examples, not the primary API.
func Default(init func(b *EventBusBuilder)) (*EventBus, error) {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus, nil
	}
	bb := NewEventBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, err
	}
	defaultBus = bus
	return defaultBus, nil
}

// SetDefault replaces the process-wide singleton EventBus outright, useful
// for tests that need a fresh bus between cases without relying on New's
// import-side-effect-free construction.
func SetDefault(bus *EventBus) {
	defaultBusMu.Lock()
	defaultBus = bus
	defaultBusMu.Unlock()
}

// Notify is the Facade that uses the default bus.
func Notify(ctx context.Context, key any, ev *Event) error {
	b, err := Default(nil)
	if err != nil {
		return err
	}
	return b.Notify(ctx, key, ev)
}

// On is the Facade that registers against the default bus.
func On(sel Selector, consumer any) (*Registration, error) {
	b, err := Default(nil)
	if err != nil {
		return nil, err
	}
	return b.On(sel, consumer)
}
