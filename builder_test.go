package reactorbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusBuilder_WithRegistryUsesSuppliedInstance(t *testing.T) {
	reg := NewCachingRegistry()
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithRegistry(reg)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	before := len(reg.Registrations())
	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "x" }), func(*Event) {})
	require.NoError(t, err)
	assert.Len(t, reg.Registrations(), before+1)
}

func TestEventBusBuilder_WithDispatcherInstanceTakesPriorityOverName(t *testing.T) {
	custom := NewSynchronousDispatcher()
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("does-not-exist", nil).WithDispatcherInstance(custom)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	var ran bool
	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "x" }), func(*Event) { ran = true })
	require.NoError(t, err)
	require.NoError(t, bus.Notify(context.Background(), "x", NewEvent(nil)))
	assert.True(t, ran)
}

func TestEventBusBuilder_WithFilterAppliesToRouting(t *testing.T) {
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithFilter(FirstMatchFilter{})
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	var calls int
	sel := PredicateSelector(func(k any) bool { return k == "x" })
	_, err = bus.On(sel, func(*Event) { calls++ })
	require.NoError(t, err)
	_, err = bus.On(sel, func(*Event) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "x", NewEvent(nil)))
	assert.Equal(t, 1, calls, "FirstMatchFilter should deliver to exactly one of the two matching consumers")
}

func TestEventBusBuilder_WithInvokerOverridesDefault(t *testing.T) {
	spy := &spyInvoker{}
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithInvoker(spy)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "x" }), func(*Event) {})
	require.NoError(t, err)
	require.NoError(t, bus.Notify(context.Background(), "x", NewEvent(nil)))
	assert.Equal(t, 1, spy.calls)
}

type spyInvoker struct{ calls int }

func (s *spyInvoker) Invoke(any, *Event) InvocationOutcome {
	s.calls++
	return outcomeOkValue
}

func TestEventBusBuilder_WithObserverPoolSizesTheAsyncPool(t *testing.T) {
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithObserverPool(1, 4)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	assert.Equal(t, 1, bus.observerPool.workers)
	assert.Equal(t, 4, cap(bus.observerPool.eventCh))

	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "x" }), func(*Event) {})
	require.NoError(t, err)
	require.NoError(t, bus.Notify(context.Background(), "x", NewEvent(nil)))
}

func TestEventBusBuilder_WithUncaughtErrorHandlerCatchesUnroutedErrors(t *testing.T) {
	var caught error
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithUncaughtErrorHandler(func(err error) { caught = err })
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	boom := assert.AnError
	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "x" }), func(*Event) error { return boom })
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "x", NewEvent(nil)))
	require.Error(t, caught)
	assert.ErrorIs(t, caught, boom)
}
