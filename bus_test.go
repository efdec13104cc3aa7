package reactorbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return bus
}

func TestEventBus_NotifyDeliversToMatchingConsumer(t *testing.T) {
	bus := newTestBus(t)

	var got string
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "orders" }), func(ev *Event) {
		got, _ = ev.Data.(string)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "orders", NewEvent("placed")))
	assert.Equal(t, "placed", got)
}

func TestEventBus_NotifySkipsNonMatchingConsumer(t *testing.T) {
	bus := newTestBus(t)

	called := false
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "shipments" }), func(*Event) {
		called = true
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "orders", NewEvent(nil)))
	assert.False(t, called)
}

func TestEventBus_NotifyRejectsNilKey(t *testing.T) {
	bus := newTestBus(t)
	err := bus.Notify(context.Background(), nil, NewEvent(nil))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEventBus_NotifyAfterCloseFails(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Close(context.Background()))
	err := bus.Notify(context.Background(), "orders", NewEvent(nil))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEventBus_CancelAfterUseFiresOnce(t *testing.T) {
	bus := newTestBus(t)

	var count int32
	reg, err := bus.On(PredicateSelector(func(k any) bool { return k == "once" }), func(*Event) {
		atomic.AddInt32(&count, 1)
	})
	require.NoError(t, err)
	reg.CancelAfterUse()

	require.NoError(t, bus.Notify(context.Background(), "once", NewEvent(nil)))
	require.NoError(t, bus.Notify(context.Background(), "once", NewEvent(nil)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.True(t, reg.Cancelled())
}

func TestEventBus_ConsumerRequestedCancellation(t *testing.T) {
	bus := newTestBus(t)

	var count int32
	reg, err := bus.On(PredicateSelector(func(k any) bool { return k == "flaky" }), func(*Event) error {
		atomic.AddInt32(&count, 1)
		return ErrCancelConsumer
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "flaky", NewEvent(nil)))
	require.NoError(t, bus.Notify(context.Background(), "flaky", NewEvent(nil)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.True(t, reg.Cancelled())
}

func TestEventBus_SendAndReceiveRoundTrips(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.Receive(PredicateSelector(func(k any) bool { return k == "double" }), func(ev *Event) (any, error) {
		n, _ := ev.Data.(int)
		return n * 2, nil
	})
	require.NoError(t, err)

	var reply *Event
	err = bus.SendAndReceive(context.Background(), "double", NewEvent(21), func(ev *Event) {
		reply = ev
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, 42, reply.Data)
}

func TestEventBus_SendAndReceiveRegistrationIsGoneAfterReplyDelivered(t *testing.T) {
	reg := NewCachingRegistry()
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil).WithRegistry(reg)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	_, err = bus.Receive(PredicateSelector(func(k any) bool { return k == "echo" }), func(ev *Event) (any, error) {
		return ev.Data, nil
	})
	require.NoError(t, err)

	before := len(reg.Registrations())

	var reply *Event
	err = bus.SendAndReceive(context.Background(), "echo", NewEvent("hi"), func(ev *Event) {
		reply = ev
	})
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Len(t, reg.Registrations(), before, "the anonymous reply registration must be cancelled once its single reply is delivered")
}

func TestEventBus_ReceiveWrapsConsumerErrorOnErrorTypeKeyNotReplyKey(t *testing.T) {
	bus := newTestBus(t)
	boom := errors.New("boom")

	_, err := bus.Receive(PredicateSelector(func(k any) bool { return k == "fail" }), func(*Event) (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	var caught error
	_, err = bus.On(ErrorSelector(), func(ev *Event) {
		caught, _ = ev.Data.(error)
	})
	require.NoError(t, err)

	var reply *Event
	err = bus.SendAndReceive(context.Background(), "fail", NewEvent(nil), func(ev *Event) {
		reply = ev
	})
	require.NoError(t, err)
	assert.Nil(t, reply, "an error result must never be delivered on the reply key")
	require.Error(t, caught)
	assert.ErrorIs(t, caught, boom)
}

func TestEventBus_UncaughtErrorRoutesByDynamicType(t *testing.T) {
	bus := newTestBus(t)
	boom := errors.New("kaboom")

	var caught error
	_, err := bus.On(ErrorSelector(), func(ev *Event) {
		caught, _ = ev.Data.(error)
	})
	require.NoError(t, err)

	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "risky" }), func(*Event) error {
		return boom
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "risky", NewEvent(nil)))
	require.Error(t, caught)
	assert.ErrorIs(t, caught, boom)
}

func TestEventBus_MetricsAreMonotonic(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "counted" }), func(*Event) {})
	require.NoError(t, err)

	var prev BusMetrics
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Notify(context.Background(), "counted", NewEvent(nil)))
		m := bus.Metrics()
		assert.GreaterOrEqual(t, m.Notified, prev.Notified)
		assert.GreaterOrEqual(t, m.Routed, prev.Routed)
		assert.GreaterOrEqual(t, m.Errors, prev.Errors)
		prev = m
	}
	assert.Equal(t, uint64(5), bus.Metrics().Notified)
}

func TestEventBus_ObserverPanicIsIsolated(t *testing.T) {
	bus, closeFn, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("sync", nil)
		b.WithObserver(ObserverFunc(func(BusEvent) { panic("observer exploded") }))
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	var delivered bool
	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "safe" }), func(*Event) {
		delivered = true
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "safe", NewEvent(nil)))
	require.Eventually(t, func() bool { return delivered }, time.Second, time.Millisecond)
}

func TestEventBus_RespondsToKey(t *testing.T) {
	bus := newTestBus(t)
	assert.False(t, bus.RespondsToKey("nope"))

	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "yep" }), func(*Event) {})
	require.NoError(t, err)
	assert.True(t, bus.RespondsToKey("yep"))
}

func TestEventBus_ScheduleRunsOnDispatcher(t *testing.T) {
	bus := newTestBus(t)
	var got any
	require.NoError(t, bus.Schedule(func(v any) { got = v }, "payload"))
	assert.Equal(t, "payload", got)
}

func TestEventBus_BatchNotifyRoutesEveryEventThenCompletes(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var seen []int
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "batch" }), func(ev *Event) {
		mu.Lock()
		seen = append(seen, ev.Data.(int))
		mu.Unlock()
	})
	require.NoError(t, err)

	completed := false
	fn := bus.BatchNotify("batch", func() error {
		completed = true
		return nil
	})
	fn([]*Event{NewEvent(1), NewEvent(2), NewEvent(3)})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)
	assert.True(t, completed)
}

func TestEventBus_BatchNotifySeesRegistrationsAddedBetweenCalls(t *testing.T) {
	bus := newTestBus(t)
	fn := bus.BatchNotify("batch-live", nil)

	fn([]*Event{NewEvent(1)}) // no registration yet: dropped silently

	var mu sync.Mutex
	var seen []int
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "batch-live" }), func(ev *Event) {
		mu.Lock()
		seen = append(seen, ev.Data.(int))
		mu.Unlock()
	})
	require.NoError(t, err)

	fn([]*Event{NewEvent(2)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, seen, "a registration added between calls must be visible to the next batch")
}

func TestEventBusBuilder_RejectsUnknownDispatcherName(t *testing.T) {
	_, _, err := New(func(b *EventBusBuilder) {
		b.WithDispatcherName("does-not-exist", nil)
	})
	require.Error(t, err)
	var unknown ErrUnknownDispatcher
	assert.ErrorAs(t, err, &unknown)
}

func TestEventBus_CtxAwareConsumerObservesInjectedBusAndClock(t *testing.T) {
	bus := newTestBus(t)

	var sameBus bool
	var sawClock bool
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "ctx-aware" }), func(ctx context.Context, ev *Event) {
		if b, ok := BusFromContext(ctx); ok {
			sameBus = b == bus
		}
		_, sawClock = ClockFromContext(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(context.Background(), "ctx-aware", NewEvent(nil)))
	assert.True(t, sameBus)
	assert.True(t, sawClock)
}

func TestEventBus_PrepareLiveSeesRegistrationsAddedAfterCreation(t *testing.T) {
	bus := newTestBus(t)
	hot := bus.PrepareLive("live")

	var got string
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "live" }), func(ev *Event) {
		got, _ = ev.Data.(string)
	})
	require.NoError(t, err)

	hot(NewEvent("after"))
	assert.Equal(t, "after", got)
}

func TestEventBus_PrepareIgnoresRegistrationsAddedAfterSnapshot(t *testing.T) {
	bus := newTestBus(t)
	hot := bus.Prepare("frozen")

	var got string
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "frozen" }), func(ev *Event) {
		got, _ = ev.Data.(string)
	})
	require.NoError(t, err)

	hot(NewEvent("after"))
	assert.Empty(t, got, "Prepare must not see registrations added after it was called")
}

func TestEventBus_NotifyFuncEvaluatesSupplierBeforeDispatch(t *testing.T) {
	bus := newTestBus(t)

	var got int
	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "computed" }), func(ev *Event) {
		got, _ = ev.Data.(int)
	})
	require.NoError(t, err)

	err = bus.NotifyFunc(context.Background(), "computed", func() any { return 21 * 2 })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestEventBus_NotifyFuncRejectsNilSupplier(t *testing.T) {
	bus := newTestBus(t)
	err := bus.NotifyFunc(context.Background(), "computed", nil)
	assert.ErrorIs(t, err, ErrInvalidConsumer)
}

func TestEventBus_AcceptReflectsCurrentRegistrations(t *testing.T) {
	bus := newTestBus(t)
	ev := NewEvent(nil).SetKey("accepted")
	assert.False(t, bus.Accept(ev))

	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "accepted" }), func(*Event) {})
	require.NoError(t, err)
	assert.True(t, bus.Accept(ev))

	assert.False(t, bus.Accept(nil))
}

type countingObserver struct{ count int32 }

func (c *countingObserver) OnEvent(BusEvent) { atomic.AddInt32(&c.count, 1) }

func TestEventBus_RemoveObserverStopsFurtherNotifications(t *testing.T) {
	bus := newTestBus(t)

	kept := &countingObserver{}
	removed := &countingObserver{}
	bus.AddObserver(kept)
	bus.AddObserver(removed)
	bus.RemoveObserver(removed)

	_, err := bus.On(PredicateSelector(func(k any) bool { return k == "watched" }), func(*Event) {})
	require.NoError(t, err)
	require.NoError(t, bus.Notify(context.Background(), "watched", NewEvent(nil)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&kept.count) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&removed.count))
}

func TestEventBusBuilder_DefaultsToSynchronousDispatcher(t *testing.T) {
	bus, closeFn, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	var ran bool
	_, err = bus.On(PredicateSelector(func(k any) bool { return k == "default" }), func(*Event) { ran = true })
	require.NoError(t, err)
	require.NoError(t, bus.Notify(context.Background(), "default", NewEvent(nil)))
	assert.True(t, ran)
}
