package reactorbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingRegistry_SelectReturnsMatchingRegistrations(t *testing.T) {
	reg := NewCachingRegistry()
	r1 := reg.Register(PredicateSelector(func(k any) bool { return k == "orders" }), func(*Event) {})
	reg.Register(PredicateSelector(func(k any) bool { return k == "shipments" }), func(*Event) {})

	got := reg.Select("orders")
	require.Len(t, got, 1)
	assert.Same(t, r1, got[0])
}

func TestCachingRegistry_CancelledRegistrationsAreExcluded(t *testing.T) {
	reg := NewCachingRegistry()
	r1 := reg.Register(PredicateSelector(func(k any) bool { return k == "orders" }), func(*Event) {})
	r1.Cancel()

	assert.Empty(t, reg.Select("orders"))
}

func TestCachingRegistry_CacheInvalidatesOnNewRegistration(t *testing.T) {
	reg := NewCachingRegistry()
	assert.Empty(t, reg.Select("orders"))

	reg.Register(PredicateSelector(func(k any) bool { return k == "orders" }), func(*Event) {})
	assert.Len(t, reg.Select("orders"), 1)
}

func TestCachingRegistry_SelectSnapshotSurvivesConcurrentRegistration(t *testing.T) {
	reg := NewCachingRegistry()
	reg.Register(PredicateSelector(func(k any) bool { return k == "orders" }), func(*Event) {})

	snapshot := reg.Select("orders")
	reg.Register(PredicateSelector(func(k any) bool { return k == "orders" }), func(*Event) {})

	assert.Len(t, snapshot, 1)
	assert.Len(t, reg.Select("orders"), 2)
}

func TestCachingRegistry_NonComparableKeySkipsCacheWithoutPanicking(t *testing.T) {
	reg := NewCachingRegistry()
	reg.Register(PredicateSelector(func(k any) bool {
		s, ok := k.([]string)
		return ok && len(s) > 0
	}), func(*Event) {})

	assert.NotPanics(t, func() {
		got := reg.Select([]string{"a"})
		assert.Len(t, got, 1)
	})
}

func TestCachingRegistry_RegistrationsListsOnlyLive(t *testing.T) {
	reg := NewCachingRegistry()
	r1 := reg.Register(PredicateSelector(func(k any) bool { return true }), func(*Event) {})
	reg.Register(PredicateSelector(func(k any) bool { return true }), func(*Event) {})
	r1.Cancel()

	assert.Len(t, reg.Registrations(), 1)
}

func TestCachingRegistry_GCCompactsCancelledRegistrations(t *testing.T) {
	reg := NewCachingRegistry()
	r1 := reg.Register(PredicateSelector(func(k any) bool { return true }), func(*Event) {})
	r1.Cancel()

	reg.GC()
	assert.Empty(t, reg.regs)
}
