package reactorbus

import (
	"math/rand"
	"sync/atomic"
)

// Filter narrows a candidate registration list by key, preserving order.
type Filter interface {
	Filter(candidates []*Registration, key any) []*Registration
}

// PassThroughFilter returns the input unchanged; it is the default filter
// used by NewConsumerFilteringRouter.
type PassThroughFilter struct{}

func (PassThroughFilter) Filter(candidates []*Registration, _ any) []*Registration {
	return candidates
}

// FirstMatchFilter returns at most the first surviving candidate, useful for
// exclusive-consumer topologies (e.g. work queues fed through the bus).
type FirstMatchFilter struct{}

func (FirstMatchFilter) Filter(candidates []*Registration, _ any) []*Registration {
	if len(candidates) == 0 {
		return candidates
	}
	return candidates[:1]
}

// RoundRobinFilter returns exactly one survivor per call, rotating across
// calls so repeated notifications on the same key fan out across
// registrations instead of broadcasting to all of them.
type RoundRobinFilter struct {
	idx atomic.Uint64
}

func (f *RoundRobinFilter) Filter(candidates []*Registration, _ any) []*Registration {
	if len(candidates) == 0 {
		return candidates
	}
	i := f.idx.Add(1) - 1
	return candidates[i%uint64(len(candidates)) : i%uint64(len(candidates))+1]
}

// RandomFilter returns one survivor chosen uniformly at random.
type RandomFilter struct{}

func (RandomFilter) Filter(candidates []*Registration, _ any) []*Registration {
	if len(candidates) == 0 {
		return candidates
	}
	i := rand.Intn(len(candidates))
	return candidates[i : i+1]
}
