package reactorbus

import (
	"fmt"

	"github.com/trickstertwo/xlog"
)

// Router delivers one event to a list of registrations. Route is invoked on
// the bus's dispatcher goroutine as the task body of a Notify call.
type Router interface {
	Route(key any, ev *Event, candidates []*Registration, completion func(*Event) error, errorSink func(error))
}

// ConsumerFilteringRouter is the default Router: it narrows candidates
// through a Filter, resolves selector headers, and invokes survivors via a
// ConsumerInvoker, isolating each consumer's failure from its siblings.
type ConsumerFilteringRouter struct {
	filter   Filter
	invoker  ConsumerInvoker
	logger   *xlog.Logger
	onCancel func(reg *Registration)
}

// WithCancelHook sets a callback invoked whenever Route cancels a
// registration, whether by consumer request (CancelMe) or CancelAfterUse.
// Used by EventBus to keep its Cancelled metric accurate without Router
// itself depending on any particular metrics type.
func (r *ConsumerFilteringRouter) WithCancelHook(fn func(reg *Registration)) *ConsumerFilteringRouter {
	r.onCancel = fn
	return r
}

// NewConsumerFilteringRouter builds the default router. A nil logger
// disables the log-when-no-errorSink fallback path's output, matching how a
// nil *xlog.Logger behaves elsewhere in this module.
func NewConsumerFilteringRouter(filter Filter, invoker ConsumerInvoker, logger *xlog.Logger) *ConsumerFilteringRouter {
	if filter == nil {
		filter = PassThroughFilter{}
	}
	if invoker == nil {
		invoker = NewArgumentConvertingConsumerInvoker()
	}
	return &ConsumerFilteringRouter{filter: filter, invoker: invoker, logger: logger}
}

func (r *ConsumerFilteringRouter) Route(key any, ev *Event, candidates []*Registration, completion func(*Event) error, errorSink func(error)) {
	if len(candidates) > 0 {
		survivors := r.filter.Filter(candidates, key)
		for _, reg := range survivors {
			if reg == nil || reg.Cancelled() || reg.Paused() {
				continue
			}

			r.resolveHeaders(reg, key, ev)

			outcome := r.invoker.Invoke(reg.Consumer(), ev)
			if outcome.CancelMe() {
				reg.Cancel()
				r.notifyCancel(reg)
				continue
			}
			if err, failed := outcome.Failed(); failed {
				r.handleError(&ErrConsumerFailed{Key: key, Err: err}, errorSink)
				continue
			}
			if reg.IsCancelAfterUse() {
				reg.Cancel()
				r.notifyCancel(reg)
			}
		}
	}

	if completion == nil {
		return
	}
	if err := r.safeCompletion(completion, ev); err != nil {
		r.handleError(&ErrCompletionFailed{Key: key, Err: err}, errorSink)
	}
}

func (r *ConsumerFilteringRouter) resolveHeaders(reg *Registration, key any, ev *Event) {
	resolver := reg.Selector().HeaderResolver()
	if resolver == nil {
		return
	}
	resolved := resolver(key)
	if len(resolved) == 0 {
		return
	}
	if ev.Headers == nil {
		ev.Headers = make(map[string][]string, len(resolved))
	}
	for k, vs := range resolved {
		ev.Headers[k] = append(ev.Headers[k], vs...)
	}
}

func (r *ConsumerFilteringRouter) safeCompletion(completion func(*Event) error, ev *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reactorbus: completion panic: %v", rec)
		}
	}()
	return completion(ev)
}

func (r *ConsumerFilteringRouter) notifyCancel(reg *Registration) {
	if r.onCancel != nil {
		r.onCancel(reg)
	}
}

func (r *ConsumerFilteringRouter) handleError(err error, errorSink func(error)) {
	if errorSink != nil {
		errorSink(err)
		return
	}
	if r.logger != nil {
		r.logger.Error().Err(err).Msg("reactorbus: unhandled routing error")
	}
}
