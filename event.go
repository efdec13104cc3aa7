package reactorbus

import "context"

// Event is the immutable-per-dispatch envelope routed by an EventBus. Key is
// set at dispatch time; Headers may be augmented by a Selector's
// HeaderResolver as part of routing. A consumer that calls SetKey changes
// what subsequent routing within the same dispatch sees.
type Event struct {
	key           any
	Headers       map[string][]string
	Data          any
	ReplyTo       any
	ErrorConsumer func(error)

	replyToObservable Observable
	ctx               context.Context
}

// Context returns the context the dispatching bus enriched with its logger,
// clock and own identity (see LoggerFromContext, ClockFromContext,
// BusFromContext), or context.Background() for an event never routed
// through a bus (e.g. constructed directly for a unit test).
func (e *Event) Context() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// SetContext overrides the context a ctx-aware consumer observes via
// Context. EventBus.Notify sets this before routing; callers normally never
// need to.
func (e *Event) SetContext(ctx context.Context) *Event {
	e.ctx = ctx
	return e
}

// replyObservable returns the Observable a reply to this event should be
// published on, defaulting to nil (meaning: the bus that is currently
// routing it). Set via NewReplyToEvent or Event.SetReplyToObservable.
func (e *Event) replyObservable() Observable { return e.replyToObservable }

// SetReplyToObservable pins the Observable that SendAndReceive-style replies
// to this event must be published on, overriding the routing bus's default.
func (e *Event) SetReplyToObservable(o Observable) *Event {
	e.replyToObservable = o
	return e
}

// NewEvent wraps data in an Event ready for dispatch.
func NewEvent(data any) *Event {
	return &Event{Data: data, Headers: map[string][]string{}}
}

// Void is the payload type used for keyed notifications that carry no data.
type Void struct{}

// Key returns the event's current routing key.
func (e *Event) Key() any { return e.key }

// SetKey mutates the routing key. Per the bus's dispatch invariant, a
// consumer that calls this during routing changes what later consumers in
// the same dispatch observe as the event's key.
func (e *Event) SetKey(key any) *Event {
	e.key = key
	return e
}

// SetReplyTo sets the opaque reply channel key.
func (e *Event) SetReplyTo(key any) *Event {
	e.ReplyTo = key
	return e
}

// AddHeader appends a header value under name.
func (e *Event) AddHeader(name, value string) *Event {
	if e.Headers == nil {
		e.Headers = map[string][]string{}
	}
	e.Headers[name] = append(e.Headers[name], value)
	return e
}

// Header returns the first header value for name, if any.
func (e *Event) Header(name string) (string, bool) {
	vs, ok := e.Headers[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Copy returns a copy of the event carrying newData instead of Data. Headers
// are copied into a new map, so changing the copy's headers leaves the
// original untouched. ReplyToEvent overrides Copy to preserve its reply-to
// observable.
func (e *Event) Copy(newData any) *Event {
	headers := make(map[string][]string, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = append([]string(nil), v...)
	}
	return &Event{
		key:               e.key,
		Headers:           headers,
		Data:              newData,
		ReplyTo:           e.ReplyTo,
		ErrorConsumer:     e.ErrorConsumer,
		replyToObservable: e.replyToObservable,
		ctx:               e.ctx,
	}
}

// WrapError wraps err in an Event whose data is the error itself, ready to be
// routed to consumers registered on the error's dynamic type.
func WrapError(err error) *Event {
	return NewEvent(err)
}

// ReplyToEvent is a sub-kind of Event that additionally carries a reference
// to the Observable on which replies must be published. ReplyToObservable
// must be non-nil for any ReplyToEvent constructed via NewReplyToEvent.
type ReplyToEvent struct {
	*Event
	ReplyToObservable Observable
}

// NewReplyToEvent wraps ev so that replies to it are published on to instead
// of the bus that originally dispatched it.
func NewReplyToEvent(ev *Event, to Observable) *ReplyToEvent {
	if ev == nil {
		ev = NewEvent(nil)
	}
	ev.replyToObservable = to
	return &ReplyToEvent{Event: ev, ReplyToObservable: to}
}

// Copy preserves the reply-to observable across a data substitution.
func (r *ReplyToEvent) Copy(newData any) *Event {
	copied := &ReplyToEvent{Event: r.Event.Copy(newData), ReplyToObservable: r.ReplyToObservable}
	return copied.Event
}

// asEvent normalizes any value returned from a Receive callback into an
// *Event, wrapping it if it is not already one.
func asEvent(v any) *Event {
	if v == nil {
		return NewEvent(Void{})
	}
	switch t := v.(type) {
	case *Event:
		return t
	case *ReplyToEvent:
		return t.Event
	default:
		return NewEvent(v)
	}
}
