package reactorbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// InvocationOutcome is the result of applying one consumer to one event.
// It replaces the sentinel-exception cancellation mechanism of the
// distilled specification's source material with an explicit return value,
// per the REDESIGN note in SPEC_FULL.md.
type InvocationOutcome struct {
	kind   outcomeKind
	failed error
}

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeCancelMe
	outcomeFailed
)

// Ok reports whether the consumer ran to completion without error.
func (o InvocationOutcome) Ok() bool { return o.kind == outcomeOk }

// CancelMe reports whether the consumer asked to be cancelled.
func (o InvocationOutcome) CancelMe() bool { return o.kind == outcomeCancelMe }

// Failed reports whether the consumer failed, and if so, with what error.
func (o InvocationOutcome) Failed() (error, bool) {
	if o.kind == outcomeFailed {
		return o.failed, true
	}
	return nil, false
}

var (
	outcomeOkValue       = InvocationOutcome{kind: outcomeOk}
	outcomeCancelMeValue = InvocationOutcome{kind: outcomeCancelMe}
)

func failedOutcome(err error) InvocationOutcome {
	return InvocationOutcome{kind: outcomeFailed, failed: err}
}

// ConsumerInvoker applies one consumer to one event, coercing the event's
// payload to the consumer's expected input shape.
type ConsumerInvoker interface {
	Invoke(consumer any, ev *Event) InvocationOutcome
}

var eventPtrType = reflect.TypeOf((*Event)(nil))
var errorType = reflect.TypeOf((*error)(nil)).Elem()
var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// ArgumentConvertingConsumerInvoker accepts consumer funcs shaped as
// func(*Event), func(*Event) error, func(T), func(T) error, or the
// ctx-aware forms func(context.Context, *Event), func(context.Context, T)
// (each with an optional trailing error return), where T is assignable
// from ev.Data. This mirrors ArgumentConvertingConsumerInvoker's role of
// coercing between "the whole event" and "just the payload" without
// requiring registrants to write boilerplate unwrapping code.
type ArgumentConvertingConsumerInvoker struct{}

// NewArgumentConvertingConsumerInvoker returns the default invoker.
func NewArgumentConvertingConsumerInvoker() *ArgumentConvertingConsumerInvoker {
	return &ArgumentConvertingConsumerInvoker{}
}

func (ArgumentConvertingConsumerInvoker) Invoke(consumer any, ev *Event) (outcome InvocationOutcome) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				outcome = classify(err)
				return
			}
			outcome = failedOutcome(fmt.Errorf("reactorbus: consumer panic: %v", r))
		}
	}()

	rv := reflect.ValueOf(consumer)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return failedOutcome(fmt.Errorf("reactorbus: consumer is not a function: %T", consumer))
	}

	rt := rv.Type()
	if rt.NumIn() > 2 || rt.NumOut() > 1 || (rt.NumOut() == 1 && rt.Out(0) != errorType) {
		return failedOutcome(fmt.Errorf("reactorbus: unsupported consumer signature %s", rt))
	}

	args, err := buildArgs(rt, ev)
	if err != nil {
		return failedOutcome(err)
	}

	results := rv.Call(args)
	if rt.NumOut() == 1 {
		if errVal, ok := results[0].Interface().(error); ok && errVal != nil {
			return classify(errVal)
		}
	}
	return outcomeOkValue
}

func classify(err error) InvocationOutcome {
	if errors.Is(err, ErrCancelConsumer) {
		return outcomeCancelMeValue
	}
	return failedOutcome(err)
}

func buildArgs(rt reflect.Type, ev *Event) ([]reflect.Value, error) {
	if rt.NumIn() == 0 {
		return nil, nil
	}

	var prefix []reflect.Value
	offset := 0
	if rt.NumIn() == 2 {
		if rt.In(0) != contextType {
			return nil, fmt.Errorf("reactorbus: two-argument consumer must take context.Context first, got %s", rt.In(0))
		}
		prefix = []reflect.Value{reflect.ValueOf(ev.Context())}
		offset = 1
	}

	in := rt.In(offset)
	if in == eventPtrType {
		return append(prefix, reflect.ValueOf(ev)), nil
	}

	data := reflect.ValueOf(ev.Data)
	if !data.IsValid() {
		// nil payload: only acceptable for interface/pointer/slice/map/chan/func params.
		switch in.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
			return append(prefix, reflect.Zero(in)), nil
		default:
			return nil, fmt.Errorf("reactorbus: consumer expects %s but event payload is nil", in)
		}
	}

	if data.Type().AssignableTo(in) {
		return append(prefix, data), nil
	}
	if in.Kind() == reflect.Interface && data.Type().Implements(in) {
		return append(prefix, data), nil
	}
	return nil, fmt.Errorf("reactorbus: consumer expects %s but event payload is %s", in, data.Type())
}
