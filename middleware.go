package reactorbus

import "fmt"

// InvokerMiddleware composes concerns around a ConsumerInvoker's Invoke
// call, mirroring the teacher's Handler/Middleware chain-of-responsibility
// pattern but applied around consumer invocation instead of message
// delivery.
type InvokerMiddleware func(next InvokeFunc) InvokeFunc

// InvokeFunc is the function shape an InvokerMiddleware wraps.
type InvokeFunc func(consumer any, ev *Event) InvocationOutcome

// ChainInvoker composes mws around base in order: the first middleware in
// mws is the outermost wrapper, matching Chain's semantics in the teacher's
// middleware.go.
func ChainInvoker(base InvokeFunc, mws ...InvokerMiddleware) InvokeFunc {
	wrapped := base
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// RecoveryInvokerMiddleware guarantees a panicking consumer never escapes
// Invoke as a Go panic, converting it into a Failed outcome instead. The
// built-in ArgumentConvertingConsumerInvoker already recovers panics itself,
// so this middleware exists for custom ConsumerInvoker implementations that
// don't.
func RecoveryInvokerMiddleware() InvokerMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(consumer any, ev *Event) (outcome InvocationOutcome) {
			defer func() {
				if r := recover(); r != nil {
					outcome = failedOutcome(fmt.Errorf("reactorbus: consumer panic: %v", r))
				}
			}()
			return next(consumer, ev)
		}
	}
}

// InvokerFunc adapts a ConsumerInvoker plus a middleware chain back into a
// ConsumerInvoker, so it can be handed to NewConsumerFilteringRouter like
// any other invoker.
type InvokerFunc struct {
	fn InvokeFunc
}

// WithInvokerMiddleware wraps invoker's Invoke method with mws and returns a
// ConsumerInvoker ready to be used by a Router.
func WithInvokerMiddleware(invoker ConsumerInvoker, mws ...InvokerMiddleware) ConsumerInvoker {
	return &InvokerFunc{fn: ChainInvoker(invoker.Invoke, mws...)}
}

func (i *InvokerFunc) Invoke(consumer any, ev *Event) InvocationOutcome {
	return i.fn(consumer, ev)
}
