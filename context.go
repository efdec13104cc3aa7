package reactorbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in reactorbus (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "reactorbus:logger"
	clockCtxKey  ctxKey = "reactorbus:clock"
	busCtxKey    ctxKey = "reactorbus:bus"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves a logger previously injected by the bus into a
// consumer's invocation context.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the clock the owning bus was built with.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectBus(ctx context.Context, b *EventBus) context.Context {
	if b == nil {
		return ctx
	}
	return context.WithValue(ctx, busCtxKey, b)
}

// BusFromContext retrieves the EventBus that is dispatching the current task,
// letting a consumer reply or re-notify without capturing the bus explicitly.
func BusFromContext(ctx context.Context) (*EventBus, bool) {
	if v := ctx.Value(busCtxKey); v != nil {
		if b, ok := v.(*EventBus); ok && b != nil {
			return b, true
		}
	}
	return nil, false
}
