package reactorbus

import "context"

// Observable is the capability set the distilled specification calls out in
// §6: everything a producer or a reply handler needs, independent of the
// concrete EventBus implementation behind it. ReplyToEvent carries an
// Observable rather than an *EventBus so that a reply can be redirected to
// any implementation, including a test double.
type Observable interface {
	Notify(ctx context.Context, key any, ev *Event) error
	NotifyKey(ctx context.Context, key any) error
	Send(ctx context.Context, key any, ev *Event, replyTo ...Observable) error
	SendAndReceive(ctx context.Context, key any, ev *Event, reply func(*Event)) error
	RespondsToKey(key any) bool
	On(sel Selector, consumer any) (*Registration, error)
	Receive(sel Selector, fn func(*Event) (any, error)) (*Registration, error)
}

var _ Observable = (*EventBus)(nil)
