package reactorbus

import (
	"reflect"
	"strings"
)

// HeaderResolver derives headers to merge into an event's Headers from the
// key it was routed under. Selector-attached resolvers are applied by the
// router immediately before invoking each surviving consumer (see
// ConsumerFilteringRouter), never by wrapping the consumer itself.
type HeaderResolver func(key any) map[string][]string

// Selector is a predicate over routing keys, optionally attaching headers.
type Selector interface {
	Matches(key any) bool
	HeaderResolver() HeaderResolver
}

// baseSelector supplies the optional HeaderResolver plumbing shared by every
// concrete Selector, so each variant only implements Matches.
type baseSelector struct {
	resolver HeaderResolver
}

func (b baseSelector) HeaderResolver() HeaderResolver { return b.resolver }

// WithHeaderResolver returns a copy of sel decorated with a HeaderResolver.
// Any Selector implementation returned by this package's constructors
// supports it.
func WithHeaderResolver(sel Selector, resolver HeaderResolver) Selector {
	switch s := sel.(type) {
	case *anonymousSelector:
		cp := *s
		cp.resolver = resolver
		return &cp
	case *classSelector:
		cp := *s
		cp.resolver = resolver
		return &cp
	case *predicateSelector:
		cp := *s
		cp.resolver = resolver
		return &cp
	case *uriSelector:
		cp := *s
		cp.resolver = resolver
		return &cp
	default:
		return &resolverSelector{Selector: sel, resolver: resolver}
	}
}

// resolverSelector adapts an arbitrary Selector implementation to carry a
// HeaderResolver when none of the built-in variants apply.
type resolverSelector struct {
	Selector
	resolver HeaderResolver
}

func (r *resolverSelector) HeaderResolver() HeaderResolver { return r.resolver }

// anonKey is the unique identity object generated by AnonymousSelector; it
// is exported indirectly through AnonymousObject so a caller can use it as a
// dispatch key (e.g. SendAndReceive's synthetic reply key).
type anonKey struct{ label string }

// newAnonymousKey mints a unique comparable key without going through a full
// Selector, for internal use by Send/SendAndReceive's synthetic reply keys.
func newAnonymousKey(label string) any { return &anonKey{label: label} }

type anonymousSelector struct {
	baseSelector
	object *anonKey
}

// AnonymousSelector returns a Selector with a freshly generated, unique
// identity: it matches only its own generated key object, never any other
// value. label is optional and only used for debugging output.
func AnonymousSelector(label ...string) Selector {
	l := "anon"
	if len(label) > 0 {
		l = label[0]
	}
	return &anonymousSelector{object: &anonKey{label: l}}
}

func (a *anonymousSelector) Matches(key any) bool {
	other, ok := key.(*anonKey)
	return ok && other == a.object
}

// AnonymousObject extracts the dispatch key from a Selector built by
// AnonymousSelector. It panics if sel was not built by AnonymousSelector,
// since that would be a programmer error at the call site.
func AnonymousObject(sel Selector) any {
	switch s := sel.(type) {
	case *anonymousSelector:
		return s.object
	case *resolverSelector:
		return AnonymousObject(s.Selector)
	default:
		panic("reactorbus: AnonymousObject called on a non-anonymous selector")
	}
}

type classSelector struct {
	baseSelector
	typ reflect.Type
}

// ClassSelector matches iff key's dynamic type equals typ or key implements
// typ (when typ is an interface type, e.g. the error interface).
func ClassSelector(typ reflect.Type) Selector {
	return &classSelector{typ: typ}
}

func (c *classSelector) Matches(key any) bool {
	if key == nil {
		return c.typ == nil
	}
	kt := reflect.TypeOf(key)
	if kt == c.typ {
		return true
	}
	if c.typ != nil && c.typ.Kind() == reflect.Interface {
		return kt.Implements(c.typ)
	}
	return false
}

// TypeSelector is a convenience wrapper around ClassSelector for a Go value
// of type T, avoiding reflect.TypeOf boilerplate at call sites.
func TypeSelector[T any]() Selector {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	return ClassSelector(t)
}

// ErrorSelector matches any value implementing the error interface,
// mirroring ClassSelector(Throwable.class) in the distilled specification.
func ErrorSelector() Selector {
	return ClassSelector(reflect.TypeOf((*error)(nil)).Elem())
}

type predicateSelector struct {
	baseSelector
	pred func(key any) bool
}

// PredicateSelector matches iff pred returns true for the key.
func PredicateSelector(pred func(key any) bool) Selector {
	return &predicateSelector{pred: pred}
}

func (p *predicateSelector) Matches(key any) bool {
	if p.pred == nil {
		return false
	}
	return p.pred(key)
}

type uriSegment struct {
	literal string
	param   bool
}

type uriSelector struct {
	baseSelector
	pattern  string
	segments []uriSegment
}

// URISelector matches string keys against a "/"-segmented pattern where
// "{name}" segments match any single path segment. It is the in-house
// stand-in for the uri-like matchers the distilled specification delegates
// to an external selector library.
func URISelector(pattern string) Selector {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]uriSegment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segs = append(segs, uriSegment{param: true})
		} else {
			segs = append(segs, uriSegment{literal: p})
		}
	}
	return &uriSelector{pattern: pattern, segments: segs}
}

func (u *uriSelector) Matches(key any) bool {
	s, ok := key.(string)
	if !ok {
		return false
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != len(u.segments) {
		return false
	}
	for i, seg := range u.segments {
		if seg.param {
			continue
		}
		if seg.literal != parts[i] {
			return false
		}
	}
	return true
}
