// Package flow describes computations as step trees and interprets them
// synchronously, asynchronously or in callback style.
package flow

import "context"

// node is one variant of the step tree.
type node interface {
	isNode()
}

type pureNode struct{ v any }

type failNode struct{ err error }

type bindNode struct {
	src node
	k   func(any) node
}

type catchNode struct {
	src node
	h   func(error) node
}

type suspendNode struct {
	label string
	sync  func(context.Context) (any, error)
	async func(context.Context) Deferred
}

type guardNode struct {
	message string
	fn      func(context.Context) (any, error)
}

type joinNode struct{ d Deferred }

type deferNode struct {
	build func(context.Context) node
}

type scopeNode struct {
	derive func(context.Context) context.Context
	body   func(context.Context) node
}

type modeNode struct{}

func (pureNode) isNode()    {}
func (failNode) isNode()    {}
func (bindNode) isNode()    {}
func (catchNode) isNode()   {}
func (suspendNode) isNode() {}
func (guardNode) isNode()   {}
func (joinNode) isNode()    {}
func (deferNode) isNode()   {}
func (scopeNode) isNode()   {}
func (modeNode) isNode()    {}

// Step is a computation producing a T. The zero Step yields the zero T.
type Step[T any] struct {
	n node
}

// Pure returns a step holding an immediate value.
func Pure[T any](v T) Step[T] {
	return Step[T]{n: pureNode{v: v}}
}

// Fail returns a step that fails with err.
func Fail[T any](err error) Step[T] {
	return Step[T]{n: failNode{err: err}}
}

// From returns a step holding v, or failing with err when it is non-nil.
func From[T any](v T, err error) Step[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Pure(v)
}

// Then runs s and feeds its value to f.
func Then[A, B any](s Step[A], f func(A) Step[B]) Step[B] {
	return Step[B]{n: bindNode{
		src: s.n,
		k: func(v any) node {
			return f(cast[A](v)).n
		},
	}}
}

// Map runs s and transforms its value with f.
func Map[A, B any](s Step[A], f func(A) (B, error)) Step[B] {
	return Then(s, func(a A) Step[B] {
		return From(f(a))
	})
}

// Catch runs s and hands any failure to h.
func Catch[T any](s Step[T], h func(error) Step[T]) Step[T] {
	return Step[T]{n: catchNode{
		src: s.n,
		h: func(err error) node {
			return h(err).n
		},
	}}
}

// Suspend marks a step that may need to wait. Synchronous runs call syncFn;
// a nil syncFn makes the step fail under synchronous execution. Asynchronous
// runs call asyncFn and wait for its future; a nil asyncFn runs syncFn inline.
func Suspend[T any](
	label string,
	syncFn func(context.Context) (T, error),
	asyncFn func(context.Context) *Future[T],
) Step[T] {
	n := suspendNode{label: label}
	if syncFn != nil {
		n.sync = func(ctx context.Context) (any, error) {
			return syncFn(ctx)
		}
	}
	if asyncFn != nil {
		n.async = func(ctx context.Context) Deferred {
			return asyncFn(ctx)
		}
	}
	return Step[T]{n: n}
}

// GuardSyncOnly calls fn, whose result may be a Deferred. Under synchronous
// execution a deferred result fails immediately with message; under
// asynchronous execution it is awaited.
func GuardSyncOnly(message string, fn func(context.Context) (any, error)) Step[any] {
	return Step[any]{n: guardNode{message: message, fn: fn}}
}

// Join waits for a future owned by another run. It is allowed in both modes.
func Join[T any](f *Future[T]) Step[T] {
	return Step[T]{n: joinNode{d: f}}
}

// Defer builds the step when the interpreter reaches it.
func Defer[T any](build func(context.Context) Step[T]) Step[T] {
	return Step[T]{n: deferNode{
		build: func(ctx context.Context) node {
			return build(ctx).n
		},
	}}
}

// WithContext runs body under a context derived from the current one. The
// previous context is restored when body completes.
func WithContext[T any](derive func(context.Context) context.Context, body func(context.Context) Step[T]) Step[T] {
	return Step[T]{n: scopeNode{
		derive: derive,
		body: func(ctx context.Context) node {
			return body(ctx).n
		},
	}}
}

// IsAsync reports whether the current run is asynchronous.
func IsAsync() Step[bool] {
	return Step[bool]{n: modeNode{}}
}

// ForEach runs f over items in order and collects the results.
func ForEach[T, R any](items []T, f func(int, T) Step[R]) Step[[]R] {
	return Defer(func(context.Context) Step[[]R] {
		out := make([]R, 0, len(items))
		var loop func(i int) Step[[]R]
		loop = func(i int) Step[[]R] {
			if i == len(items) {
				return Pure(out)
			}
			return Then(f(i, items[i]), func(r R) Step[[]R] {
				out = append(out, r)
				return loop(i + 1)
			})
		}
		return loop(0)
	})
}

// Sequence runs steps in order and collects their values.
func Sequence[T any](steps []Step[T]) Step[[]T] {
	return ForEach(steps, func(_ int, s Step[T]) Step[T] {
		return s
	})
}

func cast[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T) //nolint:forcetypeassert // the tree is built through typed constructors
}
