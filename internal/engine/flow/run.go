package flow

import (
	"context"
	"fmt"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// Mode is the execution mode of a run.
type Mode uint8

const (
	// ModeSync executes every step eagerly on the calling goroutine.
	ModeSync Mode = iota
	// ModeAsync waits at marked steps and reports through a future.
	ModeAsync
)

type frameKind uint8

const (
	frameBind frameKind = iota
	frameCatch
	frameScope
)

type frame struct {
	kind frameKind
	k    func(any) node
	h    func(error) node
	ctx  context.Context //nolint:containedctx // restored when a scope ends
}

// machine interprets one step tree. It is not safe for concurrent use.
type machine struct {
	ctx      context.Context //nolint:containedctx // current scope of the run
	mode     Mode
	suspends int
	// onSuspend runs before the first actual wait.
	onSuspend func()
	stack     []frame
}

// RunSync executes s eagerly. A step that would have to wait fails with an
// error wrapping domain.ErrExecutionMode instead of blocking.
func RunSync[T any](ctx context.Context, s Step[T]) (T, error) {
	m := &machine{ctx: ctx, mode: ModeSync}
	v, err := m.run(s.n)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](v), nil
}

// RunAsync executes s on a new goroutine and returns its future.
func RunAsync[T any](ctx context.Context, s Step[T]) *Future[T] {
	f, settle := NewPromise[T]()
	go func() {
		m := &machine{ctx: ctx, mode: ModeAsync}
		v, err := m.safeRun(s.n)
		if err != nil {
			var zero T
			settle(zero, err)
			return
		}
		settle(cast[T](v), nil)
	}()
	return f
}

// RunWithCallback executes s until its first actual suspension. If s completes
// without suspending, cb is called before RunWithCallback returns. Otherwise
// onFirstSuspend is called once on the calling goroutine, RunWithCallback
// returns, and cb is called from the run's goroutine on completion.
func RunWithCallback[T any](ctx context.Context, s Step[T], onFirstSuspend func(), cb func(T, error)) {
	type outcome struct {
		v   any
		err error
	}

	paused := make(chan struct{})
	ack := make(chan struct{})
	done := make(chan outcome, 1)
	didPause := false

	m := &machine{
		ctx:  ctx,
		mode: ModeAsync,
		onSuspend: func() {
			didPause = true
			close(paused)
			<-ack
		},
	}

	deliver := func(v any, err error) {
		if err != nil {
			var zero T
			cb(zero, err)
			return
		}
		cb(cast[T](v), nil)
	}

	go func() {
		v, err := m.safeRun(s.n)
		if didPause {
			deliver(v, err)
			return
		}
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		deliver(o.v, o.err)
	case <-paused:
		if onFirstSuspend != nil {
			onFirstSuspend()
		}
		close(ack)
	}
}

func (m *machine) safeRun(n node) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = zerr.With(zerr.New(fmt.Sprintf("panic during asynchronous run: %v", r)), "mode", "async")
		}
	}()
	return m.run(n)
}

func (m *machine) run(n node) (any, error) {
	var (
		val any
		err error
	)

	for {
		switch x := n.(type) {
		case nil:
			val, err = nil, nil
		case pureNode:
			val, err = x.v, nil
		case failNode:
			val, err = nil, x.err
		case bindNode:
			m.stack = append(m.stack, frame{kind: frameBind, k: x.k})
			n = x.src
			continue
		case catchNode:
			m.stack = append(m.stack, frame{kind: frameCatch, h: x.h})
			n = x.src
			continue
		case deferNode:
			n = x.build(m.ctx)
			continue
		case scopeNode:
			m.stack = append(m.stack, frame{kind: frameScope, ctx: m.ctx})
			m.ctx = x.derive(m.ctx)
			n = x.body(m.ctx)
			continue
		case modeNode:
			val, err = m.mode == ModeAsync, nil
		case suspendNode:
			val, err = m.suspend(x)
		case guardNode:
			val, err = m.guard(x)
		case joinNode:
			val, err = m.join(x)
		}

		next, done := m.unwind(val, err)
		if done {
			return val, err
		}
		n = next
	}
}

// unwind pops frames until one accepts the outcome.
func (m *machine) unwind(val any, err error) (node, bool) {
	for len(m.stack) > 0 {
		f := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]

		switch f.kind {
		case frameScope:
			m.ctx = f.ctx
		case frameBind:
			if err == nil {
				return f.k(val), false
			}
		case frameCatch:
			if err != nil {
				return f.h(err), false
			}
		}
	}
	return nil, true
}

func (m *machine) suspend(x suspendNode) (any, error) {
	if m.mode == ModeSync {
		if x.sync == nil {
			return nil, zerr.With(
				zerr.Wrap(domain.ErrExecutionMode, fmt.Sprintf("step %q can only run asynchronously", x.label)),
				"step", x.label,
			)
		}
		return x.sync(m.ctx)
	}
	if x.async == nil {
		return x.sync(m.ctx)
	}
	return m.wait(x.async(m.ctx))
}

func (m *machine) guard(x guardNode) (any, error) {
	v, err := x.fn(m.ctx)
	if err != nil {
		return nil, err
	}
	d, ok := v.(Deferred)
	if !ok {
		return v, nil
	}
	if m.mode == ModeSync {
		return nil, zerr.Wrap(domain.ErrExecutionMode, x.message)
	}
	return m.wait(d)
}

func (m *machine) join(x joinNode) (any, error) {
	if m.mode == ModeSync {
		return x.d.Result()
	}
	return m.wait(x.d)
}

// wait blocks on d, counting it as a suspension unless d is already settled.
func (m *machine) wait(d Deferred) (any, error) {
	if r, ok := d.(Readier); ok && r.Ready() {
		return d.Result()
	}
	m.suspends++
	if m.suspends == 1 && m.onSuspend != nil {
		m.onSuspend()
	}
	return d.Result()
}
