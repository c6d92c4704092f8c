package flow

import "sync"

// Deferred is a value that becomes available later.
// Result blocks until the value is available.
type Deferred interface {
	Result() (any, error)
}

// Readier is implemented by deferred values that can report completion without blocking.
type Readier interface {
	Ready() bool
}

// Future is the typed deferred result of an asynchronous run.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewPromise returns a pending future and the function that settles it.
// Only the first call to settle has an effect.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.settle
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f, settle := NewPromise[T]()
	go func() {
		settle(fn())
	}()
	return f
}

// Resolved returns a completed future holding v.
func Resolved[T any](v T) *Future[T] {
	f, settle := NewPromise[T]()
	settle(v, nil)
	return f
}

// Rejected returns a completed future holding err.
func Rejected[T any](err error) *Future[T] {
	f, settle := NewPromise[T]()
	var zero T
	settle(zero, err)
	return f
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is settled.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future is settled.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.val, f.err
}

// Result implements Deferred.
func (f *Future[T]) Result() (any, error) {
	v, err := f.Await()
	if err != nil {
		return nil, err
	}
	return v, nil
}
