package memo

import (
	"context"
	"sync"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/zerr"
)

// Policy is the validity lifetime a computation declares for its result.
type Policy uint8

const (
	// PolicyUnset means the computation declared nothing and the default applies.
	PolicyUnset Policy = iota
	// PolicyForever keeps the result for the lifetime of the store.
	PolicyForever
	// PolicyNever recomputes on every request.
	PolicyNever
	// PolicyDynamic keeps the result while every check returns its baseline.
	PolicyDynamic
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyForever:
		return "forever"
	case PolicyNever:
		return "never"
	case PolicyDynamic:
		return "dynamic"
	default:
		return "unset"
	}
}

// Check reports the current value of something a computation depends on.
// data is the request data of the lookup. The value may be a flow.Deferred.
type Check func(data any) (any, error)

type check struct {
	fn       Check
	baseline any
}

const asyncCheckMessage = "You appear to be using an async cache handler, " +
	"but kiln has been called synchronously"

// CacheAPI is handed to a running computation so it can declare its policy.
// Misuse is recorded and reported as the computation's error.
type CacheAPI struct {
	mu     sync.Mutex
	data   any
	owner  uint64
	policy Policy
	checks []check
	sealed bool
	err    error
}

// Forever keeps the result for the lifetime of the store.
func (a *CacheAPI) Forever() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.usable() {
		return
	}
	if a.policy == PolicyNever {
		a.fail(zerr.Wrap(domain.ErrCacheConfigured, "Caching has already been configured with .never()"))
		return
	}
	a.policy = PolicyForever
}

// Never recomputes the result on every request.
func (a *CacheAPI) Never() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.usable() {
		return
	}
	if a.policy == PolicyForever {
		a.fail(zerr.Wrap(domain.ErrCacheConfigured, "Caching has already been configured with .forever()"))
		return
	}
	a.policy = PolicyNever
}

// Using records fn as a validity check and returns its current value.
func (a *CacheAPI) Using(fn Check) any {
	a.mu.Lock()
	if !a.usable() {
		a.mu.Unlock()
		return nil
	}
	if a.policy == PolicyNever || a.policy == PolicyForever {
		a.fail(zerr.Wrap(domain.ErrCacheConfigured, "Caching has already been configured with .never or .forever()"))
		a.mu.Unlock()
		return nil
	}
	data := a.data
	a.mu.Unlock()

	v, err := fn(data)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.fail(err)
		return nil
	}
	a.policy = PolicyDynamic
	a.checks = append(a.checks, check{fn: fn, baseline: v})
	return v
}

// Invalidate records fn as a validity check. The store keeps a single entry
// per key, so it behaves like Using.
func (a *CacheAPI) Invalidate(fn Check) any {
	return a.Using(fn)
}

// Owner returns the entry id the result will be stored under.
func (a *CacheAPI) Owner() uint64 {
	return a.owner
}

// Policy returns the declared policy.
func (a *CacheAPI) Policy() Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// Err returns the first misuse recorded on the API.
func (a *CacheAPI) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *CacheAPI) usable() bool {
	if a.sealed {
		a.fail(domain.ErrCacheSealed)
		return false
	}
	return true
}

func (a *CacheAPI) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// seal resolves deferred baselines and closes the API.
func (a *CacheAPI) seal() flow.Step[struct{}] {
	a.mu.Lock()
	if a.err != nil {
		err := a.err
		a.sealed = true
		a.mu.Unlock()
		return flow.Fail[struct{}](err)
	}
	checks := a.checks
	a.mu.Unlock()

	return flow.Then(
		flow.ForEach(checks, func(_ int, c check) flow.Step[any] {
			return flow.GuardSyncOnly(asyncCheckMessage, func(_ context.Context) (any, error) {
				return c.baseline, nil
			})
		}),
		func(baselines []any) flow.Step[struct{}] {
			a.mu.Lock()
			defer a.mu.Unlock()
			for i := range a.checks {
				a.checks[i].baseline = baselines[i]
			}
			a.sealed = true
			return flow.Pure(struct{}{})
		},
	)
}

// abandon closes the API after a failed computation.
func (a *CacheAPI) abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}
