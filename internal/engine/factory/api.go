// Package factory implements the API handed to config, plugin and preset
// factories and the call path that invokes them.
package factory

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-version"
	"go.trai.ch/kiln/internal/build"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/zerr"
)

// CallData is the request data factories observe through the API. It is the
// memo request data of every factory computation, so checks registered
// through Env and Caller re-read it on each lookup.
type CallData struct {
	EnvName string
	Caller  domain.Caller
}

func callData(data any) CallData {
	cd, _ := data.(CallData)
	return cd
}

var _ domain.API = (*API)(nil)

// API exposes a running computation's cache API to factories.
type API struct {
	cache *memo.CacheAPI
}

// New wraps the cache API of the running computation.
func New(cache *memo.CacheAPI) *API {
	return &API{cache: cache}
}

// Cache returns the policy configurator.
func (a *API) Cache() domain.CacheConfigurator {
	return configurator{cache: a.cache}
}

// Env returns the active env name and records it as a dependency.
func (a *API) Env() string {
	v, _ := a.cache.Using(func(data any) (any, error) {
		return callData(data).EnvName, nil
	}).(string)
	return v
}

// EnvIs reports whether the active env is one of names.
func (a *API) EnvIs(names ...string) bool {
	return slices.Contains(names, a.Env())
}

// Caller passes the request caller through fn and records the result as a dependency.
func (a *API) Caller(fn func(domain.Caller) any) any {
	return a.cache.Using(func(data any) (any, error) {
		return fn(callData(data).Caller), nil
	})
}

// Version returns the running kiln version.
func (a *API) Version() string {
	return build.Version
}

// AssertVersion fails unless the running version satisfies constraint.
func (a *API) AssertVersion(constraint string) error {
	return AssertVersion(build.Version, constraint)
}

// Owner returns the cache entry the factory's output will be stored under.
func (a *API) Owner() uint64 {
	return a.cache.Owner()
}

// AssertVersion checks current against a go-version constraint such as ">= 1.2, < 2".
func AssertVersion(current, constraint string) error {
	c, err := version.NewConstraint(constraint)
	if err != nil {
		return zerr.With(
			zerr.Wrap(domain.ErrValidation, fmt.Sprintf("invalid version constraint %q", constraint)),
			"constraint", constraint,
		)
	}
	v, err := version.NewVersion(current)
	if err != nil || !c.Check(v) {
		return zerr.With(
			zerr.Wrap(domain.ErrValidation, fmt.Sprintf("Requires Kiln %q, but was loaded with %q.", constraint, current)),
			"constraint", constraint,
		)
	}
	return nil
}

type configurator struct {
	cache *memo.CacheAPI
}

func (c configurator) Forever() { c.cache.Forever() }

func (c configurator) Never() { c.cache.Never() }

func (c configurator) Using(check func() any) any {
	return c.cache.Using(func(any) (any, error) {
		return check(), nil
	})
}

func (c configurator) Invalidate(check func() any) any {
	return c.cache.Invalidate(func(any) (any, error) {
		return check(), nil
	})
}

const asyncFactoryMessage = "You appear to be using an async plugin, preset or config factory, " +
	"but kiln has been called synchronously"

// Invoke calls a factory with (api, options, dirname). The value may be a Go
// domain.Factory or a script callable. A deferred result fails under
// synchronous execution and is awaited under asynchronous execution.
func Invoke(fn any, api domain.API, options any, dirname string) flow.Step[any] {
	return flow.GuardSyncOnly(asyncFactoryMessage, func(context.Context) (any, error) {
		switch f := fn.(type) {
		case domain.Factory:
			return f(api, options, dirname)
		case func(domain.API, any, string) (any, error):
			return f(api, options, dirname)
		case domain.Callable:
			return f.Call(api, options, dirname)
		default:
			return nil, zerr.Wrap(domain.ErrShape, fmt.Sprintf("value of type %T is not callable", fn))
		}
	})
}

// InvokeConfig calls a config factory with the api alone.
func InvokeConfig(fn any, api domain.API) flow.Step[any] {
	return flow.GuardSyncOnly(asyncFactoryMessage, func(context.Context) (any, error) {
		switch f := fn.(type) {
		case func(domain.API) (any, error):
			return f(api)
		case domain.Callable:
			return f.Call(api)
		default:
			return nil, zerr.Wrap(domain.ErrShape, fmt.Sprintf("value of type %T is not callable", fn))
		}
	})
}

// IsFactory reports whether v can be passed to Invoke.
func IsFactory(v any) bool {
	switch v.(type) {
	case domain.Factory, func(domain.API, any, string) (any, error), func(domain.API) (any, error), domain.Callable:
		return true
	}
	return false
}
