package factory_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
)

type built struct {
	env string
}

// compute runs fn as a factory inside a memoized computation.
func compute(store *memo.Store, data factory.CallData, fn domain.Factory) flow.Step[*built] {
	call := memo.Call{
		Key:     memo.Key{Namespace: "factory", Location: "/work/kiln.config.json"},
		Data:    data,
		Default: memo.PolicyForever,
	}
	return memo.Compute(store, call, func(_ context.Context, cache *memo.CacheAPI) flow.Step[*built] {
		api := factory.New(cache)
		return flow.Map(factory.Invoke(fn, api, nil, "/work"), func(v any) (*built, error) {
			b, _ := v.(*built)
			return b, nil
		})
	})
}

func TestAPI_EnvIsADependency(t *testing.T) {
	store := memo.NewStore()
	var calls atomic.Int32
	fn := domain.Factory(func(api domain.API, _ any, _ string) (any, error) {
		calls.Add(1)
		return &built{env: api.Env()}, nil
	})
	ctx := context.Background()

	dev, err := flow.RunSync(ctx, compute(store, factory.CallData{EnvName: "development"}, fn))
	require.NoError(t, err)
	devAgain, err := flow.RunSync(ctx, compute(store, factory.CallData{EnvName: "development"}, fn))
	require.NoError(t, err)
	prod, err := flow.RunSync(ctx, compute(store, factory.CallData{EnvName: "production"}, fn))
	require.NoError(t, err)

	assert.Same(t, dev, devAgain)
	assert.NotSame(t, dev, prod)
	assert.Equal(t, "production", prod.env)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAPI_EnvIs(t *testing.T) {
	store := memo.NewStore()
	var matched bool
	fn := domain.Factory(func(api domain.API, _ any, _ string) (any, error) {
		matched = api.EnvIs("production", "staging")
		return &built{}, nil
	})

	_, err := flow.RunSync(context.Background(), compute(store, factory.CallData{EnvName: "staging"}, fn))
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestAPI_CallerIsADependency(t *testing.T) {
	store := memo.NewStore()
	var calls atomic.Int32
	fn := domain.Factory(func(api domain.API, _ any, _ string) (any, error) {
		calls.Add(1)
		name := api.Caller(func(c domain.Caller) any { return c.Name() })
		return &built{env: name.(string)}, nil
	})
	ctx := context.Background()

	first, err := flow.RunSync(ctx, compute(store, factory.CallData{Caller: domain.Caller{"name": "bundler", "v": 1}}, fn))
	require.NoError(t, err)
	// A different caller with the same name keeps the result.
	second, err := flow.RunSync(ctx, compute(store, factory.CallData{Caller: domain.Caller{"name": "bundler", "v": 2}}, fn))
	require.NoError(t, err)
	third, err := flow.RunSync(ctx, compute(store, factory.CallData{Caller: domain.Caller{"name": "test-runner"}}, fn))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, third)
	assert.Equal(t, "test-runner", third.env)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAPI_CacheConfigurator(t *testing.T) {
	tests := []struct {
		name    string
		declare func(domain.CacheConfigurator)
		wantErr string
	}{
		{
			name:    "forever then never",
			declare: func(c domain.CacheConfigurator) { c.Forever(); c.Never() },
			wantErr: "Caching has already been configured with .forever()",
		},
		{
			name:    "never then forever",
			declare: func(c domain.CacheConfigurator) { c.Never(); c.Forever() },
			wantErr: "Caching has already been configured with .never()",
		},
		{
			name: "forever then using",
			declare: func(c domain.CacheConfigurator) {
				c.Forever()
				c.Using(func() any { return 1 })
			},
			wantErr: "Caching has already been configured with .never or .forever()",
		},
		{
			name: "invalidate alone",
			declare: func(c domain.CacheConfigurator) {
				c.Invalidate(func() any { return 1 })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := domain.Factory(func(api domain.API, _ any, _ string) (any, error) {
				tt.declare(api.Cache())
				return &built{}, nil
			})

			_, err := flow.RunSync(context.Background(), compute(memo.NewStore(), factory.CallData{}, fn))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrCacheConfigured)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssertVersion(t *testing.T) {
	tests := []struct {
		name       string
		current    string
		constraint string
		wantErr    string
	}{
		{name: "satisfied", current: "1.4.0", constraint: ">= 1.0"},
		{name: "range", current: "1.4.0", constraint: ">= 1.2, < 2"},
		{name: "too old", current: "1.4.0", constraint: ">= 2.0", wantErr: `Requires Kiln ">= 2.0", but was loaded with "1.4.0".`},
		{name: "bad constraint", current: "1.4.0", constraint: "seven", wantErr: `invalid version constraint "seven"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := factory.AssertVersion(tt.current, tt.constraint)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInvoke_DeferredResult(t *testing.T) {
	fn := domain.Factory(func(domain.API, any, string) (any, error) {
		return flow.Resolved[any](&built{env: "async"}), nil
	})
	step := factory.Invoke(fn, nil, nil, "/work")

	_, err := flow.RunSync(context.Background(), step)
	require.ErrorIs(t, err, domain.ErrExecutionMode)
	assert.Contains(t, err.Error(), "async plugin, preset or config factory")

	v, err := flow.RunAsync(context.Background(), step).Await()
	require.NoError(t, err)
	assert.Equal(t, &built{env: "async"}, v)
}

func TestInvoke_NotCallable(t *testing.T) {
	_, err := flow.RunSync(context.Background(), factory.Invoke("nope", nil, nil, "/work"))
	require.ErrorIs(t, err, domain.ErrShape)
	assert.False(t, factory.IsFactory("nope"))
	assert.True(t, factory.IsFactory(domain.Factory(nil)))
}

func TestInvokeConfig(t *testing.T) {
	fn := func(api domain.API) (any, error) {
		return map[string]any{"version": api.Version()}, nil
	}
	store := memo.NewStore()
	call := memo.Call{Key: memo.Key{Namespace: "config"}, Default: memo.PolicyForever}

	v, err := flow.RunSync(context.Background(), memo.Compute(store, call, func(_ context.Context, cache *memo.CacheAPI) flow.Step[any] {
		return factory.InvokeConfig(fn, factory.New(cache))
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"version": factory.New(nil).Version()}, v)
}
