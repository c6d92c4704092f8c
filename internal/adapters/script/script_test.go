package script_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/script"
	"go.trai.ch/kiln/internal/core/domain"
)

func load(t *testing.T, src string) *script.Module {
	t.Helper()
	v, err := script.Parser.Parse("/work/kiln.config.star", []byte(src))
	require.NoError(t, err)
	m, ok := v.(*script.Module)
	require.True(t, ok)
	return m
}

func TestParse_Globals(t *testing.T) {
	m := load(t, `
config = {
    "plugins": ["a", ("b", {"loose": True})],
    "compact": False,
    "retries": 3,
    "ratio": 0.5,
    "meta": struct(owner = "web"),
}
`)

	v, ok := m.Export("config")
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"plugins": []any{"a", []any{"b", map[string]any{"loose": true}}},
		"compact": false,
		"retries": int64(3),
		"ratio":   0.5,
		"meta":    map[string]any{"owner": "web"},
	}, v)

	_, ok = m.Export("missing")
	assert.False(t, ok)
	assert.False(t, m.Has("missing"))
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := script.Parser.Parse("/work/kiln.config.star", []byte("config = {"))
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrParse)
	assert.Contains(t, err.Error(), "/work/kiln.config.star")
}

func TestParse_GlobalsAreFrozen(t *testing.T) {
	m := load(t, `
items = []
def add():
    items.append(1)
`)

	add, ok := m.Export("add")
	require.True(t, ok)
	fn, ok := add.(domain.Callable)
	require.True(t, ok)

	_, err := fn.Call()
	require.Error(t, err)
}

func TestFunction_StableIdentity(t *testing.T) {
	m := load(t, `
def plugin(api, options, dirname):
    return {"visitor": {}}
`)

	a, _ := m.Export("plugin")
	b, _ := m.Export("plugin")
	assert.Same(t, a, b)
	fn, ok := a.(domain.Callable)
	require.True(t, ok)
	assert.Equal(t, "plugin", fn.Name())
}

func TestFunction_CallConvertsArguments(t *testing.T) {
	m := load(t, `
def describe(options, dirname, names):
    return {"loose": options["loose"], "dir": dirname, "count": len(names)}
`)

	v, _ := m.Export("describe")
	fn := v.(domain.Callable)

	out, err := fn.Call(map[string]any{"loose": true}, "/work", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"loose": true, "dir": "/work", "count": int64(2)}, out)
}

func TestFunction_CallFailure(t *testing.T) {
	m := load(t, `
def boom():
    fail("nope")
`)

	v, _ := m.Export("boom")
	_, err := v.(domain.Callable).Call()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestGetenv(t *testing.T) {
	t.Setenv("KILN_TEST_TARGET", "es2020")

	v, err := script.Parser.Parse("/work/kiln.config.star", []byte(`
target = getenv("KILN_TEST_TARGET")
fallback = getenv("KILN_TEST_UNSET", "es5")
missing = getenv("KILN_TEST_UNSET")
`))
	require.NoError(t, err)
	m := v.(*script.Module)

	target, _ := m.Export("target")
	fallback, _ := m.Export("fallback")
	missing, _ := m.Export("missing")
	assert.Equal(t, "es2020", target)
	assert.Equal(t, "es5", fallback)
	assert.Nil(t, missing)
}

type fakeCache struct {
	calls  []string
	checks []func() any
}

func (c *fakeCache) Forever() { c.calls = append(c.calls, "forever") }

func (c *fakeCache) Never() { c.calls = append(c.calls, "never") }

func (c *fakeCache) Using(check func() any) any {
	c.calls = append(c.calls, "using")
	c.checks = append(c.checks, check)
	return check()
}

func (c *fakeCache) Invalidate(check func() any) any {
	c.calls = append(c.calls, "invalidate")
	c.checks = append(c.checks, check)
	return check()
}

type fakeAPI struct {
	cache   *fakeCache
	env     string
	caller  domain.Caller
	version string
	assert  error
}

func (a *fakeAPI) Cache() domain.CacheConfigurator { return a.cache }

func (a *fakeAPI) Env() string { return a.env }

func (a *fakeAPI) EnvIs(names ...string) bool {
	for _, n := range names {
		if n == a.env {
			return true
		}
	}
	return false
}

func (a *fakeAPI) Caller(fn func(domain.Caller) any) any { return fn(a.caller) }

func (a *fakeAPI) Version() string { return a.version }

func (a *fakeAPI) AssertVersion(string) error { return a.assert }

func TestFunction_APIStruct(t *testing.T) {
	m := load(t, `
def config(api):
    api.cache.using(lambda: getenv("KILN_TEST_MODE", "dev"))
    return {
        "env": api.env(),
        "isProd": api.env("production", "staging"),
        "caller": api.caller(lambda c: c["name"] if c else None),
        "version": api.version,
    }
`)
	api := &fakeAPI{
		cache:   &fakeCache{},
		env:     "staging",
		caller:  domain.Caller{"name": "bundler"},
		version: "1.4.0",
	}

	v, _ := m.Export("config")
	out, err := v.(domain.Callable).Call(api)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"env":     "staging",
		"isProd":  true,
		"caller":  "bundler",
		"version": "1.4.0",
	}, out)
	assert.Equal(t, []string{"using"}, api.cache.calls)

	t.Setenv("KILN_TEST_MODE", "ci")
	require.Len(t, api.cache.checks, 1)
	assert.Equal(t, "ci", api.cache.checks[0]())
}

func TestFunction_APIForeverAndAssertVersion(t *testing.T) {
	m := load(t, `
def preset(api, options, dirname):
    api.cache.forever()
    api.assert_version(">= 1.0")
    return {"plugins": []}
`)
	api := &fakeAPI{cache: &fakeCache{}, version: "1.4.0"}

	v, _ := m.Export("preset")
	fn := v.(domain.Callable)

	_, err := fn.Call(api, nil, "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"forever"}, api.cache.calls)

	api.assert = errors.New("Requires kiln \">= 2.0\", but was loaded with \"1.4.0\"")
	_, err = fn.Call(api, nil, "/work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Requires kiln")
}
