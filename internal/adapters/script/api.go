package script

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.trai.ch/kiln/internal/core/domain"
)

// apiValue exposes a factory API to Starlark as a struct:
//
//	api.cache.forever(), api.cache.never(), api.cache.using(fn), api.cache.invalidate(fn)
//	api.env(), api.env("production", "test"), api.caller(fn)
//	api.version, api.assert_version(">= 1.0")
func (m *Module) apiValue(api domain.API) starlark.Value {
	cache := api.Cache()

	checked := func(name string, register func(func() any) any) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var fn starlark.Callable
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
				return nil, err
			}
			current := register(func() any {
				v, err := starlark.Call(newThread(m.Path), fn, nil, nil)
				if err != nil {
					return err.Error()
				}
				return m.ToGo(v)
			})
			return m.toStarlark(current)
		})
	}

	cacheValue := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"forever": starlark.NewBuiltin("forever", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			cache.Forever()
			return starlark.None, nil
		}),
		"never": starlark.NewBuiltin("never", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			cache.Never()
			return starlark.None, nil
		}),
		"using":      checked("using", cache.Using),
		"invalidate": checked("invalidate", cache.Invalidate),
	})

	env := starlark.NewBuiltin("env", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return starlark.String(api.Env()), nil
		}
		names := make([]string, 0, len(args))
		for _, a := range args {
			if s, ok := starlark.AsString(a); ok {
				names = append(names, s)
			}
		}
		return starlark.Bool(api.EnvIs(names...)), nil
	})

	caller := starlark.NewBuiltin("caller", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn starlark.Callable
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
			return nil, err
		}
		out := api.Caller(func(c domain.Caller) any {
			arg, err := m.toStarlark(c)
			if err != nil {
				return nil
			}
			v, err := starlark.Call(newThread(m.Path), fn, starlark.Tuple{arg}, nil)
			if err != nil {
				return nil
			}
			return m.ToGo(v)
		})
		return m.toStarlark(out)
	})

	assertVersion := starlark.NewBuiltin("assert_version", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var constraint string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "constraint", &constraint); err != nil {
			return nil, err
		}
		if err := api.AssertVersion(constraint); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"cache":          cacheValue,
		"env":            env,
		"caller":         caller,
		"version":        starlark.String(api.Version()),
		"assert_version": assertVersion,
	})
}
