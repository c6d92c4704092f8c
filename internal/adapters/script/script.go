// Package script runs Starlark config, plugin and preset modules.
package script

import (
	"fmt"
	"os"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// Parser executes .star files for the file cache. The cached value is a *Module.
var Parser = fs.Parser{Name: "starlark", Parse: parse}

// Module is an executed, frozen Starlark file.
type Module struct {
	Path    string
	globals starlark.StringDict

	mu    sync.Mutex
	funcs map[starlark.Callable]*Function
}

func parse(path string, content []byte) (any, error) {
	globals, err := starlark.ExecFile(newThread(path), path, content, predeclared())
	if err != nil {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrParse, fmt.Sprintf("%s: %s", path, err)),
			"path", path,
		)
	}
	globals.Freeze()
	return &Module{Path: path, globals: globals, funcs: make(map[starlark.Callable]*Function)}, nil
}

// Export returns the Go form of the global name.
func (m *Module) Export(name string) (any, bool) {
	v, ok := m.globals[name]
	if !ok {
		return nil, false
	}
	return m.ToGo(v), true
}

// Has reports whether the module defines the global name.
func (m *Module) Has(name string) bool {
	_, ok := m.globals[name]
	return ok
}

// ToGo converts a Starlark value. Callables become *Function values that
// are reused for the same underlying callable.
func (m *Module) ToGo(v starlark.Value) any {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		return val.String()
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	case *starlark.List:
		out := make([]any, val.Len())
		for i := range val.Len() {
			out[i] = m.ToGo(val.Index(i))
		}
		return out
	case starlark.Tuple:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.ToGo(item)
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = m.ToGo(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err == nil {
				out[name] = m.ToGo(attr)
			}
		}
		return out
	case starlark.Callable:
		return m.wrap(val)
	default:
		return val.String()
	}
}

func (m *Module) wrap(c starlark.Callable) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.funcs[c]; ok {
		return f
	}
	f := &Function{module: m, fn: c}
	m.funcs[c] = f
	return f
}

var _ domain.Callable = (*Function)(nil)

// Function is a Starlark callable usable from Go.
type Function struct {
	module *Module
	fn     starlark.Callable
}

// Name returns the Starlark function name.
func (f *Function) Name() string {
	return f.fn.Name()
}

// Call invokes the function on a fresh thread.
func (f *Function) Call(args ...any) (any, error) {
	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := f.module.toStarlark(a)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "cannot pass argument to script function"), "function", f.Name())
		}
		sargs[i] = v
	}

	out, err := starlark.Call(newThread(f.module.Path), f.fn, sargs, nil)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, fmt.Sprintf("%s: %s failed", f.module.Path, f.Name())), "function", f.Name())
	}
	return f.module.ToGo(out), nil
}

func (m *Module) toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []any:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := m.toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case domain.Caller:
		return m.toStarlark(map[string]any(val))
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := m.toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case *Function:
		return val.fn, nil
	case domain.API:
		return m.apiValue(val), nil
	case domain.Callable:
		return starlark.NewBuiltin(val.Name(), func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			goArgs := make([]any, len(args))
			for i, a := range args {
				goArgs[i] = m.ToGo(a)
			}
			out, err := val.Call(goArgs...)
			if err != nil {
				return nil, err
			}
			return m.toStarlark(out)
		}), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"getenv": starlark.NewBuiltin("getenv", getenv),
	}
}

func getenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return fallback, nil
}
