package schema

import (
	"reflect"
	"regexp"

	"go.trai.ch/kiln/internal/core/domain"
)

var (
	entryType        = reflect.TypeFor[domain.Entry]()
	matcherType      = reflect.TypeFor[domain.Matcher]()
	matcherSliceType = reflect.TypeFor[[]domain.Matcher]()
)

// entryHook accepts `value`, `[value]`, `[value, options]` and
// `[value, options, name]`.
func entryHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != entryType {
		return data, nil
	}
	switch v := data.(type) {
	case domain.Entry:
		return v, nil
	case []any:
		if len(v) == 0 {
			return domain.Entry{}, nil
		}
		e := domain.Entry{Value: v[0]}
		if len(v) > 1 {
			e.Options = v[1]
		}
		if len(v) > 2 {
			e.Name, _ = v[2].(string)
		}
		return e, nil
	default:
		return domain.Entry{Value: data}, nil
	}
}

func matcherHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != matcherType {
		return data, nil
	}
	return ToMatcher(data), nil
}

func matcherSliceHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != matcherSliceType || from.Kind() == reflect.Slice {
		return data, nil
	}
	return []any{data}, nil
}

// ToMatcher converts a raw test/include/exclude/only/ignore item.
func ToMatcher(data any) domain.Matcher {
	switch v := data.(type) {
	case domain.Matcher:
		return v
	case string:
		return domain.Matcher{Glob: v}
	case *regexp.Regexp:
		return domain.Matcher{Regexp: v}
	case func(string, domain.MatchContext) bool:
		return domain.Matcher{Func: v}
	case domain.Callable:
		return domain.Matcher{Func: func(filename string, mc domain.MatchContext) bool {
			out, err := v.Call(filename, map[string]any{
				"caller":  map[string]any(mc.Caller),
				"dirname": mc.Dirname,
				"envName": mc.EnvName,
			})
			return err == nil && truthy(out)
		}}
	default:
		// Anything else can never match a filename.
		return domain.Matcher{Func: func(string, domain.MatchContext) bool { return false }}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
