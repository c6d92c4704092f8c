// Package schema validates raw configuration values and decodes them into
// domain options, plugin and preset definitions.
package schema

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// RootOnlyKeys may only be set in programmatic options.
var RootOnlyKeys = []string{
	"cwd", "root", "rootMode", "configFile", "noConfigFile",
	"kilnrc", "kilnrcRoots", "envName", "caller", "filename",
}

// PluginKeys are the properties a plugin definition may have.
var PluginKeys = []string{"name", "visitor", "inherits", "pre", "post", "manipulateOptions"}

var optionKeys = sync.OnceValue(func() []string {
	var keys []string
	t := reflect.TypeFor[domain.Options]()
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("mapstructure")
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			keys = append(keys, name)
		}
	}
	return keys
})

// IsOptionKey reports whether key is a known option.
func IsOptionKey(key string) bool {
	return slices.Contains(optionKeys(), key)
}

// DecodeOptions validates raw and decodes it into Options. location names the
// source in error messages.
func DecodeOptions(raw map[string]any, location string) (*domain.Options, error) {
	if err := validate(raw, location, "", scope{}); err != nil {
		return nil, err
	}
	normalize(raw)

	var out domain.Options
	if err := decode(raw, &out); err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: %s", location, err)), "location", location)
	}
	return &out, nil
}

// DecodePreset decodes a preset body.
func DecodePreset(raw map[string]any, location string) (*domain.PresetDef, error) {
	opts, err := DecodeOptions(raw, location)
	if err != nil {
		return nil, err
	}
	return &domain.PresetDef{Options: *opts}, nil
}

// DecodePlugin decodes a plugin body.
func DecodePlugin(raw map[string]any, location string) (*domain.PluginDef, error) {
	for _, key := range sortedKeys(raw) {
		if !slices.Contains(PluginKeys, key) {
			return nil, zerr.With(
				zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: Unknown plugin property .%s", location, key)),
				"location", location,
			)
		}
	}

	var out domain.PluginDef
	if err := decode(raw, &out); err != nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: %s", location, err)), "location", location)
	}
	return &out, nil
}

// LooksLikePlugin reports whether every key of raw is a plugin property.
func LooksLikePlugin(raw map[string]any) bool {
	for key := range raw {
		if !slices.Contains(PluginKeys, key) {
			return false
		}
	}
	return true
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			matcherSliceHook,
			matcherHook,
			entryHook,
		),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

type scope struct {
	inEnv      bool
	inOverride bool
}

func validate(raw map[string]any, location, path string, sc scope) error {
	fail := func(format string, args ...any) error {
		return zerr.With(
			zerr.Wrap(domain.ErrShape, location+": "+fmt.Sprintf(format, args...)),
			"location", location,
		)
	}

	for _, key := range sortedKeys(raw) {
		at := path + "." + key
		value := raw[key]

		if slices.Contains(RootOnlyKeys, key) {
			return fail("%s is only allowed in root programmatic options", at)
		}
		if !IsOptionKey(key) {
			return fail("Unknown option: %s", at)
		}

		switch key {
		case "env":
			if sc.inEnv {
				return fail("%s is not allowed inside of another .env block", at)
			}
			envs, ok := value.(map[string]any)
			if !ok {
				return fail("%s must be an object", at)
			}
			for _, name := range sortedKeys(envs) {
				block, ok := envs[name].(map[string]any)
				if !ok {
					return fail("%s.%s must be an object", at, name)
				}
				next := sc
				next.inEnv = true
				if err := validate(block, location, at+"."+name, next); err != nil {
					return err
				}
			}
		case "overrides":
			if sc.inOverride {
				return fail("%s is not allowed inside an .overrides block", at)
			}
			blocks, ok := value.([]any)
			if !ok {
				return fail("%s must be an array", at)
			}
			for i, b := range blocks {
				block, ok := b.(map[string]any)
				if !ok {
					return fail("%s[%d] must be an object", at, i)
				}
				next := sc
				next.inOverride = true
				if err := validate(block, location, at+"["+strconv.Itoa(i)+"]", next); err != nil {
					return err
				}
			}
		case "plugins", "presets":
			if err := validateEntries(value, at); err != nil {
				return fail("%s", err.Error())
			}
		case "extends":
			if sc.inEnv || sc.inOverride {
				return fail("%s is not allowed inside .env or .overrides blocks", at)
			}
			if _, ok := value.(string); !ok {
				return fail("%s must be a string", at)
			}
		}
	}
	return nil
}

func validateEntries(value any, at string) error {
	if value == nil {
		return nil
	}
	list, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%s must be an array, or undefined", at)
	}
	for i, item := range list {
		tuple, ok := item.([]any)
		if !ok {
			continue
		}
		if len(tuple) == 0 || len(tuple) > 3 {
			return fmt.Errorf("%s[%d] must be [value], [value, options] or [value, options, name]", at, i)
		}
		if len(tuple) == 3 {
			if _, ok := tuple[2].(string); !ok {
				return fmt.Errorf("%s[%d][2] must be a string name", at, i)
			}
		}
	}
	return nil
}

// normalize rewrites values that have a looser raw form than their field type.
func normalize(raw map[string]any) {
	if b, ok := raw["sourceMaps"].(bool); ok {
		raw["sourceMaps"] = strconv.FormatBool(b)
	}
	if envs, ok := raw["env"].(map[string]any); ok {
		for _, block := range envs {
			if m, ok := block.(map[string]any); ok {
				normalize(m)
			}
		}
	}
	if blocks, ok := raw["overrides"].([]any); ok {
		for _, block := range blocks {
			if m, ok := block.(map[string]any); ok {
				normalize(m)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
