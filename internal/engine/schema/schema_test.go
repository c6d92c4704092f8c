package schema_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/schema"
)

func TestDecodeOptions(t *testing.T) {
	re := regexp.MustCompile(`\.test\.js$`)
	raw := map[string]any{
		"plugins": []any{
			"transform-a",
			[]any{"transform-b", map[string]any{"loose": true}},
			[]any{"transform-b", map[string]any{"loose": false}, "second"},
			false,
		},
		"presets":    []any{"env"},
		"sourceMaps": true,
		"comments":   false,
		"parserOpts": map[string]any{"jsx": true},
		"env": map[string]any{
			"production": map[string]any{"minified": true},
		},
		"overrides": []any{
			map[string]any{"test": re, "compact": true},
		},
		"ignore": "dist/**",
	}

	opts, err := schema.DecodeOptions(raw, "/work/kiln.config.json")
	require.NoError(t, err)

	require.Len(t, opts.Plugins, 4)
	assert.Equal(t, domain.Entry{Value: "transform-a"}, opts.Plugins[0])
	assert.Equal(t, "transform-b", opts.Plugins[1].Value)
	assert.Equal(t, map[string]any{"loose": true}, opts.Plugins[1].Options)
	assert.Equal(t, "second", opts.Plugins[2].Name)
	assert.True(t, opts.Plugins[3].Disabled())

	assert.Equal(t, "true", opts.SourceMaps)
	require.NotNil(t, opts.Comments)
	assert.False(t, *opts.Comments)
	assert.Equal(t, map[string]any{"jsx": true}, opts.ParserOpts)

	require.Contains(t, opts.Env, "production")
	require.NotNil(t, opts.Env["production"].Minified)
	assert.True(t, *opts.Env["production"].Minified)

	require.Len(t, opts.Overrides, 1)
	require.Len(t, opts.Overrides[0].Test, 1)
	assert.Same(t, re, opts.Overrides[0].Test[0].Regexp)

	require.Len(t, opts.Ignore, 1)
	assert.Equal(t, "dist/**", opts.Ignore[0].Glob)
}

func TestDecodeOptions_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		message string
	}{
		{
			name:    "unknown key",
			raw:     map[string]any{"plugin": []any{}},
			message: "/work/.kilnrc: Unknown option: .plugin",
		},
		{
			name:    "unknown nested key",
			raw:     map[string]any{"env": map[string]any{"test": map[string]any{"bogus": 1}}},
			message: "Unknown option: .env.test.bogus",
		},
		{
			name:    "root-only key",
			raw:     map[string]any{"cwd": "/elsewhere"},
			message: ".cwd is only allowed in root programmatic options",
		},
		{
			name: "env in env",
			raw: map[string]any{"env": map[string]any{
				"a": map[string]any{"env": map[string]any{}},
			}},
			message: ".env.a.env is not allowed inside of another .env block",
		},
		{
			name: "overrides in overrides",
			raw: map[string]any{"overrides": []any{
				map[string]any{"overrides": []any{}},
			}},
			message: ".overrides[0].overrides is not allowed inside an .overrides block",
		},
		{
			name:    "plugins not a list",
			raw:     map[string]any{"plugins": "transform-a"},
			message: ".plugins must be an array, or undefined",
		},
		{
			name:    "oversized tuple",
			raw:     map[string]any{"presets": []any{[]any{"a", nil, "n", "extra"}}},
			message: ".presets[0] must be [value], [value, options] or [value, options, name]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.DecodeOptions(tt.raw, "/work/.kilnrc")
			require.ErrorIs(t, err, domain.ErrShape)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestDecodePlugin(t *testing.T) {
	enter := func() {}
	def, err := schema.DecodePlugin(map[string]any{
		"name":    "strip",
		"visitor": map[string]any{"Identifier": enter},
	}, "inline")
	require.NoError(t, err)
	assert.Equal(t, "strip", def.Name)
	assert.Contains(t, def.Visitor, "Identifier")

	_, err = schema.DecodePlugin(map[string]any{"plugins": []any{}}, "inline")
	require.ErrorIs(t, err, domain.ErrShape)
	assert.Contains(t, err.Error(), "Unknown plugin property .plugins")
}

func TestLooksLikePlugin(t *testing.T) {
	assert.True(t, schema.LooksLikePlugin(map[string]any{"visitor": map[string]any{}}))
	assert.False(t, schema.LooksLikePlugin(map[string]any{"plugins": []any{}}))
}

type callable struct{ result any }

func (c *callable) Name() string { return "pred" }

func (c *callable) Call(...any) (any, error) { return c.result, nil }

func TestToMatcher(t *testing.T) {
	assert.Equal(t, "src/**", schema.ToMatcher("src/**").Glob)
	assert.True(t, schema.ToMatcher("src/**").IsPattern())

	m := schema.ToMatcher(&callable{result: true})
	require.NotNil(t, m.Func)
	assert.False(t, m.IsPattern())
	assert.True(t, m.Func("/work/a.js", domain.MatchContext{}))

	never := schema.ToMatcher(42)
	assert.False(t, never.Func("/work/a.js", domain.MatchContext{}))
}
