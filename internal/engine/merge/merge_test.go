package merge_test

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/config"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/registry"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/kiln/internal/engine/merge"
	"go.trai.ch/kiln/internal/engine/resolver"
	"go.uber.org/mock/gomock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content), ModTime: epoch}
}

type fixture struct {
	registry *registry.Registry
	merger   *merge.Merger
}

func newFixture(t *testing.T, files fstest.MapFS) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Debug(gomock.Any()).AnyTimes()

	cache := fs.NewFileCache(fs.WithFileSystem(fs.NewMapFSAdapter("/", files)))
	store := memo.NewStore()
	reg := registry.New(cache)
	res := resolver.New(store, reg, log)

	for _, name := range []string{"plugin1", "plugin2", "plugin3", "plugin4", "plugin5", "plugin6"} {
		reg.Register("kiln-plugin-"+name, &domain.PluginDef{Name: name})
	}
	reg.Register("kiln-preset-preset1", &domain.PresetDef{Options: domain.Options{
		Plugins: []domain.Entry{{Value: "plugin3"}},
	}})
	reg.Register("kiln-preset-preset2", &domain.PresetDef{Options: domain.Options{
		Plugins: []domain.Entry{{Value: "plugin5"}, {Value: "plugin4"}},
	}})

	return &fixture{
		registry: reg,
		merger:   merge.New(config.NewLoader(cache, store, log), res, log),
	}
}

func (f *fixture) normalize(t *testing.T, req domain.Request) *domain.Request {
	t.Helper()
	if req.Cwd == "" {
		req.Cwd = "/work"
	}
	if req.EnvName == "" {
		req.EnvName = "development"
	}
	norm, err := merge.Normalize(req)
	require.NoError(t, err)
	return norm
}

func (f *fixture) resolve(t *testing.T, req domain.Request) *domain.MergedOptions {
	t.Helper()
	norm := f.normalize(t, req)
	step := flow.Then(f.merger.BuildChain(norm), func(c *merge.Chain) flow.Step[*domain.MergedOptions] {
		return f.merger.Merge(c, norm)
	})
	out, err := flow.RunSync(context.Background(), step)
	require.NoError(t, err)
	return out
}

func (f *fixture) partial(t *testing.T, req domain.Request) *domain.PartialConfig {
	t.Helper()
	norm := f.normalize(t, req)
	chain, err := flow.RunSync(context.Background(), f.merger.BuildChain(norm))
	require.NoError(t, err)
	return f.merger.Partial(chain, norm)
}

func keys(plugins []*domain.Plugin) []string {
	out := make([]string, len(plugins))
	for i, p := range plugins {
		out[i] = p.Key
	}
	return out
}

func entries(names ...string) []domain.Entry {
	out := make([]domain.Entry, len(names))
	for i, n := range names {
		out[i] = domain.Entry{Value: n}
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}

func TestMerge_PluginOrder(t *testing.T) {
	f := newFixture(t, fstest.MapFS{
		"work/kiln.config.json": file(`{"plugins": ["plugin6"], "presets": ["preset2"]}`),
	})

	out := f.resolve(t, domain.Request{
		Filename: "/work/src/a.js",
		Options: domain.Options{
			Plugins: entries("plugin1", "plugin2"),
			Presets: entries("preset1"),
		},
	})

	require.NotNil(t, out)
	assert.Equal(t, []string{"plugin1", "plugin2", "plugin6", "plugin5", "plugin4", "plugin3"}, keys(out.Plugins))
	assert.Equal(t, "/work/kiln.config.json", out.ConfigFile)
	assert.False(t, out.PassPerPreset)
}

func TestMerge_NestedPresetsFollowTheirParent(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})
	f.registry.Register("kiln-preset-outer", &domain.PresetDef{Options: domain.Options{
		Plugins: entries("plugin1"),
		Presets: entries("preset1"),
	}})

	out := f.resolve(t, domain.Request{
		Options: domain.Options{
			Plugins: entries("plugin6"),
			Presets: entries("preset2", "outer"),
		},
	})

	assert.Equal(t, []string{"plugin6", "plugin1", "plugin3", "plugin5", "plugin4"}, keys(out.Plugins))
}

func TestMerge_PassPerPreset(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})

	out := f.resolve(t, domain.Request{
		Options: domain.Options{
			PassPerPreset: ptr(true),
			Plugins:       entries("plugin1"),
			Presets:       entries("preset1", "preset2"),
		},
	})

	assert.Equal(t, []string{"plugin1"}, keys(out.Plugins))
	require.Len(t, out.Passes, 2)
	assert.Equal(t, []string{"plugin3"}, keys(out.Passes[0]))
	assert.Equal(t, []string{"plugin5", "plugin4"}, keys(out.Passes[1]))
	assert.True(t, out.PassPerPreset)
}

func TestMerge_ScalarPrecedence(t *testing.T) {
	f := newFixture(t, fstest.MapFS{
		"work/package.json": file(`{"name": "app", "type": "module"}`),
		"work/base.json":    file(`{"minified": true, "compact": true, "sourceMaps": "inline"}`),
		"work/kiln.config.json": file(`{
			"extends": "./base.json",
			"compact": true,
			"comments": false,
			"parserOpts": {"a": 1},
			"overrides": [{"test": "src", "sourceMaps": "both"}]
		}`),
		"work/src/.kilnrc": file(`{"comments": true, "parserOpts": {"b": 2}}`),
	})

	out := f.resolve(t, domain.Request{
		Filename: "src/a.js",
		Options:  domain.Options{Compact: ptr(false), RetainLines: ptr(true)},
	})

	require.NotNil(t, out)
	assert.Equal(t, "module", out.SourceType, "package type is the default")
	assert.Equal(t, ptr(true), out.Minified, "extended config applies")
	assert.Equal(t, "both", out.SourceMaps, "matching override wins")
	assert.Equal(t, ptr(false), out.Compact, "programmatic beats files")
	assert.Equal(t, ptr(true), out.Comments, "nearest config beats root config")
	assert.Equal(t, ptr(true), out.RetainLines)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, out.ParserOpts)
	assert.Equal(t, "/work/src/.kilnrc", out.Kilnrc)
	assert.Equal(t, []string{
		"/work/base.json",
		"/work/kiln.config.json",
		"/work/package.json",
		"/work/src/.kilnrc",
	}, out.Files)
}

func TestMerge_OverridesLastWins(t *testing.T) {
	f := newFixture(t, fstest.MapFS{
		"work/kiln.config.json": file(`{"overrides": [
			{"test": "src", "sourceMaps": "inline", "plugins": ["plugin1"]},
			{"test": "lib", "sourceMaps": "false"},
			{"test": "src/a.js", "sourceMaps": "both", "plugins": ["plugin2"]}
		]}`),
	})

	out := f.resolve(t, domain.Request{Filename: "/work/src/a.js"})

	assert.Equal(t, "both", out.SourceMaps)
	assert.Equal(t, []string{"plugin1", "plugin2"}, keys(out.Plugins))
}

func TestMerge_Ignored(t *testing.T) {
	f := newFixture(t, fstest.MapFS{
		"work/package.json":     file(`{"name": "app"}`),
		"work/kiln.config.json": file(`{"ignore": ["src/legacy"], "plugins": ["plugin1"]}`),
		"work/.kilnignore":      file("# generated code\ngen\n"),
	})

	tests := []struct {
		filename string
		ignored  bool
	}{
		{filename: "/work/src/legacy/x.js", ignored: true},
		{filename: "/work/gen/schema.js", ignored: true},
		{filename: "/work/src/app/index.js", ignored: false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			out := f.resolve(t, domain.Request{Filename: tt.filename})
			if tt.ignored {
				assert.Nil(t, out)
				assert.Nil(t, f.partial(t, domain.Request{Filename: tt.filename}))
				return
			}
			require.NotNil(t, out)
			assert.Equal(t, []string{"plugin1"}, keys(out.Plugins))
		})
	}
}

func TestMerge_OnlyWithoutFilename(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})
	norm := f.normalize(t, domain.Request{Options: domain.Options{Only: []domain.Matcher{{Glob: "src"}}}})

	_, err := flow.RunSync(context.Background(), f.merger.BuildChain(norm))
	require.ErrorIs(t, err, domain.ErrNoFilename)
}

func TestMerge_KilnrcDisabled(t *testing.T) {
	f := newFixture(t, fstest.MapFS{
		"work/package.json": file(`{"name": "app"}`),
		"work/.kilnrc.json": file(`{"plugins": ["plugin2"]}`),
	})

	on := f.resolve(t, domain.Request{Filename: "/work/a.js"})
	assert.Equal(t, []string{"plugin2"}, keys(on.Plugins))

	off := f.resolve(t, domain.Request{Filename: "/work/a.js", Kilnrc: ptr(false)})
	assert.Empty(t, off.Plugins)
	assert.Empty(t, off.Kilnrc)
}

func TestMerge_CallerPassthrough(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})

	none := f.resolve(t, domain.Request{})
	assert.Nil(t, none.Caller)

	caller := domain.Caller{"name": "bundler", "supportsStaticESM": true}
	with := f.resolve(t, domain.Request{Caller: caller})
	assert.Equal(t, caller, with.Caller)
}

func TestPartial_KeepsDisabledEntries(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})
	req := domain.Request{Options: domain.Options{
		Plugins: []domain.Entry{{Value: "plugin1", Options: false}, {Value: "plugin2"}},
		Presets: []domain.Entry{{Value: "preset1"}},
	}}

	partial := f.partial(t, req)
	require.NotNil(t, partial)
	require.Len(t, partial.Plugins, 2)
	assert.True(t, partial.Plugins[0].Disabled())
	assert.Equal(t, "plugin1", partial.Plugins[0].Value)
	assert.Equal(t, "kiln-plugin-plugin2", partial.Plugins[1].Resolved)
	require.Len(t, partial.Presets, 1)

	full := f.resolve(t, req)
	assert.Equal(t, []string{"plugin2", "plugin3"}, keys(full.Plugins))
}

func TestPartial_IdenticalDescriptors(t *testing.T) {
	f := newFixture(t, fstest.MapFS{})
	req := domain.Request{Options: domain.Options{Plugins: entries("plugin1")}}

	first := f.partial(t, req)
	second := f.partial(t, req)
	require.Len(t, first.Plugins, 1)
	assert.Same(t, first.Plugins[0], second.Plugins[0])
}

func TestNormalize(t *testing.T) {
	t.Setenv(domain.EnvVarName, "test")

	req, err := merge.Normalize(domain.Request{Cwd: "/work", Root: "packages/app", Filename: "src/a.js"})
	require.NoError(t, err)
	assert.Equal(t, "/work/packages/app", req.Root)
	assert.Equal(t, "/work/src/a.js", req.Filename)
	assert.Equal(t, "test", req.EnvName)
	assert.Equal(t, domain.RootModeRoot, req.RootMode)

	t.Setenv(domain.EnvVarName, "")
	req, err = merge.Normalize(domain.Request{Cwd: "/work"})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultEnvName, req.EnvName)
	assert.Equal(t, "/work", req.Root)
	assert.Empty(t, req.Filename)
}
