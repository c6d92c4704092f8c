package app_test

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.trai.ch/kiln/internal/adapters/config"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/registry"
	"go.trai.ch/kiln/internal/app"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/kiln/internal/engine/merge"
	"go.trai.ch/kiln/internal/engine/resolver"
	"go.uber.org/mock/gomock"
)

const (
	preset1Toggle = "KILN_TEST_PRESET1_REVISION"
	preset2Toggle = "KILN_TEST_PRESET2_REVISION"
)

type fixture struct {
	loader *app.Loader
	root   string
	config string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv(preset1Toggle, "")
	t.Setenv(preset2Toggle, "")

	root := t.TempDir()
	cfg := filepath.Join(root, "kiln.config.json")
	writeFile(t, cfg, `{"plugins": ["plugin6"], "presets": ["preset2"]}`)

	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Debug(gomock.Any()).AnyTimes()
	log.EXPECT().Warn(gomock.Any()).AnyTimes()

	files := fs.NewFileCache(fs.WithLogger(log))
	store := memo.NewStore(memo.WithLogger(log))
	reg := registry.New(files)
	merger := merge.New(config.NewLoader(files, store, log), resolver.New(store, reg, log), log)
	loader := app.New(files, store, merger, reg, log)

	for _, name := range []string{"plugin1", "plugin2", "plugin3", "plugin4", "plugin5", "plugin6"} {
		loader.Register("kiln-plugin-"+name, &domain.PluginDef{Name: name})
	}
	loader.Register("kiln-preset-preset1", revisioned(preset1Toggle, "plugin3"))
	loader.Register("kiln-preset-preset2", revisioned(preset2Toggle, "plugin5", "plugin4"))

	return &fixture{loader: loader, root: root, config: cfg}
}

// revisioned builds a preset factory that stays cached while the env var
// named by toggle keeps its value.
func revisioned(toggle string, plugins ...string) domain.Factory {
	return func(api domain.API, _ any, _ string) (any, error) {
		api.Cache().Using(func() any { return os.Getenv(toggle) })
		entries := make([]domain.Entry, len(plugins))
		for i, p := range plugins {
			entries[i] = domain.Entry{Value: p}
		}
		return &domain.PresetDef{Options: domain.Options{Plugins: entries}}, nil
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (f *fixture) request(plugin1Options any) domain.Request {
	return domain.Request{
		Filename: filepath.Join(f.root, "src", "main.js"),
		Cwd:      f.root,
		EnvName:  "development",
		Options: domain.Options{
			Plugins: []domain.Entry{{Value: "plugin1", Options: plugin1Options}, {Value: "plugin2"}},
			Presets: []domain.Entry{{Value: "preset1"}},
		},
	}
}

func (f *fixture) resolve(t *testing.T, req domain.Request) *domain.MergedOptions {
	t.Helper()
	out, err := f.loader.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func keys(plugins []*domain.Plugin) []string {
	out := make([]string, len(plugins))
	for i, p := range plugins {
		out[i] = p.Key
	}
	return out
}

// changed lists the indices whose plugin instance differs between two runs.
func changed(before, after []*domain.Plugin) []int {
	var out []int
	for i := range before {
		if before[i] != after[i] {
			out = append(out, i)
		}
	}
	return out
}

var scenarioOrder = []string{"plugin1", "plugin2", "plugin6", "plugin5", "plugin4", "plugin3"}

func TestLoader_ScenarioOrder(t *testing.T) {
	f := newFixture(t)
	out := f.resolve(t, f.request(nil))

	assert.Equal(t, scenarioOrder, keys(out.Plugins))
	assert.Equal(t, f.config, out.ConfigFile)
	assert.Equal(t, []string{f.config}, out.Files)
}

func TestLoader_IdentityStability(t *testing.T) {
	f := newFixture(t)
	opts := map[string]any{"loose": true}

	first := f.resolve(t, f.request(opts))
	second := f.resolve(t, f.request(opts))

	require.Len(t, second.Plugins, len(first.Plugins))
	for i := range first.Plugins {
		assert.Same(t, first.Plugins[i], second.Plugins[i], "plugin %d", i)
	}

	p1, err := f.loader.ResolvePartial(context.Background(), f.request(opts))
	require.NoError(t, err)
	p2, err := f.loader.ResolvePartial(context.Background(), f.request(opts))
	require.NoError(t, err)
	for i := range p1.Plugins {
		assert.Same(t, p1.Plugins[i], p2.Plugins[i])
	}
	for i := range p1.Presets {
		assert.Same(t, p1.Presets[i], p2.Presets[i])
	}
}

func TestLoader_FreshWrapperIsTransparent(t *testing.T) {
	f := newFixture(t)
	opts := map[string]any{"loose": true}

	before := f.resolve(t, f.request(opts))
	misses := f.loader.Stats().Misses

	// request builds a new Options value and new entry slices on every call.
	after := f.resolve(t, f.request(opts))

	assert.Empty(t, changed(before.Plugins, after.Plugins))
	assert.Equal(t, misses, f.loader.Stats().Misses)
}

func TestLoader_DeepChangeRecomputesOnlyThatDescriptor(t *testing.T) {
	f := newFixture(t)

	before := f.resolve(t, f.request(map[string]any{"loose": true}))
	after := f.resolve(t, f.request(map[string]any{"loose": true}))

	assert.Equal(t, []int{0}, changed(before.Plugins, after.Plugins))
	assert.Equal(t, map[string]any{"loose": true}, after.Plugins[0].Options)
}

func TestLoader_PresetCascade(t *testing.T) {
	f := newFixture(t)
	base := f.resolve(t, f.request(nil))

	t.Setenv(preset1Toggle, "2")
	afterPreset1 := f.resolve(t, f.request(nil))
	assert.Equal(t, scenarioOrder, keys(afterPreset1.Plugins))
	assert.Equal(t, []int{5}, changed(base.Plugins, afterPreset1.Plugins))

	t.Setenv(preset2Toggle, "2")
	afterPreset2 := f.resolve(t, f.request(nil))
	assert.Equal(t, []int{3, 4, 5}, changed(base.Plugins, afterPreset2.Plugins))
	assert.Equal(t, []int{3, 4}, changed(afterPreset1.Plugins, afterPreset2.Plugins))
}

func TestLoader_FileCascade(t *testing.T) {
	tests := []struct {
		name  string
		touch func(t *testing.T, f *fixture)
	}{
		{
			name: "explicit invalidation",
			touch: func(_ *testing.T, f *fixture) {
				f.loader.Invalidate(f.config)
			},
		},
		{
			name: "content rewrite",
			touch: func(t *testing.T, f *fixture) {
				writeFile(t, f.config, `{"presets": ["preset2"], "plugins": ["plugin6"]}`)
				later := time.Now().Add(time.Hour)
				require.NoError(t, os.Chtimes(f.config, later, later))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.resolve(t, f.request(nil))

			tt.touch(t, f)
			after := f.resolve(t, f.request(nil))

			assert.Equal(t, scenarioOrder, keys(after.Plugins))
			assert.Equal(t, []int{2, 3, 4}, changed(before.Plugins, after.Plugins))
		})
	}
}

func TestLoader_ClearCache(t *testing.T) {
	f := newFixture(t)
	before := f.resolve(t, f.request(nil))

	f.loader.ClearCache()
	assert.Zero(t, f.loader.Stats().Entries)

	after := f.resolve(t, f.request(nil))
	assert.Len(t, changed(before.Plugins, after.Plugins), len(before.Plugins))
}

func TestLoader_SyncAsyncEquivalence(t *testing.T) {
	f := newFixture(t)
	req := f.request(map[string]any{"n": 1})

	sync, err := f.loader.Resolve(context.Background(), req)
	require.NoError(t, err)

	f.loader.ClearCache()
	async, err := f.loader.ResolveAsync(context.Background(), req).Await()
	require.NoError(t, err)

	require.NotSame(t, sync.Plugins[0], async.Plugins[0])
	if diff := cmp.Diff(sync, async); diff != "" {
		t.Errorf("sync and async results differ (-sync +async):\n%s", diff)
	}
}

func registerDeferred(f *fixture) (settle func(any, error)) {
	future, settle := flow.NewPromise[any]()
	f.loader.Register("kiln-plugin-deferred", domain.Factory(func(domain.API, any, string) (any, error) {
		return future, nil
	}))
	return settle
}

func TestLoader_SyncGuard(t *testing.T) {
	f := newFixture(t)
	settle := registerDeferred(f)
	req := f.request(nil)
	req.Options.Plugins = append(req.Options.Plugins, domain.Entry{Value: "deferred"})

	_, err := f.loader.Resolve(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrExecutionMode)
	assert.Contains(t, err.Error(), "kiln has been called synchronously")

	settle(&domain.PluginDef{Name: "deferred"}, nil)
	out, err := f.loader.ResolveAsync(context.Background(), req).Await()
	require.NoError(t, err)
	assert.Equal(t, "deferred", out.Plugins[2].Key)
}

func TestLoader_ResolveWithCallback(t *testing.T) {
	f := newFixture(t)
	settle := registerDeferred(f)
	req := f.request(nil)
	req.Options.Plugins = append(req.Options.Plugins, domain.Entry{Value: "deferred"})

	type result struct {
		out *domain.MergedOptions
		err error
	}
	done := make(chan result, 1)
	suspends := 0

	f.loader.ResolveWithCallback(context.Background(), req,
		func() {
			suspends++
			settle(&domain.PluginDef{Name: "deferred"}, nil)
		},
		func(out *domain.MergedOptions, err error) {
			done <- result{out: out, err: err}
		},
	)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, []string{"plugin1", "plugin2", "deferred", "plugin6", "plugin5", "plugin4", "plugin3"}, keys(r.out.Plugins))
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not called")
	}
	assert.Equal(t, 1, suspends)
}

func TestLoader_IgnoredFileYieldsNil(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.root, domain.IgnoreFileName), "src\n")

	out, err := f.loader.Resolve(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestLoader_ErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	req := f.request(nil)
	req.Options.Plugins = append(req.Options.Plugins, domain.Entry{Value: "missing"})

	_, err := f.loader.Resolve(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrModuleNotFound)

	_, err = f.loader.ResolveAsync(context.Background(), req).Await()
	require.ErrorIs(t, err, domain.ErrModuleNotFound)
}

func TestLoader_TracesResolutions(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	f := newFixture(t)
	f.resolve(t, f.request(nil))

	bad := f.request(nil)
	bad.Options.Plugins = append(bad.Options.Plugins, domain.Entry{Value: "missing"})
	_, err := f.loader.ResolveAsync(context.Background(), bad).Await()
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	ok := attrs(spans[0])
	assert.Equal(t, "kiln.resolve", spans[0].Name())
	assert.Equal(t, "sync", ok["mode"].AsString())
	assert.Equal(t, f.request(nil).Filename, ok["filename"].AsString())
	assert.Equal(t, int64(6), ok["plugins"].AsInt64())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	failed := attrs(spans[1])
	assert.Equal(t, "async", failed["mode"].AsString())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

type fakeEvents []ports.WatchEvent

func (e fakeEvents) seq() iter.Seq[ports.WatchEvent] {
	return func(yield func(ports.WatchEvent) bool) {
		for _, ev := range e {
			if !yield(ev) {
				return
			}
		}
	}
}

func TestLoader_Watch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		before := f.resolve(t, f.request(nil))

		ctrl := gomock.NewController(t)
		w := mocks.NewMockWatcher(ctrl)
		events := fakeEvents{
			{Path: f.config, Operation: ports.OpWrite},
			{Path: f.config, Operation: ports.OpWrite},
		}
		gomock.InOrder(
			w.EXPECT().Start(gomock.Any(), f.root).Return(nil),
			w.EXPECT().Events().Return(events.seq()),
			w.EXPECT().Stop().Return(nil),
		)

		var batches [][]string
		err := f.loader.Watch(context.Background(), w, f.root, func(paths []string) {
			batches = append(batches, paths)
		})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{f.config}}, batches)

		after := f.resolve(t, f.request(nil))
		assert.Equal(t, []int{2, 3, 4}, changed(before.Plugins, after.Plugins))
	})
}

func TestLoader_WatchStartFailure(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	w := mocks.NewMockWatcher(ctrl)
	boom := errors.New("too many open files")
	w.EXPECT().Start(gomock.Any(), f.root).Return(boom)

	err := f.loader.Watch(context.Background(), w, f.root, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to start watcher")
}
