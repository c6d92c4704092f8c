// Package app implements the kiln entry points over the engine packages.
package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/registry"
	"go.trai.ch/kiln/internal/adapters/watcher"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/kiln/internal/engine/merge"
	"go.trai.ch/zerr"
)

const tracerName = "go.trai.ch/kiln/internal/app"

// Mode names how a resolution was run, for tracing.
type Mode string

const (
	// ModeSync runs on the calling goroutine.
	ModeSync Mode = "sync"
	// ModeAsync runs on its own goroutine and returns a future.
	ModeAsync Mode = "async"
	// ModeCallback starts synchronously and reports through a callback.
	ModeCallback Mode = "callback"
)

// Loader resolves requests into merged options. Every call shares the same
// file cache and cache store, so unchanged results keep their identity.
type Loader struct {
	files    *fs.FileCache
	store    *memo.Store
	merger   *merge.Merger
	registry *registry.Registry
	logger   ports.Logger
	tracer   trace.Tracer
}

// New creates a Loader. File changes seen by files evict the cache entries
// computed from them.
func New(
	files *fs.FileCache,
	store *memo.Store,
	merger *merge.Merger,
	reg *registry.Registry,
	logger ports.Logger,
) *Loader {
	l := &Loader{
		files:    files,
		store:    store,
		merger:   merger,
		registry: reg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
	files.OnChange(func(path string) {
		if n := store.InvalidateLocation(path); n > 0 {
			logger.Debug(fmt.Sprintf("evicted %d cache entries for %s", n, path))
		}
	})
	return l
}

// Register makes a Go plugin, preset or factory resolvable by name. Names are
// stored as given, so "kiln-plugin-x" is what the entry "x" finds.
func (l *Loader) Register(name string, value any) *domain.Module {
	return l.registry.Register(name, value)
}

// Resolve runs a request synchronously. A file excluded by only, ignore or a
// .kilnignore file yields nil options and no error.
func (l *Loader) Resolve(ctx context.Context, req domain.Request) (*domain.MergedOptions, error) {
	norm, err := merge.Normalize(req)
	if err != nil {
		return nil, err
	}
	ctx, step := l.traced(ctx, norm, ModeSync, l.resolve(norm))
	return flow.RunSync(ctx, step)
}

// ResolveAsync runs a request on its own goroutine. Reads and factories may
// suspend while other work proceeds.
func (l *Loader) ResolveAsync(ctx context.Context, req domain.Request) *flow.Future[*domain.MergedOptions] {
	norm, err := merge.Normalize(req)
	if err != nil {
		return flow.Rejected[*domain.MergedOptions](err)
	}
	ctx, step := l.traced(ctx, norm, ModeAsync, l.resolve(norm))
	return flow.RunAsync(ctx, step)
}

// ResolveWithCallback starts a request on the calling goroutine and reports
// the outcome through cb. onFirstSuspend runs once, before cb, if the
// resolution had to wait on deferred work.
func (l *Loader) ResolveWithCallback(
	ctx context.Context,
	req domain.Request,
	onFirstSuspend func(),
	cb func(*domain.MergedOptions, error),
) {
	norm, err := merge.Normalize(req)
	if err != nil {
		cb(nil, err)
		return
	}
	ctx, step := l.traced(ctx, norm, ModeCallback, l.resolve(norm))
	flow.RunWithCallback(ctx, step, onFirstSuspend, cb)
}

// ResolvePartial stops before preset expansion and plugin instantiation.
// Disabled entries are kept.
func (l *Loader) ResolvePartial(ctx context.Context, req domain.Request) (*domain.PartialConfig, error) {
	norm, err := merge.Normalize(req)
	if err != nil {
		return nil, err
	}
	step := flow.Map(l.merger.BuildChain(norm), func(c *merge.Chain) (*domain.PartialConfig, error) {
		return l.merger.Partial(c, norm), nil
	})
	return flow.RunSync(ctx, step)
}

func (l *Loader) resolve(req *domain.Request) flow.Step[*domain.MergedOptions] {
	return flow.Then(l.merger.BuildChain(req), func(c *merge.Chain) flow.Step[*domain.MergedOptions] {
		return l.merger.Merge(c, req)
	})
}

// traced wraps step in a kiln.resolve span ending when the step settles.
func (l *Loader) traced(
	ctx context.Context,
	req *domain.Request,
	mode Mode,
	step flow.Step[*domain.MergedOptions],
) (context.Context, flow.Step[*domain.MergedOptions]) {
	ctx, span := l.tracer.Start(ctx, "kiln.resolve", trace.WithAttributes(
		attribute.String("filename", req.Filename),
		attribute.String("mode", string(mode)),
		attribute.String("env", req.EnvName),
	))

	done := flow.Map(step, func(out *domain.MergedOptions) (*domain.MergedOptions, error) {
		span.SetAttributes(attribute.Bool("ignored", out == nil))
		if out != nil {
			span.SetAttributes(attribute.Int("plugins", len(out.Plugins)))
		}
		span.End()
		return out, nil
	})
	return ctx, flow.Catch(done, func(err error) flow.Step[*domain.MergedOptions] {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return flow.Fail[*domain.MergedOptions](err)
	})
}

// Invalidate forgets the given files and every cache entry computed from
// them. Hosts that watch the filesystem call it with changed paths.
func (l *Loader) Invalidate(paths ...string) {
	l.files.Invalidate(paths...)
}

// ClearCache forgets every file and cache entry.
func (l *Loader) ClearCache() {
	l.files.Clear()
	l.store.Clear()
	l.logger.Debug("cache cleared")
}

// Stats returns the cache store counters.
func (l *Loader) Stats() memo.Stats {
	return l.store.Stats()
}

// Watch reports config changes below root until ctx is done. Each debounced
// batch of changed paths is invalidated before onChange runs with it. While
// watching, cached files are trusted without re-stat.
func (l *Loader) Watch(ctx context.Context, w ports.Watcher, root string, onChange func(paths []string)) error {
	if err := w.Start(ctx, root); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to start watcher"), "root", root)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			l.logger.Warn(fmt.Sprintf("failed to stop watcher: %v", err))
		}
	}()

	l.files.SetTrust(true)
	defer l.files.SetTrust(false)

	deb := watcher.NewDebouncer(watcher.DefaultDebounceWindow, func(paths []string) {
		l.Invalidate(paths...)
		if onChange != nil {
			onChange(paths)
		}
	})
	for ev := range w.Events() {
		deb.Add(ev.Path)
	}
	deb.Flush()
	return nil
}
