// Package watcher reports changes to config files below a directory so that
// long-running hosts can invalidate cached configuration.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

var _ ports.Watcher = (*Watcher)(nil)

const eventBuffer = 100

// Watcher implements ports.Watcher with fsnotify. Directories named by
// skip are never watched.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	events    chan ports.WatchEvent
	skip      []string
	logger    ports.Logger
}

// NewWatcher creates a watcher. Errors reported by fsnotify go to logger.
func NewWatcher(logger ports.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsWatcher: w,
		events:    make(chan ports.WatchEvent, eventBuffer),
		skip:      append([]string{".git", ".jj"}, domain.DefaultBoundaries...),
		logger:    logger,
	}, nil
}

// Start watches root and every directory below it. Events stop when ctx is
// done or Stop is called.
func (w *Watcher) Start(ctx context.Context, root string) error {
	for dir := range w.directories(root) {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}
	go w.loop(ctx)
	return nil
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

// Events yields config-relevant events until the watcher stops.
func (w *Watcher) Events() iter.Seq[ports.WatchEvent] {
	return func(yield func(ports.WatchEvent) bool) {
		for ev := range w.events {
			if !yield(ev) {
				return
			}
		}
	}
}

func (w *Watcher) directories(root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // unreadable directories are not watched
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && slices.Contains(w.skip, d.Name()) {
				return fs.SkipDir
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				w.follow(event.Name)
			}
			ev, ok := convert(event)
			if !ok || !Relevant(ev.Path) {
				continue
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(fmt.Sprintf("watcher: %v", err))
		}
	}
}

// follow starts watching a directory created after Start.
func (w *Watcher) follow(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || slices.Contains(w.skip, info.Name()) {
		return
	}
	for dir := range w.directories(path) {
		_ = w.fsWatcher.Add(dir)
	}
}

func convert(event fsnotify.Event) (ports.WatchEvent, bool) {
	var op ports.Operation
	switch {
	case event.Has(fsnotify.Write):
		op = ports.OpWrite
	case event.Has(fsnotify.Create):
		op = ports.OpCreate
	case event.Has(fsnotify.Remove):
		op = ports.OpRemove
	case event.Has(fsnotify.Rename):
		op = ports.OpRename
	default:
		return ports.WatchEvent{}, false
	}
	return ports.WatchEvent{Path: filepath.Clean(event.Name), Operation: op}, true
}

// Relevant reports whether a change to path can affect resolved configuration:
// config and ignore files, package descriptors and script modules.
func Relevant(path string) bool {
	base := filepath.Base(path)
	switch base {
	case domain.RelativeConfigBase, domain.IgnoreFileName, domain.PackageFileName:
		return true
	}
	return slices.Contains(domain.ConfigExtensions, filepath.Ext(base))
}
