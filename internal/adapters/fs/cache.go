// Package fs provides the cached file reader behind config discovery.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sync"
	"unique"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	path   unique.Handle[string]
	parser string
}

type cacheEntry struct {
	file    *domain.File
	modTime int64
	size    int64
}

// FileCache reads and parses files, keeping one parsed value per path and
// parser. A file whose content did not change keeps its *domain.File pointer.
type FileCache struct {
	mu      sync.Mutex
	fs      FileSystem
	logger  ports.Logger
	trust   bool
	entries map[cacheKey]*cacheEntry
	hooks   []func(path string)
	group   singleflight.Group
}

// Option configures a FileCache.
type Option func(*FileCache)

// WithFileSystem replaces the OS filesystem.
func WithFileSystem(fsys FileSystem) Option {
	return func(c *FileCache) {
		c.fs = fsys
	}
}

// WithLogger makes the cache log revalidation at debug level.
func WithLogger(l ports.Logger) Option {
	return func(c *FileCache) {
		c.logger = l
	}
}

// WithTrust skips re-stat of files already read. Hosts enabling it must call
// Invalidate when files change. Missing files are always checked again.
func WithTrust(trust bool) Option {
	return func(c *FileCache) {
		c.trust = trust
	}
}

// NewFileCache creates an empty cache.
func NewFileCache(opts ...Option) *FileCache {
	c := &FileCache{
		fs:      NewOSFS(),
		entries: make(map[cacheKey]*cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnChange registers fn to run with the path of every file that changed,
// disappeared or was invalidated after having been read.
func (c *FileCache) OnChange(fn func(path string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// SetTrust toggles trust mode.
func (c *FileCache) SetTrust(trust bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trust = trust
}

// Load is Get as a step that may suspend: async runs read on a goroutine.
func (c *FileCache) Load(path string, p Parser) flow.Step[*domain.File] {
	return flow.Suspend(
		"read "+path,
		func(context.Context) (*domain.File, error) {
			return c.Get(path, p)
		},
		func(context.Context) *flow.Future[*domain.File] {
			return flow.Go(func() (*domain.File, error) {
				return c.Get(path, p)
			})
		},
	)
}

// Get returns the parsed file at path, or nil when no regular file exists there.
func (c *FileCache) Get(path string, p Parser) (*domain.File, error) {
	path = filepath.Clean(path)
	v, err, _ := c.group.Do(p.Name+"\x00"+path, func() (any, error) {
		return c.get(path, p)
	})
	if err != nil {
		return nil, err
	}
	f, _ := v.(*domain.File)
	return f, nil
}

func (c *FileCache) get(path string, p Parser) (*domain.File, error) {
	key := cacheKey{path: unique.Make(path), parser: p.Name}

	c.mu.Lock()
	cached := c.entries[key]
	trust := c.trust
	c.mu.Unlock()

	if cached != nil && trust {
		return cached.file, nil
	}

	info, err := c.fs.Stat(path)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return nil, errors.Join(domain.ErrReadFailed, zerr.With(zerr.Wrap(err, "failed to stat file"), "path", path))
		}
		if cached != nil {
			c.drop(key)
			c.debug("removed", path)
			c.notify(path)
		}
		return nil, nil
	}

	modTime, size := info.ModTime().UnixNano(), info.Size()
	if cached != nil && cached.modTime == modTime && cached.size == size {
		return cached.file, nil
	}

	content, err := c.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Join(domain.ErrReadFailed, zerr.With(zerr.Wrap(err, "failed to read file"), "path", path))
	}
	hash := xxhash.Sum64(content)

	if cached != nil && cached.file.Signature.Hash == hash {
		c.mu.Lock()
		c.entries[key] = &cacheEntry{file: cached.file, modTime: modTime, size: size}
		c.mu.Unlock()
		c.debug("unchanged", path)
		return cached.file, nil
	}

	value, err := p.Parse(path, content)
	if err != nil {
		return nil, err
	}

	file := &domain.File{
		Path:      path,
		Dirname:   filepath.Dir(path),
		Signature: domain.Signature{ModTime: modTime, Size: size, Hash: hash},
		Value:     value,
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{file: file, modTime: modTime, size: size}
	c.mu.Unlock()

	if cached != nil {
		c.debug("changed", path)
		c.notify(path)
	} else {
		c.debug("read", path)
	}
	return file, nil
}

// Invalidate forgets the given paths under every parser and runs the change hooks.
func (c *FileCache) Invalidate(paths ...string) {
	for _, path := range paths {
		path = filepath.Clean(path)
		handle := unique.Make(path)

		c.mu.Lock()
		for k := range c.entries {
			if k.path == handle {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()

		c.notify(path)
	}
}

// Clear forgets every file. Change hooks do not run.
func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
}

// Len returns the number of cached files.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *FileCache) drop(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *FileCache) notify(path string) {
	c.mu.Lock()
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(path)
	}
}

func (c *FileCache) debug(event, path string) {
	if c.logger != nil {
		c.logger.Debug(fmt.Sprintf("file %s %s", event, path))
	}
}
