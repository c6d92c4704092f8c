// Package config locates kiln configuration files and loads them into
// config sources.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mitchellh/copystructure"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/script" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/match"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/kiln/internal/engine/schema"
	"go.trai.ch/zerr"
)

// Loader finds config files through the file cache and decodes them under
// the cache store, so a config source keeps its identity while its file is
// unchanged.
type Loader struct {
	files      *fs.FileCache
	store      *memo.Store
	logger     ports.Logger
	boundaries []string
}

// Option configures a Loader.
type Option func(*Loader)

// WithBoundaries replaces the directory names that end the package walk.
func WithBoundaries(names ...string) Option {
	return func(l *Loader) {
		l.boundaries = names
	}
}

// NewLoader creates a Loader.
func NewLoader(files *fs.FileCache, store *memo.Store, logger ports.Logger, opts ...Option) *Loader {
	l := &Loader{
		files:      files,
		store:      store,
		logger:     logger,
		boundaries: domain.DefaultBoundaries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Relative is the outcome of the file-relative config search.
type Relative struct {
	Config *domain.ConfigSource
	Ignore *domain.IgnoreFile
}

// LoadConfig loads the config file at path. A missing file yields nil.
func (l *Loader) LoadConfig(path string, kind domain.SourceKind, data factory.CallData) flow.Step[*domain.ConfigSource] {
	return flow.Then(l.files.Load(path, parserFor(path)), func(file *domain.File) flow.Step[*domain.ConfigSource] {
		if file == nil {
			return flow.Pure[*domain.ConfigSource](nil)
		}
		return l.fromFile(file, kind, data)
	})
}

func (l *Loader) fromFile(file *domain.File, kind domain.SourceKind, data factory.CallData) flow.Step[*domain.ConfigSource] {
	call := memo.Call{
		Key: memo.Key{
			Namespace: "config:" + kind.String(),
			Location:  file.Path,
			Value:     memo.Identity(file),
		},
		Data:    data,
		Default: memo.PolicyForever,
		Refs:    []any{file},
	}
	return memo.Compute(l.store, call, func(_ context.Context, cache *memo.CacheAPI) flow.Step[*domain.ConfigSource] {
		api := factory.New(cache)
		return flow.Then(rawConfig(file, api), func(raw map[string]any) flow.Step[*domain.ConfigSource] {
			opts, err := schema.DecodeOptions(raw, file.Path)
			if err != nil {
				return flow.Fail[*domain.ConfigSource](err)
			}
			l.logger.Debug(fmt.Sprintf("loaded %s config %s", kind, file.Path))
			return flow.Pure(&domain.ConfigSource{
				Path:    file.Path,
				Dirname: file.Dirname,
				Kind:    kind,
				Options: opts,
				Owner:   api.Owner(),
			})
		})
	})
}

// rawConfig produces a private copy of the file's config object. Script
// configs defining config as a function are called with the factory API.
func rawConfig(file *domain.File, api *factory.API) flow.Step[map[string]any] {
	switch v := file.Value.(type) {
	case map[string]any:
		return flow.From[map[string]any](copyObject(v))
	case *script.Module:
		exported, ok := v.Export("config")
		if !ok {
			return flow.Fail[map[string]any](zerr.With(
				zerr.Wrap(domain.ErrShape, file.Path+": No config detected. Define a config dict or function"),
				"path", file.Path,
			))
		}
		if !factory.IsFactory(exported) {
			return flow.From[map[string]any](asObject(file.Path, exported))
		}
		return flow.Then(factory.InvokeConfig(exported, api), func(out any) flow.Step[map[string]any] {
			return flow.From[map[string]any](asObject(file.Path, out))
		})
	default:
		return flow.From[map[string]any](asObject(file.Path, v))
	}
}

func asObject(path string, v any) (map[string]any, error) {
	out, err := objectOrError(path, v)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil //nolint:forcetypeassert // objectOrError only returns objects
}

// copyObject deep-copies parsed file content. Decoding mutates its input and
// keeps nested maps, and the parsed content is shared by the file cache.
func copyObject(v map[string]any) (map[string]any, error) {
	out, err := copystructure.Copy(v)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to copy config")
	}
	return out.(map[string]any), nil //nolint:forcetypeassert // Copy preserves the type
}

// PackageConfig loads the "kiln" key of a package descriptor. A descriptor
// without the key yields nil.
func (l *Loader) PackageConfig(pkg *domain.File, data factory.CallData) flow.Step[*domain.ConfigSource] {
	raw, ok := packageKey(pkg)
	if !ok {
		return flow.Pure[*domain.ConfigSource](nil)
	}
	call := memo.Call{
		Key: memo.Key{
			Namespace: "config:" + domain.SourcePackage.String(),
			Location:  pkg.Path,
			Value:     memo.Identity(pkg),
		},
		Data:    data,
		Default: memo.PolicyForever,
		Refs:    []any{pkg},
	}
	return memo.Compute(l.store, call, func(_ context.Context, cache *memo.CacheAPI) flow.Step[*domain.ConfigSource] {
		obj, ok := raw.(map[string]any)
		if !ok {
			return flow.Fail[*domain.ConfigSource](zerr.With(
				zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: .%s property must be an object", pkg.Path, domain.PackageConfigKey)),
				"path", pkg.Path,
			))
		}
		obj, err := copyObject(obj)
		if err != nil {
			return flow.Fail[*domain.ConfigSource](err)
		}
		opts, err := schema.DecodeOptions(obj, pkg.Path)
		if err != nil {
			return flow.Fail[*domain.ConfigSource](err)
		}
		return flow.Pure(&domain.ConfigSource{
			Path:    pkg.Path,
			Dirname: pkg.Dirname,
			Kind:    domain.SourcePackage,
			Options: opts,
			Owner:   cache.Owner(),
		})
	})
}

func packageKey(pkg *domain.File) (any, bool) {
	if pkg == nil {
		return nil, false
	}
	obj, _ := pkg.Value.(map[string]any)
	raw, ok := obj[domain.PackageConfigKey]
	return raw, ok
}

// ResolveRoot applies the root mode. Upward modes move the root to the
// nearest ancestor holding a project-wide config file.
func (l *Loader) ResolveRoot(root string, mode domain.RootMode) flow.Step[string] {
	switch mode {
	case "", domain.RootModeRoot:
		return flow.Pure(root)
	case domain.RootModeUpward, domain.RootModeUpwardOptional:
	default:
		return flow.Fail[string](zerr.With(
			zerr.Wrap(domain.ErrShape, fmt.Sprintf("unknown rootMode value %q", mode)),
			"rootMode", string(mode),
		))
	}

	var up func(dir string) flow.Step[string]
	up = func(dir string) flow.Step[string] {
		return flow.Then(l.findFiles(candidates(dir, domain.RootConfigBase, false)), func(found []*domain.File) flow.Step[string] {
			if len(found) > 0 {
				return flow.Pure(dir)
			}
			next := filepath.Dir(dir)
			if next != dir {
				return up(next)
			}
			if mode == domain.RootModeUpwardOptional {
				return flow.Pure(root)
			}
			return flow.Fail[string](zerr.With(
				zerr.Wrap(domain.ErrConfigNotFound, fmt.Sprintf(
					"Kiln was run with rootMode:%q but a root could not be found when searching upward from %q",
					mode, root,
				)),
				"root", root,
			))
		})
	}
	return up(filepath.Clean(root))
}

// FindRootConfig loads the project-wide config: the explicit config file of
// req, or the single kiln.config.* in root.
func (l *Loader) FindRootConfig(root string, req *domain.Request, data factory.CallData) flow.Step[*domain.ConfigSource] {
	if req.NoConfigFile {
		return flow.Pure[*domain.ConfigSource](nil)
	}
	if req.ConfigFile != "" {
		path := req.ConfigFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(req.Cwd, path)
		}
		return flow.Then(l.LoadConfig(path, domain.SourceRoot, data), func(src *domain.ConfigSource) flow.Step[*domain.ConfigSource] {
			if src == nil {
				return flow.Fail[*domain.ConfigSource](zerr.With(
					zerr.Wrap(domain.ErrConfigNotFound, path),
					"path", path,
				))
			}
			return flow.Pure(src)
		})
	}

	return flow.Then(l.findFiles(candidates(root, domain.RootConfigBase, false)), func(found []*domain.File) flow.Step[*domain.ConfigSource] {
		switch len(found) {
		case 0:
			return flow.Pure[*domain.ConfigSource](nil)
		case 1:
			return l.fromFile(found[0], domain.SourceRoot, data)
		default:
			return flow.Fail[*domain.ConfigSource](multipleConfigs(root, found...))
		}
	})
}

// FindRelativeConfigs searches the walked directories, nearest first, for the
// first relative config and the first ignore file. A package descriptor's
// "kiln" key counts as a relative config of its directory.
func (l *Loader) FindRelativeConfigs(pkg *domain.PackageData, data factory.CallData) flow.Step[*Relative] {
	return flow.Defer(func(context.Context) flow.Step[*Relative] {
		return l.searchRelative(pkg, data, &Relative{}, 0)
	})
}

func (l *Loader) searchRelative(pkg *domain.PackageData, data factory.CallData, out *Relative, i int) flow.Step[*Relative] {
	if i == len(pkg.Directories) || (out.Config != nil && out.Ignore != nil) {
		return flow.Pure(out)
	}
	dir := pkg.Directories[i]

	cfg := flow.Pure[*domain.ConfigSource](nil)
	if out.Config == nil {
		cfg = l.relativeIn(dir, pkg, data)
	}
	return flow.Then(cfg, func(src *domain.ConfigSource) flow.Step[*Relative] {
		if src != nil {
			out.Config = src
		}
		ign := flow.Pure[*domain.IgnoreFile](nil)
		if out.Ignore == nil {
			ign = l.LoadIgnore(dir)
		}
		return flow.Then(ign, func(ig *domain.IgnoreFile) flow.Step[*Relative] {
			if ig != nil {
				out.Ignore = ig
			}
			return l.searchRelative(pkg, data, out, i+1)
		})
	})
}

func (l *Loader) relativeIn(dir string, pkg *domain.PackageData, data factory.CallData) flow.Step[*domain.ConfigSource] {
	return flow.Then(l.findFiles(candidates(dir, domain.RelativeConfigBase, true)), func(found []*domain.File) flow.Step[*domain.ConfigSource] {
		var pkgFile *domain.File
		if pkg.Pkg != nil && pkg.Pkg.Dirname == dir {
			if _, ok := packageKey(pkg.Pkg); ok {
				pkgFile = pkg.Pkg
			}
		}

		switch {
		case len(found) > 1 || (len(found) == 1 && pkgFile != nil):
			if pkgFile != nil {
				found = append(found, pkgFile)
			}
			return flow.Fail[*domain.ConfigSource](multipleConfigs(dir, found...))
		case len(found) == 1:
			return l.fromFile(found[0], domain.SourceRelative, data)
		case pkgFile != nil:
			return l.PackageConfig(pkgFile, data)
		default:
			return flow.Pure[*domain.ConfigSource](nil)
		}
	})
}

// LoadIgnore loads the .kilnignore file of dir, if any.
func (l *Loader) LoadIgnore(dir string) flow.Step[*domain.IgnoreFile] {
	path := filepath.Join(dir, domain.IgnoreFileName)
	return flow.Map(l.files.Load(path, IgnoreList), func(file *domain.File) (*domain.IgnoreFile, error) {
		if file == nil {
			return nil, nil
		}
		patterns, _ := file.Value.([]string)
		return &domain.IgnoreFile{Path: file.Path, Dirname: file.Dirname, Patterns: patterns}, nil
	})
}

// LoadExtends follows the extends chain of src and returns the extended
// configs, farthest first.
func (l *Loader) LoadExtends(src *domain.ConfigSource, data factory.CallData) flow.Step[[]*domain.ConfigSource] {
	return flow.Defer(func(context.Context) flow.Step[[]*domain.ConfigSource] {
		return l.followExtends(src, data)
	})
}

func (l *Loader) followExtends(src *domain.ConfigSource, data factory.CallData) flow.Step[[]*domain.ConfigSource] {
	visited := map[string]bool{src.Path: true}
	chain := []string{src.Path}

	var follow func(cur *domain.ConfigSource, out []*domain.ConfigSource) flow.Step[[]*domain.ConfigSource]
	follow = func(cur *domain.ConfigSource, out []*domain.ConfigSource) flow.Step[[]*domain.ConfigSource] {
		if cur.Options == nil || cur.Options.Extends == "" {
			return flow.Pure(out)
		}
		path := cur.Options.Extends
		if !filepath.IsAbs(path) {
			path = filepath.Join(cur.Dirname, path)
		}
		path = filepath.Clean(path)
		if visited[path] {
			return flow.Fail[[]*domain.ConfigSource](zerr.With(
				zerr.Wrap(domain.ErrExtendsCycle, strings.Join(append(chain, path), " -> ")),
				"path", path,
			))
		}
		visited[path] = true
		chain = append(chain, path)

		return flow.Then(l.LoadConfig(path, domain.SourceExtends, data), func(next *domain.ConfigSource) flow.Step[[]*domain.ConfigSource] {
			if next == nil {
				return flow.Fail[[]*domain.ConfigSource](zerr.With(
					zerr.Wrap(domain.ErrConfigNotFound, fmt.Sprintf("%s: cannot find config %q to extend", cur.Path, cur.Options.Extends)),
					"path", path,
				))
			}
			return follow(next, append([]*domain.ConfigSource{next}, out...))
		})
	}
	return follow(src, nil)
}

// KilnrcEnabled reports whether relative configs apply to the file the
// package data was walked from. Without explicit roots only the root
// package qualifies. Root patterns are resolved against cwd.
func KilnrcEnabled(pkg *domain.PackageData, roots []string, root, cwd string) (bool, error) {
	if len(roots) == 0 {
		return slices.Contains(pkg.Directories, filepath.Clean(root)), nil
	}
	for _, pattern := range roots {
		for _, dir := range pkg.Directories {
			ok, err := match.Glob(pattern, cwd, dir)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// findFiles loads every candidate path and keeps those that exist.
func (l *Loader) findFiles(paths []string) flow.Step[[]*domain.File] {
	return flow.Map(
		flow.ForEach(paths, func(_ int, p string) flow.Step[*domain.File] {
			return l.files.Load(p, parserFor(p))
		}),
		func(files []*domain.File) ([]*domain.File, error) {
			var found []*domain.File
			for _, f := range files {
				if f != nil {
					found = append(found, f)
				}
			}
			return found, nil
		},
	)
}

func candidates(dir, base string, bare bool) []string {
	var out []string
	if bare {
		out = append(out, filepath.Join(dir, base))
	}
	for _, ext := range domain.ConfigExtensions {
		out = append(out, filepath.Join(dir, base+ext))
	}
	return out
}

func multipleConfigs(dir string, files ...*domain.File) error {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f.Path)
	}
	return zerr.With(
		zerr.Wrap(domain.ErrMultipleConfigs, fmt.Sprintf("%s: found %s", dir, strings.Join(names, ", "))),
		"dir", dir,
	)
}
