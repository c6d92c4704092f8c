// Package registry resolves plugin and preset module references: names
// registered from Go and Starlark module files on disk.
package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/script" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.ModuleResolver = (*Registry)(nil)

type fileModule struct {
	file   *domain.File
	module *domain.Module
}

// Registry implements ports.ModuleResolver.
type Registry struct {
	mu      sync.RWMutex
	named   map[string]*domain.Module
	byFile  map[string]fileModule
	files   *fs.FileCache
	scripts fs.Parser
}

// New creates an empty registry reading module files through files.
func New(files *fs.FileCache) *Registry {
	return &Registry{
		named:   make(map[string]*domain.Module),
		byFile:  make(map[string]fileModule),
		files:   files,
		scripts: script.Parser,
	}
}

// Register makes value resolvable under name and returns its module. Values
// are usually a domain.Factory, *domain.PluginDef or *domain.PresetDef.
// Registering a name again replaces the module.
func (r *Registry) Register(name string, value any) *domain.Module {
	m := &domain.Module{Name: name, Value: value}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = m
	return m
}

// Unregister removes name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.named, name)
}

// Resolve finds the module a request refers to. Paths load a Starlark module
// relative to dirname; names are standardized for kind and looked up.
func (r *Registry) Resolve(kind domain.EntryKind, request, dirname string) (*domain.Module, error) {
	if isPath(request) {
		path := request
		if !filepath.IsAbs(path) {
			path = filepath.Join(dirname, path)
		}
		return r.resolveFile(kind, request, filepath.Clean(path))
	}

	name := Standardize(kind, request)
	r.mu.RLock()
	m, ok := r.named[name]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	return nil, r.notFound(kind, request, name, dirname)
}

func (r *Registry) resolveFile(kind domain.EntryKind, request, path string) (*domain.Module, error) {
	file, err := r.files.Get(path, r.scripts)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrModuleNotFound, fmt.Sprintf("Cannot find module %q at %s", request, path)),
			"path", path,
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.byFile[path]; ok && cached.file == file {
		return cached.module, nil
	}

	mod, _ := file.Value.(*script.Module)
	if mod == nil {
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, path+": not a Starlark module"), "path", path)
	}
	value, ok := mod.Export(kind.String())
	if !ok {
		value, ok = mod.Export("default")
	}
	if !ok {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: module must define %q or \"default\"", path, kind.String())),
			"path", path,
		)
	}

	m := &domain.Module{Name: path, Value: value}
	r.byFile[path] = fileModule{file: file, module: m}
	return m, nil
}

func (r *Registry) notFound(kind domain.EntryKind, request, name, dirname string) error {
	var hints []string

	other := domain.KindPreset
	if kind == domain.KindPreset {
		other = domain.KindPlugin
	}
	r.mu.RLock()
	_, otherKind := r.named[Standardize(other, request)]
	_, raw := r.named[request]
	r.mu.RUnlock()

	if otherKind {
		hints = append(hints, fmt.Sprintf("Did you accidentally pass a %s as a %s?", other, kind))
	}
	if raw && request != name {
		hints = append(hints, fmt.Sprintf("If you want to resolve %q, use \"module:%s\"", request, request))
	}

	msg := fmt.Sprintf("Cannot find %s %q relative to directory %q", kind, name, dirname)
	for _, h := range hints {
		msg += "\n- " + h
	}
	return zerr.With(zerr.With(zerr.Wrap(domain.ErrModuleNotFound, msg), "request", request), "dirname", dirname)
}

func isPath(request string) bool {
	return filepath.IsAbs(request) ||
		strings.HasPrefix(request, "./") ||
		strings.HasPrefix(request, "../") ||
		request == "." || request == ".." ||
		strings.HasSuffix(request, ".star")
}

// Standardize expands a short module name for kind:
//
//	foo              -> kiln-plugin-foo
//	@scope/foo       -> @scope/kiln-plugin-foo
//	@scope           -> @scope/kiln-plugin
//	@kiln/foo        -> @kiln/plugin-foo
//	module:foo       -> foo
//
// Names that already carry the prefix, nested names and paths are unchanged.
func Standardize(kind domain.EntryKind, name string) string {
	if isPath(name) {
		return name
	}
	if rest, ok := strings.CutPrefix(name, "module:"); ok {
		return rest
	}

	prefix := domain.PluginPrefix
	if kind == domain.KindPreset {
		prefix = domain.PresetPrefix
	}

	if !strings.HasPrefix(name, "@") {
		if strings.Contains(name, "/") || strings.HasPrefix(name, prefix+"-") {
			return name
		}
		return prefix + "-" + name
	}

	scope, rest, ok := strings.Cut(name, "/")
	if !ok {
		if scope == "@kiln" {
			return name
		}
		return scope + "/" + prefix
	}
	if strings.Contains(rest, "/") {
		return name
	}
	if scope == "@kiln" {
		short := kind.String() + "-"
		if strings.HasPrefix(rest, short) {
			return name
		}
		return scope + "/" + short + rest
	}
	if hasPrefixWord(rest, prefix) {
		return name
	}
	return scope + "/" + prefix + "-" + rest
}

// hasPrefixWord reports whether s contains word followed by "-" or the end.
func hasPrefixWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		end := i + j + len(word)
		if end == len(s) || s[end] == '-' {
			return true
		}
		i += j + 1
	}
}
