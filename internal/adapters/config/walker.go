package config

import (
	"context"
	"path/filepath"
	"slices"

	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/flow"
)

// FindPackageData walks upward from filename's directory, loading
// package.json in each directory, until it finds one, reaches a dependency
// boundary, the configured root or the filesystem root. Directories lists the
// visited directories nearest first.
//
// IsPackage is false when the walk ran out of directories (filesystem or
// configured root) without finding a package descriptor. Stopping at a
// boundary leaves it true: a file under node_modules belongs to a package
// even if its descriptor is not visible from here.
func (l *Loader) FindPackageData(filename, root string) flow.Step[*domain.PackageData] {
	if root != "" {
		root = filepath.Clean(root)
	}

	return flow.Defer(func(_ context.Context) flow.Step[*domain.PackageData] {
		data := &domain.PackageData{Filepath: filename, IsPackage: true}
		return l.walk(data, filepath.Dir(filepath.Clean(filename)), root)
	})
}

func (l *Loader) walk(data *domain.PackageData, dir, root string) flow.Step[*domain.PackageData] {
	if slices.Contains(l.boundaries, filepath.Base(dir)) {
		return flow.Pure(data)
	}
	data.Directories = append(data.Directories, dir)

	pkgPath := filepath.Join(dir, domain.PackageFileName)
	return flow.Then(l.files.Load(pkgPath, fs.JSONObject), func(pkg *domain.File) flow.Step[*domain.PackageData] {
		if pkg != nil {
			data.Pkg = pkg
			return flow.Pure(data)
		}
		next := filepath.Dir(dir)
		if next == dir || dir == root {
			data.IsPackage = false
			return flow.Pure(data)
		}
		return l.walk(data, next, root)
	})
}
