// Package match evaluates test/include/exclude and only/ignore matchers
// against the file being compiled.
package match

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// Matches reports whether any matcher matches filename. Globs are resolved
// against ctx.Dirname and match the file itself or any of its ancestors, so
// "src" covers everything below src.
func Matches(ms []domain.Matcher, filename string, ctx domain.MatchContext) (bool, error) {
	for _, m := range ms {
		ok, err := matchOne(m, filename, ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchOne(m domain.Matcher, filename string, ctx domain.MatchContext) (bool, error) {
	if m.Func != nil {
		return m.Func(filename, ctx), nil
	}
	if filename == "" {
		return false, zerr.With(zerr.Wrap(domain.ErrNoFilename, "cannot evaluate pattern"), "dirname", ctx.Dirname)
	}
	if m.Regexp != nil {
		return m.Regexp.MatchString(filename), nil
	}
	if m.Glob == "" {
		return false, nil
	}
	return Glob(m.Glob, ctx.Dirname, filename)
}

// Glob matches filename against pattern resolved against dirname.
func Glob(pattern, dirname, filename string) (bool, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dirname, pattern)
	}
	pattern = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(pattern)), "/")
	name := filepath.ToSlash(filepath.Clean(filename))

	if ok, err := doublestar.Match(pattern, name); err != nil || ok {
		return ok, wrapPattern(err, pattern)
	}
	ok, err := doublestar.Match(pattern+"/**", name)
	return ok, wrapPattern(err, pattern)
}

func wrapPattern(err error, pattern string) error {
	if err == nil {
		return nil
	}
	return zerr.With(zerr.Wrap(domain.ErrShape, "invalid glob pattern "+pattern), "pattern", pattern)
}

// Applies reports whether a block with the given test/include/exclude
// conditions applies to filename. A block without conditions always applies.
func Applies(opts *domain.Options, filename string, ctx domain.MatchContext) (bool, error) {
	if len(opts.Test) > 0 {
		ok, err := Matches(opts.Test, filename, ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(opts.Include) > 0 {
		ok, err := Matches(opts.Include, filename, ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(opts.Exclude) > 0 {
		ok, err := Matches(opts.Exclude, filename, ctx)
		if err != nil || ok {
			return false, err
		}
	}
	return true, nil
}

// Ignored reports whether only/ignore exclude filename from compilation.
func Ignored(opts *domain.Options, filename string, ctx domain.MatchContext) (bool, error) {
	if len(opts.Ignore) > 0 {
		ok, err := Matches(opts.Ignore, filename, ctx)
		if err != nil || ok {
			return ok, err
		}
	}
	if len(opts.Only) > 0 {
		ok, err := Matches(opts.Only, filename, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, nil
}

// IgnoredByFile reports whether a pattern of an ignore file matches filename.
func IgnoredByFile(ig *domain.IgnoreFile, filename string) (bool, error) {
	if ig == nil || filename == "" {
		return false, nil
	}
	for _, p := range ig.Patterns {
		ok, err := Glob(p, ig.Dirname, filename)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
