// Package merge assembles the ordered chain of config layers for a request
// and merges it into the final option set.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.trai.ch/kiln/internal/adapters/config" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/match"
	"go.trai.ch/kiln/internal/engine/resolver"
	"go.trai.ch/zerr"
)

// Tier is the precedence of a layer's scalar options, low to high.
type Tier uint8

const (
	// TierPackage holds defaults derived from the package descriptor.
	TierPackage Tier = iota
	// TierExtends holds configs reached through extends.
	TierExtends
	// TierFile holds the root config followed by the relative config.
	TierFile
	// TierProgrammatic holds the options passed in code.
	TierProgrammatic
	// TierOverride holds matching override blocks.
	TierOverride
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierPackage:
		return "package"
	case TierExtends:
		return "extends"
	case TierFile:
		return "file"
	case TierProgrammatic:
		return "programmatic"
	default:
		return "override"
	}
}

// Item is one layer of the chain with its precedence.
type Item struct {
	Layer *resolver.Layer
	Tier  Tier
}

// Chain is the ordered set of layers contributing to a request. Items are in
// plugin order: programmatic sources first, then file sources in discovery
// order with every extended config ahead of the config extending it.
type Chain struct {
	Items      []Item
	ConfigFile string
	Kilnrc     string
	Ignore     *domain.IgnoreFile
	// SourceType is the default derived from the package descriptor "type".
	SourceType string
	// Files lists every file consulted, in discovery order.
	Files []string
	// Ignored is set when only/ignore or an ignore file excluded the filename.
	Ignored bool
}

// Merger builds and merges chains.
type Merger struct {
	loader   *config.Loader
	resolver *resolver.Resolver
	logger   ports.Logger
}

// New creates a Merger.
func New(loader *config.Loader, res *resolver.Resolver, logger ports.Logger) *Merger {
	return &Merger{
		loader:   loader,
		resolver: res,
		logger:   logger,
	}
}

// Normalize fills request defaults and makes paths absolute. cwd defaults to
// the process working directory, root to cwd and the env name to KILN_ENV.
func Normalize(req domain.Request) (*domain.Request, error) {
	if req.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, zerr.Wrap(err, "failed to determine working directory")
		}
		req.Cwd = wd
	}
	cwd, err := filepath.Abs(req.Cwd)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "invalid cwd"), "cwd", req.Cwd)
	}
	req.Cwd = cwd

	req.Root = absolute(cwd, req.Root)
	if req.Filename != "" {
		req.Filename = absolute(cwd, req.Filename)
	}
	if req.RootMode == "" {
		req.RootMode = domain.RootModeRoot
	}
	if req.EnvName == "" {
		req.EnvName = os.Getenv(domain.EnvVarName)
	}
	if req.EnvName == "" {
		req.EnvName = domain.DefaultEnvName
	}
	return &req, nil
}

func absolute(cwd, path string) string {
	if path == "" {
		return cwd
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

// CallData is the request data config, plugin and preset factories observe.
func CallData(req *domain.Request) factory.CallData {
	return factory.CallData{EnvName: req.EnvName, Caller: req.Caller}
}

func matchInput(req *domain.Request) resolver.MatchInput {
	return resolver.MatchInput{Filename: req.Filename, EnvName: req.EnvName, Caller: req.Caller}
}

type tiered struct {
	src  *domain.ConfigSource
	tier Tier
}

// BuildChain discovers every config source of a normalized request and
// expands each into its applicable layers.
func (m *Merger) BuildChain(req *domain.Request) flow.Step[*Chain] {
	return flow.Defer(func(context.Context) flow.Step[*Chain] {
		chain := &Chain{}
		return flow.Then(m.sources(req, chain), func(srcs []tiered) flow.Step[*Chain] {
			return flow.Then(
				flow.ForEach(srcs, func(_ int, t tiered) flow.Step[[]*resolver.Layer] {
					return m.resolver.Expand(t.src, matchInput(req))
				}),
				func(layers [][]*resolver.Layer) flow.Step[*Chain] {
					for i, ls := range layers {
						for _, l := range ls {
							tier := srcs[i].tier
							if l.Override {
								tier = TierOverride
							}
							chain.Items = append(chain.Items, Item{Layer: l, Tier: tier})
						}
					}
					ignored, err := isIgnored(chain, req)
					if err != nil {
						return flow.Fail[*Chain](err)
					}
					chain.Ignored = ignored
					m.debug(fmt.Sprintf("chain for %q: %d layers, ignored=%t", req.Filename, len(chain.Items), ignored))
					return flow.Pure(chain)
				},
			)
		})
	})
}

func (m *Merger) sources(req *domain.Request, chain *Chain) flow.Step[[]tiered] {
	data := CallData(req)
	prog := &domain.ConfigSource{
		Path:    domain.ProgrammaticLocation,
		Dirname: req.Cwd,
		Kind:    domain.SourceProgrammatic,
		Options: &req.Options,
	}

	var out []tiered
	withExtends := func(src *domain.ConfigSource, tier Tier) flow.Step[struct{}] {
		if src == nil {
			return flow.Pure(struct{}{})
		}
		return flow.Map(m.loader.LoadExtends(src, data), func(ext []*domain.ConfigSource) (struct{}, error) {
			for _, e := range ext {
				out = append(out, tiered{src: e, tier: TierExtends})
				chain.Files = append(chain.Files, e.Path)
			}
			out = append(out, tiered{src: src, tier: tier})
			if src.Kind != domain.SourceProgrammatic {
				chain.Files = append(chain.Files, src.Path)
			}
			return struct{}{}, nil
		})
	}

	programmatic := withExtends(prog, TierProgrammatic)
	root := flow.Then(programmatic, func(struct{}) flow.Step[string] {
		return m.loader.ResolveRoot(req.Root, req.RootMode)
	})

	return flow.Then(root, func(rootDir string) flow.Step[[]tiered] {
		rootCfg := m.loader.FindRootConfig(rootDir, req, data)
		afterRoot := flow.Then(rootCfg, func(src *domain.ConfigSource) flow.Step[struct{}] {
			if src != nil {
				chain.ConfigFile = src.Path
			}
			return withExtends(src, TierFile)
		})
		if req.Filename == "" {
			return flow.Map(afterRoot, func(struct{}) ([]tiered, error) { return out, nil })
		}

		return flow.Then(afterRoot, func(struct{}) flow.Step[[]tiered] {
			return flow.Then(m.loader.FindPackageData(req.Filename, rootDir), func(pkg *domain.PackageData) flow.Step[[]tiered] {
				if pkg.Pkg != nil {
					chain.Files = append(chain.Files, pkg.Pkg.Path)
					chain.SourceType = packageSourceType(pkg.Pkg)
				}
				enabled, err := m.kilnrcEnabled(req, pkg, rootDir)
				if err != nil {
					return flow.Fail[[]tiered](err)
				}
				if !enabled {
					return flow.Pure(out)
				}
				return flow.Then(m.loader.FindRelativeConfigs(pkg, data), func(rel *config.Relative) flow.Step[[]tiered] {
					if rel.Ignore != nil {
						chain.Ignore = rel.Ignore
						chain.Files = append(chain.Files, rel.Ignore.Path)
					}
					if rel.Config != nil {
						chain.Kilnrc = rel.Config.Path
					}
					return flow.Map(withExtends(rel.Config, TierFile), func(struct{}) ([]tiered, error) {
						return out, nil
					})
				})
			})
		})
	})
}

func (m *Merger) kilnrcEnabled(req *domain.Request, pkg *domain.PackageData, root string) (bool, error) {
	if req.Kilnrc != nil && !*req.Kilnrc {
		return false, nil
	}
	return config.KilnrcEnabled(pkg, req.KilnrcRoots, root, req.Cwd)
}

// packageSourceType maps the package descriptor "type" to a default sourceType.
func packageSourceType(pkg *domain.File) string {
	obj, _ := pkg.Value.(map[string]any)
	switch obj["type"] {
	case "module":
		return "module"
	case "commonjs":
		return "script"
	default:
		return ""
	}
}

func isIgnored(chain *Chain, req *domain.Request) (bool, error) {
	for _, it := range chain.Items {
		ctx := domain.MatchContext{Caller: req.Caller, Dirname: it.Layer.Dirname, EnvName: req.EnvName}
		ignored, err := match.Ignored(it.Layer.Options, req.Filename, ctx)
		if err != nil || ignored {
			return ignored, err
		}
	}
	return match.IgnoredByFile(chain.Ignore, req.Filename)
}

func (m *Merger) debug(msg string) {
	if m.logger != nil {
		m.logger.Debug(msg)
	}
}
