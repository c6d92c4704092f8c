package merge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/match"
	"go.trai.ch/kiln/internal/engine/resolver"
)

// pass collects the descriptors of one plugin pass.
type pass struct {
	descs []*domain.Descriptor
}

type expansion struct {
	req      *domain.Request
	passes   []*pass
	defaults []*resolver.Layer
	ignored  bool
}

// Merge expands the presets of chain, instantiates every plugin and merges the
// scalar options. An ignored chain yields nil.
func (m *Merger) Merge(chain *Chain, req *domain.Request) flow.Step[*domain.MergedOptions] {
	if chain.Ignored {
		return flow.Pure[*domain.MergedOptions](nil)
	}
	return flow.Defer(func(context.Context) flow.Step[*domain.MergedOptions] {
		plugins, presets := descriptors(chain)
		st := &expansion{req: req, passes: []*pass{{descs: enabled(plugins)}}}

		expanded := m.expand(enabled(presets), st.passes[0], st)
		return flow.Then(expanded, func(struct{}) flow.Step[*domain.MergedOptions] {
			if st.ignored {
				return flow.Pure[*domain.MergedOptions](nil)
			}
			return flow.Map(m.instantiate(st), func(passes [][]*domain.Plugin) (*domain.MergedOptions, error) {
				out := m.options(chain, req, st.defaults)
				out.Plugins = passes[0]
				for _, p := range passes[1:] {
					if len(p) > 0 {
						out.Passes = append(out.Passes, p)
					}
				}
				out.PassPerPreset = len(out.Passes) > 0
				return out, nil
			})
		})
	})
}

// Partial reports the chain without expanding presets or instantiating
// plugins. Disabled entries are kept.
func (m *Merger) Partial(chain *Chain, req *domain.Request) *domain.PartialConfig {
	if chain.Ignored {
		return nil
	}
	plugins, presets := descriptors(chain)
	out := &domain.PartialConfig{
		Options:    m.options(chain, req, nil),
		Plugins:    plugins,
		Presets:    presets,
		ConfigFile: chain.ConfigFile,
		Kilnrc:     chain.Kilnrc,
		Files:      slices.Clone(chain.Files),
	}
	if chain.Ignore != nil {
		out.Ignore = chain.Ignore.Path
	}
	return out
}

// descriptors concatenates the plugin and preset lists of every layer in
// chain order. Only repeated pointers are dropped.
func descriptors(chain *Chain) (plugins, presets []*domain.Descriptor) {
	for _, it := range chain.Items {
		plugins = appendUnique(plugins, it.Layer.Plugins...)
		presets = appendUnique(presets, it.Layer.Presets...)
	}
	return plugins, presets
}

func appendUnique(dst []*domain.Descriptor, descs ...*domain.Descriptor) []*domain.Descriptor {
	for _, d := range descs {
		if !slices.Contains(dst, d) {
			dst = append(dst, d)
		}
	}
	return dst
}

func enabled(descs []*domain.Descriptor) []*domain.Descriptor {
	out := make([]*domain.Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Disabled() || d.Value == nil || d.Value == false {
			continue
		}
		out = append(out, d)
	}
	return out
}

type presetRun struct {
	preset *resolver.ExpandedPreset
	pass   *pass
}

// expand loads presets and distributes their plugins over passes. Presets
// sharing the current pass run last-to-first; presets with their own pass get
// a new pass each, placed right after the first one. Each preset contributes
// its plugins before those of its nested presets.
func (m *Merger) expand(presets []*domain.Descriptor, current *pass, st *expansion) flow.Step[struct{}] {
	if len(presets) == 0 {
		return flow.Pure(struct{}{})
	}
	data := CallData(st.req)
	loaded := flow.ForEach(presets, func(_ int, d *domain.Descriptor) flow.Step[*resolver.ExpandedPreset] {
		return m.resolver.LoadPreset(d, data)
	})

	return flow.Then(loaded, func(ps []*resolver.ExpandedPreset) flow.Step[struct{}] {
		var runs []presetRun
		var fresh []*pass
		for _, p := range ps {
			if p.Descriptor.OwnPass {
				np := &pass{}
				fresh = append(fresh, np)
				runs = append(runs, presetRun{preset: p, pass: np})
				continue
			}
			runs = append([]presetRun{{preset: p, pass: current}}, runs...)
		}
		st.passes = slices.Insert(st.passes, 1, fresh...)

		var loop func(i int) flow.Step[struct{}]
		loop = func(i int) flow.Step[struct{}] {
			if i == len(runs) || st.ignored {
				return flow.Pure(struct{}{})
			}
			run := runs[i]
			return flow.Then(m.resolver.Expand(run.preset.Source, matchInput(st.req)), func(layers []*resolver.Layer) flow.Step[struct{}] {
				var nested []*domain.Descriptor
				for _, l := range layers {
					ctx := domain.MatchContext{Caller: st.req.Caller, Dirname: l.Dirname, EnvName: st.req.EnvName}
					ignored, err := match.Ignored(l.Options, st.req.Filename, ctx)
					if err != nil {
						return flow.Fail[struct{}](err)
					}
					if ignored {
						st.ignored = true
						return flow.Pure(struct{}{})
					}
					run.pass.descs = appendUnique(run.pass.descs, enabled(l.Plugins)...)
					nested = appendUnique(nested, enabled(l.Presets)...)
				}
				return flow.Then(m.expand(nested, run.pass, st), func(struct{}) flow.Step[struct{}] {
					st.defaults = append(st.defaults, layers...)
					return loop(i + 1)
				})
			})
		}
		return loop(0)
	})
}

// instantiate loads the plugins of every pass.
func (m *Merger) instantiate(st *expansion) flow.Step[[][]*domain.Plugin] {
	data := CallData(st.req)
	return flow.ForEach(st.passes, func(_ int, p *pass) flow.Step[[]*domain.Plugin] {
		return flow.ForEach(p.descs, func(_ int, d *domain.Descriptor) flow.Step[*domain.Plugin] {
			return m.resolver.LoadPlugin(d, data)
		})
	})
}

// options merges scalar options: preset defaults first, then the package
// default, then the chain layers ordered by tier. Within a tier later layers win.
func (m *Merger) options(chain *Chain, req *domain.Request, defaults []*resolver.Layer) *domain.MergedOptions {
	out := &domain.MergedOptions{
		Filename:   req.Filename,
		Cwd:        req.Cwd,
		Root:       req.Root,
		EnvName:    req.EnvName,
		ConfigFile: chain.ConfigFile,
		Kilnrc:     chain.Kilnrc,
		Caller:     req.Caller,
		Files:      slices.Clone(chain.Files),
	}
	for _, l := range defaults {
		apply(out, l.Options)
	}
	if chain.SourceType != "" {
		out.SourceType = chain.SourceType
	}

	items := slices.Clone(chain.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Tier < items[j].Tier })
	for _, it := range items {
		apply(out, it.Layer.Options)
	}
	m.debug(fmt.Sprintf("merged %d layers for %q", len(items), req.Filename))
	return out
}

// apply merges the scalar fields of o over out. Unset fields keep the lower value.
func apply(out *domain.MergedOptions, o *domain.Options) {
	if o == nil {
		return
	}
	setBool(&out.Ast, o.Ast)
	setBool(&out.Comments, o.Comments)
	setBool(&out.Compact, o.Compact)
	setBool(&out.RetainLines, o.RetainLines)
	setBool(&out.Minified, o.Minified)
	if o.SourceMaps != "" {
		out.SourceMaps = o.SourceMaps
	}
	if o.SourceType != "" {
		out.SourceType = o.SourceType
	}
	out.ParserOpts = shallow(out.ParserOpts, o.ParserOpts)
	out.GeneratorOpts = shallow(out.GeneratorOpts, o.GeneratorOpts)
	out.Assumptions = shallow(out.Assumptions, o.Assumptions)
}

func setBool(dst **bool, v *bool) {
	if v != nil {
		b := *v
		*dst = &b
	}
}

func shallow[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
