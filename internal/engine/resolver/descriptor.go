package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/match"
	"go.trai.ch/kiln/internal/engine/memo"
)

// EntryContext locates a plugin or preset entry inside its source.
type EntryContext struct {
	Kind domain.EntryKind
	// Location is the path of the declaring source, or "programmatic".
	Location string
	// Owner is the cache entry that produced the declaring source.
	Owner   uint64
	Dirname string
	// Block labels the options block inside the source, such as "$env$production".
	Block   string
	Index   int
	OwnPass bool
}

func (c EntryContext) alias() string {
	return fmt.Sprintf("%s%s$%d", c.Location, c.Block, c.Index)
}

// ResolveEntry turns one entry into a descriptor. Descriptors are cached per
// declaring source, value identity, options identity, name and dirname, so an
// unchanged entry yields the same descriptor pointer on every resolution.
// Disabled entries are kept verbatim and never instantiated.
func (r *Resolver) ResolveEntry(entry domain.Entry, at EntryContext) flow.Step[*domain.Descriptor] {
	if entry.Disabled() {
		return flow.Pure(&domain.Descriptor{
			Kind:    at.Kind,
			Value:   entry.Value,
			Options: entry.Options,
			Dirname: at.Dirname,
			Name:    entry.Name,
			Alias:   at.alias(),
			OwnPass: at.OwnPass,
			Owner:   at.Owner,
		})
	}

	ns := "descriptor:" + at.Kind.String()
	if at.OwnPass {
		ns += ":pass"
	}
	call := memo.Call{
		Key: memo.Key{
			Namespace: ns,
			Location:  at.Location,
			Owner:     at.Owner,
			Value:     memo.Identity(entry.Value),
			Options:   memo.Identity(entry.Options),
			Name:      entry.Name,
			Dirname:   at.Dirname,
		},
		Default: memo.PolicyForever,
		Refs:    []any{entry.Value, entry.Options},
	}

	return memo.Compute(r.store, call, func(_ context.Context, api *memo.CacheAPI) flow.Step[*domain.Descriptor] {
		desc := &domain.Descriptor{
			Kind:    at.Kind,
			Value:   entry.Value,
			Options: detach(entry.Options),
			Dirname: at.Dirname,
			Name:    entry.Name,
			Alias:   at.alias(),
			OwnPass: at.OwnPass,
			Owner:   at.Owner,
		}

		switch v := entry.Value.(type) {
		case *domain.Module:
			desc.Value = v.Value
			desc.Resolved = v.Name
			return flow.Pure(desc)
		case string:
			desc.Request = v
			return flow.Map(r.lookup(api, at.Kind, v, at.Dirname), func(m *domain.Module) (*domain.Descriptor, error) {
				desc.Value = m.Value
				desc.Resolved = m.Name
				return desc, nil
			})
		default:
			return flow.Pure(desc)
		}
	})
}

// lookup resolves a module reference. The module is re-resolved on every
// cache lookup, so a re-registered name or an edited module file replaces the
// descriptor.
func (r *Resolver) lookup(api *memo.CacheAPI, kind domain.EntryKind, request, dirname string) flow.Step[*domain.Module] {
	resolve := func(context.Context) (*domain.Module, error) {
		var err error
		m, _ := api.Using(func(any) (any, error) {
			m, rerr := r.modules.Resolve(kind, request, dirname)
			if rerr != nil {
				return nil, rerr
			}
			return identify(m), nil
		}).(moduleIdentity)
		if m.module == nil {
			err = api.Err()
		}
		return m.module, err
	}
	return flow.Suspend("resolve "+request, resolve, func(ctx context.Context) *flow.Future[*domain.Module] {
		return flow.Go(func() (*domain.Module, error) {
			return resolve(ctx)
		})
	})
}

// moduleIdentity compares modules by pointer when a cached descriptor is
// revalidated. The address makes two distinct but deeply equal modules differ.
type moduleIdentity struct {
	module *domain.Module
	addr   uintptr
}

func identify(m *domain.Module) moduleIdentity {
	return moduleIdentity{module: m, addr: reflect.ValueOf(m).Pointer()}
}

// Layer is one applicable options block with its entries resolved.
type Layer struct {
	Source  *domain.ConfigSource
	Options *domain.Options
	Dirname string
	// Override marks layers that come from a matching override block.
	Override bool
	Plugins  []*domain.Descriptor
	Presets  []*domain.Descriptor
}

// MatchInput is the per-request data options blocks are tested against.
type MatchInput struct {
	Filename string
	EnvName  string
	Caller   domain.Caller
}

type block struct {
	label    string
	opts     *domain.Options
	override bool
}

// Expand returns the layers of src that apply to the request, in merge order:
// the base block, its env block, then each matching override followed by the
// override's env block. A source whose base block does not apply yields nothing.
func (r *Resolver) Expand(src *domain.ConfigSource, in MatchInput) flow.Step[[]*Layer] {
	if src == nil || src.Options == nil {
		return flow.Pure[[]*Layer](nil)
	}
	return flow.Defer(func(context.Context) flow.Step[[]*Layer] {
		blocks, err := applicable(src, in)
		if err != nil {
			return flow.Fail[[]*Layer](err)
		}
		return flow.ForEach(blocks, func(_ int, b block) flow.Step[*Layer] {
			return r.layer(src, b)
		})
	})
}

func applicable(src *domain.ConfigSource, in MatchInput) ([]block, error) {
	ctx := domain.MatchContext{Caller: in.Caller, Dirname: src.Dirname, EnvName: in.EnvName}
	var out []block

	add := func(label string, opts *domain.Options) (bool, error) {
		override := strings.HasPrefix(label, "$overrides")
		if opts == nil {
			return false, nil
		}
		ok, err := match.Applies(opts, in.Filename, ctx)
		if err != nil || !ok {
			return false, err
		}
		out = append(out, block{label: label, opts: opts, override: override})
		return true, nil
	}

	ok, err := add("", src.Options)
	if err != nil || !ok {
		return nil, err
	}
	if _, err := add("$env$"+in.EnvName, src.Options.Env[in.EnvName]); err != nil {
		return nil, err
	}
	for i, o := range src.Options.Overrides {
		label := fmt.Sprintf("$overrides$%d", i)
		ok, err := add(label, o)
		if err != nil {
			return nil, err
		}
		if !ok || o == nil {
			continue
		}
		if _, err := add(label+"$env$"+in.EnvName, o.Env[in.EnvName]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) layer(src *domain.ConfigSource, b block) flow.Step[*Layer] {
	ownPass := b.opts.PassPerPreset != nil && *b.opts.PassPerPreset
	at := func(kind domain.EntryKind, i int, pass bool) EntryContext {
		return EntryContext{
			Kind:     kind,
			Location: src.Path,
			Owner:    src.Owner,
			Dirname:  src.Dirname,
			Block:    b.label,
			Index:    i,
			OwnPass:  pass,
		}
	}

	plugins := flow.ForEach(b.opts.Plugins, func(i int, e domain.Entry) flow.Step[*domain.Descriptor] {
		return r.ResolveEntry(e, at(domain.KindPlugin, i, false))
	})
	return flow.Then(plugins, func(ps []*domain.Descriptor) flow.Step[*Layer] {
		presets := flow.ForEach(b.opts.Presets, func(i int, e domain.Entry) flow.Step[*domain.Descriptor] {
			return r.ResolveEntry(e, at(domain.KindPreset, i, ownPass))
		})
		return flow.Map(presets, func(pr []*domain.Descriptor) (*Layer, error) {
			return &Layer{
				Source:   src,
				Options:  b.opts,
				Dirname:  src.Dirname,
				Override: b.override,
				Plugins:  ps,
				Presets:  pr,
			}, nil
		})
	})
}

// presetDirname is the base nested entries of a preset resolve against. A
// preset loaded from a file resolves relative to that file.
func presetDirname(desc *domain.Descriptor) string {
	if filepath.IsAbs(desc.Resolved) {
		return filepath.Dir(desc.Resolved)
	}
	return desc.Dirname
}

// detach copies the map and slice containers of options. A cached descriptor
// must not keep the caller's options reachable, since the entry holding it is
// keyed on their identity.
func detach(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = detach(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = detach(e)
		}
		return out
	}
	return v
}
