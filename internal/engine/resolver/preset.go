package resolver

import (
	"context"
	"fmt"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/zerr"
)

// ExpandedPreset is an instantiated preset. Its options form a config source
// whose entries resolve relative to the preset.
type ExpandedPreset struct {
	Descriptor *domain.Descriptor
	Source     *domain.ConfigSource
}

// LoadPreset instantiates the preset behind desc. Presets may not use extends.
func (r *Resolver) LoadPreset(desc *domain.Descriptor, data factory.CallData) flow.Step[*ExpandedPreset] {
	name := label(desc)
	call := memo.Call{
		Key: memo.Key{
			Namespace: "preset",
			Location:  desc.Resolved,
			Owner:     desc.Owner,
			Value:     memo.Identity(desc),
		},
		Data:    data,
		Default: memo.PolicyForever,
		Refs:    []any{desc},
	}

	return memo.Compute(r.store, call, func(_ context.Context, api *memo.CacheAPI) flow.Step[*ExpandedPreset] {
		r.debug("instantiate preset " + name)

		def := flow.Then(flow.From[Definition](Classify(domain.KindPreset, desc.Value, name)), func(d Definition) flow.Step[*domain.PresetDef] {
			if d.Kind != DefFactory {
				return flow.Pure(d.Preset)
			}
			return flow.Then(factory.Invoke(d.Factory, factory.New(api), desc.Options, desc.Dirname), func(out any) flow.Step[*domain.PresetDef] {
				res, err := classifyResult(domain.KindPreset, out, name)
				if err != nil {
					return flow.Fail[*domain.PresetDef](err)
				}
				return flow.Pure(res.Preset)
			})
		})

		return flow.Then(def, func(d *domain.PresetDef) flow.Step[*ExpandedPreset] {
			if err := validatePreset(&d.Options, name); err != nil {
				return flow.Fail[*ExpandedPreset](err)
			}
			path := desc.Resolved
			if path == "" {
				path = desc.Alias
			}
			return flow.Pure(&ExpandedPreset{
				Descriptor: desc,
				Source: &domain.ConfigSource{
					Path:    path,
					Dirname: presetDirname(desc),
					Kind:    domain.SourcePreset,
					Options: &d.Options,
					Owner:   api.Owner(),
				},
			})
		})
	})
}

// validatePreset rejects option shapes a decoded map could never carry but a
// Go-built preset can.
func validatePreset(opts *domain.Options, name string) error {
	fail := func(msg string) error {
		return zerr.With(zerr.Wrap(domain.ErrValidation, name+": "+msg), "preset", name)
	}
	if opts.Extends != "" {
		return fail(".extends is not allowed in presets")
	}
	for envName, env := range opts.Env {
		if env == nil {
			continue
		}
		if len(env.Env) > 0 {
			return fail(fmt.Sprintf(".env[%q].env is not allowed inside an env block", envName))
		}
		if env.Extends != "" {
			return fail(fmt.Sprintf(".env[%q].extends is not allowed in presets", envName))
		}
	}
	for i, o := range opts.Overrides {
		if o == nil {
			continue
		}
		if len(o.Overrides) > 0 {
			return fail(fmt.Sprintf(".overrides[%d].overrides is not allowed inside an override block", i))
		}
		if o.Extends != "" {
			return fail(fmt.Sprintf(".overrides[%d].extends is not allowed in presets", i))
		}
	}
	return nil
}
