package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/zerr"
)

// label names a descriptor in error messages.
func label(desc *domain.Descriptor) string {
	switch {
	case desc.Name != "":
		return desc.Name
	case desc.Resolved != "":
		return desc.Resolved
	default:
		return desc.Alias
	}
}

// LoadPlugin instantiates the plugin behind desc. The instance is cached per
// descriptor and request data, and evicted with the source that declared it.
func (r *Resolver) LoadPlugin(desc *domain.Descriptor, data factory.CallData) flow.Step[*domain.Plugin] {
	call := memo.Call{
		Key: memo.Key{
			Namespace: "plugin",
			Location:  desc.Resolved,
			Owner:     desc.Owner,
			Value:     memo.Identity(desc),
		},
		Data:    data,
		Default: memo.PolicyForever,
		Refs:    []any{desc},
	}
	return r.instantiate(call, desc.Value, desc)
}

func (r *Resolver) instantiate(call memo.Call, value any, desc *domain.Descriptor) flow.Step[*domain.Plugin] {
	name := label(desc)
	return memo.Compute(r.store, call, func(_ context.Context, api *memo.CacheAPI) flow.Step[*domain.Plugin] {
		r.debug("instantiate plugin " + name)

		def := flow.Then(flow.From[Definition](Classify(domain.KindPlugin, value, name)), func(d Definition) flow.Step[*domain.PluginDef] {
			if d.Kind != DefFactory {
				return flow.Pure(d.Plugin)
			}
			return flow.Then(factory.Invoke(d.Factory, factory.New(api), desc.Options, desc.Dirname), func(out any) flow.Step[*domain.PluginDef] {
				res, err := classifyResult(domain.KindPlugin, out, name)
				if err != nil {
					return flow.Fail[*domain.PluginDef](err)
				}
				return flow.Pure(res.Plugin)
			})
		})

		return flow.Then(def, func(d *domain.PluginDef) flow.Step[*domain.Plugin] {
			plugin, err := build(d, desc, name)
			if err != nil {
				return flow.Fail[*domain.Plugin](err)
			}
			if d.Inherits == nil {
				return flow.Pure(plugin)
			}
			return flow.Map(r.inherited(d.Inherits, desc, call.Data), func(parent *domain.Plugin) (*domain.Plugin, error) {
				return inherit(parent, plugin), nil
			})
		})
	})
}

// inherited instantiates the plugin a definition inherits from. It is cached
// by value and by the descriptor whose options it receives.
func (r *Resolver) inherited(value any, desc *domain.Descriptor, data any) flow.Step[*domain.Plugin] {
	if !validInherits(value) {
		return flow.Fail[*domain.Plugin](validation(label(desc), ".inherits must be a function, or undefined"))
	}
	if m, ok := value.(*domain.Module); ok {
		value = m.Value
	}
	parent := &domain.Descriptor{
		Kind:    domain.KindPlugin,
		Value:   value,
		Options: desc.Options,
		Dirname: desc.Dirname,
		Alias:   label(desc) + "$inherits",
		Owner:   desc.Owner,
	}
	// The descriptor owns its options, so it stands in for their identity.
	call := memo.Call{
		Key: memo.Key{
			Namespace: "plugin:inherits",
			Location:  desc.Resolved,
			Owner:     desc.Owner,
			Value:     memo.Identity(value),
			Options:   memo.Identity(desc),
			Dirname:   desc.Dirname,
		},
		Data:    data,
		Default: memo.PolicyForever,
		Refs:    []any{value, desc},
	}
	return r.instantiate(call, value, parent)
}

func validInherits(v any) bool {
	switch v.(type) {
	case *domain.PluginDef, *domain.Module:
		return true
	}
	return factory.IsFactory(v)
}

func validation(name, msg string) error {
	return zerr.With(zerr.Wrap(domain.ErrValidation, name+": "+msg), "plugin", name)
}

// build validates a plugin body and normalizes its visitor.
func build(d *domain.PluginDef, desc *domain.Descriptor, name string) (*domain.Plugin, error) {
	visitor, err := normalizeVisitor(d.Visitor, name)
	if err != nil {
		return nil, err
	}

	key := d.Name
	if key == "" {
		key = desc.Name
	}
	if key == "" {
		key = desc.Alias
	}

	p := &domain.Plugin{
		Key:     key,
		Name:    d.Name,
		Visitor: visitor,
		Options: desc.Options,
		Dirname: desc.Dirname,
	}
	for _, hook := range []struct {
		field string
		value any
		dst   *[]any
	}{
		{"pre", d.Pre, &p.Pre},
		{"post", d.Post, &p.Post},
		{"manipulateOptions", d.ManipulateOptions, &p.ManipulateOptions},
	} {
		if hook.value == nil {
			continue
		}
		if !callable(hook.value) {
			return nil, validation(name, fmt.Sprintf(".%s must be a function, or undefined", hook.field))
		}
		*hook.dst = []any{hook.value}
	}
	return p, nil
}

func callable(v any) bool {
	switch v.(type) {
	case func(), func() error, func(any) error, domain.Callable:
		return true
	}
	return factory.IsFactory(v)
}

// normalizeVisitor splits "A|B" keys and turns every handler into enter/exit lists.
func normalizeVisitor(raw map[string]any, name string) (map[string]*domain.Handlers, error) {
	out := make(map[string]*domain.Handlers, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "enter" || k == "exit" {
			return nil, validation(name,
				`.visitor cannot contain catch-all "enter" or "exit" handlers. Please target individual nodes.`)
		}
		h, err := handlers(raw[k], k, name)
		if err != nil {
			return nil, err
		}
		for _, node := range strings.Split(k, "|") {
			node = strings.TrimSpace(node)
			if node == "" {
				continue
			}
			cur, ok := out[node]
			if !ok {
				cur = &domain.Handlers{}
				out[node] = cur
			}
			cur.Enter = append(cur.Enter, h.Enter...)
			cur.Exit = append(cur.Exit, h.Exit...)
		}
	}
	return out, nil
}

func handlers(v any, node, name string) (*domain.Handlers, error) {
	switch h := v.(type) {
	case *domain.Handlers:
		return h, nil
	case map[string]any:
		out := &domain.Handlers{}
		for k, fn := range h {
			if !callable(fn) {
				return nil, validation(name, fmt.Sprintf("visitor %s.%s must be a function", node, k))
			}
			switch k {
			case "enter":
				out.Enter = append(out.Enter, fn)
			case "exit":
				out.Exit = append(out.Exit, fn)
			default:
				return nil, validation(name, fmt.Sprintf("visitor %s has unknown handler %q", node, k))
			}
		}
		return out, nil
	}
	if callable(v) {
		return &domain.Handlers{Enter: []any{v}}, nil
	}
	return nil, validation(name, fmt.Sprintf("visitor %s must be a function or an object with enter/exit", node))
}

// inherit merges parent handlers ahead of the child's own.
func inherit(parent, child *domain.Plugin) *domain.Plugin {
	out := *child
	out.Pre = concat(parent.Pre, child.Pre)
	out.Post = concat(parent.Post, child.Post)
	out.ManipulateOptions = concat(parent.ManipulateOptions, child.ManipulateOptions)

	out.Visitor = make(map[string]*domain.Handlers, len(parent.Visitor)+len(child.Visitor))
	for node, h := range parent.Visitor {
		out.Visitor[node] = &domain.Handlers{Enter: concat(h.Enter), Exit: concat(h.Exit)}
	}
	for node, h := range child.Visitor {
		cur, ok := out.Visitor[node]
		if !ok {
			cur = &domain.Handlers{}
			out.Visitor[node] = cur
		}
		cur.Enter = concat(cur.Enter, h.Enter)
		cur.Exit = concat(cur.Exit, h.Exit)
	}
	return &out
}

func concat(lists ...[]any) []any {
	var out []any
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
