package resolver

import (
	"fmt"

	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/engine/factory"
	"go.trai.ch/kiln/internal/engine/schema"
	"go.trai.ch/zerr"
)

// DefKind tags the variant held by a Definition.
type DefKind uint8

const (
	// DefPlugin holds a plugin body.
	DefPlugin DefKind = iota
	// DefPreset holds a preset body.
	DefPreset
	// DefFactory holds a function that produces a plugin or preset body.
	DefFactory
)

// Definition is a classified entry value. Exactly the field matching Kind is set.
type Definition struct {
	Kind    DefKind
	Plugin  *domain.PluginDef
	Preset  *domain.PresetDef
	Factory any
}

// Classify determines what value is before anything is instantiated. Raw
// maps are decoded into plugin or preset bodies. A body that does not fit
// the list it was declared in is a shape error with a hint.
func Classify(kind domain.EntryKind, value any, label string) (Definition, error) {
	switch v := value.(type) {
	case *domain.PluginDef:
		if kind == domain.KindPreset {
			return Definition{}, misplaced(kind, label)
		}
		return Definition{Kind: DefPlugin, Plugin: v}, nil
	case *domain.PresetDef:
		if kind == domain.KindPlugin {
			return Definition{}, misplaced(kind, label)
		}
		return Definition{Kind: DefPreset, Preset: v}, nil
	case map[string]any:
		return classifyObject(kind, v, label)
	}
	if factory.IsFactory(value) {
		return Definition{Kind: DefFactory, Factory: value}, nil
	}
	return Definition{}, zerr.With(
		zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: %s value must be a function or an object, found %s",
			label, kind, fs.TypeName(value))),
		"entry", label,
	)
}

func classifyObject(kind domain.EntryKind, raw map[string]any, label string) (Definition, error) {
	optionsShaped := len(raw) > 0
	for key := range raw {
		if !schema.IsOptionKey(key) {
			optionsShaped = false
			break
		}
	}

	if kind == domain.KindPlugin {
		if optionsShaped && !schema.LooksLikePlugin(raw) {
			return Definition{}, misplaced(kind, label)
		}
		def, err := schema.DecodePlugin(raw, label)
		if err != nil {
			return Definition{}, err
		}
		return Definition{Kind: DefPlugin, Plugin: def}, nil
	}

	if len(raw) > 0 && !optionsShaped && schema.LooksLikePlugin(raw) {
		return Definition{}, misplaced(kind, label)
	}
	def, err := schema.DecodePreset(raw, label)
	if err != nil {
		return Definition{}, err
	}
	return Definition{Kind: DefPreset, Preset: def}, nil
}

func misplaced(kind domain.EntryKind, label string) error {
	msg := fmt.Sprintf("%s: a preset was found in 'plugins'. Did you mean to put it in 'presets'?", label)
	if kind == domain.KindPreset {
		msg = fmt.Sprintf("%s: a plugin was found in 'presets'. Did you mean to put it in 'plugins'?", label)
	}
	return zerr.With(zerr.Wrap(domain.ErrShape, msg), "entry", label)
}

// classifyResult classifies what a factory returned. Factories must return a body.
func classifyResult(kind domain.EntryKind, out any, label string) (Definition, error) {
	if out == nil || out == false {
		return Definition{}, zerr.With(
			zerr.Wrap(domain.ErrShape, label+": Plugin/Preset did not return an object."),
			"entry", label,
		)
	}
	def, err := Classify(kind, out, label)
	if err != nil {
		return Definition{}, err
	}
	if def.Kind == DefFactory {
		return Definition{}, zerr.With(
			zerr.Wrap(domain.ErrShape, label+": Plugin/Preset did not return an object."),
			"entry", label,
		)
	}
	return def, nil
}
