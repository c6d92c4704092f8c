package commands

import (
	"encoding/json"
	"io"
	"maps"
	"slices"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

type pluginView struct {
	Key     string   `json:"key" yaml:"key"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Dirname string   `json:"dirname" yaml:"dirname"`
	Options any      `json:"options,omitempty" yaml:"options,omitempty"`
	Visitor []string `json:"visitor,omitempty" yaml:"visitor,omitempty"`
	Pre     int      `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post    int      `json:"post,omitempty" yaml:"post,omitempty"`
}

type resultView struct {
	Filename   string         `json:"filename" yaml:"filename"`
	Ignored    bool           `json:"ignored,omitempty" yaml:"ignored,omitempty"`
	EnvName    string         `json:"envName,omitempty" yaml:"envName,omitempty"`
	ConfigFile string         `json:"configFile,omitempty" yaml:"configFile,omitempty"`
	Kilnrc     string         `json:"kilnrc,omitempty" yaml:"kilnrc,omitempty"`
	Plugins    []pluginView   `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Passes     [][]pluginView `json:"passes,omitempty" yaml:"passes,omitempty"`
	Options    map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Files      []string       `json:"files,omitempty" yaml:"files,omitempty"`
}

type descriptorView struct {
	Kind     string `json:"kind" yaml:"kind"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Request  string `json:"request,omitempty" yaml:"request,omitempty"`
	Resolved string `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	Alias    string `json:"alias" yaml:"alias"`
	Dirname  string `json:"dirname" yaml:"dirname"`
	Options  any    `json:"options,omitempty" yaml:"options,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	OwnPass  bool   `json:"ownPass,omitempty" yaml:"ownPass,omitempty"`
}

type partialView struct {
	Filename   string           `json:"filename" yaml:"filename"`
	Ignored    bool             `json:"ignored,omitempty" yaml:"ignored,omitempty"`
	ConfigFile string           `json:"configFile,omitempty" yaml:"configFile,omitempty"`
	Kilnrc     string           `json:"kilnrc,omitempty" yaml:"kilnrc,omitempty"`
	Ignore     string           `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	Plugins    []descriptorView `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Presets    []descriptorView `json:"presets,omitempty" yaml:"presets,omitempty"`
	Options    map[string]any   `json:"options,omitempty" yaml:"options,omitempty"`
	Files      []string         `json:"files,omitempty" yaml:"files,omitempty"`
}

func newResultView(filename string, out *domain.MergedOptions) resultView {
	if out == nil {
		return resultView{Filename: filename, Ignored: true}
	}
	v := resultView{
		Filename:   out.Filename,
		EnvName:    out.EnvName,
		ConfigFile: out.ConfigFile,
		Kilnrc:     out.Kilnrc,
		Plugins:    pluginViews(out.Plugins),
		Options:    scalars(out),
		Files:      out.Files,
	}
	if v.Filename == "" {
		v.Filename = filename
	}
	for _, pass := range out.Passes {
		v.Passes = append(v.Passes, pluginViews(pass))
	}
	return v
}

func pluginViews(plugins []*domain.Plugin) []pluginView {
	out := make([]pluginView, len(plugins))
	for i, p := range plugins {
		out[i] = pluginView{
			Key:     p.Key,
			Name:    p.Name,
			Dirname: p.Dirname,
			Options: p.Options,
			Visitor: slices.Sorted(maps.Keys(p.Visitor)),
			Pre:     len(p.Pre),
			Post:    len(p.Post),
		}
	}
	return out
}

func newPartialView(filename string, p *domain.PartialConfig) partialView {
	if p == nil {
		return partialView{Filename: filename, Ignored: true}
	}
	return partialView{
		Filename:   filename,
		ConfigFile: p.ConfigFile,
		Kilnrc:     p.Kilnrc,
		Ignore:     p.Ignore,
		Plugins:    descriptorViews(p.Plugins),
		Presets:    descriptorViews(p.Presets),
		Options:    scalars(p.Options),
		Files:      p.Files,
	}
}

func descriptorViews(descs []*domain.Descriptor) []descriptorView {
	out := make([]descriptorView, len(descs))
	for i, d := range descs {
		out[i] = descriptorView{
			Kind:     d.Kind.String(),
			Name:     d.Name,
			Request:  d.Request,
			Resolved: d.Resolved,
			Alias:    d.Alias,
			Dirname:  d.Dirname,
			Options:  d.Options,
			Disabled: d.Disabled(),
			OwnPass:  d.OwnPass,
		}
		if d.Disabled() {
			out[i].Options = nil
		}
	}
	return out
}

// scalars collects the options that were set, keyed by their config name.
func scalars(o *domain.MergedOptions) map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any)
	for name, v := range map[string]*bool{
		"ast":         o.Ast,
		"comments":    o.Comments,
		"compact":     o.Compact,
		"retainLines": o.RetainLines,
		"minified":    o.Minified,
	} {
		if v != nil {
			out[name] = *v
		}
	}
	if o.SourceMaps != "" {
		out["sourceMaps"] = o.SourceMaps
	}
	if o.SourceType != "" {
		out["sourceType"] = o.SourceType
	}
	if len(o.ParserOpts) > 0 {
		out["parserOpts"] = o.ParserOpts
	}
	if len(o.GeneratorOpts) > 0 {
		out["generatorOpts"] = o.GeneratorOpts
	}
	if len(o.Assumptions) > 0 {
		out["assumptions"] = o.Assumptions
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// render writes v as one document in format.
func render(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return zerr.Wrap(err, "failed to encode yaml")
		}
		return enc.Close()
	default:
		return zerr.With(zerr.Wrap(domain.ErrUnknownFormat, format), "format", format)
	}
}
