package domain

import "regexp"

// RootMode controls how the project-wide config file is located.
type RootMode string

const (
	// RootModeRoot uses the configured root directory as-is.
	RootModeRoot RootMode = "root"
	// RootModeUpward searches upward from the root and fails when no config is found.
	RootModeUpward RootMode = "upward"
	// RootModeUpwardOptional searches upward and falls back to the root.
	RootModeUpwardOptional RootMode = "upward-optional"
)

// Caller describes the tool invoking kiln. A nil Caller means no caller was given.
type Caller map[string]any

// Name returns the caller's declared name.
func (c Caller) Name() string {
	name, _ := c["name"].(string)
	return name
}

// Entry is one plugin or preset declaration.
type Entry struct {
	// Value is a module reference string, a *Module, a *PluginDef, a *PresetDef,
	// a script value, or nil/false for a disabled entry.
	Value any
	// Options are handed to the plugin or preset verbatim. false disables the entry.
	Options any
	// Name distinguishes multiple instances of the same value.
	Name string
}

// Disabled reports whether the entry was explicitly switched off.
func (e Entry) Disabled() bool {
	if e.Value == nil || e.Value == false {
		return true
	}
	b, ok := e.Options.(bool)
	return ok && !b
}

// MatchContext is handed to predicate matchers.
type MatchContext struct {
	Caller  Caller
	Dirname string
	EnvName string
}

// Matcher tests a filename. Exactly one of Glob, Regexp and Func is set.
type Matcher struct {
	Glob   string
	Regexp *regexp.Regexp
	Func   func(filename string, ctx MatchContext) bool
}

// IsPattern reports whether the matcher needs a filename to be evaluated.
func (m Matcher) IsPattern() bool {
	return m.Func == nil
}

// Options is the merge shape shared by programmatic options, config files,
// env blocks, override blocks and presets.
type Options struct {
	Extends   string              `mapstructure:"extends"`
	Env       map[string]*Options `mapstructure:"env"`
	Overrides []*Options          `mapstructure:"overrides"`

	Test    []Matcher `mapstructure:"test"`
	Include []Matcher `mapstructure:"include"`
	Exclude []Matcher `mapstructure:"exclude"`
	Only    []Matcher `mapstructure:"only"`
	Ignore  []Matcher `mapstructure:"ignore"`

	Plugins       []Entry `mapstructure:"plugins"`
	Presets       []Entry `mapstructure:"presets"`
	PassPerPreset *bool   `mapstructure:"passPerPreset"`

	Ast         *bool  `mapstructure:"ast"`
	Comments    *bool  `mapstructure:"comments"`
	Compact     *bool  `mapstructure:"compact"`
	RetainLines *bool  `mapstructure:"retainLines"`
	Minified    *bool  `mapstructure:"minified"`
	SourceMaps  string `mapstructure:"sourceMaps"`
	SourceType  string `mapstructure:"sourceType"`

	ParserOpts    map[string]any  `mapstructure:"parserOpts"`
	GeneratorOpts map[string]any  `mapstructure:"generatorOpts"`
	Assumptions   map[string]bool `mapstructure:"assumptions"`
}

// Request is a single resolution request from the transform pipeline.
type Request struct {
	// Filename is the file being compiled. Empty means no file.
	Filename string
	// Cwd is the base for relative paths. Defaults to the process working directory.
	Cwd string
	// Root is the directory where the project-wide config search starts. Defaults to Cwd.
	Root     string
	RootMode RootMode
	// ConfigFile names an explicit project-wide config file.
	ConfigFile string
	// NoConfigFile disables project-wide config loading.
	NoConfigFile bool
	// Kilnrc toggles file-relative config loading. Nil means enabled when a filename is given.
	Kilnrc *bool
	// KilnrcRoots lists package directories whose relative configs are honored.
	KilnrcRoots []string
	EnvName     string
	Caller      Caller
	Options     Options
}
