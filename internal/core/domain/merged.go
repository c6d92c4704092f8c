package domain

// MergedOptions is the final option set handed to the transform pipeline.
type MergedOptions struct {
	Filename string
	Cwd      string
	Root     string
	EnvName  string

	// ConfigFile is the project-wide config file that was applied.
	ConfigFile string
	// Kilnrc is the file-relative config that was applied.
	Kilnrc string
	Caller Caller

	// Plugins is the first pass, with presets expanded.
	Plugins []*Plugin
	// Passes holds the extra passes requested by presets with their own pass.
	Passes        [][]*Plugin
	PassPerPreset bool

	Ast         *bool
	Comments    *bool
	Compact     *bool
	RetainLines *bool
	Minified    *bool
	SourceMaps  string
	SourceType  string

	ParserOpts    map[string]any
	GeneratorOpts map[string]any
	Assumptions   map[string]bool

	// Files lists every config file consulted.
	Files []string
}

// PartialConfig is a resolution stopped before preset expansion and plugin
// instantiation. Disabled entries are kept.
type PartialConfig struct {
	Options    *MergedOptions
	Plugins    []*Descriptor
	Presets    []*Descriptor
	ConfigFile string
	Kilnrc     string
	Ignore     string
	Files      []string
}
