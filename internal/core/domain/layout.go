package domain

const (
	// RootConfigBase is the base name of project-wide config files.
	RootConfigBase = "kiln.config"

	// RelativeConfigBase is the base name of file-relative config files.
	RelativeConfigBase = ".kilnrc"

	// IgnoreFileName is the name of the file listing ignored source patterns.
	IgnoreFileName = ".kilnignore"

	// PackageFileName is the name of the package descriptor file.
	PackageFileName = "package.json"

	// PackageConfigKey is the package descriptor key holding embedded configuration.
	PackageConfigKey = "kiln"

	// ProgrammaticLocation is the defining location of options passed in code.
	ProgrammaticLocation = "programmatic"

	// EnvVarName is the environment variable selecting the default env name.
	EnvVarName = "KILN_ENV"

	// DefaultEnvName is the env name used when none is configured.
	DefaultEnvName = "development"

	// PluginPrefix is prepended to bare plugin module names.
	PluginPrefix = "kiln-plugin"

	// PresetPrefix is prepended to bare preset module names.
	PresetPrefix = "kiln-preset"
)

// ConfigExtensions lists the config file extensions in lookup order.
// The empty extension denotes a bare JSON .kilnrc.
var ConfigExtensions = []string{".json", ".yaml", ".yml", ".toml", ".star"}

// DefaultBoundaries lists directory names that end an upward config search.
var DefaultBoundaries = []string{"node_modules", "vendor"}
