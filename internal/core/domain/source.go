package domain

// Signature identifies one observed version of a file.
type Signature struct {
	ModTime int64
	Size    int64
	Hash    uint64
}

// File is a parsed file held by the file cache. Its pointer stays stable while
// the file content is unchanged.
type File struct {
	Path      string
	Dirname   string
	Signature Signature
	Value     any
}

// PackageData is the outcome of walking a file's directory ancestry.
type PackageData struct {
	// Filepath is the file the walk started from.
	Filepath string
	// Directories lists visited directories, nearest first.
	Directories []string
	// Pkg is the nearest package descriptor, if any.
	Pkg *File
	// IsPackage reports whether the walk ended at a package descriptor.
	IsPackage bool
}

// SourceKind classifies where a config source came from.
type SourceKind uint8

const (
	// SourceProgrammatic is options passed in code.
	SourceProgrammatic SourceKind = iota
	// SourceRoot is a project-wide config file.
	SourceRoot
	// SourceRelative is a file-relative config file.
	SourceRelative
	// SourcePackage is configuration embedded in a package descriptor.
	SourcePackage
	// SourceExtends is a config file reached through extends.
	SourceExtends
	// SourcePreset is the options produced by a preset.
	SourcePreset
)

// String returns a short label for logs.
func (k SourceKind) String() string {
	switch k {
	case SourceRoot:
		return "root"
	case SourceRelative:
		return "relative"
	case SourcePackage:
		return "package"
	case SourceExtends:
		return "extends"
	case SourcePreset:
		return "preset"
	default:
		return "programmatic"
	}
}

// ConfigSource is one origin contributing to a merge chain.
type ConfigSource struct {
	Path    string
	Dirname string
	Kind    SourceKind
	Options *Options
	// Owner is the cache entry that produced Options, zero for programmatic sources.
	Owner uint64
}

// IgnoreFile holds the patterns of a .kilnignore file.
type IgnoreFile struct {
	Path     string
	Dirname  string
	Patterns []string
}
