package domain

// EntryKind tells whether an entry was declared as a plugin or a preset.
type EntryKind uint8

const (
	// KindPlugin marks entries from a plugins list.
	KindPlugin EntryKind = iota
	// KindPreset marks entries from a presets list.
	KindPreset
)

// String returns the lowercase kind name.
func (k EntryKind) String() string {
	if k == KindPreset {
		return "preset"
	}
	return "plugin"
}

// Factory builds a plugin or preset. The result is a *PluginDef, a *PresetDef,
// a raw map of either shape, or a deferred value resolving to one of those.
type Factory func(api API, options any, dirname string) (any, error)

// Module is a named, addressable plugin or preset implementation.
// Its pointer is its identity for caching.
type Module struct {
	Name  string
	Value any
}

// PluginDef is the body of a transform plugin.
type PluginDef struct {
	Name              string         `mapstructure:"name"`
	Visitor           map[string]any `mapstructure:"visitor"`
	Inherits          any            `mapstructure:"inherits"`
	Pre               any            `mapstructure:"pre"`
	Post              any            `mapstructure:"post"`
	ManipulateOptions any            `mapstructure:"manipulateOptions"`
}

// PresetDef is a preset: a bundle of options, usually nested plugins and presets.
type PresetDef struct {
	Options `mapstructure:",squash"`
}

// Descriptor is the resolved, cacheable representation of one plugin or preset entry.
type Descriptor struct {
	Kind EntryKind
	// Value is the resolved implementation: *PluginDef, *PresetDef, Factory or a script value.
	Value any
	// Options are kept verbatim, including false for disabled entries.
	Options any
	Dirname string
	Name    string
	// Alias is the location-derived label used when no name is available.
	Alias string
	// Request is the module reference as written, when the value was a reference.
	Request string
	// Resolved is the module path or registry name the request resolved to.
	Resolved string
	// OwnPass puts a preset's plugins into a separate pass.
	OwnPass bool
	// Owner is the cache entry of the computation that declared this entry.
	Owner uint64
}

// Disabled reports whether the descriptor carries false options.
func (d *Descriptor) Disabled() bool {
	b, ok := d.Options.(bool)
	return ok && !b
}

// Handlers holds the enter and exit callbacks registered for one node type.
type Handlers struct {
	Enter []any
	Exit  []any
}

// Plugin is an instantiated transform plugin ready for the pipeline.
type Plugin struct {
	Key               string
	Name              string
	Visitor           map[string]*Handlers
	Pre               []any
	Post              []any
	ManipulateOptions []any
	Options           any
	Dirname           string
}

// CacheConfigurator lets a factory declare how long its result stays valid.
// Misuse is reported as the factory's error once it returns.
type CacheConfigurator interface {
	// Forever keeps the result for the lifetime of the cache store.
	Forever()
	// Never recomputes the result on every request.
	Never()
	// Using keeps the result while check returns a value equal to the one it returned now.
	Using(check func() any) any
	// Invalidate behaves like Using.
	Invalidate(check func() any) any
}

// API is handed to config, plugin and preset factories.
type API interface {
	Cache() CacheConfigurator
	// Env returns the active env name and records it as a cache dependency.
	Env() string
	// EnvIs reports whether the active env is one of names and records env as a dependency.
	EnvIs(names ...string) bool
	// Caller passes the request caller through fn and records the result as a dependency.
	Caller(fn func(Caller) any) any
	Version() string
	// AssertVersion fails unless the running version satisfies the constraint.
	AssertVersion(constraint string) error
}

// Callable is a function value defined in a config script. Implementations
// keep one Callable per script function so its pointer identity is stable.
type Callable interface {
	Name() string
	Call(args ...any) (any, error)
}
