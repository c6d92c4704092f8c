package domain

import "go.trai.ch/zerr"

var (
	// ErrParse is returned when a config or package file is present but its content is malformed.
	ErrParse = zerr.New("failed to parse file")

	// ErrShape is returned when a parsed value does not have the expected shape,
	// such as a config that is an array instead of an object.
	ErrShape = zerr.New("invalid configuration shape")

	// ErrValidation is returned when a plugin or preset fails validation.
	ErrValidation = zerr.New("plugin validation failed")

	// ErrExecutionMode is returned when a deferred result is produced where synchronous
	// execution was required.
	ErrExecutionMode = zerr.New("deferred result under synchronous execution")

	// ErrCacheConfigured is returned when a computation declares conflicting cache policies.
	ErrCacheConfigured = zerr.New("cache policy already configured")

	// ErrCacheSealed is returned when a computation touches its cache policy after it completed.
	ErrCacheSealed = zerr.New("Cannot change caching after evaluation has completed.")

	// ErrCacheCycle is returned when a cached computation requests its own key while running.
	ErrCacheCycle = zerr.New("cached computation depends on itself")

	// ErrModuleNotFound is returned when a plugin or preset reference cannot be resolved.
	ErrModuleNotFound = zerr.New("module not found")

	// ErrConfigNotFound is returned when an explicitly requested config file does not exist.
	ErrConfigNotFound = zerr.New("could not find config file")

	// ErrMultipleConfigs is returned when one directory holds more than one config file.
	ErrMultipleConfigs = zerr.New("Multiple configuration files found. Please remove one")

	// ErrExtendsCycle is returned when config files extend each other in a loop.
	ErrExtendsCycle = zerr.New("config extends itself")

	// ErrNoFilename is returned when a path pattern is evaluated without a filename.
	ErrNoFilename = zerr.New("Configuration contains string/RegExp pattern, but no filename was passed to Kiln")

	// ErrReadFailed is returned when a file exists but cannot be read.
	ErrReadFailed = zerr.New("failed to read file")

	// ErrResolveFailed is returned when a resolution request fails as a whole.
	ErrResolveFailed = zerr.New("configuration resolution failed")

	// ErrUnknownFormat is returned when output is requested in an unsupported format.
	ErrUnknownFormat = zerr.New("unknown output format")

	// ErrWatchUnavailable is returned when watch mode runs without a file watcher.
	ErrWatchUnavailable = zerr.New("file watching is not available")
)
