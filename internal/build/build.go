// Package build holds build-time information.
package build

var (
	// Version is the application version. Factories check it through
	// api.AssertVersion, so it must stay a valid semantic version.
	// It can be overwritten by linker flags.
	Version = "0.4.0"
	// Commit is the git commit the binary was built from.
	Commit = "none"
	// Date is the build date.
	Date = "unknown"
)
