// Package style holds the colors and glyphs shared by kiln's terminal output.
package style

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	Ash    = lipgloss.Color("#6B7280")
	Bone   = lipgloss.Color("#F5F5F4")
	Red    = lipgloss.Color("#D93025")
	Yellow = lipgloss.Color("#F59E0B")
)

// Glyphs.
const (
	Cross   = "✗"
	Warning = "!"
	Arrow   = "→"
	Dot     = "●"
)
