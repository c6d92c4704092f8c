package app

import "go.trai.ch/kiln/internal/core/ports"

// Components are the initialized pieces the CLI layer works with.
type Components struct {
	Loader  *Loader
	Logger  ports.Logger
	Watcher ports.Watcher
}
