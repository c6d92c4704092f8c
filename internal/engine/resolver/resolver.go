// Package resolver turns plugin and preset entries into cached descriptors,
// expands config sources into applicable option layers and instantiates
// plugins and presets.
package resolver

import (
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/memo"
)

// Resolver resolves and instantiates plugin and preset entries.
type Resolver struct {
	store   *memo.Store
	modules ports.ModuleResolver
	logger  ports.Logger
}

// New creates a Resolver caching into store.
func New(store *memo.Store, modules ports.ModuleResolver, logger ports.Logger) *Resolver {
	return &Resolver{
		store:   store,
		modules: modules,
		logger:  logger,
	}
}

func (r *Resolver) debug(msg string) {
	if r.logger != nil {
		r.logger.Debug(msg)
	}
}
