package resolver

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/logger"   //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/registry" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/memo"
)

// NodeID is the unique identifier for the resolver Graft node.
const NodeID graft.ID = "engine.resolver"

func init() {
	graft.Register(graft.Node[*Resolver]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{memo.NodeID, registry.NodeID, logger.NodeID},
		Run: func(ctx context.Context) (*Resolver, error) {
			store, err := graft.Dep[*memo.Store](ctx)
			if err != nil {
				return nil, err
			}
			modules, err := graft.Dep[*registry.Registry](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return New(store, modules, log), nil
		},
	})
}
