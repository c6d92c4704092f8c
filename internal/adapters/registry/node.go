package registry

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/fs"
)

// NodeID is the unique identifier for the module registry Graft node.
const NodeID graft.ID = "adapter.registry"

func init() {
	graft.Register(graft.Node[*Registry]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{fs.NodeID},
		Run: func(ctx context.Context) (*Registry, error) {
			files, err := graft.Dep[*fs.FileCache](ctx)
			if err != nil {
				return nil, err
			}
			return New(files), nil
		},
	})
}
