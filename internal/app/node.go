package app

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/fs"       //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/logger"   //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/registry" //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/watcher"  //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/memo"
	"go.trai.ch/kiln/internal/engine/merge"
)

const (
	// LoaderNodeID is the unique identifier for the Loader Graft node.
	LoaderNodeID graft.ID = "app.loader"
	// ComponentsNodeID is the unique identifier for the App components Graft node.
	ComponentsNodeID graft.ID = "app.components"
)

func init() {
	graft.Register(graft.Node[*Loader]{
		ID:        LoaderNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			fs.NodeID,
			memo.NodeID,
			merge.NodeID,
			registry.NodeID,
			logger.NodeID,
		},
		Run: runLoaderNode,
	})

	graft.Register(graft.Node[*Components]{
		ID:        ComponentsNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			LoaderNodeID,
			logger.NodeID,
			watcher.NodeID,
		},
		Run: runComponentsNode,
	})
}

func runLoaderNode(ctx context.Context) (*Loader, error) {
	files, err := graft.Dep[*fs.FileCache](ctx)
	if err != nil {
		return nil, err
	}
	store, err := graft.Dep[*memo.Store](ctx)
	if err != nil {
		return nil, err
	}
	merger, err := graft.Dep[*merge.Merger](ctx)
	if err != nil {
		return nil, err
	}
	reg, err := graft.Dep[*registry.Registry](ctx)
	if err != nil {
		return nil, err
	}
	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}
	return New(files, store, merger, reg, log), nil
}

func runComponentsNode(ctx context.Context) (*Components, error) {
	loader, err := graft.Dep[*Loader](ctx)
	if err != nil {
		return nil, err
	}
	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}
	w, err := graft.Dep[ports.Watcher](ctx)
	if err != nil {
		return nil, err
	}
	return &Components{
		Loader:  loader,
		Logger:  log,
		Watcher: w,
	}, nil
}
