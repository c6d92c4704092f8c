package ports

import (
	"context"
	"iter"
)

// Operation is the kind of change a watch event reports.
type Operation uint8

const (
	// OpWrite reports modified content.
	OpWrite Operation = iota + 1
	// OpCreate reports a new file or directory.
	OpCreate
	// OpRemove reports a deleted file or directory.
	OpRemove
	// OpRename reports a renamed file or directory.
	OpRename
)

// WatchEvent is one observed filesystem change.
type WatchEvent struct {
	Path      string
	Operation Operation
}

// Watcher reports filesystem changes below a root directory.
//
//go:generate mockgen -source=watcher.go -destination=mocks/mock_watcher.go -package=mocks
type Watcher interface {
	Start(ctx context.Context, root string) error
	Stop() error
	Events() iter.Seq[WatchEvent]
}
