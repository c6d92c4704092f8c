package memo

import (
	"context"
	"sync"
)

type frameKey struct{}

// frame is one running computation. Entries computed or hit while it runs
// become its children.
type frame struct {
	parent *frame
	key    Key

	mu       sync.Mutex
	children []*entry
}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

func (f *frame) contains(k Key) bool {
	for cur := f; cur != nil; cur = cur.parent {
		if cur.key == k {
			return true
		}
	}
	return false
}

func (f *frame) addChild(e *entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children = append(f.children, e)
}

func (f *frame) takeChildren() []*entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.children
	f.children = nil
	return out
}
