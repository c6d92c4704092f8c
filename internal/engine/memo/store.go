// Package memo implements the cache store behind every cached computation:
// self-declared validity policies, parent/child invalidation cascades and
// at-most-one in-flight computation per key.
package memo

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"weak"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/flow"
	"go.trai.ch/zerr"
)

// Stats counts store activity since creation or the last Clear.
type Stats struct {
	Hits      int
	Misses    int
	Joins     int
	Evictions int
	// Collected counts entries dropped because a value their key was derived
	// from was garbage collected.
	Collected int
	Entries   int
}

// minSweep is the entry count at which the store first looks for collected
// entries. Later sweeps run whenever the store doubles in size.
const minSweep = 64

type entry struct {
	id       uint64
	key      Key
	value    any
	policy   Policy
	checks   []check
	children map[*entry]struct{}
	refs     []weak.Pointer[byte]
	dead     bool
}

// collected reports whether any value the key was derived from is gone.
func (e *entry) collected() bool {
	for _, r := range e.refs {
		if r.Value() == nil {
			return true
		}
	}
	return false
}

type flight struct {
	id     uint64
	future *flow.Future[any]
}

// Store holds cached computation results. A host creates one at startup and
// passes it to every component that caches; independent stores are isolated.
type Store struct {
	mu       sync.Mutex
	logger   ports.Logger
	nextID   uint64
	entries  map[Key]*entry
	byID     map[uint64]*entry
	inflight map[Key]*flight
	sweepAt  int
	stats    Stats
}

// Option configures a Store.
type Option func(*Store)

// WithLogger makes the store log cache activity at debug level.
func WithLogger(l ports.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[Key]*entry),
		byID:     make(map[uint64]*entry),
		inflight: make(map[Key]*flight),
		sweepAt:  minSweep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call describes one cached computation request.
type Call struct {
	Key Key
	// Data is handed to Using checks, both when recorded and when revalidated.
	Data any
	// Default applies when the computation declares no policy.
	Default Policy
	// Refs are the values the key's identities were derived from. The entry
	// holds them weakly and is dropped once any of them is collected.
	Refs []any
}

// Thunk is a cached computation body.
type Thunk[T any] func(ctx context.Context, api *CacheAPI) flow.Step[T]

// Compute returns the cached result for call.Key, running thunk when there is
// no valid entry. Computations started inside thunk become children of this
// one and are evicted with it.
func Compute[T any](s *Store, call Call, thunk Thunk[T]) flow.Step[T] {
	body := func(ctx context.Context, api *CacheAPI) flow.Step[any] {
		return flow.Map(thunk(ctx, api), func(v T) (any, error) {
			return v, nil
		})
	}
	return flow.Map(
		flow.Defer(func(ctx context.Context) flow.Step[any] {
			parent := frameFrom(ctx)
			if parent.contains(call.Key) {
				return flow.Fail[any](zerr.With(
					zerr.Wrap(domain.ErrCacheCycle, call.Key.Namespace),
					"location", call.Key.Location,
				))
			}
			return s.lookup(parent, call, body)
		}),
		func(v any) (T, error) {
			if v == nil {
				var zero T
				return zero, nil
			}
			return v.(T), nil //nolint:forcetypeassert // entries under a key always hold the thunk's type
		},
	)
}

func (s *Store) lookup(parent *frame, call Call, body Thunk[any]) flow.Step[any] {
	s.mu.Lock()
	e, ok := s.entries[call.Key]
	if ok && e.collected() {
		s.collectLocked(e)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return s.start(parent, call, body)
	}
	if e.policy != PolicyDynamic {
		return flow.Pure(s.hit(e, parent))
	}

	return flow.Then(
		flow.Catch(s.validate(e, call.Data), func(err error) flow.Step[bool] {
			s.Evict(e.id)
			return flow.Fail[bool](err)
		}),
		func(valid bool) flow.Step[any] {
			if valid {
				return flow.Pure(s.hit(e, parent))
			}
			s.debug("stale", e.key)
			s.Evict(e.id)
			return s.start(parent, call, body)
		},
	)
}

func (s *Store) validate(e *entry, data any) flow.Step[bool] {
	var loop func(i int) flow.Step[bool]
	loop = func(i int) flow.Step[bool] {
		if i == len(e.checks) {
			return flow.Pure(true)
		}
		c := e.checks[i]
		current := flow.GuardSyncOnly(asyncCheckMessage, func(context.Context) (any, error) {
			return c.fn(data)
		})
		return flow.Then(current, func(v any) flow.Step[bool] {
			if !reflect.DeepEqual(v, c.baseline) {
				return flow.Pure(false)
			}
			return loop(i + 1)
		})
	}
	return loop(0)
}

func (s *Store) start(parent *frame, call Call, body Thunk[any]) flow.Step[any] {
	s.mu.Lock()
	if e, ok := s.entries[call.Key]; ok && !e.collected() {
		// Another run stored a result while this one was validating.
		s.mu.Unlock()
		return s.lookup(parent, call, body)
	}
	if fl, ok := s.inflight[call.Key]; ok {
		s.stats.Joins++
		s.mu.Unlock()
		return flow.Then(flow.Join(fl.future), func(v any) flow.Step[any] {
			s.link(fl.id, parent)
			return flow.Pure(v)
		})
	}

	s.nextID++
	id := s.nextID
	future, settle := flow.NewPromise[any]()
	s.inflight[call.Key] = &flight{id: id, future: future}
	s.stats.Misses++
	s.mu.Unlock()

	s.debug("compute", call.Key)

	fr := &frame{parent: parent, key: call.Key}
	api := &CacheAPI{data: call.Data, owner: id}

	run := flow.WithContext(
		func(ctx context.Context) context.Context { return withFrame(ctx, fr) },
		func(ctx context.Context) flow.Step[any] { return body(ctx, api) },
	)
	sealed := flow.Then(run, func(v any) flow.Step[any] {
		return flow.Map(api.seal(), func(struct{}) (any, error) { return v, nil })
	})

	return flow.Catch(
		flow.Then(sealed, func(v any) flow.Step[any] {
			s.commit(id, call, v, api, fr, parent)
			settle(v, nil)
			return flow.Pure(v)
		}),
		func(err error) flow.Step[any] {
			api.abandon()
			s.mu.Lock()
			if fl, ok := s.inflight[call.Key]; ok && fl.id == id {
				delete(s.inflight, call.Key)
			}
			s.mu.Unlock()
			settle(nil, err)
			return flow.Fail[any](err)
		},
	)
}

func (s *Store) commit(id uint64, call Call, v any, api *CacheAPI, fr *frame, parent *frame) {
	policy := api.Policy()
	if policy == PolicyUnset {
		policy = call.Default
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fl, ok := s.inflight[call.Key]; ok && fl.id == id {
		delete(s.inflight, call.Key)
	}
	if policy == PolicyNever {
		return
	}

	e := &entry{
		id:       id,
		key:      call.Key,
		value:    v,
		policy:   policy,
		checks:   api.checks,
		children: make(map[*entry]struct{}),
		refs:     weakRefs(call.Refs),
	}
	for _, c := range fr.takeChildren() {
		if !c.dead {
			e.children[c] = struct{}{}
		}
	}
	if old, ok := s.entries[call.Key]; ok {
		s.evictLocked(old)
	}
	s.entries[call.Key] = e
	s.byID[id] = e

	if call.Key.Owner != 0 {
		if owner, ok := s.byID[call.Key.Owner]; ok {
			owner.children[e] = struct{}{}
		}
	}
	if parent != nil {
		parent.addChild(e)
	}
	if len(s.entries) >= s.sweepAt {
		s.sweepLocked()
	}
}

func (s *Store) hit(e *entry, parent *frame) any {
	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()
	if parent != nil {
		parent.addChild(e)
	}
	return e.value
}

// link records the entry stored under id as a child of parent.
func (s *Store) link(id uint64, parent *frame) {
	if parent == nil {
		return
	}
	s.mu.Lock()
	e, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		parent.addChild(e)
	}
}

// Evict removes the entry with the given id and, transitively, its children.
func (s *Store) Evict(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		s.evictLocked(e)
	}
}

// InvalidateLocation evicts every entry defined at location, with its children.
// It returns the number of entries evicted.
func (s *Store) InvalidateLocation(location string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.stats.Evictions
	for k, e := range s.entries {
		if k.Location == location {
			s.evictLocked(e)
		}
	}
	return s.stats.Evictions - before
}

// Clear drops every entry. In-flight computations finish and store their results.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		e.dead = true
	}
	s.entries = make(map[Key]*entry)
	s.byID = make(map[uint64]*entry)
	s.sweepAt = minSweep
	s.stats = Stats{}
}

// Stats returns a snapshot of the store counters. Entries counts live entries
// only; collected ones are dropped first.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	st := s.stats
	st.Entries = len(s.entries)
	return st
}

func (s *Store) evictLocked(e *entry) {
	if e.dead {
		return
	}
	e.dead = true
	if cur, ok := s.entries[e.key]; ok && cur == e {
		delete(s.entries, e.key)
	}
	delete(s.byID, e.id)
	s.stats.Evictions++
	if s.logger != nil {
		s.logger.Debug(fmt.Sprintf("cache evict %s %s", e.key.Namespace, e.key.Location))
	}
	for c := range e.children {
		s.evictLocked(c)
	}
}

// sweepLocked drops every entry whose key refers to a collected value.
func (s *Store) sweepLocked() {
	for _, e := range s.entries {
		if e.collected() {
			s.collectLocked(e)
		}
	}
	s.sweepAt = max(minSweep, 2*len(s.entries))
}

func (s *Store) collectLocked(e *entry) {
	if e.dead {
		return
	}
	s.stats.Collected++
	if s.logger != nil {
		s.logger.Debug(fmt.Sprintf("cache collected %s %s", e.key.Namespace, e.key.Location))
	}
	s.evictLocked(e)
}

func (s *Store) debug(event string, k Key) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(fmt.Sprintf("cache %s %s %s", event, k.Namespace, k.Location))
}
