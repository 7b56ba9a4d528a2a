package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"tilepatch.ai/internal/sim/patch"
)

// Refresher is told when the visual state of a tile may have changed.
type Refresher interface {
	RefreshTile(x, y, layer int)
}

type Config struct {
	// UpdateBudget caps patch updates per Tick across both lanes.
	UpdateBudget int

	HighOffset   time.Duration
	NormalOffset time.Duration
	LowOffset    time.Duration

	PoolMaxFreePerKind int
}

func (c *Config) applyDefaults() {
	if c.UpdateBudget <= 0 {
		c.UpdateBudget = 10
	}
	if c.HighOffset <= 0 {
		c.HighOffset = 100 * time.Millisecond
	}
	if c.NormalOffset <= 0 {
		c.NormalOffset = time.Second
	}
	if c.LowOffset <= 0 {
		c.LowOffset = 5 * time.Second
	}
	if c.PoolMaxFreePerKind <= 0 {
		c.PoolMaxFreePerKind = 1024
	}
}

// Stats is a point-in-time view for metrics.
type Stats struct {
	Patches   int
	ByKind    map[patch.Kind]int
	Immediate int
	Timed     int

	Added    uint64
	Removed  uint64
	Updates  uint64
	Ticks    uint64
	Restored uint64

	Pool patch.PoolStats
}

// Registry owns every live patch of one map, keyed by coordinate, and
// schedules their updates. It is not safe for concurrent use; the world loop
// is its only caller.
type Registry struct {
	env       *patch.Env
	refresher Refresher
	cfg       Config
	pool      *patch.Pool

	patches map[patch.Coord]*entry
	nextID  patch.ID

	immediate []*entry
	timed     timeQueue
	seq       uint64

	subs   []subscriber
	subSeq int

	byKind map[patch.Kind]int
	stats  Stats
}

func New(env *patch.Env, refresher Refresher, cfg Config) *Registry {
	cfg.applyDefaults()
	if env == nil {
		env = &patch.Env{Rules: patch.DefaultRules()}
	}
	return &Registry{
		env:       env,
		refresher: refresher,
		cfg:       cfg,
		pool:      patch.NewPool(cfg.PoolMaxFreePerKind),
		patches:   map[patch.Coord]*entry{},
		byKind:    map[patch.Kind]int{},
		nextID:    1,
	}
}

func (r *Registry) Env() *patch.Env   { return r.env }
func (r *Registry) Pool() *patch.Pool { return r.pool }
func (r *Registry) Len() int          { return len(r.patches) }

func (r *Registry) now() time.Time {
	if r.env.Clock == nil {
		return time.Now()
	}
	return r.env.Clock.Now()
}

// Add installs a fresh patch of kind k at c, replacing whatever was there.
func (r *Registry) Add(k patch.Kind, c patch.Coord) (patch.Patch, bool) {
	if !patch.ValidKind(k) {
		return nil, false
	}
	r.evict(c, ReasonReplaced)
	p, ok := r.pool.Acquire(k)
	if !ok {
		return nil, false
	}
	id := r.nextID
	r.nextID++
	p.Initialize(r.env, id, c, r.now())
	r.install(p, c)
	return p, true
}

// AddAs is Add with the variant chosen by type parameter.
func AddAs[T patch.Patch](r *Registry, c patch.Coord) (T, bool) {
	var zero T
	p, ok := r.Add(patch.KindOf[T](), c)
	if !ok {
		return zero, false
	}
	t, ok := p.(T)
	return t, ok
}

// evict runs the destroy path for whatever occupies c.
func (r *Registry) evict(c patch.Coord, reason RemoveReason) {
	old := r.patches[c]
	if old == nil {
		return
	}
	old.reason = reason
	old.p.Destroy()
	if r.patches[c] == old {
		r.detach(old, reason)
	}
}

func (r *Registry) install(p patch.Patch, c patch.Coord) *entry {
	e := &entry{p: p, coord: c, heapIndex: -1}
	p.Subscribe(r.listener(e))
	r.patches[c] = e
	r.byKind[p.Kind()]++
	r.reschedule(e, r.now())
	r.stats.Added++
	r.emit(Event{Type: EventAdded, ID: p.ID(), Kind: p.Kind(), Coord: c, Patch: p})
	r.refresh(c)
	return e
}

// Restore installs a patch rebuilt from a persisted blob, keeping its id and
// creation time. A record that fails to decode leaves the registry unchanged.
func (r *Registry) Restore(id patch.ID, k patch.Kind, c patch.Coord, createdAt time.Time, blob []byte) (patch.Patch, error) {
	p, ok := r.pool.Acquire(k)
	if !ok {
		return nil, fmt.Errorf("restore %s at %s: %w", k, c, patch.ErrUnknownKind)
	}
	p.Initialize(r.env, id, c, createdAt)
	if err := p.Deserialize(blob); err != nil {
		p.Reset()
		r.pool.Release(p)
		return nil, fmt.Errorf("restore %s at %s: %w", k, c, err)
	}
	p.SetBlob(blob)
	p.ClearDirty()
	r.evict(c, ReasonReplaced)
	r.install(p, c)
	if id >= r.nextID {
		r.nextID = id + 1
	}
	r.stats.Restored++
	return p, nil
}

// Remove runs the destroy path for the patch at c. It reports false when c is
// empty.
func (r *Registry) Remove(c patch.Coord) bool {
	if r.patches[c] == nil {
		return false
	}
	r.evict(c, ReasonRemoved)
	return true
}

// detach is the single exit path: unmap, unschedule, notify, reset, pool.
func (r *Registry) detach(e *entry, reason RemoveReason) {
	if e.removed || r.patches[e.coord] != e {
		return
	}
	delete(r.patches, e.coord)
	r.byKind[e.p.Kind()]--
	e.removed = true
	r.dequeue(e)
	p := e.p
	p.Unsubscribe()
	r.stats.Removed++
	r.emit(Event{Type: EventRemoved, ID: p.ID(), Kind: p.Kind(), Coord: e.coord, Patch: p, Reason: reason})
	p.Reset()
	r.pool.Release(p)
	r.refresh(e.coord)
}

// Clear removes every patch in coordinate order.
func (r *Registry) Clear() {
	for _, e := range r.sortedEntries(nil) {
		r.detach(e, ReasonCleared)
	}
	r.immediate = nil
	r.timed = nil
}

// Get returns the live patch at c. Effects past their duration are reaped on
// read, so an expired effect is never observed.
func (r *Registry) Get(c patch.Coord) (patch.Patch, bool) {
	e := r.patches[c]
	if e == nil || r.reapExpired(e) {
		return nil, false
	}
	return e.p, true
}

func (r *Registry) Has(c patch.Coord) bool {
	_, ok := r.Get(c)
	return ok
}

// All returns every live patch in coordinate order.
func (r *Registry) All() []patch.Patch {
	return r.collect(nil)
}

// InArea returns live patches on layer inside rect, in coordinate order.
func (r *Registry) InArea(rect patch.Rect, layer int) []patch.Patch {
	return r.collect(func(c patch.Coord) bool {
		return c.Layer == layer && rect.Contains(c.X, c.Y)
	})
}

func (r *Registry) collect(keep func(patch.Coord) bool) []patch.Patch {
	entries := r.sortedEntries(keep)
	out := make([]patch.Patch, 0, len(entries))
	for _, e := range entries {
		if r.reapExpired(e) {
			continue
		}
		out = append(out, e.p)
	}
	return out
}

func (r *Registry) sortedEntries(keep func(patch.Coord) bool) []*entry {
	out := make([]*entry, 0, len(r.patches))
	for c, e := range r.patches {
		if keep == nil || keep(c) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].coord.Less(out[j].coord) })
	return out
}

type expirer interface {
	Expired() bool
}

func (r *Registry) reapExpired(e *entry) bool {
	x, ok := e.p.(expirer)
	if !ok || !x.Expired() {
		return false
	}
	e.p.Destroy()
	return e.removed
}

// lookup returns the entry holding exactly p.
func (r *Registry) lookup(p patch.Patch) *entry {
	if p == nil {
		return nil
	}
	e := r.patches[p.Coord()]
	if e == nil || e.p != p {
		return nil
	}
	return e
}

// ScheduleUpdate queues p for now+offset(priority). An instance is queued at
// most once: a request that would not bring its due time forward is dropped
// and reported as false, as is one for a patch that is not installed.
func (r *Registry) ScheduleUpdate(p patch.Patch, prio patch.Priority) bool {
	e := r.lookup(p)
	if e == nil {
		return false
	}
	due := r.now().Add(r.offset(prio))
	if e.heapIndex >= 0 && !due.Before(e.due) {
		return false
	}
	r.enqueueAt(e, due)
	return true
}

// ForceUpdate queues p on the immediate lane. Duplicates are suppressed.
func (r *Registry) ForceUpdate(p patch.Patch) bool {
	e := r.lookup(p)
	if e == nil || e.immediate {
		return false
	}
	e.immediate = true
	r.immediate = append(r.immediate, e)
	return true
}

// ErrNoPatch is returned when a coordinate has no live patch.
var ErrNoPatch = errors.New("no patch at coordinate")

// RequestTransition asks the patch at c to move to state. The variant decides.
func (r *Registry) RequestTransition(c patch.Coord, state int) (bool, error) {
	p, ok := r.Get(c)
	if !ok {
		return false, ErrNoPatch
	}
	return p.ChangeState(state, true), nil
}

// Interact dispatches an actor interaction to the patch at c. A handled
// interaction on a surviving patch queues an immediate update.
func (r *Registry) Interact(c patch.Coord, a patch.Actor) (bool, error) {
	e := r.patches[c]
	if e == nil || r.reapExpired(e) {
		return false, ErrNoPatch
	}
	ok := e.p.OnInteract(a)
	if ok && !e.removed {
		r.ForceUpdate(e.p)
		r.refresh(c)
	}
	return ok, nil
}

func (r *Registry) refresh(c patch.Coord) {
	if r.refresher != nil {
		r.refresher.RefreshTile(c.X, c.Y, c.Layer)
	}
}

func (r *Registry) Stats() Stats {
	s := r.stats
	s.Patches = len(r.patches)
	s.ByKind = make(map[patch.Kind]int, len(r.byKind))
	for k, n := range r.byKind {
		if n > 0 {
			s.ByKind[k] = n
		}
	}
	s.Immediate = len(r.immediate)
	s.Timed = len(r.timed)
	s.Pool = r.pool.Stats()
	return s
}
