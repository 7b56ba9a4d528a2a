package patch

import (
	"time"

	"tilepatch.ai/internal/sim/versions"
)

// Patch is the closed set of tile patch variants. The unexported methods keep
// the set sealed: the type tag fully determines the implementation.
type Patch interface {
	ID() ID
	Kind() Kind
	Coord() Coord
	CreatedAt() time.Time

	State() int
	History() []int
	NextTransition() time.Time

	TileOverride() int
	Tint() uint32
	Collision() (int, bool)
	Persistence() Persistence
	Priority() Priority
	Dirty() bool
	ClearDirty()
	Blob() []byte
	SetBlob(b []byte)

	Initialize(env *Env, id ID, c Coord, now time.Time)
	ChangeState(s int, record bool) bool
	Update(dt time.Duration)

	SetTileOverride(id int)
	SetTint(c uint32)
	SetCollisionOverride(t int)
	ClearCollisionOverride()
	SetPersistence(p Persistence)
	SetPriority(p Priority)

	OnInteract(a Actor) bool

	Serialize() ([]byte, error)
	Deserialize(b []byte) error

	Destroy()
	Destroyed() bool

	Subscribe(l Listener)
	Unsubscribe()
	Reset()

	base() *Base
	validState(s int) bool
	canTransition(from, to int) bool
	onStateChanged(from, to int)
	resetVariant()
	defaults() (Persistence, Priority)
}

// Base carries the fields and behaviour every variant shares.
// Variants embed it and bind themselves through bind().
type Base struct {
	self     Patch
	env      *Env
	listener Listener

	id        ID
	coord     Coord
	createdAt time.Time

	state          int
	history        versions.Ring[int]
	nextTransition time.Time

	tileOverride int
	tint         uint32
	hasCollision bool
	collision    int

	persistence Persistence
	priority    Priority
	dirty       bool
	blob        []byte

	destroyed bool
	pooled    bool
}

func (b *Base) bind(self Patch) {
	b.self = self
	b.tileOverride = NoTileOverride
	b.tint = NoTint
	b.persistence, b.priority = self.defaults()
	b.history = versions.NewRing[int](DefaultRules().HistoryCapacity)
}

func (b *Base) base() *Base { return b }

func (b *Base) ID() ID                    { return b.id }
func (b *Base) Coord() Coord              { return b.coord }
func (b *Base) CreatedAt() time.Time      { return b.createdAt }
func (b *Base) State() int                { return b.state }
func (b *Base) History() []int            { return b.history.Items() }
func (b *Base) NextTransition() time.Time { return b.nextTransition }
func (b *Base) TileOverride() int         { return b.tileOverride }
func (b *Base) Tint() uint32              { return b.tint }
func (b *Base) Collision() (int, bool)    { return b.collision, b.hasCollision }
func (b *Base) Persistence() Persistence  { return b.persistence }
func (b *Base) Priority() Priority        { return b.priority }
func (b *Base) Dirty() bool               { return b.dirty }
func (b *Base) ClearDirty()               { b.dirty = false }
func (b *Base) Blob() []byte              { return b.blob }
func (b *Base) SetBlob(v []byte)          { b.blob = v }
func (b *Base) Destroyed() bool           { return b.destroyed }

// Initialize binds identity. It must run exactly once per acquisition.
func (b *Base) Initialize(env *Env, id ID, c Coord, now time.Time) {
	b.env = env
	b.id = id
	b.coord = c
	b.createdAt = now
	capacity := DefaultRules().HistoryCapacity
	if env != nil && env.Rules.HistoryCapacity > 0 {
		capacity = env.Rules.HistoryCapacity
	}
	b.history.Resize(capacity)
	b.dirty = true
}

// ChangeState moves to s if the variant accepts it. Rejections have no side effects.
func (b *Base) ChangeState(s int, record bool) bool {
	if b.self == nil || b.destroyed {
		return false
	}
	if !b.self.validState(s) || !b.self.canTransition(b.state, s) {
		return false
	}
	old := b.state
	b.state = s
	if record {
		b.history.Push(old)
	}
	b.self.onStateChanged(old, s)
	b.dirty = true
	b.notify(Notification{Type: NoteStateChanged, From: old, To: s})
	return true
}

func (b *Base) SetTileOverride(id int) {
	if id < 0 {
		id = NoTileOverride
	}
	b.tileOverride = id
	b.dirty = true
}

func (b *Base) SetTint(c uint32) {
	b.tint = c
	b.dirty = true
}

func (b *Base) SetCollisionOverride(t int) {
	b.collision = t
	b.hasCollision = true
	b.dirty = true
}

func (b *Base) ClearCollisionOverride() {
	b.collision = 0
	b.hasCollision = false
	b.dirty = true
}

func (b *Base) SetPersistence(p Persistence) {
	b.persistence = p
	b.dirty = true
}

func (b *Base) SetPriority(p Priority) { b.priority = p }

// Destroy reports the patch as gone. Detaching and pooling is the subscriber's job.
func (b *Base) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.notify(Notification{Type: NoteDestroyed, From: b.state, To: b.state})
}

func (b *Base) Subscribe(l Listener) { b.listener = l }
func (b *Base) Unsubscribe()         { b.listener = nil }

// Reset returns every field to its default so a pooled instance carries nothing over.
func (b *Base) Reset() {
	self := b.self
	hist := b.history
	hist.Reset()
	*b = Base{}
	if self != nil {
		self.resetVariant()
		b.bind(self)
	}
	if hist.Cap() > 0 {
		b.history = hist
	}
}

func (b *Base) notify(n Notification) {
	if b.listener == nil {
		return
	}
	n.Patch = b.self
	b.listener(n)
}

func (b *Base) rules() Rules {
	if b.env == nil {
		return DefaultRules()
	}
	return b.env.Rules
}

func (b *Base) now() time.Time { return b.env.now() }

// baseState is the shared part of every serialized blob.
type baseState struct {
	State          int         `json:"state"`
	History        []int       `json:"history,omitempty"`
	NextTransition time.Time   `json:"next_transition"`
	TileOverride   int         `json:"tile_override"`
	Tint           uint32      `json:"tint"`
	HasCollision   bool        `json:"has_collision,omitempty"`
	Collision      int         `json:"collision,omitempty"`
	Persistence    Persistence `json:"persistence"`
	Priority       Priority    `json:"priority"`
}

func (b *Base) exportState() baseState {
	return baseState{
		State:          b.state,
		History:        b.history.Items(),
		NextTransition: b.nextTransition,
		TileOverride:   b.tileOverride,
		Tint:           b.tint,
		HasCollision:   b.hasCollision,
		Collision:      b.collision,
		Persistence:    b.persistence,
		Priority:       b.priority,
	}
}

func (b *Base) importState(s baseState) error {
	if b.self != nil && !b.self.validState(s.State) {
		return &InvalidStateError{Kind: b.self.Kind(), State: s.State}
	}
	b.state = s.State
	b.history.Load(s.History)
	b.nextTransition = s.NextTransition
	b.tileOverride = s.TileOverride
	b.tint = s.Tint
	b.hasCollision = s.HasCollision
	b.collision = s.Collision
	b.persistence = s.Persistence
	b.priority = s.Priority
	b.dirty = true
	return nil
}
