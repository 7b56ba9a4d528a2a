package patch

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ChangeKind categorises a durable world edit.
type ChangeKind string

const (
	ChangeDig          ChangeKind = "dig"
	ChangeBuild        ChangeKind = "build"
	ChangeDemolish     ChangeKind = "demolish"
	ChangeTerraform    ChangeKind = "terraform"
	ChangeConstruction ChangeKind = "construction"
)

func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeDig, ChangeBuild, ChangeDemolish, ChangeTerraform, ChangeConstruction:
		return true
	}
	return false
}

// Durable is a permanent world edit that can optionally be reverted.
type Durable struct {
	Base

	change ChangeKind
	reason string
	source string

	prevTile      int
	prevCollision int
	hadTile       bool

	revertible    bool
	requiredItems []string
	requiredFlags []string

	constructionID string
	stages         []int
	stageCollision *int
	progress       float64
	completed      bool
}

func NewDurable() *Durable {
	d := &Durable{}
	d.bind(d)
	d.prevTile = NoTileOverride
	return d
}

func (*Durable) Kind() Kind { return KindDurable }

func (*Durable) defaults() (Persistence, Priority) { return PersistPermanent, PriorityLow }

func (d *Durable) Change() ChangeKind       { return d.change }
func (d *Durable) Reason() string           { return d.reason }
func (d *Durable) Source() string           { return d.source }
func (d *Durable) Revertible() bool         { return d.revertible }
func (d *Durable) Progress() float64        { return d.progress }
func (d *Durable) Completed() bool          { return d.completed }
func (d *Durable) Stages() []int            { return append([]int(nil), d.stages...) }
func (d *Durable) ConstructionID() string   { return d.constructionID }
func (d *Durable) PreviousTile() (int, int) { return d.prevTile, d.prevCollision }

// Initialize binds identity and captures the live tile so a revert can restore it.
func (d *Durable) Initialize(env *Env, id ID, c Coord, now time.Time) {
	d.Base.Initialize(env, id, c, now)
	d.prevTile = NoTileOverride
	d.prevCollision = 0
	d.hadTile = false
	if env != nil && env.Tiles != nil {
		if tile, col, ok := env.Tiles.QueryTile(c.X, c.Y, c.Layer); ok {
			d.prevTile = tile
			d.prevCollision = col
			d.hadTile = true
		}
	}
}

// ChangeSpec describes a single-step durable edit.
type ChangeSpec struct {
	Change        ChangeKind
	Reason        string
	Source        string
	Tile          int
	Collision     *int
	Revertible    bool
	RequiredItems []string
	RequiredFlags []string
}

// Apply installs a single-step edit.
func (d *Durable) Apply(spec ChangeSpec) error {
	if !spec.Change.Valid() || spec.Change == ChangeConstruction {
		return fmt.Errorf("durable: bad change kind %q", spec.Change)
	}
	d.change = spec.Change
	d.reason = spec.Reason
	d.source = spec.Source
	d.revertible = spec.Revertible
	d.requiredItems = append([]string(nil), spec.RequiredItems...)
	d.requiredFlags = append([]string(nil), spec.RequiredFlags...)
	d.SetTileOverride(spec.Tile)
	if spec.Collision != nil {
		d.SetCollisionOverride(*spec.Collision)
	}
	return nil
}

// BeginConstruction starts a multi-stage build from its catalog definition.
func (d *Durable) BeginConstruction(id, reason, source string) error {
	if d.env == nil || d.env.Defs == nil {
		return fmt.Errorf("construction %s: %w", id, ErrUnknownDef)
	}
	def, ok := d.env.Defs.Construction(id)
	if !ok {
		return fmt.Errorf("construction %s: %w", id, ErrUnknownDef)
	}
	if len(def.StageTiles) == 0 {
		return fmt.Errorf("construction %s: no stages", id)
	}
	d.change = ChangeConstruction
	d.constructionID = id
	d.reason = reason
	d.source = source
	d.revertible = def.Revertible
	d.requiredItems = append([]string(nil), def.RequiredItems...)
	d.requiredFlags = append([]string(nil), def.RequiredFlags...)
	d.stages = append([]int(nil), def.StageTiles...)
	d.stageCollision = nil
	if def.Collision != nil {
		v := *def.Collision
		d.stageCollision = &v
	}
	d.progress = 0
	d.completed = false
	d.SetTileOverride(d.stages[0])
	if len(d.stages) == 1 {
		d.complete(0)
	}
	return nil
}

func (d *Durable) lastStage() int {
	if len(d.stages) == 0 {
		return 0
	}
	return len(d.stages) - 1
}

func (d *Durable) validState(s int) bool { return s >= 0 && s <= d.lastStage() }

// canTransition only lets a construction step forward one stage at a time, so
// every path to the last stage passes through the completion bookkeeping.
func (d *Durable) canTransition(from, to int) bool {
	if d.change != ChangeConstruction {
		return true
	}
	return !d.completed && to == from+1
}

func (d *Durable) onStateChanged(from, to int) {
	if to < len(d.stages) {
		d.SetTileOverride(d.stages[to])
	}
	if d.change != ChangeConstruction {
		return
	}
	d.progress = math.Max(d.progress, float64(to))
	d.notify(Notification{Type: NoteStageChanged, From: from, To: to})
	if to == d.lastStage() {
		d.complete(from)
	}
}

func (d *Durable) complete(from int) {
	if d.completed {
		return
	}
	d.completed = true
	if d.stageCollision != nil {
		d.SetCollisionOverride(*d.stageCollision)
	}
	d.notify(Notification{Type: NoteCompleted, From: from, To: d.state})
}

func (d *Durable) resetVariant() {
	*d = Durable{Base: d.Base, prevTile: NoTileOverride}
}

// AdvanceConstruction accumulates progress; every whole unit moves one stage.
func (d *Durable) AdvanceConstruction(amount float64) bool {
	if d.destroyed || d.change != ChangeConstruction || d.completed || amount <= 0 {
		return false
	}
	last := d.lastStage()
	d.progress = math.Min(d.progress+amount, float64(last))
	d.dirty = true
	for int(math.Floor(d.progress)) > d.state && d.state < last {
		if !d.ChangeState(d.state+1, true) {
			break
		}
	}
	return true
}

// Revert restores the captured tile when allowed and destroys the patch.
func (d *Durable) Revert(a Actor) bool {
	if d.destroyed || !d.revertible {
		return false
	}
	for _, item := range d.requiredItems {
		if a == nil || !a.HasItem(item, 1) {
			return false
		}
	}
	for _, flag := range d.requiredFlags {
		if a == nil || !a.HasFlag(flag) {
			return false
		}
	}
	d.SetTileOverride(d.prevTile)
	if d.hadTile {
		d.SetCollisionOverride(d.prevCollision)
	} else {
		d.ClearCollisionOverride()
	}
	actorID := ""
	if a != nil {
		actorID = a.ActorID()
	}
	d.notify(Notification{Type: NoteReverted, From: d.state, To: d.state, Tile: d.prevTile, Collision: d.prevCollision, Actor: actorID})
	d.Destroy()
	return true
}

// Update is a no-op: durable edits only change through interaction.
func (d *Durable) Update(dt time.Duration) {}

func (d *Durable) OnInteract(a Actor) bool {
	if a == nil || d.destroyed {
		return false
	}
	r := d.rules()
	switch a.Tool() {
	case r.BuildTool:
		return d.AdvanceConstruction(r.BuildPerUse)
	case r.RevertTool:
		return d.Revert(a)
	}
	return false
}

type durableBlob struct {
	Base           baseState  `json:"base"`
	Change         ChangeKind `json:"change"`
	Reason         string     `json:"reason,omitempty"`
	Source         string     `json:"source,omitempty"`
	PrevTile       int        `json:"prev_tile"`
	PrevCollision  int        `json:"prev_collision"`
	HadTile        bool       `json:"had_tile,omitempty"`
	Revertible     bool       `json:"revertible,omitempty"`
	RequiredItems  []string   `json:"required_items,omitempty"`
	RequiredFlags  []string   `json:"required_flags,omitempty"`
	ConstructionID string     `json:"construction_id,omitempty"`
	Stages         []int      `json:"stages,omitempty"`
	StageCollision *int       `json:"stage_collision,omitempty"`
	Progress       float64    `json:"progress,omitempty"`
	Completed      bool       `json:"completed,omitempty"`
}

func (d *Durable) Serialize() ([]byte, error) {
	return json.Marshal(durableBlob{
		Base:           d.exportState(),
		Change:         d.change,
		Reason:         d.reason,
		Source:         d.source,
		PrevTile:       d.prevTile,
		PrevCollision:  d.prevCollision,
		HadTile:        d.hadTile,
		Revertible:     d.revertible,
		RequiredItems:  d.requiredItems,
		RequiredFlags:  d.requiredFlags,
		ConstructionID: d.constructionID,
		Stages:         d.stages,
		StageCollision: d.stageCollision,
		Progress:       d.progress,
		Completed:      d.completed,
	})
}

func (d *Durable) Deserialize(b []byte) error {
	var blob durableBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return fmt.Errorf("durable blob: %w", err)
	}
	if blob.Change != "" && !blob.Change.Valid() {
		return fmt.Errorf("durable blob: bad change kind %q", blob.Change)
	}
	// Stages bound the valid state range, so they load first.
	d.stages = append([]int(nil), blob.Stages...)
	if err := d.importState(blob.Base); err != nil {
		return err
	}
	d.change = blob.Change
	d.reason = blob.Reason
	d.source = blob.Source
	d.prevTile = blob.PrevTile
	d.prevCollision = blob.PrevCollision
	d.hadTile = blob.HadTile
	d.revertible = blob.Revertible
	d.requiredItems = blob.RequiredItems
	d.requiredFlags = blob.RequiredFlags
	d.constructionID = blob.ConstructionID
	d.stageCollision = blob.StageCollision
	d.progress = blob.Progress
	d.completed = blob.Completed
	return nil
}
