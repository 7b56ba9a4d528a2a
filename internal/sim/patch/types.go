// Package patch implements tile patches: small state machines bound to one
// (x, y, layer) coordinate that override a tile's look and behaviour without
// touching the static map.
package patch

import (
	"fmt"
	"time"
)

// Coord addresses one grid cell on one logical layer.
type Coord struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Layer int `json:"layer"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Layer) }

// Less orders coordinates by layer, then row, then column.
func (c Coord) Less(o Coord) bool {
	if c.Layer != o.Layer {
		return c.Layer < o.Layer
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// Rect is an inclusive cell rectangle.
type Rect struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// ID is process-unique and survives a save/load cycle.
type ID uint64

// Kind is the type tag persisted with every record.
type Kind string

const (
	KindCrop    Kind = "crop"
	KindEffect  Kind = "effect"
	KindDurable Kind = "durable"
)

// Kinds lists every variant in a stable order.
var Kinds = []Kind{KindCrop, KindEffect, KindDurable}

// Persistence controls whether a patch survives a save cycle.
type Persistence int

const (
	PersistNone Persistence = iota
	PersistSession
	PersistSave
	PersistPermanent
)

func (p Persistence) String() string {
	switch p {
	case PersistNone:
		return "none"
	case PersistSession:
		return "session"
	case PersistSave:
		return "save"
	case PersistPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("persistence(%d)", int(p))
	}
}

func ParsePersistence(s string) (Persistence, bool) {
	switch s {
	case "none":
		return PersistNone, true
	case "session":
		return PersistSession, true
	case "save":
		return PersistSave, true
	case "permanent":
		return PersistPermanent, true
	}
	return PersistNone, false
}

// Priority selects the ambient re-enqueue offset.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// NoTileOverride and NoTint are the "unset" visual values.
const (
	NoTileOverride        = -1
	NoTint         uint32 = 0xFFFFFFFF
)

// Season is a world-clock season.
type Season string

const (
	Spring Season = "SPRING"
	Summer Season = "SUMMER"
	Autumn Season = "AUTUMN"
	Winter Season = "WINTER"
)

// Clock supplies the current time. Nothing in this package reads the wall clock.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Climate is the read-only environment a growth patch depends on.
type Climate interface {
	Season() Season
	Temperature(c Coord) float64
	// WaterAvailability is rain/irrigation in [0,1].
	WaterAvailability(c Coord) float64
}

// TileQuerier reads the static tile under a coordinate.
type TileQuerier interface {
	QueryTile(x, y, layer int) (tileID int, collision int, ok bool)
}

// Actor is whoever interacts with a patch. Inventory and flags live elsewhere.
type Actor interface {
	ActorID() string
	Tool() string
	HasItem(item string, n int) bool
	HasFlag(flag string) bool
	Grant(item string, n int)
}

// Defs resolves variant definitions by name.
type Defs interface {
	Crop(name string) (CropDef, bool)
	Effect(category string) (EffectDef, bool)
	Construction(id string) (ConstructionDef, bool)
}

// Env is the set of collaborators handed to a patch on Initialize.
type Env struct {
	Clock   Clock
	Climate Climate
	Tiles   TileQuerier
	Defs    Defs
	Rules   Rules
}

func (e *Env) now() time.Time {
	if e == nil || e.Clock == nil {
		return time.Time{}
	}
	return e.Clock.Now()
}

// NotificationType enumerates everything a patch reports to its subscriber.
type NotificationType string

const (
	NoteStateChanged NotificationType = "STATE_CHANGED"
	NoteDestroyed    NotificationType = "DESTROYED"
	NoteReverted     NotificationType = "REVERTED"
	NoteStageChanged NotificationType = "STAGE_CHANGED"
	NoteCompleted    NotificationType = "COMPLETED"
	NoteHarvested    NotificationType = "HARVESTED"
	NoteWatered      NotificationType = "WATERED"
)

type Notification struct {
	Type  NotificationType
	Patch Patch
	From  int
	To    int

	// Set by Reverted.
	Tile      int
	Collision int
	// Set by Harvested.
	Item     string
	Quantity int
	Actor    string
}

// Listener receives notifications synchronously, inside the call that raised them.
type Listener func(Notification)
