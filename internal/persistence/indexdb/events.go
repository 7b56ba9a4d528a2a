package indexdb

import (
	"fmt"

	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

// Attach feeds reg's lifecycle events into the patch_events table. State
// changes are left to the journal; only adds, removals and terminal
// notifications are indexed.
func (s *SQLiteIndex) Attach(reg *registry.Registry, mapID func() string) (cancel func()) {
	return reg.Subscribe(func(ev registry.Event) {
		row, ok := eventRow(ev)
		if !ok {
			return
		}
		if mapID != nil {
			row.MapID = mapID()
		}
		s.RecordEvent(row)
	})
}

func eventRow(ev registry.Event) (EventRow, bool) {
	row := EventRow{
		PatchID: uint64(ev.ID),
		Kind:    string(ev.Kind),
		X:       ev.Coord.X,
		Y:       ev.Coord.Y,
		Layer:   ev.Coord.Layer,
		Event:   string(ev.Type),
	}
	switch ev.Type {
	case registry.EventAdded:
	case registry.EventRemoved:
		row.Detail = string(ev.Reason)
	case registry.EventNotification:
		switch ev.Note.Type {
		case patch.NoteHarvested:
			row.Event = string(ev.Note.Type)
			row.Detail = fmt.Sprintf("%s x%d by %s", ev.Note.Item, ev.Note.Quantity, ev.Note.Actor)
		case patch.NoteReverted:
			row.Event = string(ev.Note.Type)
			row.Detail = fmt.Sprintf("tile=%d by %s", ev.Note.Tile, ev.Note.Actor)
		case patch.NoteCompleted:
			row.Event = string(ev.Note.Type)
		default:
			return row, false
		}
	default:
		return row, false
	}
	return row, true
}
