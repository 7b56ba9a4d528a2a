package registry

import "tilepatch.ai/internal/sim/patch"

type EventType string

const (
	EventAdded        EventType = "ADDED"
	EventRemoved      EventType = "REMOVED"
	EventStateChanged EventType = "STATE_CHANGED"
	// EventNotification passes a variant notification through unchanged.
	EventNotification EventType = "NOTIFICATION"
)

// RemoveReason says why a patch left the registry.
type RemoveReason string

const (
	ReasonDestroyed RemoveReason = "destroyed"
	ReasonRemoved   RemoveReason = "removed"
	ReasonReplaced  RemoveReason = "replaced"
	ReasonCleared   RemoveReason = "cleared"
)

// Event is delivered synchronously to registry subscribers. Patch is only valid
// for the duration of the callback: removed instances go back to the pool.
type Event struct {
	Type   EventType
	ID     patch.ID
	Kind   patch.Kind
	Coord  patch.Coord
	Patch  patch.Patch
	Reason RemoveReason
	From   int
	To     int
	Note   patch.Notification
}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for every registry event and returns its cancel func.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	r.subSeq++
	id := r.subSeq
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	return func() {
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) emit(ev Event) {
	for _, s := range r.subs {
		s.fn(ev)
	}
}

// listener adapts one entry's patch notifications into registry bookkeeping.
func (r *Registry) listener(e *entry) patch.Listener {
	return func(n patch.Notification) {
		if e.removed {
			return
		}
		switch n.Type {
		case patch.NoteStateChanged:
			r.emit(Event{Type: EventStateChanged, ID: e.p.ID(), Kind: e.p.Kind(), Coord: e.coord, Patch: e.p, From: n.From, To: n.To, Note: n})
			r.refresh(e.coord)
		case patch.NoteDestroyed:
			r.emit(Event{Type: EventNotification, ID: e.p.ID(), Kind: e.p.Kind(), Coord: e.coord, Patch: e.p, From: n.From, To: n.To, Note: n})
			reason := e.reason
			if reason == "" {
				reason = ReasonDestroyed
			}
			r.detach(e, reason)
		default:
			r.emit(Event{Type: EventNotification, ID: e.p.ID(), Kind: e.p.Kind(), Coord: e.coord, Patch: e.p, From: n.From, To: n.To, Note: n})
			switch n.Type {
			case patch.NoteStageChanged, patch.NoteCompleted, patch.NoteReverted:
				r.refresh(e.coord)
			}
		}
	}
}
