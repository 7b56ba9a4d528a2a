package world

import (
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/tilemap"
)

func toVisual(v tilemap.Visual) protocol.TileVisual {
	return protocol.TileVisual{Tile: v.Tile, Collision: v.Collision, Tint: v.Tint, Patched: v.Patched}
}

// visual resolves the tile at c with whatever patch is live there.
func (w *World) visual(c patch.Coord) protocol.TileVisual {
	p, _ := w.reg.Get(c)
	return toVisual(w.tiles.Resolve(c, p))
}

func (w *World) view(p patch.Patch) protocol.PatchView {
	c := p.Coord()
	v := protocol.PatchView{
		ID:          uint64(p.ID()),
		Kind:        string(p.Kind()),
		Pos:         [3]int{c.X, c.Y, c.Layer},
		State:       p.State(),
		History:     p.History(),
		Persistence: p.Persistence().String(),
		Visual:      toVisual(w.tiles.Resolve(c, p)),
	}
	if nt := p.NextTransition(); !nt.IsZero() {
		v.NextTransitionMs = nt.UnixMilli()
	}
	switch t := p.(type) {
	case *patch.Crop:
		v.StateName = t.Stage().String()
		v.Crop = &protocol.CropView{
			Type:    t.CropType(),
			Stage:   t.Stage().String(),
			Water:   t.Water(),
			Quality: t.Quality(),
			Tier:    t.Tier().String(),
		}
	case *patch.Effect:
		remaining := t.Duration() - t.Elapsed()
		if remaining < 0 {
			remaining = 0
		}
		v.Effect = &protocol.EffectView{
			Category:    t.Category(),
			Intensity:   t.Intensity(),
			Curve:       string(t.Curve()),
			RemainingMs: remaining.Milliseconds(),
		}
	case *patch.Durable:
		v.Durable = &protocol.DurableView{
			Change:         string(t.Change()),
			Reason:         t.Reason(),
			Source:         t.Source(),
			Revertible:     t.Revertible(),
			Progress:       t.Progress(),
			Completed:      t.Completed(),
			ConstructionID: t.ConstructionID(),
		}
	}
	return v
}
