package tilemap

import (
	"sort"

	"tilepatch.ai/internal/sim/patch"
)

type cell struct {
	tile      int
	collision int
}

// Store is an in-memory static tile grid. Patches overlay it; they never write
// to it. Refresh requests accumulate until the renderer drains them.
type Store struct {
	cells   map[patch.Coord]cell
	pending map[patch.Coord]struct{}
}

func New() *Store {
	return &Store{
		cells:   map[patch.Coord]cell{},
		pending: map[patch.Coord]struct{}{},
	}
}

func (s *Store) Set(c patch.Coord, tile, collision int) {
	s.cells[c] = cell{tile: tile, collision: collision}
}

// Terrain is a uniform rectangle of static tiles on layers [0, Layers).
type Terrain struct {
	Width     int
	Height    int
	Layers    int
	Tile      int
	Collision int
}

// Fill sets every cell of t. An empty terrain leaves the store unchanged.
func (s *Store) Fill(t Terrain) {
	for l := 0; l < t.Layers; l++ {
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				s.cells[patch.Coord{X: x, Y: y, Layer: l}] = cell{tile: t.Tile, collision: t.Collision}
			}
		}
	}
}

func (s *Store) Len() int { return len(s.cells) }

func (s *Store) QueryTile(x, y, layer int) (int, int, bool) {
	v, ok := s.cells[patch.Coord{X: x, Y: y, Layer: layer}]
	return v.tile, v.collision, ok
}

func (s *Store) RefreshTile(x, y, layer int) {
	s.pending[patch.Coord{X: x, Y: y, Layer: layer}] = struct{}{}
}

// Pending is the number of tiles waiting for a redraw.
func (s *Store) Pending() int { return len(s.pending) }

// DrainRefreshes returns and clears the pending set in coordinate order.
func (s *Store) DrainRefreshes() []patch.Coord {
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]patch.Coord, 0, len(s.pending))
	for c := range s.pending {
		out = append(out, c)
	}
	clear(s.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Visual is what a renderer draws for one tile.
type Visual struct {
	Tile      int    `json:"tile"`
	Collision int    `json:"collision"`
	Tint      uint32 `json:"tint"`
	Patched   bool   `json:"patched"`
}

// Resolve layers the patch at c (may be nil) over the static tile.
func (s *Store) Resolve(c patch.Coord, p patch.Patch) Visual {
	base := s.cells[c]
	v := Visual{Tile: base.tile, Collision: base.collision, Tint: patch.NoTint}
	if p == nil {
		return v
	}
	v.Patched = true
	if t := p.TileOverride(); t != patch.NoTileOverride {
		v.Tile = t
	}
	if col, ok := p.Collision(); ok {
		v.Collision = col
	}
	v.Tint = p.Tint()
	return v
}
