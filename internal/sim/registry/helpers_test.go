package registry

import (
	"time"

	"tilepatch.ai/internal/sim/patch"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type mildClimate struct{}

func (mildClimate) Season() patch.Season                  { return patch.Summer }
func (mildClimate) Temperature(patch.Coord) float64       { return 20 }
func (mildClimate) WaterAvailability(patch.Coord) float64 { return 0 }

type testDefs struct{}

func (testDefs) Crop(name string) (patch.CropDef, bool) {
	if name != "wheat" {
		return patch.CropDef{}, false
	}
	return patch.CropDef{
		ID:                "wheat",
		StageSeconds:      []float64{60, 60, 60, 60, 60},
		Seasons:           []patch.Season{patch.Spring, patch.Summer},
		OptimalTemp:       20,
		TempTolerance:     10,
		InitialWater:      0.5,
		MinWater:          0.2,
		IdealWater:        0.6,
		RipeWindowSeconds: 600,
		YieldItem:         "WHEAT",
		YieldMin:          1,
		YieldMax:          3,
	}, true
}

func (testDefs) Effect(string) (patch.EffectDef, bool) { return patch.EffectDef{}, false }

func (testDefs) Construction(string) (patch.ConstructionDef, bool) {
	return patch.ConstructionDef{}, false
}

type refreshLog struct{ tiles []patch.Coord }

func (l *refreshLog) RefreshTile(x, y, layer int) {
	l.tiles = append(l.tiles, patch.Coord{X: x, Y: y, Layer: layer})
}

type actor struct {
	tool    string
	granted map[string]int
}

func (a *actor) ActorID() string          { return "tester" }
func (a *actor) Tool() string             { return a.tool }
func (a *actor) HasItem(string, int) bool { return true }
func (a *actor) HasFlag(string) bool      { return true }
func (a *actor) Grant(item string, n int) {
	if a.granted == nil {
		a.granted = map[string]int{}
	}
	a.granted[item] += n
}

type fixture struct {
	clock   *fakeClock
	refresh *refreshLog
	reg     *Registry
	events  []Event
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		clock:   &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		refresh: &refreshLog{},
	}
	env := &patch.Env{
		Clock:   f.clock,
		Climate: mildClimate{},
		Defs:    testDefs{},
		Rules:   patch.DefaultRules(),
	}
	f.reg = New(env, f.refresh, cfg)
	f.reg.Subscribe(func(ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) count(typ EventType, note patch.NotificationType, id patch.ID) int {
	n := 0
	for _, ev := range f.events {
		if ev.Type != typ || ev.ID != id {
			continue
		}
		if note != "" && ev.Note.Type != note {
			continue
		}
		n++
	}
	return n
}

func (f *fixture) removedReason(id patch.ID) RemoveReason {
	for _, ev := range f.events {
		if ev.Type == EventRemoved && ev.ID == id {
			return ev.Reason
		}
	}
	return ""
}

// step advances the clock and runs one tick.
func (f *fixture) step(d time.Duration) TickStats {
	f.clock.Advance(d)
	return f.reg.Tick(d)
}
