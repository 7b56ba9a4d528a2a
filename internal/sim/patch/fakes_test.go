package patch

import "time"

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeClimate struct {
	season Season
	temp   float64
	water  float64
}

func (f *fakeClimate) Season() Season                  { return f.season }
func (f *fakeClimate) Temperature(Coord) float64       { return f.temp }
func (f *fakeClimate) WaterAvailability(Coord) float64 { return f.water }

type fakeTiles map[Coord][2]int

func (f fakeTiles) QueryTile(x, y, layer int) (int, int, bool) {
	v, ok := f[Coord{X: x, Y: y, Layer: layer}]
	return v[0], v[1], ok
}

type fakeDefs struct {
	crops         map[string]CropDef
	effects       map[string]EffectDef
	constructions map[string]ConstructionDef
}

func (f fakeDefs) Crop(name string) (CropDef, bool) {
	d, ok := f.crops[name]
	return d, ok
}

func (f fakeDefs) Effect(category string) (EffectDef, bool) {
	d, ok := f.effects[category]
	return d, ok
}

func (f fakeDefs) Construction(id string) (ConstructionDef, bool) {
	d, ok := f.constructions[id]
	return d, ok
}

type fakeActor struct {
	id      string
	tool    string
	items   map[string]int
	flags   map[string]bool
	granted map[string]int
}

func (a *fakeActor) ActorID() string { return a.id }
func (a *fakeActor) Tool() string    { return a.tool }
func (a *fakeActor) HasItem(item string, n int) bool {
	return a.items[item] >= n
}
func (a *fakeActor) HasFlag(flag string) bool { return a.flags[flag] }
func (a *fakeActor) Grant(item string, n int) {
	if a.granted == nil {
		a.granted = map[string]int{}
	}
	a.granted[item] += n
}

func wheatDef() CropDef {
	return CropDef{
		ID:                "wheat",
		StageSeconds:      []float64{60, 60, 60, 60, 60},
		Seasons:           []Season{Spring, Summer},
		PreferredSeasons:  []Season{Summer},
		OptimalTemp:       20,
		TempTolerance:     10,
		InitialWater:      0.5,
		MinWater:          0.2,
		IdealWater:        0.6,
		RipeWindowSeconds: 600,
		YieldItem:         "WHEAT",
		YieldMin:          2,
		YieldMax:          4,
	}
}

var postCollision = 3

type testEnv struct {
	clock   *fakeClock
	climate *fakeClimate
	tiles   fakeTiles
	env     *Env
}

func newTestEnv() *testEnv {
	clock := newFakeClock()
	climate := &fakeClimate{season: Spring, temp: 20}
	tiles := fakeTiles{}
	defs := fakeDefs{
		crops: map[string]CropDef{"wheat": wheatDef()},
		effects: map[string]EffectDef{
			"FIRE": {Category: "FIRE", DurationSeconds: 10, Intensity: 1, Curve: "linear", Fade: true},
		},
		constructions: map[string]ConstructionDef{
			"wall": {ID: "wall", StageTiles: []int{100, 101, 102}, Revertible: true, RequiredItems: []string{"PERMIT"}},
			"post": {ID: "post", StageTiles: []int{110}, Collision: &postCollision},
		},
	}
	return &testEnv{
		clock:   clock,
		climate: climate,
		tiles:   tiles,
		env: &Env{
			Clock:   clock,
			Climate: climate,
			Tiles:   tiles,
			Defs:    defs,
			Rules:   DefaultRules(),
		},
	}
}

func (te *testEnv) setup(p Patch, id ID, c Coord) {
	p.Initialize(te.env, id, c, te.clock.Now())
}

// record subscribes and returns a pointer to the collected notifications.
func record(p Patch) *[]Notification {
	var notes []Notification
	p.Subscribe(func(n Notification) { notes = append(notes, n) })
	return &notes
}

func countNotes(notes []Notification, typ NotificationType) int {
	n := 0
	for _, v := range notes {
		if v.Type == typ {
			n++
		}
	}
	return n
}
