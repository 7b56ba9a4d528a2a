package world

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/protocol"
	"tilepatch.ai/internal/sim/catalogs"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
	"tilepatch.ai/internal/sim/tilemap"
	"tilepatch.ai/internal/sim/tuning"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type countingSink struct{ attached, events int }

func (s *countingSink) Attach(reg *registry.Registry, mapID func() string) func() {
	s.attached++
	return reg.Subscribe(func(registry.Event) { s.events++ })
}

type saveLog struct{ ops []savestate.Op }

func (l *saveLog) RecordSave(r savestate.SaveResult) { l.ops = append(l.ops, r.Op) }

func testCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs", "catalogs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

func newTestWorld(t *testing.T, dir string, mutate func(*Config)) (*World, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	cfg := Config{
		MapID:     "farm",
		DataDir:   dir,
		Tuning:    tuning.Defaults(),
		Defs:      testCatalogs(t),
		SessionID: "run-1",
		Terrain:   tilemap.Terrain{Width: 8, Height: 8, Layers: 1, Tile: 1},
		Clock:     clock,
		Logger:    log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)
	return w, clock
}

func at(x, y int) patch.Coord { return patch.Coord{X: x, Y: y} }

func mustOK(t *testing.T, resp Response) Response {
	t.Helper()
	if !resp.OK {
		t.Fatalf("request failed: %s %s", resp.Code, resp.Message)
	}
	return resp
}

func TestPlantGrowAndHarvest(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()

	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpPlant, Coord: at(1, 1), Name: "wheat"}))
	if resp.Patch == nil || resp.Patch.Kind != "crop" || resp.Patch.Crop.Type != "wheat" {
		t.Fatalf("plant view=%+v", resp.Patch)
	}
	if resp.Patch.Visual.Tile != 200 || !resp.Patch.Visual.Patched {
		t.Fatalf("seeded visual=%+v", resp.Patch.Visual)
	}
	if resp.MapID != "farm" {
		t.Fatalf("map=%q", resp.MapID)
	}

	for s := 1; s <= int(patch.StageHarvestable); s++ {
		mustOK(t, w.Do(ctx, Request{Op: protocol.OpTransition, Coord: at(1, 1), State: s}))
	}
	// Harvestable only moves to Withered.
	if r := w.Do(ctx, Request{Op: protocol.OpTransition, Coord: at(1, 1), State: 2}); r.OK || r.Code != protocol.ErrRejected {
		t.Fatalf("backwards transition=%+v", r)
	}

	farmer := NewActor("ann")
	resp = mustOK(t, w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(1, 1), Actor: farmer}))
	if resp.Granted["WHEAT"] < 1 || farmer.Inventory()["WHEAT"] != resp.Granted["WHEAT"] {
		t.Fatalf("granted=%v inventory=%v", resp.Granted, farmer.Inventory())
	}
	if resp.Patch != nil || resp.Visual.Patched || resp.Visual.Tile != 1 {
		t.Fatalf("harvested tile still patched: %+v %+v", resp.Patch, resp.Visual)
	}
	if r := w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(1, 1), Actor: farmer}); r.Code != protocol.ErrInvalidTarget {
		t.Fatalf("interact on empty tile=%+v", r)
	}
}

func TestPlacementChecks(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"outside map", Request{Op: protocol.OpPlant, Coord: at(20, 0), Name: "wheat"}, protocol.ErrInvalidTarget},
		{"unknown crop", Request{Op: protocol.OpPlant, Coord: at(0, 0), Name: "kale"}, protocol.ErrInvalidTarget},
		{"missing crop", Request{Op: protocol.OpPlant, Coord: at(0, 0)}, protocol.ErrBadRequest},
		{"unknown effect", Request{Op: protocol.OpEffect, Coord: at(0, 0), Name: "PLAGUE"}, protocol.ErrInvalidTarget},
		{"construction via edit", Request{Op: protocol.OpEdit, Coord: at(0, 0), Edit: &patch.ChangeSpec{Change: patch.ChangeConstruction}}, protocol.ErrBadRequest},
		{"unknown op", Request{Op: "teleport"}, protocol.ErrBadRequest},
		{"empty area", Request{Op: protocol.OpArea, Rect: patch.Rect{MinX: 3, MaxX: 1}}, protocol.ErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := w.Do(ctx, tc.req)
			if r.OK || r.Code != tc.code {
				t.Fatalf("resp=%+v want %s", r, tc.code)
			}
		})
	}
	if n := w.Registry().Len(); n != 0 {
		t.Fatalf("failed placements left %d patches", n)
	}

	mustOK(t, w.Do(ctx, Request{Op: protocol.OpEffect, Coord: at(2, 2), Name: "FROST"}))
	if r := w.Do(ctx, Request{Op: protocol.OpPlant, Coord: at(2, 2), Name: "wheat"}); r.Code != protocol.ErrConflict {
		t.Fatalf("occupied plant=%+v", r)
	}
	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpPlant, Coord: at(2, 2), Name: "wheat", Replace: true}))
	if resp.Patch.Kind != "crop" || w.Registry().Len() != 1 {
		t.Fatalf("replace left %d patches, view=%+v", w.Registry().Len(), resp.Patch)
	}
}

func TestEditAndRevert(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()
	hole := 0
	resp := mustOK(t, w.Do(ctx, Request{
		Op:    protocol.OpEdit,
		Coord: at(4, 4),
		Actor: NewActor("digger"),
		Edit: &patch.ChangeSpec{
			Change:        patch.ChangeDig,
			Reason:        "well shaft",
			Tile:          9,
			Collision:     &hole,
			Revertible:    true,
			RequiredItems: []string{"PERMIT"},
		},
	}))
	if resp.Patch.Durable.Source != "digger" || resp.Patch.Visual.Tile != 9 {
		t.Fatalf("edit view=%+v", resp.Patch)
	}

	mayor := NewActor("mayor")
	if r := w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(4, 4), Actor: mayor, Tool: "crowbar"}); r.Code != protocol.ErrRejected {
		t.Fatalf("revert without permit=%+v", r)
	}
	mayor.Grant("PERMIT", 1)
	resp = mustOK(t, w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(4, 4), Actor: mayor, Tool: "crowbar"}))
	if resp.Patch != nil || resp.Visual.Tile != 1 || resp.Visual.Patched {
		t.Fatalf("revert left %+v %+v", resp.Patch, resp.Visual)
	}
	if mayor.Tool() != "" {
		t.Fatalf("per-request tool leaked into actor: %q", mayor.Tool())
	}
}

func TestConstructionCompletes(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()
	builder := NewActor("bob")
	builder.Held = "hammer"

	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpConstruct, Coord: at(3, 3), Name: "stone_path", Actor: builder}))
	if resp.Patch.Durable.ConstructionID != "stone_path" || resp.Patch.Visual.Tile != 410 {
		t.Fatalf("construct view=%+v", resp.Patch)
	}
	resp = mustOK(t, w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(3, 3), Actor: builder}))
	if !resp.Patch.Durable.Completed || resp.Patch.Visual.Tile != 411 {
		t.Fatalf("after hammer=%+v", resp.Patch)
	}
	if r := w.Do(ctx, Request{Op: protocol.OpInteract, Coord: at(3, 3), Actor: builder}); r.Code != protocol.ErrRejected {
		t.Fatalf("hammer on completed build=%+v", r)
	}
	if r := w.Do(ctx, Request{Op: protocol.OpConstruct, Coord: at(5, 5), Name: "castle"}); r.Code != protocol.ErrInvalidTarget {
		t.Fatalf("unknown construction=%+v", r)
	}
}

func TestEffectExpiresAndRefreshesDrain(t *testing.T) {
	w, clock := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()

	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpEffect, Coord: at(6, 6), Name: "FIRE"}))
	if resp.Patch.Effect.Category != "FIRE" || resp.Patch.Visual.Tile != 300 || resp.Patch.Persistence != "session" {
		t.Fatalf("effect view=%+v", resp.Patch)
	}
	refreshed := mustOK(t, w.Do(ctx, Request{Op: protocol.OpRefreshes})).Refreshes
	if len(refreshed) == 0 || refreshed[0] != at(6, 6) {
		t.Fatalf("refreshes=%v", refreshed)
	}

	clock.Advance(13 * time.Second)
	w.StepOnce(13 * time.Second)
	if r := mustOK(t, w.Do(ctx, Request{Op: protocol.OpGet, Coord: at(6, 6)})); r.Patch != nil || r.Visual.Tile != 1 {
		t.Fatalf("expired effect still visible: %+v", r)
	}
	if w.CurrentTick() != 1 {
		t.Fatalf("tick=%d", w.CurrentTick())
	}
}

func TestAreaAndRemove(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), nil)
	ctx := context.Background()
	for _, c := range []patch.Coord{at(0, 0), at(1, 0), at(5, 5)} {
		mustOK(t, w.Do(ctx, Request{Op: protocol.OpEffect, Coord: c, Name: "MAGIC"}))
	}
	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpArea, Rect: patch.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}}))
	if len(resp.Patches) != 2 || resp.Patches[0].Pos != [3]int{0, 0, 0} || resp.Patches[1].Pos != [3]int{1, 0, 0} {
		t.Fatalf("area=%+v", resp.Patches)
	}
	mustOK(t, w.Do(ctx, Request{Op: protocol.OpRemove, Coord: at(1, 0)}))
	if r := w.Do(ctx, Request{Op: protocol.OpRemove, Coord: at(1, 0)}); r.Code != protocol.ErrInvalidTarget {
		t.Fatalf("second remove=%+v", r)
	}
	st := mustOK(t, w.Do(ctx, Request{Op: protocol.OpStatus})).Status
	if st.Patches != 2 || st.ByKind["effect"] != 2 || st.Removed != 1 {
		t.Fatalf("status=%+v", st)
	}
}

func TestSaveSwitchAndReload(t *testing.T) {
	dir := t.TempDir()
	saves := &saveLog{}
	sink := &countingSink{}
	w, _ := newTestWorld(t, dir, func(c *Config) {
		c.Saves = []SaveSink{saves}
		c.Sinks = []EventSink{sink}
	})
	ctx := context.Background()

	mustOK(t, w.Do(ctx, Request{Op: protocol.OpEdit, Coord: at(2, 3), Edit: &patch.ChangeSpec{Change: patch.ChangeBuild, Tile: 50}}))
	resp := mustOK(t, w.Do(ctx, Request{Op: protocol.OpSave}))
	if resp.Save.Op != "full" || resp.Save.Records != 1 {
		t.Fatalf("save=%+v", resp.Save)
	}
	if v := mustOK(t, w.Do(ctx, Request{Op: protocol.OpValidate})).Valid; v == nil || !*v {
		t.Fatalf("validate=%v", v)
	}

	resp = mustOK(t, w.Do(ctx, Request{Op: protocol.OpSwitchMap, Name: "mine"}))
	if resp.Load.Found || w.Registry().Len() != 0 || w.MapID() != "mine" {
		t.Fatalf("switch load=%+v len=%d map=%s", resp.Load, w.Registry().Len(), w.MapID())
	}
	resp = mustOK(t, w.Do(ctx, Request{Op: protocol.OpSwitchMap, Name: "farm"}))
	if !resp.Load.Found || resp.Load.Restored != 1 {
		t.Fatalf("reload=%+v", resp.Load)
	}
	got := mustOK(t, w.Do(ctx, Request{Op: protocol.OpGet, Coord: at(2, 3)}))
	if got.Patch == nil || got.Patch.Durable.Change != "build" || got.Visual.Tile != 50 {
		t.Fatalf("restored=%+v", got.Patch)
	}

	if r := w.Do(ctx, Request{Op: protocol.OpSwitchMap, Name: "../etc"}); r.Code != protocol.ErrWorldNotFound {
		t.Fatalf("bad map id=%+v", r)
	}
	if sink.attached != 1 || sink.events == 0 {
		t.Fatalf("sink attached=%d events=%d", sink.attached, sink.events)
	}
	if len(saves.ops) == 0 || saves.ops[0] != savestate.OpFull {
		t.Fatalf("save sink ops=%v", saves.ops)
	}
}

func TestAutosave(t *testing.T) {
	w, clock := newTestWorld(t, t.TempDir(), func(c *Config) { c.Tuning.AutosaveEveryTicks = 2 })
	ctx := context.Background()
	mustOK(t, w.Do(ctx, Request{Op: protocol.OpEdit, Coord: at(0, 1), Edit: &patch.ChangeSpec{Change: patch.ChangeTerraform, Tile: 7}}))

	clock.Advance(100 * time.Millisecond)
	w.StepOnce(100 * time.Millisecond)
	if w.Metrics().Save.HasBase {
		t.Fatalf("saved before the autosave interval")
	}
	clock.Advance(100 * time.Millisecond)
	w.StepOnce(100 * time.Millisecond)
	m := w.Metrics()
	if !m.Save.HasBase || m.Save.Persisted != 1 || m.Save.LastOp != "full" || m.Tick != 2 {
		t.Fatalf("metrics after autosave=%+v", m.Save)
	}
}

func TestCorruptMapBlocksSaves(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "maps", "farm", "base.snap.zst")
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(base, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, _ := newTestWorld(t, dir, nil)
	ctx := context.Background()
	if !w.LastLoad().Corrupt || !w.Metrics().Save.Corrupt {
		t.Fatalf("load=%+v", w.LastLoad())
	}
	if r := w.Do(ctx, Request{Op: protocol.OpSave}); r.Code != protocol.ErrBlocked {
		t.Fatalf("save over corrupt base=%+v", r)
	}
	if r := w.Do(ctx, Request{Op: protocol.OpRepair}); r.Code != protocol.ErrRejected || *r.Valid {
		t.Fatalf("repair without backups=%+v", r)
	}
	mustOK(t, w.Do(ctx, Request{Op: protocol.OpSave, Force: true}))
	if v := mustOK(t, w.Do(ctx, Request{Op: protocol.OpValidate})).Valid; !*v {
		t.Fatalf("forced save did not produce a valid base")
	}
}

func TestNew_RejectsBadMapID(t *testing.T) {
	_, err := New(Config{MapID: "a/b", DataDir: t.TempDir(), Logger: log.New(io.Discard, "", 0)})
	if !errors.Is(err, savestate.ErrInvalidMapID) {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_SubmitAndEmergencySave(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWorld(t, dir, func(c *Config) { c.Tuning.TickMs = 5 })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	resp, err := w.Submit(reqCtx, Request{Op: protocol.OpEdit, Coord: at(1, 2), Edit: &patch.ChangeSpec{Change: patch.ChangeDemolish, Tile: 3}})
	if err != nil || !resp.OK {
		t.Fatalf("submit: %v %+v", err, resp)
	}
	if resp.Patch == nil || resp.Patch.Kind != "durable" {
		t.Fatalf("submit view=%+v", resp.Patch)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
	if _, err := os.Stat(filepath.Join(dir, "maps", "farm", "base.snap.zst")); err != nil {
		t.Fatalf("emergency save missing: %v", err)
	}
}

func TestSubmit_BusyAndStopped(t *testing.T) {
	w, _ := newTestWorld(t, t.TempDir(), func(c *Config) { c.RequestBuffer = 1 })
	w.requests <- Request{Op: protocol.OpStatus}

	resp, err := w.Submit(context.Background(), Request{Op: protocol.OpStatus})
	if err != nil || resp.Code != protocol.ErrWorldBusy {
		t.Fatalf("busy submit: %v %+v", err, resp)
	}

	w.Stop()
	w.Stop()
	if _, err := w.Submit(context.Background(), Request{Op: protocol.OpStatus}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err=%v", err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run after stop=%v", err)
	}
}

func TestActorClone_IsIndependent(t *testing.T) {
	a := NewActor("ann")
	a.Held = "hammer"
	a.Grant("SEED", 2)
	a.SetFlag("mayor", true)

	c := a.Clone()
	c.Grant("SEED", 3)
	c.SetFlag("mayor", false)
	if a.Inventory()["SEED"] != 2 || !a.HasFlag("mayor") {
		t.Fatalf("clone writes reached the original: %v %v", a.Inventory(), a.Flags())
	}
	if c.Tool() != "hammer" || c.Inventory()["SEED"] != 5 {
		t.Fatalf("clone=%+v inventory=%v", c, c.Inventory())
	}
}
