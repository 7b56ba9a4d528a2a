package savestate

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tilepatch.ai/internal/persistence/snapshot"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingIndex struct{ rows []SaveResult }

func (x *recordingIndex) RecordSave(r SaveResult) { x.rows = append(x.rows, r) }

type harness struct {
	t     *testing.T
	dir   string
	clock *fakeClock
	reg   *registry.Registry
	mgr   *Manager
	index *recordingIndex
}

func newHarness(t *testing.T, dir string, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	env := &patch.Env{Clock: clock, Rules: patch.DefaultRules()}
	reg := registry.New(env, nil, registry.Config{})
	idx := &recordingIndex{}
	cfg.DataDir = dir
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Index = idx
	if cfg.SessionID == "" {
		cfg.SessionID = "session-a"
	}
	return &harness{t: t, dir: dir, clock: clock, reg: reg, mgr: New(reg, cfg), index: idx}
}

func (h *harness) activate(id string) LoadResult {
	h.t.Helper()
	res, err := h.mgr.SetActiveMap(context.Background(), id)
	if err != nil {
		h.t.Fatalf("set active map %s: %v", id, err)
	}
	return res
}

func (h *harness) addDurable(x, tile int) *patch.Durable {
	h.t.Helper()
	d, ok := registry.AddAs[*patch.Durable](h.reg, patch.Coord{X: x})
	if !ok {
		h.t.Fatalf("add durable at %d", x)
	}
	if err := d.Apply(patch.ChangeSpec{Change: patch.ChangeBuild, Tile: tile}); err != nil {
		h.t.Fatalf("apply: %v", err)
	}
	return d
}

func (h *harness) save(force bool) SaveResult {
	h.t.Helper()
	res, err := h.mgr.SaveCurrentState(force)
	if err != nil {
		h.t.Fatalf("save: %v", err)
	}
	return res
}

func (h *harness) countOps(op Op) int {
	n := 0
	for _, r := range h.index.rows {
		if r.Op == op {
			n++
		}
	}
	return n
}

func deltaFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "maps", "farm", "deltas", "*.delta.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestSave_SecondSaveWithoutChangesWritesNothing(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.addDurable(2, 11)

	if res := h.save(false); res.Op != OpFull || res.Records != 2 {
		t.Fatalf("first save=%+v want full with 2 records", res)
	}
	base := filepath.Join(dir, "maps", "farm", "base.snap.zst")
	before, err := os.Stat(base)
	if err != nil {
		t.Fatalf("stat base: %v", err)
	}

	if res := h.save(false); res.Op != OpSkip {
		t.Fatalf("second save op=%s want skip", res.Op)
	}
	after, _ := os.Stat(base)
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Fatalf("base rewritten by an empty save")
	}
	if n := len(deltaFiles(t, dir)); n != 0 {
		t.Fatalf("delta files=%d want 0", n)
	}
	if h.countOps(OpFull) != 1 || h.countOps(OpDelta) != 0 {
		t.Fatalf("index rows=%+v", h.index.rows)
	}
}

func TestSave_TouchedButUnchangedIsStillEmpty(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	h.activate("farm")
	d := h.addDurable(1, 10)
	h.save(false)

	// Dirty, but it serializes to the same blob.
	d.SetTileOverride(10)
	if res := h.save(false); res.Op != OpSkip {
		t.Fatalf("op=%s want skip for a byte-identical blob", res.Op)
	}
}

func TestSave_DeltaCarriesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	a := h.addDurable(1, 10)
	h.addDurable(2, 11)
	h.addDurable(3, 12)
	h.save(false)

	a.SetTileOverride(20)
	h.reg.Remove(patch.Coord{X: 2})
	res := h.save(false)
	if res.Op != OpDelta || res.Seq != 1 {
		t.Fatalf("save=%+v want delta seq 1", res)
	}
	if res.Records != 1 || res.Tombstones != 1 {
		t.Fatalf("records=%d tombstones=%d want 1/1", res.Records, res.Tombstones)
	}

	f, err := snapshot.ReadVerified(res.Path)
	if err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if f.Header.Kind != snapshot.KindDelta || f.Header.BaseTimestamp != h.mgr.Status().BaseTimestamp {
		t.Fatalf("delta header=%+v", f.Header)
	}
	if !f.Records[1].IsTombstone() && !f.Records[0].IsTombstone() {
		t.Fatalf("no tombstone in %+v", f.Records)
	}
}

func TestSave_FullAfterMaxDeltas(t *testing.T) {
	const maxDeltas = 3
	dir := t.TempDir()
	h := newHarness(t, dir, Config{MaxDeltas: maxDeltas})
	h.activate("farm")
	h.addDurable(0, 10)
	if res := h.save(false); res.Op != OpFull {
		t.Fatalf("initial save op=%s", res.Op)
	}

	for i := 1; i <= maxDeltas; i++ {
		h.addDurable(i, 10+i)
		res := h.save(false)
		if res.Op != OpDelta || res.Seq != i {
			t.Fatalf("save %d=%+v want delta", i, res)
		}
		if n := len(deltaFiles(t, dir)); n != i {
			t.Fatalf("after save %d delta files=%d", i, n)
		}
	}

	h.addDurable(maxDeltas+1, 99)
	res := h.save(false)
	if res.Op != OpFull {
		t.Fatalf("save after %d deltas op=%s want full", maxDeltas, res.Op)
	}
	if res.Records != maxDeltas+2 {
		t.Fatalf("full records=%d want %d", res.Records, maxDeltas+2)
	}
	if n := len(deltaFiles(t, dir)); n != 0 {
		t.Fatalf("delta files=%d want 0 after full save", n)
	}
	if res.Backup == "" {
		t.Fatalf("outgoing base was not backed up")
	}
}

func TestLoad_ReplaysDeltasOverBase(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	a := h.addDurable(1, 10)
	h.addDurable(2, 11)
	h.save(false)

	a.SetTileOverride(30)
	h.save(false)
	h.reg.Remove(patch.Coord{X: 2})
	h.addDurable(3, 12)
	h.save(false)
	maxID := h.reg.Stats().Added

	other := newHarness(t, dir, Config{})
	res := other.activate("farm")
	if !res.Found || res.Deltas != 2 || res.Restored != 2 || res.Skipped != 0 {
		t.Fatalf("load=%+v", res)
	}
	got, ok := other.reg.Get(patch.Coord{X: 1})
	if !ok || got.TileOverride() != 30 {
		t.Fatalf("patch at 1 not updated by delta: %v", got)
	}
	if other.reg.Has(patch.Coord{X: 2}) {
		t.Fatalf("tombstoned patch restored")
	}
	if p, ok := other.reg.Get(patch.Coord{X: 3}); !ok || p.TileOverride() != 12 {
		t.Fatalf("delta-added patch missing")
	}
	if got.Dirty() {
		t.Fatalf("restored patch is dirty")
	}

	fresh, _ := other.reg.Add(patch.KindDurable, patch.Coord{X: 9})
	if uint64(fresh.ID()) <= maxID {
		t.Fatalf("new id %d collides with restored ids (max %d)", fresh.ID(), maxID)
	}

	// Nothing changed since load, so saving writes nothing.
	other.reg.Remove(patch.Coord{X: 9})
	if r := other.save(false); r.Op != OpSkip {
		t.Fatalf("save right after load op=%s want skip", r.Op)
	}
}

func TestLoad_BrokenDeltaForcesFullSave(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	a := h.addDurable(1, 10)
	h.save(false)
	a.SetTileOverride(11)
	first := h.save(false)
	a.SetTileOverride(12)
	h.save(false)

	if err := os.WriteFile(first.Path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt delta: %v", err)
	}
	if h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("broken delta chain validated")
	}

	other := newHarness(t, dir, Config{})
	res := other.activate("farm")
	if res.Deltas != 0 || res.Restored != 1 {
		t.Fatalf("load=%+v", res)
	}
	if p, _ := other.reg.Get(patch.Coord{X: 1}); p.TileOverride() != 10 {
		t.Fatalf("tile=%d want base value 10", p.TileOverride())
	}
	other.addDurable(2, 20)
	if r := other.save(false); r.Op != OpFull {
		t.Fatalf("op=%s want full after broken chain", r.Op)
	}
	if !other.mgr.ValidateSaveFile("farm") {
		t.Fatalf("save not valid after full rewrite")
	}
}

func corruptChecksum(t *testing.T, path string) {
	t.Helper()
	f, err := snapshot.Read(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	f.Header.Checksum = "0000"
	if err := snapshot.Write(path, f); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
}

func TestRepair_RestoresNewestValidBackup(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{MaxBackups: 3})
	h.activate("farm")
	for i := 1; i <= 3; i++ {
		h.addDurable(i, 10+i)
		if res := h.save(true); res.Op != OpFull || res.Records != i {
			t.Fatalf("full save %d=%+v", i, res)
		}
	}
	backups, _ := filepath.Glob(filepath.Join(dir, "maps", "farm", "backups", "*.snap.zst"))
	if len(backups) != 2 {
		t.Fatalf("backups=%d want 2", len(backups))
	}

	if !h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("fresh save did not validate")
	}
	corruptChecksum(t, h.mgr.Paths("farm").Base)
	if h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("corrupt base validated")
	}

	if !h.mgr.RepairSaveFile(context.Background(), "farm") {
		t.Fatalf("repair failed")
	}
	if !h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("repaired base does not validate")
	}
	if h.reg.Len() != 2 {
		t.Fatalf("reloaded patches=%d want 2 (second-newest snapshot)", h.reg.Len())
	}
	if h.countOps(OpRepair) != 1 {
		t.Fatalf("repair not reported")
	}
}

func TestRepair_KeepsVerifiedBaseAndTruncatesDeltas(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	a := h.addDurable(1, 10)
	h.save(false)
	h.addDurable(2, 20)
	h.save(true)
	baseTS := h.mgr.Status().BaseTimestamp
	a.SetTileOverride(11)
	h.save(false)
	a.SetTileOverride(12)
	second := h.save(false)
	if second.Op != OpDelta || second.Seq != 2 {
		t.Fatalf("second delta=%+v", second)
	}
	if err := os.WriteFile(second.Path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt delta: %v", err)
	}
	if h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("broken chain validated")
	}

	if !h.mgr.RepairSaveFile(context.Background(), "farm") {
		t.Fatalf("repair failed")
	}
	hdr, err := snapshot.ReadHeader(h.mgr.Paths("farm").Base)
	if err != nil || hdr.Timestamp != baseTS || hdr.Records != 2 {
		t.Fatalf("base replaced: hdr=%+v err=%v", hdr, err)
	}
	if n := len(deltaFiles(t, dir)); n != 1 {
		t.Fatalf("delta files=%d want 1", n)
	}
	if !h.mgr.ValidateSaveFile("farm") || h.countOps(OpRepair) != 1 {
		t.Fatalf("valid=%v repairs=%d", h.mgr.ValidateSaveFile("farm"), h.countOps(OpRepair))
	}
	if h.reg.Len() != 2 {
		t.Fatalf("live patches=%d want 2", h.reg.Len())
	}
	if r := h.save(false); r.Op != OpFull {
		t.Fatalf("op=%s want full after truncation", r.Op)
	}

	other := newHarness(t, dir, Config{})
	other.activate("farm")
	if p, _ := other.reg.Get(patch.Coord{X: 1}); p.TileOverride() != 12 {
		t.Fatalf("tile=%d want 12 from the rewritten base", p.TileOverride())
	}
}

func TestRepair_ValidSaveIsLeftAlone(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.save(false)
	h.addDurable(2, 11)
	h.save(true)
	before := h.mgr.Status().BaseTimestamp

	if !h.mgr.RepairSaveFile(context.Background(), "farm") {
		t.Fatalf("repair of a valid save failed")
	}
	hdr, err := snapshot.ReadHeader(h.mgr.Paths("farm").Base)
	if err != nil || hdr.Timestamp != before || h.countOps(OpRepair) != 0 {
		t.Fatalf("valid base touched: hdr=%+v err=%v repairs=%d", hdr, err, h.countOps(OpRepair))
	}
}

func TestRepair_NoValidBackup(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.save(false)
	corruptChecksum(t, h.mgr.Paths("farm").Base)
	if h.mgr.RepairSaveFile(context.Background(), "farm") {
		t.Fatalf("repair succeeded without backups")
	}
}

func TestLoad_CorruptBaseRefusesUnforcedSave(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.save(true)
	h.addDurable(2, 11)
	h.save(true)
	corruptChecksum(t, h.mgr.Paths("farm").Base)

	other := newHarness(t, dir, Config{})
	res, err := other.mgr.SetActiveMap(context.Background(), "farm")
	if !errors.Is(err, snapshot.ErrChecksum) || !res.Corrupt {
		t.Fatalf("load err=%v res=%+v", err, res)
	}
	if other.mgr.ActiveMap() != "farm" || other.reg.Len() != 0 {
		t.Fatalf("active=%q len=%d", other.mgr.ActiveMap(), other.reg.Len())
	}
	if _, err := other.mgr.SaveCurrentState(false); !errors.Is(err, ErrCorruptBase) {
		t.Fatalf("save err=%v want ErrCorruptBase", err)
	}
	if !other.mgr.RepairSaveFile(context.Background(), "farm") {
		t.Fatalf("repair failed")
	}
	if other.reg.Len() != 1 {
		t.Fatalf("len=%d want 1 from backup", other.reg.Len())
	}
	other.addDurable(5, 50)
	if r := other.save(false); r.Op != OpDelta {
		t.Fatalf("op=%s want delta after repair", r.Op)
	}
}

func TestLoad_SessionRecordsStayInTheirSession(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{SessionID: "run-1"})
	h.activate("farm")
	h.addDurable(1, 10)
	fx, _ := registry.AddAs[*patch.Effect](h.reg, patch.Coord{X: 2})
	if err := fx.Start(patch.EffectSpec{Category: "SMOKE", Duration: time.Hour, Intensity: 1}); err != nil {
		t.Fatalf("start: %v", err)
	}
	none, _ := registry.AddAs[*patch.Durable](h.reg, patch.Coord{X: 3})
	none.SetPersistence(patch.PersistNone)
	if res := h.save(false); res.Records != 2 {
		t.Fatalf("records=%d want 2 (none-class excluded)", res.Records)
	}

	same := newHarness(t, dir, Config{SessionID: "run-1"})
	if res := same.activate("farm"); res.Restored != 2 || res.SkippedSession != 0 {
		t.Fatalf("same session load=%+v", res)
	}

	next := newHarness(t, dir, Config{SessionID: "run-2"})
	res := next.activate("farm")
	if res.Restored != 1 || res.SkippedSession != 1 {
		t.Fatalf("new session load=%+v", res)
	}
	if next.reg.Has(patch.Coord{X: 2}) {
		t.Fatalf("session effect survived a restart")
	}
	if r := next.save(false); r.Op != OpDelta || r.Tombstones != 1 {
		t.Fatalf("save=%+v want a delta dropping the stale effect", r)
	}
}

func TestLoad_SkipsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.save(false)

	path := h.mgr.Paths("farm").Base
	f, err := snapshot.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f.Records = append(f.Records,
		snapshot.Record{ID: 50, X: 7, Kind: "portal", Blob: []byte(`{}`), Persistence: "save"},
		snapshot.Record{ID: 51, X: 8, Kind: "durable", Blob: []byte(`not json`), Persistence: "save"},
	)
	f.Seal()
	if err := snapshot.Write(path, f); err != nil {
		t.Fatalf("write: %v", err)
	}

	other := newHarness(t, dir, Config{})
	res := other.activate("farm")
	if res.Restored != 1 || res.Skipped != 2 {
		t.Fatalf("load=%+v want 1 restored, 2 skipped", res)
	}
}

func TestSetActiveMap_FlushesPreviousMap(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("a")
	h.addDurable(1, 10)
	h.activate("b")
	if h.reg.Len() != 0 {
		t.Fatalf("registry not cleared on switch")
	}
	if _, err := os.Stat(h.mgr.Paths("a").Base); err != nil {
		t.Fatalf("map a not flushed: %v", err)
	}
	h.addDurable(4, 40)
	res := h.activate("a")
	if res.Restored != 1 || !h.reg.Has(patch.Coord{X: 1}) {
		t.Fatalf("switch back=%+v", res)
	}
	if _, err := os.Stat(h.mgr.Paths("b").Base); err != nil {
		t.Fatalf("map b not flushed: %v", err)
	}
}

func TestSave_Errors(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	if _, err := h.mgr.SaveCurrentState(false); !errors.Is(err, ErrNoActiveMap) {
		t.Fatalf("err=%v want ErrNoActiveMap", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := h.mgr.SetActiveMap(context.Background(), id); !errors.Is(err, ErrInvalidMapID) {
			t.Fatalf("id %q err=%v", id, err)
		}
	}
	if h.mgr.ValidateSaveFile("missing") {
		t.Fatalf("missing map validated")
	}
}

func TestEmergencySave_WritesAndNeverPanics(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	h.mgr.EmergencySave()

	h.activate("farm")
	h.addDurable(1, 10)
	var seen []Op
	h.mgr.OnResult(func(r SaveResult) { seen = append(seen, r.Op) })
	h.mgr.EmergencySave()
	if len(seen) != 1 || seen[0] != OpFull {
		t.Fatalf("results=%v", seen)
	}
	if !h.mgr.ValidateSaveFile("farm") {
		t.Fatalf("emergency save did not validate")
	}
}

func TestSetActiveMap_CancelledLoadLeavesNoActiveMap(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, Config{})
	h.activate("farm")
	h.addDurable(1, 10)
	h.save(false)

	other := newHarness(t, dir, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := other.mgr.SetActiveMap(ctx, "farm"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
	if other.mgr.ActiveMap() != "" || other.reg.Len() != 0 {
		t.Fatalf("partial load left behind")
	}
}

func TestInspect_ReportsPersistedView(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	h.activate("farm")
	a := h.addDurable(1, 10)
	h.addDurable(2, 11)
	h.addDurable(3, 12)
	h.save(false)
	a.SetTileOverride(21)
	h.reg.Remove(patch.Coord{X: 3})
	h.save(false)

	in, err := h.mgr.Inspect("farm")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if in.Base == nil || in.BaseErr != nil || !in.Valid || in.Broken {
		t.Fatalf("inspection=%+v", in)
	}
	if len(in.Deltas) != 1 || in.Records != 2 || in.ByKind[string(patch.KindDurable)] != 2 {
		t.Fatalf("deltas=%d records=%d by_kind=%v", len(in.Deltas), in.Records, in.ByKind)
	}

	if _, err := h.mgr.Inspect("../farm"); !errors.Is(err, ErrInvalidMapID) {
		t.Fatalf("err=%v want ErrInvalidMapID", err)
	}
}
