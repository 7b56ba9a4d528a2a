package savestate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tilepatch.ai/internal/persistence/archive"
	"tilepatch.ai/internal/persistence/snapshot"
	"tilepatch.ai/internal/sim/patch"
)

// SetActiveMap flushes the current map, if any, clears the registry and loads
// id. A corrupt base leaves id active with an empty registry: unforced saves
// are refused until RepairSaveFile or a forced save.
func (m *Manager) SetActiveMap(ctx context.Context, id string) (LoadResult, error) {
	if !validMapID(id) {
		return LoadResult{MapID: id}, fmt.Errorf("%w: %q", ErrInvalidMapID, id)
	}
	if m.active != "" {
		if _, err := m.SaveCurrentState(false); err != nil {
			m.log.Printf("flush %s before switching to %s: %v", m.active, id, err)
		}
	}
	m.reg.Clear()
	m.active = id
	m.resetState()
	return m.load(ctx)
}

type deltaFile struct {
	seq  int
	path string
}

func (m *Manager) listDeltas(id string) ([]deltaFile, error) {
	ents, err := os.ReadDir(m.deltaDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []deltaFile
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".delta.zst") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".delta.zst"))
		if err != nil {
			continue
		}
		out = append(out, deltaFile{seq: seq, path: filepath.Join(m.deltaDir(id), name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// chain is the persisted view of a map: the verified base with every
// consecutive valid delta applied. origin remembers the session that last
// wrote each record.
type chain struct {
	base   snapshot.File
	view   map[uint64]snapshot.Record
	origin map[uint64]string
	deltas int
	broken bool
	lastTS int64
}

func (m *Manager) readChain(id string) (*chain, error) {
	base, err := snapshot.ReadVerified(m.basePath(id))
	if err != nil {
		return nil, err
	}
	if base.Header.Kind != snapshot.KindFull || base.Header.MapID != id {
		return nil, fmt.Errorf("base of %s: %w", id, snapshot.ErrChecksum)
	}
	c := &chain{
		base:   base,
		view:   make(map[uint64]snapshot.Record, len(base.Records)),
		origin: make(map[uint64]string, len(base.Records)),
		lastTS: base.Header.Timestamp,
	}
	for _, r := range base.Records {
		c.view[r.ID] = r
		c.origin[r.ID] = base.Header.SessionID
	}

	deltas, err := m.listDeltas(id)
	if err != nil {
		return nil, err
	}
	for i, d := range deltas {
		if d.seq != i+1 {
			m.log.Printf("map %s: delta chain gap at %d", id, d.seq)
			c.broken = true
			break
		}
		f, err := snapshot.ReadVerified(d.path)
		if err != nil {
			m.log.Printf("map %s: delta %d: %v", id, d.seq, err)
			c.broken = true
			break
		}
		h := f.Header
		if h.Kind != snapshot.KindDelta || h.BaseTimestamp != base.Header.Timestamp || h.Seq != d.seq || h.Timestamp <= c.lastTS {
			m.log.Printf("map %s: delta %d does not follow base %d", id, d.seq, base.Header.Timestamp)
			c.broken = true
			break
		}
		for _, r := range f.Records {
			if r.IsTombstone() {
				delete(c.view, r.ID)
				delete(c.origin, r.ID)
				continue
			}
			c.view[r.ID] = r
			c.origin[r.ID] = h.SessionID
		}
		c.deltas = d.seq
		c.lastTS = h.Timestamp
	}
	return c, nil
}

func (m *Manager) load(ctx context.Context) (LoadResult, error) {
	id := m.active
	res := LoadResult{MapID: id}
	if !fileExists(m.basePath(id)) {
		return res, nil
	}
	res.Found = true

	c, err := m.readChain(id)
	if err != nil {
		m.corrupt = true
		res.Corrupt = true
		err = fmt.Errorf("load %s: %w", id, err)
		m.publish(SaveResult{MapID: id, Op: OpLoad, Path: m.basePath(id), Err: err})
		return res, err
	}

	m.hasBase = true
	m.baseTS = c.base.Header.Timestamp
	m.view = c.view
	m.deltaSeq = c.deltas
	m.needFull = c.broken
	if c.lastTS > m.lastTS {
		m.lastTS = c.lastTS
	}
	res.BaseTimestamp = m.baseTS
	res.Deltas = c.deltas

	ids := make([]uint64, 0, len(c.view))
	for rid := range c.view {
		ids = append(ids, rid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := time.Now()
	for _, rid := range ids {
		if err := ctx.Err(); err != nil {
			// A partial registry must never be diffed against the full view.
			m.reg.Clear()
			m.resetState()
			m.active = ""
			return res, err
		}
		r := c.view[rid]
		if r.Persistence == patch.PersistSession.String() && c.origin[rid] != m.cfg.SessionID {
			res.SkippedSession++
			continue
		}
		coord := patch.Coord{X: r.X, Y: r.Y, Layer: r.Layer}
		if _, err := m.reg.Restore(patch.ID(r.ID), patch.Kind(r.Kind), coord, time.Unix(0, r.CreatedAt), r.Blob); err != nil {
			m.log.Printf("map %s: skip record %d: %v", id, r.ID, err)
			res.Skipped++
			continue
		}
		res.Restored++
	}
	// Records that were not rebuilt must be dropped by the next save.
	m.touched = res.Skipped+res.SkippedSession > 0
	m.publish(SaveResult{
		MapID:     id,
		Op:        OpLoad,
		Path:      m.basePath(id),
		Timestamp: m.baseTS,
		Seq:       c.deltas,
		Records:   res.Restored,
		Duration:  time.Since(start),
	})
	m.log.Printf("map %s: loaded base %d + %d deltas: restored=%d skipped=%d session=%d",
		id, m.baseTS, c.deltas, res.Restored, res.Skipped, res.SkippedSession)
	return res, nil
}

// ValidateSaveFile verifies the base checksum of id and every delta in its
// chain. A map with no base does not validate.
func (m *Manager) ValidateSaveFile(id string) bool {
	if !validMapID(id) {
		return false
	}
	c, err := m.readChain(id)
	if err != nil {
		return false
	}
	return !c.broken
}

// RepairSaveFile brings the files of id back to a verifiable state. A base that
// still verifies is kept and only the deltas past the first bad one are
// dropped. Otherwise the newest backup that verifies replaces the base, its
// deltas are discarded and the active map is reloaded from it.
func (m *Manager) RepairSaveFile(ctx context.Context, id string) bool {
	if !validMapID(id) {
		return false
	}
	if c, err := m.readChain(id); err == nil {
		if c.broken {
			return m.truncateDeltas(id, c)
		}
		return true
	}
	backups, err := archive.List(m.backupDir(id))
	if err != nil {
		m.log.Printf("repair %s: %v", id, err)
		return false
	}
	for _, b := range backups {
		f, err := snapshot.ReadVerified(b.Path)
		if err != nil {
			m.log.Printf("repair %s: backup %d invalid: %v", id, b.Timestamp, err)
			continue
		}
		if f.Header.MapID != id || f.Header.Kind != snapshot.KindFull {
			continue
		}
		res := SaveResult{MapID: id, Op: OpRepair, Path: b.Path, Timestamp: f.Header.Timestamp, Records: f.Header.Records}
		if err := archive.Restore(b.Path, m.basePath(id)); err != nil {
			res.Err = fmt.Errorf("restore backup: %w", err)
			m.publish(res)
			return false
		}
		if err := os.RemoveAll(m.deltaDir(id)); err != nil {
			m.log.Printf("repair %s: clear deltas: %v", id, err)
		}
		m.publish(res)

		if id == m.active {
			m.reg.Clear()
			m.resetState()
			if _, err := m.load(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Printf("repair %s: reload: %v", id, err)
				return false
			}
		}
		return true
	}
	m.log.Printf("repair %s: no valid backup among %d", id, len(backups))
	return false
}

// truncateDeltas removes every delta after the valid prefix of c. The active
// map keeps its live patches and writes a full snapshot next.
func (m *Manager) truncateDeltas(id string, c *chain) bool {
	deltas, err := m.listDeltas(id)
	if err != nil {
		m.log.Printf("repair %s: %v", id, err)
		return false
	}
	res := SaveResult{MapID: id, Op: OpRepair, Path: m.basePath(id), Timestamp: c.base.Header.Timestamp, Seq: c.deltas, Records: len(c.view)}
	for _, d := range deltas {
		if d.seq <= c.deltas {
			continue
		}
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			res.Err = fmt.Errorf("drop delta %d: %w", d.seq, err)
			m.publish(res)
			return false
		}
	}
	m.log.Printf("repair %s: kept base %d with %d deltas, dropped %d", id, c.base.Header.Timestamp, c.deltas, len(deltas)-c.deltas)
	m.publish(res)
	if id == m.active {
		m.needFull = true
	}
	return true
}

// Inspection describes the files of one map without loading it.
type Inspection struct {
	MapID   string
	Base    *snapshot.Header
	BaseErr error
	Deltas  []snapshot.Header
	Backups []archive.Entry
	Records int
	ByKind  map[string]int
	Valid   bool
	Broken  bool
}

func (m *Manager) Inspect(id string) (Inspection, error) {
	in := Inspection{MapID: id, ByKind: map[string]int{}}
	if !validMapID(id) {
		return in, fmt.Errorf("%w: %q", ErrInvalidMapID, id)
	}
	if h, err := snapshot.ReadHeader(m.basePath(id)); err == nil {
		in.Base = &h
	} else if !os.IsNotExist(err) {
		in.BaseErr = err
	}
	deltas, err := m.listDeltas(id)
	if err != nil {
		return in, err
	}
	for _, d := range deltas {
		if h, err := snapshot.ReadHeader(d.path); err == nil {
			in.Deltas = append(in.Deltas, h)
		}
	}
	if in.Backups, err = archive.List(m.backupDir(id)); err != nil {
		return in, err
	}
	if in.Base == nil {
		return in, nil
	}
	c, err := m.readChain(id)
	if err != nil {
		in.BaseErr = err
		return in, nil
	}
	in.Valid = !c.broken
	in.Broken = c.broken
	in.Records = len(c.view)
	for _, r := range c.view {
		in.ByKind[r.Kind]++
	}
	return in, nil
}
