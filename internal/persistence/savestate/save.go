package savestate

import (
	"fmt"
	"os"
	"time"

	"tilepatch.ai/internal/persistence/archive"
	"tilepatch.ai/internal/persistence/snapshot"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/versions"
)

// persisted is what the registry would write right now.
type persisted struct {
	records map[uint64]snapshot.Record
	patches []patch.Patch
}

func toRecord(p patch.Patch, blob []byte) snapshot.Record {
	c := p.Coord()
	return snapshot.Record{
		ID:          uint64(p.ID()),
		X:           c.X,
		Y:           c.Y,
		Layer:       c.Layer,
		Kind:        string(p.Kind()),
		Blob:        blob,
		Persistence: p.Persistence().String(),
		CreatedAt:   p.CreatedAt().UnixNano(),
	}
}

// collect serializes dirty patches into their cached blob and reuses the blob
// of clean ones. Dirty flags are left set until the write succeeds.
func (m *Manager) collect() (persisted, error) {
	out := persisted{records: map[uint64]snapshot.Record{}}
	for _, p := range m.reg.All() {
		if p.Persistence() < patch.PersistSession {
			continue
		}
		blob := p.Blob()
		if p.Dirty() || blob == nil {
			b, err := p.Serialize()
			if err != nil {
				return out, fmt.Errorf("serialize %s %d at %s: %w", p.Kind(), p.ID(), p.Coord(), err)
			}
			p.SetBlob(b)
			blob = b
		}
		out.records[uint64(p.ID())] = toRecord(p, blob)
		out.patches = append(out.patches, p)
	}
	return out, nil
}

// anyDirty reports whether a persisted patch changed since the last write.
func (m *Manager) anyDirty() bool {
	for _, p := range m.reg.All() {
		if p.Persistence() >= patch.PersistSession && p.Dirty() {
			return true
		}
	}
	return false
}

func (m *Manager) fullDue(force bool) bool {
	return force || !m.hasBase || m.needFull || m.deltaSeq >= m.cfg.MaxDeltas
}

// SaveCurrentState writes the active map: a full snapshot when forced, when no
// base exists or when the delta chain is long enough, otherwise a delta
// against the persisted view. An empty delta writes nothing and reports OpSkip.
func (m *Manager) SaveCurrentState(force bool) (SaveResult, error) {
	if m.active == "" {
		return SaveResult{Op: OpSkip, Err: ErrNoActiveMap}, ErrNoActiveMap
	}
	res := SaveResult{MapID: m.active}
	if m.corrupt && !force {
		res.Op = OpSkip
		res.Err = ErrCorruptBase
		m.publish(res)
		return res, ErrCorruptBase
	}

	full := m.fullDue(force)
	if !full && !m.touched && !m.anyDirty() {
		res.Op = OpSkip
		return res, nil
	}

	start := time.Now()
	cur, err := m.collect()
	if err != nil {
		res.Op = OpSkip
		res.Err = err
		m.publish(res)
		return res, err
	}

	if full {
		res, err = m.writeFull(cur)
	} else {
		res, err = m.writeDelta(cur)
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		m.publish(res)
		return res, err
	}
	m.markClean(cur)
	if res.Op != OpSkip {
		m.publish(res)
	}
	return res, nil
}

func (m *Manager) markClean(cur persisted) {
	for _, p := range cur.patches {
		p.ClearDirty()
	}
	m.touched = false
}

func (m *Manager) newFile(kind snapshot.Kind) snapshot.File {
	return snapshot.File{Header: snapshot.Header{
		Kind:          kind,
		MapID:         m.active,
		Timestamp:     m.nextTimestamp(),
		SessionID:     m.cfg.SessionID,
		CatalogDigest: m.cfg.CatalogDigest,
	}}
}

// writeFull rotates the outgoing base into backups, writes the new base and
// discards the delta chain.
func (m *Manager) writeFull(cur persisted) (SaveResult, error) {
	id := m.active
	res := SaveResult{MapID: id, Op: OpFull, Path: m.basePath(id)}

	if m.hasBase && !m.corrupt {
		if h, err := snapshot.ReadHeader(m.basePath(id)); err == nil {
			dst, err := archive.Backup(m.backupDir(id), m.basePath(id), h)
			if err != nil {
				return res, fmt.Errorf("backup base: %w", err)
			}
			res.Backup = dst
			m.publish(SaveResult{MapID: id, Op: OpBackup, Path: dst, Timestamp: h.Timestamp, Records: h.Records})
		}
	}

	f := m.newFile(snapshot.KindFull)
	for _, r := range cur.records {
		f.Records = append(f.Records, r)
	}
	f.Seal()
	if err := snapshot.Write(res.Path, f); err != nil {
		return res, fmt.Errorf("write base: %w", err)
	}
	res.Timestamp = f.Header.Timestamp
	res.Records = f.Header.Records

	if err := os.RemoveAll(m.deltaDir(id)); err != nil {
		m.log.Printf("map %s: clear deltas: %v", id, err)
	}
	pruned, err := archive.Prune(m.backupDir(id), m.cfg.MaxBackups)
	if err != nil {
		m.log.Printf("map %s: prune backups: %v", id, err)
	}
	res.Pruned = pruned

	m.hasBase = true
	m.baseTS = f.Header.Timestamp
	m.view = cur.records
	m.deltaSeq = 0
	m.needFull = false
	m.corrupt = false
	return res, nil
}

func (m *Manager) writeDelta(cur persisted) (SaveResult, error) {
	id := m.active
	res := SaveResult{MapID: id, Op: OpDelta}

	ch := versions.Diff(m.view, cur.records, snapshot.Record.Same)
	if ch.Empty() {
		res.Op = OpSkip
		return res, nil
	}

	seq := m.deltaSeq + 1
	f := m.newFile(snapshot.KindDelta)
	f.Header.BaseTimestamp = m.baseTS
	f.Header.Seq = seq
	for _, k := range ch.Upserted {
		f.Records = append(f.Records, cur.records[k])
	}
	for _, k := range ch.Removed {
		f.Records = append(f.Records, snapshot.Tombstone(k))
	}
	f.Seal()

	res.Path = m.deltaPath(id, seq)
	if err := snapshot.Write(res.Path, f); err != nil {
		return res, fmt.Errorf("write delta %d: %w", seq, err)
	}
	versions.Apply(m.view, ch, cur.records)
	m.deltaSeq = seq

	res.Timestamp = f.Header.Timestamp
	res.Seq = seq
	res.Records = f.Header.Records - f.Header.Tombstones
	res.Tombstones = f.Header.Tombstones
	return res, nil
}

// EmergencySave is a best-effort save for process teardown. It never panics.
func (m *Manager) EmergencySave() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Printf("emergency save panicked: %v", r)
		}
	}()
	if m.active == "" {
		return
	}
	if _, err := m.SaveCurrentState(false); err != nil {
		m.log.Printf("emergency save %s: %v", m.active, err)
	}
}
