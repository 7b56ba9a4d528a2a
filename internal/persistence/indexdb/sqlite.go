// Package indexdb keeps a queryable SQLite history of save operations. The
// save files stay the source of truth; the index is best effort.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/sim/catalogs"
	"tilepatch.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSave  atomic.Uint64
	dropEvent atomic.Uint64
	written   atomic.Uint64
}

type reqKind int

const (
	reqSave reqKind = iota + 1
	reqEvent
)

type req struct {
	kind  reqKind
	save  SaveRow
	event EventRow
}

// SaveRow is one persisted save, backup, repair or load outcome.
type SaveRow struct {
	MapID      string
	Op         string
	Path       string
	Timestamp  int64
	Seq        int
	Records    int
	Tombstones int
	Backup     string
	DurationMs int64
	Error      string
	RecordedAt string
}

// EventRow is a registry lifecycle event worth keeping for operators.
type EventRow struct {
	MapID      string
	PatchID    uint64
	Kind       string
	X, Y       int
	Layer      int
	Event      string
	Detail     string
	RecordedAt string
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropSaveTotal  uint64
	DropEventTotal uint64
	WrittenTotal   uint64
}

const defaultBuffer = 1024

func OpenSQLite(path string, buffer int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, buffer),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; NORMAL sync is enough for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			map_id TEXT NOT NULL,
			op TEXT NOT NULL,
			path TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			records INTEGER NOT NULL,
			tombstones INTEGER NOT NULL,
			backup TEXT,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_saves_map_ts ON saves(map_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS patch_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			map_id TEXT NOT NULL,
			patch_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			layer INTEGER NOT NULL,
			event TEXT NOT NULL,
			detail TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_events_pos ON patch_events(map_id, layer, x, y);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropSaveTotal:  s.dropSave.Load(),
		DropEventTotal: s.dropEvent.Load(),
		WrittenTotal:   s.written.Load(),
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// RecordSave implements savestate.Index. It never blocks the caller; rows are
// dropped and counted when the writer falls behind.
func (s *SQLiteIndex) RecordSave(r savestate.SaveResult) {
	if s == nil || s.closed.Load() {
		return
	}
	row := SaveRow{
		MapID:      r.MapID,
		Op:         string(r.Op),
		Path:       r.Path,
		Timestamp:  r.Timestamp,
		Seq:        r.Seq,
		Records:    r.Records,
		Tombstones: r.Tombstones,
		Backup:     r.Backup,
		DurationMs: r.Duration.Milliseconds(),
		RecordedAt: now(),
	}
	if r.Err != nil {
		row.Error = r.Err.Error()
	}
	select {
	case s.ch <- req{kind: reqSave, save: row}:
	default:
		s.dropSave.Add(1)
	}
}

func (s *SQLiteIndex) RecordEvent(row EventRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if row.RecordedAt == "" {
		row.RecordedAt = now()
	}
	select {
	case s.ch <- req{kind: reqEvent, event: row}:
	default:
		s.dropEvent.Add(1)
	}
}

// UpsertCatalogs stores the catalog files and effective tuning the server runs with.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	read := func(name, file, digest string) {
		if configDir == "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(configDir, file))
		if err != nil {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}
	if cats != nil {
		read("crops", "crops.json", cats.Crops.Digest)
		read("effects", "effects.json", cats.Effects.Digest)
		read("constructions", "constructions.json", cats.Constructions.Digest)
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", digest: tune.Digest(), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ts := now()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSave, _ := s.db.Prepare(`INSERT INTO saves(map_id,op,path,timestamp,seq,records,tombstones,backup,duration_ms,error,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO patch_events(map_id,patch_id,kind,x,y,layer,event,detail,recorded_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertSave != nil {
			_ = insertSave.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	// Saves are rare; commit as soon as the queue is idle so readers see them.
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSave:
			sv := r.save
			if insertSave == nil {
				continue
			}
			if _, err := tx.Stmt(insertSave).Exec(
				sv.MapID, sv.Op, sv.Path, sv.Timestamp, sv.Seq, sv.Records, sv.Tombstones,
				nullable(sv.Backup), sv.DurationMs, nullable(sv.Error), sv.RecordedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			s.written.Add(1)

		case reqEvent:
			ev := r.event
			if insertEvent == nil {
				continue
			}
			if _, err := tx.Stmt(insertEvent).Exec(
				ev.MapID, int64(ev.PatchID), ev.Kind, ev.X, ev.Y, ev.Layer, ev.Event,
				nullable(ev.Detail), ev.RecordedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			s.written.Add(1)
		}
		flushIfNeeded()
	}

	commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
