// Package savestate persists the durable subset of a map's patches as a full
// base snapshot plus a chain of deltas, with rotated backups for repair.
package savestate

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tilepatch.ai/internal/persistence/snapshot"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

var (
	ErrNoActiveMap  = errors.New("savestate: no active map")
	ErrInvalidMapID = errors.New("savestate: invalid map id")
	// ErrCorruptBase refuses an unforced save over a base that failed
	// verification, so a later repair still has something to compare against.
	ErrCorruptBase = errors.New("savestate: base snapshot failed verification")
)

type Op string

const (
	OpFull   Op = "full"
	OpDelta  Op = "delta"
	OpSkip   Op = "skip"
	OpBackup Op = "backup"
	OpRepair Op = "repair"
	OpLoad   Op = "load"
)

// SaveResult reports one persistence operation to callbacks and the index.
type SaveResult struct {
	MapID      string
	Op         Op
	Path       string
	Timestamp  int64
	Seq        int
	Records    int
	Tombstones int
	Backup     string
	Pruned     []string
	Duration   time.Duration
	Err        error
}

func (r SaveResult) OK() bool { return r.Err == nil }

// LoadResult summarizes a load. Skipped counts records that could not be
// rebuilt; SkippedSession counts session-class records from an earlier run.
type LoadResult struct {
	MapID          string
	Found          bool
	Corrupt        bool
	BaseTimestamp  int64
	Deltas         int
	Restored       int
	Skipped        int
	SkippedSession int
}

// Index receives every operation outcome; indexdb implements it.
type Index interface {
	RecordSave(r SaveResult)
}

type Config struct {
	DataDir    string
	MaxDeltas  int
	MaxBackups int
	// SessionID scopes session-class records. Empty means a random id.
	SessionID     string
	CatalogDigest string

	Clock  patch.Clock
	Logger *log.Logger
	Index  Index
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MaxDeltas <= 0 {
		c.MaxDeltas = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	if c.SessionID == "" {
		c.SessionID = newSessionID()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Manager owns the save files of the active map. Like the registry it is not
// safe for concurrent use.
type Manager struct {
	cfg Config
	reg *registry.Registry
	log *log.Logger

	active string

	hasBase  bool
	baseTS   int64
	view     map[uint64]snapshot.Record
	deltaSeq int
	// needFull forces the next save to a full snapshot, after a broken delta
	// chain or a repair.
	needFull bool
	corrupt  bool
	touched  bool
	lastTS   int64

	cancelSub func()
	callbacks []func(SaveResult)
	last      SaveResult
}

func New(reg *registry.Registry, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{cfg: cfg, reg: reg, log: cfg.Logger, view: map[uint64]snapshot.Record{}}
	m.cancelSub = reg.Subscribe(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventAdded, registry.EventRemoved:
			m.touched = true
		}
	})
	return m
}

// Close detaches the manager from the registry.
func (m *Manager) Close() {
	if m.cancelSub != nil {
		m.cancelSub()
		m.cancelSub = nil
	}
}

func (m *Manager) ActiveMap() string { return m.active }
func (m *Manager) SessionID() string { return m.cfg.SessionID }

// OnResult registers fn for every save, backup, repair and load outcome.
func (m *Manager) OnResult(fn func(SaveResult)) {
	if fn != nil {
		m.callbacks = append(m.callbacks, fn)
	}
}

// Status is a point-in-time view for the admin and metrics endpoints.
type Status struct {
	ActiveMap     string
	SessionID     string
	HasBase       bool
	BaseTimestamp int64
	Deltas        int
	Corrupt       bool
	Persisted     int
	Last          SaveResult
}

func (m *Manager) Status() Status {
	return Status{
		ActiveMap:     m.active,
		SessionID:     m.cfg.SessionID,
		HasBase:       m.hasBase,
		BaseTimestamp: m.baseTS,
		Deltas:        m.deltaSeq,
		Corrupt:       m.corrupt,
		Persisted:     len(m.view),
		Last:          m.last,
	}
}

func (m *Manager) publish(r SaveResult) {
	if r.Op != OpLoad {
		m.last = r
	}
	if r.Err != nil {
		m.log.Printf("%s %s failed: %v", r.Op, r.MapID, r.Err)
	}
	if m.cfg.Index != nil {
		m.cfg.Index.RecordSave(r)
	}
	for _, fn := range m.callbacks {
		fn(r)
	}
}

// nextTimestamp is strictly increasing so file order never depends on clock
// resolution.
func (m *Manager) nextTimestamp() int64 {
	var now time.Time
	switch {
	case m.cfg.Clock != nil:
		now = m.cfg.Clock.Now()
	case m.reg.Env().Clock != nil:
		now = m.reg.Env().Clock.Now()
	default:
		now = time.Now()
	}
	ts := now.UnixNano()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts
}

func validMapID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func (m *Manager) mapDir(id string) string    { return filepath.Join(m.cfg.DataDir, "maps", id) }
func (m *Manager) basePath(id string) string  { return filepath.Join(m.mapDir(id), "base.snap.zst") }
func (m *Manager) deltaDir(id string) string  { return filepath.Join(m.mapDir(id), "deltas") }
func (m *Manager) backupDir(id string) string { return filepath.Join(m.mapDir(id), "backups") }

func (m *Manager) deltaPath(id string, seq int) string {
	return filepath.Join(m.deltaDir(id), fmt.Sprintf("%06d.delta.zst", seq))
}

// Paths exposes the on-disk layout of a map for tooling.
type Paths struct {
	Base    string
	Deltas  string
	Backups string
}

func (m *Manager) Paths(id string) Paths {
	return Paths{Base: m.basePath(id), Deltas: m.deltaDir(id), Backups: m.backupDir(id)}
}

func (m *Manager) resetState() {
	m.hasBase = false
	m.baseTS = 0
	m.view = map[uint64]snapshot.Record{}
	m.deltaSeq = 0
	m.needFull = false
	m.corrupt = false
	m.touched = false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
