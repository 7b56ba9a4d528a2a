package log

import (
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"time"

	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

// Entry is one journal line.
type Entry struct {
	Time  string `json:"time"`
	Map   string `json:"map,omitempty"`
	Event string `json:"event"`

	PatchID uint64 `json:"patch_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Layer   int    `json:"layer"`

	Reason   string `json:"reason,omitempty"`
	From     int    `json:"from,omitempty"`
	To       int    `json:"to,omitempty"`
	Note     string `json:"note,omitempty"`
	Item     string `json:"item,omitempty"`
	Quantity int    `json:"quantity,omitempty"`

	Save *SaveEntry `json:"save,omitempty"`
}

type SaveEntry struct {
	Op         string `json:"op"`
	Path       string `json:"path,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Records    int    `json:"records"`
	Tombstones int    `json:"tombstones,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Journal records registry lifecycle events and save outcomes for a world.
type Journal struct {
	w     *JSONLZstdWriter
	clock patch.Clock
	errs  atomic.Uint64
}

func NewJournal(worldDir string, clock patch.Clock) *Journal {
	j := &Journal{w: NewJSONLZstdWriter(filepath.Join(worldDir, "journal"), "patches"), clock: clock}
	if clock != nil {
		j.w.WithClock(clock.Now)
	}
	return j
}

func (j *Journal) Close() error  { return j.w.Close() }
func (j *Journal) Lines() uint64 { return j.w.Lines() }

// Errors counts lines that could not be written.
func (j *Journal) Errors() uint64 { return j.errs.Load() }

func (j *Journal) stamp() string {
	t := time.Now()
	if j.clock != nil {
		t = j.clock.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (j *Journal) write(e Entry) {
	if e.Time == "" {
		e.Time = j.stamp()
	}
	if err := j.w.Write(e); err != nil {
		j.errs.Add(1)
	}
}

// Attach subscribes the journal to reg. mapID is read at event time.
func (j *Journal) Attach(reg *registry.Registry, mapID func() string) (cancel func()) {
	return reg.Subscribe(func(ev registry.Event) {
		e := Entry{
			Event:   string(ev.Type),
			PatchID: uint64(ev.ID),
			Kind:    string(ev.Kind),
			X:       ev.Coord.X,
			Y:       ev.Coord.Y,
			Layer:   ev.Coord.Layer,
			Reason:  string(ev.Reason),
		}
		if mapID != nil {
			e.Map = mapID()
		}
		switch ev.Type {
		case registry.EventStateChanged:
			e.From, e.To = ev.From, ev.To
		case registry.EventNotification:
			e.Note = string(ev.Note.Type)
			e.From, e.To = ev.Note.From, ev.Note.To
			e.Item, e.Quantity = ev.Note.Item, ev.Note.Quantity
		}
		j.write(e)
	})
}

// RecordSave journals a persistence outcome; it matches savestate.OnResult.
func (j *Journal) RecordSave(r savestate.SaveResult) {
	if r.Op == savestate.OpSkip && r.Err == nil {
		return
	}
	s := &SaveEntry{
		Op:         string(r.Op),
		Path:       r.Path,
		Timestamp:  r.Timestamp,
		Seq:        r.Seq,
		Records:    r.Records,
		Tombstones: r.Tombstones,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	j.write(Entry{Map: r.MapID, Event: "SAVE", Save: s})
}

// ReadEntries decodes a journal file.
func ReadEntries(path string) ([]Entry, error) {
	var out []Entry
	err := ReadJSONL(path, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
