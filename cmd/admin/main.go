package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tilepatch.ai/internal/persistence/indexdb"
	persistlog "tilepatch.ai/internal/persistence/log"
	"tilepatch.ai/internal/persistence/savestate"
	"tilepatch.ai/internal/persistence/snapshot"
	"tilepatch.ai/internal/sim/patch"
	"tilepatch.ai/internal/sim/registry"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "validate":
			validateCmd(os.Args[2:])
			return
		case "repair":
			repairCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "maps"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// offlineManager opens the save files of dataDir without a running server.
// The registry stays empty: nothing is loaded unless a repaired map is active.
func offlineManager(dataDir string, logger *log.Logger, idx savestate.Index) *savestate.Manager {
	env := &patch.Env{Clock: patch.ClockFunc(time.Now), Rules: patch.DefaultRules()}
	reg := registry.New(env, nil, registry.Config{})
	return savestate.New(reg, savestate.Config{DataDir: dataDir, Logger: logger, Index: idx})
}

type inspectOut struct {
	MapID   string            `json:"map_id"`
	Valid   bool              `json:"valid"`
	Broken  bool              `json:"broken,omitempty"`
	Base    *snapshot.Header  `json:"base,omitempty"`
	BaseErr string            `json:"base_error,omitempty"`
	Deltas  []snapshot.Header `json:"deltas"`
	Backups []backupOut       `json:"backups"`
	Records int               `json:"records"`
	ByKind  map[string]int    `json:"by_kind"`
	Paths   savestate.Paths   `json:"paths"`
}

type backupOut struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.String("map", "", "map id")
	_ = fs.Parse(args)
	requireMap(*mapID)

	m := offlineManager(*dataDir, log.New(io.Discard, "", 0), nil)
	defer m.Close()
	in, err := m.Inspect(*mapID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "inspect:", err)
		os.Exit(1)
	}
	out := inspectOut{
		MapID:   in.MapID,
		Valid:   in.Valid,
		Broken:  in.Broken,
		Base:    in.Base,
		Deltas:  in.Deltas,
		Backups: []backupOut{},
		Records: in.Records,
		ByKind:  in.ByKind,
		Paths:   m.Paths(*mapID),
	}
	if out.Deltas == nil {
		out.Deltas = []snapshot.Header{}
	}
	if in.BaseErr != nil {
		out.BaseErr = in.BaseErr.Error()
	}
	for _, b := range in.Backups {
		out.Backups = append(out.Backups, backupOut{Path: b.Path, Timestamp: b.Timestamp})
	}
	printJSON(out)
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.String("map", "", "map id")
	_ = fs.Parse(args)
	requireMap(*mapID)

	m := offlineManager(*dataDir, log.New(io.Discard, "", 0), nil)
	defer m.Close()
	if !m.ValidateSaveFile(*mapID) {
		fmt.Printf("map %s: INVALID\n", *mapID)
		os.Exit(1)
	}
	fmt.Printf("map %s: ok\n", *mapID)
}

func repairCmd(args []string) {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.String("map", "", "map id")
	noIndex := fs.Bool("no_index", false, "do not record the repair in the sqlite index")
	_ = fs.Parse(args)
	requireMap(*mapID)

	logger := log.New(os.Stderr, "[admin] ", log.LstdFlags)
	var (
		idx    savestate.Index
		closer io.Closer
	)
	if !*noIndex {
		path := filepath.Join(*dataDir, "index", "saves.sqlite")
		if _, err := os.Stat(path); err == nil {
			db, err := indexdb.OpenSQLite(path, 8)
			if err != nil {
				logger.Printf("index: %v", err)
			} else {
				idx, closer = db, db
			}
		}
	}

	m := offlineManager(*dataDir, logger, idx)
	ok := m.RepairSaveFile(context.Background(), *mapID)
	valid := ok && m.ValidateSaveFile(*mapID)
	m.Close()
	if closer != nil {
		// Flushes the queued repair row.
		_ = closer.Close()
	}
	if !ok {
		fmt.Printf("map %s: repair failed\n", *mapID)
		os.Exit(1)
	}
	fmt.Printf("map %s: repaired (valid=%v)\n", *mapID, valid)
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.String("map", "", "map id filter (optional)")
	event := fs.String("event", "", "event filter, e.g. REMOVED or SAVE (optional)")
	rect := fs.String("rect", "", "area filter: x1,y1:x2,y2 (optional)")
	layer := fs.Int("layer", -1, "layer filter (optional)")
	limit := fs.Int("limit", 0, "print at most the last N matches (0 = all)")
	_ = fs.Parse(args)

	var area *patch.Rect
	if strings.TrimSpace(*rect) != "" {
		r, err := parseRect(*rect)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -rect:", err)
			os.Exit(2)
		}
		area = &r
	}

	entries, err := readJournal(filepath.Join(*dataDir, "journal"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	var out []persistlog.Entry
	for _, e := range entries {
		if *mapID != "" && e.Map != *mapID {
			continue
		}
		if *event != "" && !strings.EqualFold(e.Event, *event) {
			continue
		}
		if e.Save == nil {
			if *layer >= 0 && e.Layer != *layer {
				continue
			}
			if area != nil && !area.Contains(e.X, e.Y) {
				continue
			}
		} else if area != nil || *layer >= 0 {
			continue
		}
		out = append(out, e)
	}
	if *limit > 0 && len(out) > *limit {
		out = out[len(out)-*limit:]
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range out {
		_ = enc.Encode(e)
	}
}

// readJournal returns every entry of dir in file order. Hourly file names sort
// chronologically.
func readJournal(dir string) ([]persistlog.Entry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "patches-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []persistlog.Entry
	for _, name := range names {
		es, err := persistlog.ReadEntries(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, es...)
	}
	return out, nil
}

func parseRect(s string) (patch.Rect, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return patch.Rect{}, fmt.Errorf("expected x1,y1:x2,y2")
	}
	a, err := parseVec2(parts[0])
	if err != nil {
		return patch.Rect{}, err
	}
	b, err := parseVec2(parts[1])
	if err != nil {
		return patch.Rect{}, err
	}
	r := patch.Rect{MinX: min(a[0], b[0]), MinY: min(a[1], b[1]), MaxX: max(a[0], b[0]), MaxY: max(a[1], b[1])}
	return r, nil
}

func parseVec2(s string) ([2]int, error) {
	var out [2]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return out, fmt.Errorf("expected x,y")
	}
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

func requireMap(id string) {
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(os.Stderr, "missing -map")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
