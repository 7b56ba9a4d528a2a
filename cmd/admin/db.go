package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"tilepatch.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/saves.sqlite)")
	mapID := fs.String("map", "", "map id filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	x := fs.Int("x", 0, "tile x (events)")
	y := fs.Int("y", 0, "tile y (events)")
	layer := fs.Int("layer", -1, "tile layer; >=0 filters events to one tile")
	_ = fs.Parse(args)

	q := "saves"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "saves.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "saves":
		rows, err := indexdb.ListSaves(path, *mapID, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)

	case "events":
		db := openDB(path)
		defer db.Close()
		query := `SELECT map_id,patch_id,kind,x,y,layer,event,COALESCE(detail,''),recorded_at FROM patch_events`
		var (
			where []string
			qa    []any
		)
		if *mapID != "" {
			where = append(where, "map_id=?")
			qa = append(qa, *mapID)
		}
		if *layer >= 0 {
			where = append(where, "layer=? AND x=? AND y=?")
			qa = append(qa, *layer, *x, *y)
		}
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY id DESC LIMIT ?"
		qa = append(qa, *limit)

		rows, err := db.Query(query, qa...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		var out []indexdb.EventRow
		for rows.Next() {
			var r indexdb.EventRow
			if err := rows.Scan(&r.MapID, &r.PatchID, &r.Kind, &r.X, &r.Y, &r.Layer, &r.Event, &r.Detail, &r.RecordedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			out = append(out, r)
		}
		printJSON(out)

	case "catalogs":
		db := openDB(path)
		defer db.Close()
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		type catRow struct {
			Name      string `json:"name"`
			Digest    string `json:"digest"`
			UpdatedAt string `json:"updated_at"`
		}
		var out []catRow
		for rows.Next() {
			var r catRow
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			out = append(out, r)
		}
		printJSON(out)

	case "tuning":
		db := openDB(path)
		defer db.Close()
		var raw string
		if err := db.QueryRow(`SELECT json FROM catalogs WHERE name='tuning'`).Scan(&raw); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			fmt.Fprintln(os.Stderr, "decode:", err)
			os.Exit(1)
		}
		printJSON(v)

	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (saves|events|catalogs|tuning)\n", q)
		os.Exit(2)
	}
}

func openDB(path string) *sql.DB {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}
