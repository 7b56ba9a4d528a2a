package indexdb

import (
	"database/sql"
	"fmt"
	"os"
)

// ListSaves opens the index at path read-side and returns the newest rows for
// mapID (all maps when empty), newest first.
func ListSaves(path, mapID string, limit int) ([]SaveRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return querySaves(db, mapID, limit)
}

func querySaves(db *sql.DB, mapID string, limit int) ([]SaveRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT map_id,op,path,timestamp,seq,records,tombstones,COALESCE(backup,''),duration_ms,COALESCE(error,''),recorded_at
		FROM saves`
	args := []any{}
	if mapID != "" {
		q += ` WHERE map_id=?`
		args = append(args, mapID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query saves: %w", err)
	}
	defer rows.Close()

	var out []SaveRow
	for rows.Next() {
		var r SaveRow
		if err := rows.Scan(&r.MapID, &r.Op, &r.Path, &r.Timestamp, &r.Seq, &r.Records, &r.Tombstones, &r.Backup, &r.DurationMs, &r.Error, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
