// Package archive rotates copies of full snapshots so a damaged base can be
// repaired from history.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tilepatch.ai/internal/persistence/snapshot"
)

const (
	snapSuffix = ".snap.zst"
	metaSuffix = ".meta.json"
)

type BackupMeta struct {
	MapID     string `json:"map_id"`
	Timestamp int64  `json:"timestamp"`
	Records   int    `json:"records"`
	Checksum  string `json:"checksum"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at"`
}

// Entry is one backup on disk.
type Entry struct {
	Path      string
	Timestamp int64
}

// Backup copies the full snapshot at src into dir as <timestamp>.snap.zst and
// writes a meta sidecar. The timestamp is the snapshot's own, so backups sort
// by the time their contents were saved.
func Backup(dir, src string, h snapshot.Header) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, strconv.FormatInt(h.Timestamp, 10)+snapSuffix)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}

	meta := BackupMeta{
		MapID:     h.MapID,
		Timestamp: h.Timestamp,
		Records:   h.Records,
		Checksum:  h.Checksum,
		Source:    filepath.Base(src),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(strings.TrimSuffix(dst, snapSuffix)+metaSuffix, b, 0o644)
	}
	return dst, nil
}

// List returns backups newest first. A missing dir is an empty list.
func List(dir string) ([]Entry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(name, snapSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(dir, name), Timestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// Prune keeps the newest keep backups and deletes the rest, returning the
// removed paths.
func Prune(dir string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	all, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(all) <= keep {
		return nil, nil
	}
	var removed []string
	for _, e := range all[keep:] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		_ = os.Remove(strings.TrimSuffix(e.Path, snapSuffix) + metaSuffix)
		removed = append(removed, e.Path)
	}
	return removed, nil
}

// ReadMeta loads the sidecar of a backup, if one was written.
func ReadMeta(backupPath string) (BackupMeta, error) {
	var m BackupMeta
	b, err := os.ReadFile(strings.TrimSuffix(backupPath, snapSuffix) + metaSuffix)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("backup meta: %w", err)
	}
	return m, nil
}

// Restore copies a backup over dst through a temp file and rename.
func Restore(backupPath, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".restore"
	if err := copyFile(backupPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
