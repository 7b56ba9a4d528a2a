package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Version is the only format version this build reads.
const Version = 1

type Kind string

const (
	KindFull  Kind = "full"
	KindDelta Kind = "delta"
)

var (
	ErrVersion  = errors.New("snapshot: unsupported format version")
	ErrChecksum = errors.New("snapshot: checksum mismatch")
)

// tombstone is the sentinel blob of a removed record. Patch blobs are JSON
// objects, so a leading NUL never collides with a real one.
var tombstone = []byte("\x00tombstone")

type Header struct {
	Version int    `json:"version"`
	Kind    Kind   `json:"kind"`
	MapID   string `json:"map_id"`
	// Timestamp is unix nanoseconds and increases strictly per map.
	Timestamp int64 `json:"timestamp"`
	// BaseTimestamp names the full snapshot a delta applies to.
	BaseTimestamp int64  `json:"base_timestamp,omitempty"`
	Seq           int    `json:"seq,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	Records    int            `json:"records"`
	Tombstones int            `json:"tombstones,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`

	CatalogDigest string `json:"catalog_digest,omitempty"`
	Checksum      string `json:"checksum"`
}

type Record struct {
	ID          uint64 `json:"id"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Layer       int    `json:"layer"`
	Kind        string `json:"kind"`
	Blob        []byte `json:"blob"`
	Persistence string `json:"persistence"`
	CreatedAt   int64  `json:"created_at"`
}

// Tombstone returns the delta record marking id as removed.
func Tombstone(id uint64) Record {
	return Record{ID: id, Blob: append([]byte(nil), tombstone...)}
}

func (r Record) IsTombstone() bool { return bytes.Equal(r.Blob, tombstone) }

// Same reports whether two records would persist identically.
func (r Record) Same(o Record) bool {
	return r.ID == o.ID && r.X == o.X && r.Y == o.Y && r.Layer == o.Layer &&
		r.Kind == o.Kind && r.Persistence == o.Persistence && r.CreatedAt == o.CreatedAt &&
		bytes.Equal(r.Blob, o.Blob)
}

type File struct {
	Header  Header   `json:"header"`
	Records []Record `json:"records"`
}

// Seal sorts records by id and fills the derived header fields and checksum.
func (f *File) Seal() {
	sort.Slice(f.Records, func(i, j int) bool { return f.Records[i].ID < f.Records[j].ID })
	f.Header.Version = Version
	f.Header.Records = len(f.Records)
	f.Header.Tombstones = 0
	f.Header.Counts = map[string]int{}
	for _, r := range f.Records {
		if r.IsTombstone() {
			f.Header.Tombstones++
			continue
		}
		f.Header.Counts[r.Kind]++
	}
	f.Header.Checksum = f.Checksum()
}

// Checksum covers the map id, the timestamp, the record count and a digest of
// every record in file order.
func (f *File) Checksum() string {
	rd := sha256.New()
	var num [8]byte
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(num[:], uint64(v))
		rd.Write(num[:])
	}
	putStr := func(s string) {
		putInt(int64(len(s)))
		rd.Write([]byte(s))
	}
	for _, r := range f.Records {
		putInt(int64(r.ID))
		putInt(int64(r.X))
		putInt(int64(r.Y))
		putInt(int64(r.Layer))
		putStr(r.Kind)
		putStr(r.Persistence)
		putInt(r.CreatedAt)
		putInt(int64(len(r.Blob)))
		rd.Write(r.Blob)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%x", f.Header.MapID, f.Header.Timestamp, len(f.Records), rd.Sum(nil))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the checksum and compares it to the stored one.
func (f *File) Verify() error {
	if f.Header.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, f.Header.Version)
	}
	if f.Header.Records != len(f.Records) || f.Header.Checksum != f.Checksum() {
		return ErrChecksum
	}
	return nil
}

// Write stores f at path as it is; callers Seal first. The file is replaced
// atomically so a crash never leaves a half-written snapshot behind.
func Write(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, f); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(out *os.File, f File) error {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(f.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&f); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Read decodes the file at path. It checks the version but not the checksum;
// see Verify.
func Read(path string) (File, error) {
	var f File
	in, err := os.Open(path)
	if err != nil {
		return f, err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return f, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The header line is for ReadHeader; the gob body carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return f, fmt.Errorf("header line: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&f); err != nil {
		return f, fmt.Errorf("gob decode: %w", err)
	}
	if f.Header.Version != Version {
		return f, fmt.Errorf("%w: %d", ErrVersion, f.Header.Version)
	}
	return f, nil
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	in, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header line: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header line: %w", err)
	}
	return h, nil
}

// ReadVerified is Read followed by Verify.
func ReadVerified(path string) (File, error) {
	f, err := Read(path)
	if err != nil {
		return f, err
	}
	if err := f.Verify(); err != nil {
		return f, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}
