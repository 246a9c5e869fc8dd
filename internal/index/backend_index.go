package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/objmapper/objmapper/pkg/utils"
)

// Snapshot format constants. Version 3 appends an xxhash64 trailer over
// the entry records; version 2 files (no trailer) load unchecked.
const (
	SnapshotMagic    = "OBJIDX"
	SnapshotVersion  = 3
	snapshotVersion2 = 2

	// SnapshotFileName is the per-backend snapshot file at the mount root.
	SnapshotFileName = ".objmapper.idx"

	snapshotHeaderSize = 6 + 2 + 4 + 8 + 8
)

// BackendIndex scopes an index to one tier and adds durable snapshots.
// It is the source of truth for what lives on that backend.
type BackendIndex struct {
	*Index

	backendID    int
	snapshotPath string
	dirty        atomic.Bool
}

// NewBackendIndex creates a per-backend index. snapshotPath may be empty
// to disable persistence (used for ephemeral-only tiers).
func NewBackendIndex(backendID int, snapshotPath string, numBuckets int) *BackendIndex {
	return &BackendIndex{
		Index:        New(numBuckets),
		backendID:    backendID,
		snapshotPath: snapshotPath,
	}
}

// BackendID returns the owning backend's id.
func (bi *BackendIndex) BackendID() int {
	return bi.backendID
}

// MarkDirty flags unsnapshotted mutations.
func (bi *BackendIndex) MarkDirty() {
	bi.dirty.Store(true)
}

// IsDirty reports whether mutations have not been snapshotted yet.
func (bi *BackendIndex) IsDirty() bool {
	return bi.dirty.Load()
}

// Persistent reports whether this index snapshots to disk.
func (bi *BackendIndex) Persistent() bool {
	return bi.snapshotPath != ""
}

// Save writes the snapshot to a temporary file and atomically renames it
// over the snapshot path. Entries are written in URI order so that a
// load/save cycle reproduces the file byte for byte. Clears the dirty
// flag on success.
func (bi *BackendIndex) Save() error {
	if bi.snapshotPath == "" {
		return nil
	}

	var entries []*Entry
	bi.ForEach(func(e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].uri < entries[j].uri })

	header := make([]byte, snapshotHeaderSize)
	copy(header[0:6], SnapshotMagic)
	binary.LittleEndian.PutUint16(header[6:8], SnapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(bi.backendID))
	binary.LittleEndian.PutUint64(header[12:20], uint64(len(entries)))
	binary.LittleEndian.PutUint64(header[20:28], uint64(len(bi.buckets)))

	var body []byte
	for _, e := range entries {
		_, path := e.Location()
		body = appendSnapshotEntry(body, e.uri, path, e.Size(), e.Mtime(), e.Flags())
	}

	tmpPath := bi.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", tmpPath, err)
	}

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], xxhash.Sum64(body))

	for _, chunk := range [][]byte{header, body, trailer[:]} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, bi.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	bi.dirty.Store(false)
	return nil
}

func appendSnapshotEntry(buf []byte, uri, path string, size, mtime uint64, flags uint32) []byte {
	var u16 [2]byte
	var u64 [8]byte
	var u32 [4]byte

	binary.LittleEndian.PutUint16(u16[:], uint16(len(uri)))
	buf = append(buf, u16[:]...)
	buf = append(buf, uri...)
	binary.LittleEndian.PutUint16(u16[:], uint16(len(path)))
	buf = append(buf, u16[:]...)
	buf = append(buf, path...)
	binary.LittleEndian.PutUint64(u64[:], size)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], mtime)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint32(u32[:], flags)
	buf = append(buf, u32[:]...)
	return buf
}

// Load reads the snapshot and returns the reconstructed entries, each
// carrying one reference owned by the caller. Unknown magic or version is
// a hard error. A truncated record aborts the load but the entries read
// before it are still returned alongside the error.
func (bi *BackendIndex) Load() ([]*Entry, error) {
	if bi.snapshotPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(bi.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("snapshot %s: short header", bi.snapshotPath)
	}
	if string(data[0:6]) != SnapshotMagic {
		return nil, fmt.Errorf("snapshot %s: bad magic", bi.snapshotPath)
	}
	version := binary.LittleEndian.Uint16(data[6:8])
	if version != SnapshotVersion && version != snapshotVersion2 {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", bi.snapshotPath, version)
	}
	numEntries := binary.LittleEndian.Uint64(data[12:20])

	body := data[snapshotHeaderSize:]
	if version == SnapshotVersion {
		if len(body) < 8 {
			return nil, fmt.Errorf("snapshot %s: missing checksum trailer", bi.snapshotPath)
		}
		trailer := binary.LittleEndian.Uint64(body[len(body)-8:])
		body = body[:len(body)-8]
		if xxhash.Sum64(body) != trailer {
			return nil, fmt.Errorf("snapshot %s: checksum mismatch", bi.snapshotPath)
		}
	}

	var entries []*Entry
	off := 0
	for i := uint64(0); i < numEntries; i++ {
		uri, path, size, mtime, flags, n, err := readSnapshotEntry(body[off:])
		if err != nil {
			return entries, fmt.Errorf("snapshot %s: record %d: %w", bi.snapshotPath, i, err)
		}
		off += n

		e := NewEntry(uri, bi.backendID, path)
		e.SetSize(size, mtime)
		e.SetFlags(flags)
		entries = append(entries, e)
	}
	return entries, nil
}

func readSnapshotEntry(buf []byte) (uri, path string, size, mtime uint64, flags uint32, n int, err error) {
	read16 := func() (uint16, bool) {
		if len(buf) < n+2 {
			return 0, false
		}
		v := binary.LittleEndian.Uint16(buf[n : n+2])
		n += 2
		return v, true
	}
	read64 := func() (uint64, bool) {
		if len(buf) < n+8 {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(buf[n : n+8])
		n += 8
		return v, true
	}

	uriLen, ok := read16()
	if !ok || len(buf) < n+int(uriLen) {
		return "", "", 0, 0, 0, 0, io.ErrUnexpectedEOF
	}
	uri = string(buf[n : n+int(uriLen)])
	n += int(uriLen)

	pathLen, ok := read16()
	if !ok || len(buf) < n+int(pathLen) {
		return "", "", 0, 0, 0, 0, io.ErrUnexpectedEOF
	}
	path = string(buf[n : n+int(pathLen)])
	n += int(pathLen)

	if size, ok = read64(); !ok {
		return "", "", 0, 0, 0, 0, io.ErrUnexpectedEOF
	}
	if mtime, ok = read64(); !ok {
		return "", "", 0, 0, 0, 0, io.ErrUnexpectedEOF
	}
	if len(buf) < n+4 {
		return "", "", 0, 0, 0, 0, io.ErrUnexpectedEOF
	}
	flags = binary.LittleEndian.Uint32(buf[n : n+4])
	n += 4
	return uri, path, size, mtime, flags, n, nil
}

// Scan enumerates regular files under mountPath, building one entry per
// file with its URI computed relative to the mount. The visit callback
// owns the passed entry's reference. Snapshot files at the mount root are
// skipped.
func (bi *BackendIndex) Scan(mountPath string, flags uint32, visit func(*Entry) error) (int, error) {
	count := 0
	err := filepath.WalkDir(mountPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if name == SnapshotFileName || name == SnapshotFileName+".tmp" {
			return nil
		}

		rel, err := filepath.Rel(mountPath, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		e := NewEntry(utils.URIFromRelPath(rel), bi.backendID, path)
		e.SetSize(uint64(info.Size()), uint64(info.ModTime().Unix()))
		e.SetFlags(flags)
		if err := visit(e); err != nil {
			e.PutRef()
			return err
		}
		count++
		return nil
	})
	return count, err
}
