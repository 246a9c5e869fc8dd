package index

import (
	"sync"
	"sync/atomic"

	"github.com/objmapper/objmapper/pkg/errors"
)

// DefaultBuckets sizes the hash table when no bucket count is given.
const DefaultBuckets = 1024 * 1024

const (
	fnvOffsetBasis uint64 = 14695981039346656037
	fnvPrime       uint64 = 1099511628211
)

// HashURI hashes a URI with 64-bit FNV-1a.
func HashURI(uri string) uint64 {
	h := fnvOffsetBasis
	for i := 0; i < len(uri); i++ {
		h ^= uint64(uri[i])
		h *= fnvPrime
	}
	return h
}

// NextPowerOfTwo rounds n up to a power of two.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Stats is a point-in-time snapshot of index counters.
type Stats struct {
	Entries uint64  `json:"entries"`
	Lookups uint64  `json:"lookups"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Index is a chained hash table over entries. Lookups are lock-free:
// they traverse atomic chain links and take strong references on the
// entries they return. All structural mutation is serialized on one
// write mutex, and entries are only freed once unlinked and unreferenced,
// so no hazard tracking is needed.
type Index struct {
	buckets []atomic.Pointer[Entry]
	mask    uint64

	numEntries atomic.Int64
	writeMu    sync.Mutex

	statLookups atomic.Uint64
	statHits    atomic.Uint64
	statMisses  atomic.Uint64
}

// New creates an index with the bucket count rounded up to a power of two.
func New(numBuckets int) *Index {
	if numBuckets <= 0 {
		numBuckets = DefaultBuckets
	}
	n := NextPowerOfTwo(numBuckets)
	return &Index{
		buckets: make([]atomic.Pointer[Entry], n),
		mask:    uint64(n - 1),
	}
}

func (idx *Index) bucketFor(hash uint64) *atomic.Pointer[Entry] {
	return &idx.buckets[hash&idx.mask]
}

// find walks a chain looking for uri. Caller may hold the write
// mutex; plain atomic loads make it equally safe without it.
func (idx *Index) find(uri string, hash uint64) *Entry {
	for e := idx.bucketFor(hash).Load(); e != nil; e = e.next.Load() {
		if e.hash == hash && e.uri == uri {
			return e
		}
	}
	return nil
}

// Lookup finds uri and returns a reference-counted handle. When openFD is
// set the handle also acquires the entry's cached descriptor, opening the
// backend file if necessary, and the access is recorded.
func (idx *Index) Lookup(uri string, openFD bool) (*Ref, error) {
	idx.statLookups.Add(1)

	hash := HashURI(uri)
	e := idx.find(uri, hash)
	if e == nil {
		idx.statMisses.Add(1)
		return nil, errors.Newf(errors.StatusNotFound, "object %s not found", uri).
			WithComponent("index")
	}

	e.GetRef()
	fd := -1
	if openFD {
		acquired, err := e.acquireFD()
		if err != nil {
			e.PutRef()
			idx.statMisses.Add(1)
			return nil, errors.Newf(errors.StatusStorageError, "open %s", uri).
				WithComponent("index").
				WithCause(err)
		}
		fd = acquired
		e.RecordAccess()
	}
	idx.statHits.Add(1)
	return newRef(e, fd, e.FDGeneration()), nil
}

// Contains reports whether uri is present without taking references or
// recording an access.
func (idx *Index) Contains(uri string) bool {
	return idx.find(uri, HashURI(uri)) != nil
}

// Insert links an entry into the index, taking one entry reference for
// the membership. Duplicate URIs are rejected.
func (idx *Index) Insert(e *Entry) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if idx.find(e.uri, e.hash) != nil {
		return errors.Newf(errors.StatusInvalidRequest, "duplicate object %s", e.uri).
			WithComponent("index")
	}

	bucket := idx.bucketFor(e.hash)
	e.GetRef()
	e.next.Store(bucket.Load())
	bucket.Store(e)
	idx.numEntries.Add(1)
	return nil
}

// Remove unlinks uri and drops the index's entry reference. Handles
// acquired before the removal keep working until released.
func (idx *Index) Remove(uri string) error {
	hash := HashURI(uri)

	idx.writeMu.Lock()
	bucket := idx.bucketFor(hash)

	var prev *Entry
	for e := bucket.Load(); e != nil; e = e.next.Load() {
		if e.hash == hash && e.uri == uri {
			next := e.next.Load()
			if prev == nil {
				bucket.Store(next)
			} else {
				prev.next.Store(next)
			}
			idx.numEntries.Add(-1)
			idx.writeMu.Unlock()

			e.CloseFD()
			e.PutRef()
			return nil
		}
		prev = e
	}
	idx.writeMu.Unlock()
	return errors.Newf(errors.StatusNotFound, "object %s not found", uri).
		WithComponent("index")
}

// UpdateLocation rewrites the backend id and path of uri, invalidating any
// cached descriptor so the next acquisition reopens at the new path.
func (idx *Index) UpdateLocation(uri string, backendID int, backendPath string) error {
	e := idx.find(uri, HashURI(uri))
	if e == nil {
		return errors.Newf(errors.StatusNotFound, "object %s not found", uri).
			WithComponent("index")
	}
	e.SetLocation(backendID, backendPath)
	return nil
}

// ForEach visits every entry. The traversal is lock-free and sees a
// consistent snapshot of each chain it walks; entries inserted or removed
// concurrently may or may not be visited.
func (idx *Index) ForEach(fn func(*Entry) bool) {
	for i := range idx.buckets {
		for e := idx.buckets[i].Load(); e != nil; e = e.next.Load() {
			if !fn(e) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return int(idx.numEntries.Load())
}

// GetStats returns a snapshot of the lookup counters.
func (idx *Index) GetStats() Stats {
	s := Stats{
		Entries: uint64(idx.numEntries.Load()),
		Lookups: idx.statLookups.Load(),
		Hits:    idx.statHits.Load(),
		Misses:  idx.statMisses.Load(),
	}
	if s.Lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Lookups)
	}
	return s
}
