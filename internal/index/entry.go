// Package index implements the lock-free object index: reference-counted
// entries with cached descriptors, the global URI index, and the
// per-backend indexes with their durable snapshots.
package index

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/payload"
)

// Object flags
const (
	FlagEphemeral  uint32 = 0x01
	FlagPersistent uint32 = 0x02
	FlagPinned     uint32 = 0x04
	FlagEncrypted  uint32 = 0x08
	FlagCompressed uint32 = 0x10
)

// hotnessAccessCountNormalizer maps the access counter onto [0,1]: an
// object reaches full frequency weight after this many accesses. The
// constant mirrors the scoring the migration policies were tuned against.
const hotnessAccessCountNormalizer = 1000.0

// DefaultHotnessHalflife is the decay half-life applied when a backend
// does not configure its own.
const DefaultHotnessHalflife = 3600 * time.Second

var processStart = time.Now()

// NowMonotonicUS returns microseconds on the process-local monotonic clock
// used for access timestamps and hotness decay.
func NowMonotonicUS() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}

// Entry is the record for one object, shared between the global index and
// the owning per-backend index. Reads of the identity fields are safe
// without locking; location, size, and payload are guarded by mu.
type Entry struct {
	// Identity. Never changes after construction.
	uri  string
	hash uint64

	mu sync.RWMutex

	// Location, guarded by mu.
	backendID   int
	backendPath string

	// Cached descriptor state.
	fd           atomic.Int64 // open descriptor, -1 when closed
	fdRefcount   atomic.Int32
	fdGeneration atomic.Uint32
	// retiredFD holds a descriptor detached from the cache slot while
	// handles still reference it; the last release closes it.
	retiredFD atomic.Int64

	// Metadata, guarded by mu.
	size  uint64
	mtime uint64
	flags uint32

	// Access tracking.
	accessCount atomic.Uint64
	lastAccess  atomic.Uint64 // monotonic microseconds; 0 = never
	hotness     atomic.Uint64 // last computed score, as float64 bits

	// Entry lifetime.
	entryRefcount atomic.Int32

	// Collision chain.
	next atomic.Pointer[Entry]

	// Embedded payload descriptor, guarded by mu.
	payload payload.Descriptor
}

// NewEntry creates an entry with one reference owned by the caller.
func NewEntry(uri string, backendID int, backendPath string) *Entry {
	e := &Entry{
		uri:         uri,
		hash:        HashURI(uri),
		backendID:   backendID,
		backendPath: backendPath,
	}
	e.fd.Store(-1)
	e.retiredFD.Store(-1)
	e.entryRefcount.Store(1)
	return e
}

// URI returns the object's identifier.
func (e *Entry) URI() string { return e.uri }

// Hash returns the precomputed FNV-1a hash of the URI.
func (e *Entry) Hash() uint64 { return e.hash }

// Location returns the entry's backend id and filesystem path.
func (e *Entry) Location() (int, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backendID, e.backendPath
}

// SetLocation atomically swaps the entry onto a new backend. The caller
// holds the source and destination backend write locks; outstanding
// descriptor caches are invalidated.
func (e *Entry) SetLocation(backendID int, backendPath string) {
	e.mu.Lock()
	e.backendID = backendID
	e.backendPath = backendPath
	e.mu.Unlock()
	e.InvalidateFD()
}

// Size returns the object size in bytes.
func (e *Entry) Size() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// SetSize updates the object size and modification time, returning the
// previous size.
func (e *Entry) SetSize(size, mtime uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.size
	e.size = size
	e.mtime = mtime
	return old
}

// Mtime returns the recorded modification time.
func (e *Entry) Mtime() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mtime
}

// Flags returns the object flag bits.
func (e *Entry) Flags() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

// SetFlags replaces the object flag bits.
func (e *Entry) SetFlags(flags uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags = flags
}

// IsEphemeral reports whether the object is confined to volatile tiers.
func (e *Entry) IsEphemeral() bool {
	return e.Flags()&FlagEphemeral != 0
}

// IsPinned reports whether the object is exempt from migration.
func (e *Entry) IsPinned() bool {
	return e.Flags()&FlagPinned != 0
}

// Payload returns a copy of the embedded payload descriptor.
func (e *Entry) Payload() payload.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.payload
}

// SetPayload stores a validated payload descriptor.
func (e *Entry) SetPayload(d *payload.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payload = *d
	return nil
}

// SeedIdentityPayload installs a single identity variant if no descriptor
// has been set yet. Called on the first write of an object.
func (e *Entry) SeedIdentityPayload(size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.payload.IsZero() {
		return
	}
	e.payload = *payload.NewIdentity(size)
}

/* ---- Entry lifetime ---- */

// GetRef takes one entry reference.
func (e *Entry) GetRef() {
	e.entryRefcount.Add(1)
}

// PutRef drops one entry reference; the last release closes any cached
// descriptor.
func (e *Entry) PutRef() {
	if e.entryRefcount.Add(-1) != 0 {
		return
	}
	if fd := e.fd.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
	}
	if fd := e.retiredFD.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
	}
}

// Refcount returns the current entry reference count.
func (e *Entry) Refcount() int {
	return int(e.entryRefcount.Load())
}

/* ---- Descriptor cache ---- */

// OpenFD ensures the cached descriptor is open, opening the backend file
// read-write (read-only as a fallback) if needed. Racing openers are
// resolved by CAS; the loser's descriptor is closed.
func (e *Entry) OpenFD() error {
	if e.fd.Load() >= 0 {
		return nil
	}
	e.mu.RLock()
	path := e.backendPath
	e.mu.RUnlock()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return err
		}
	}
	if !e.fd.CompareAndSwap(-1, int64(fd)) {
		unix.Close(fd)
	}
	return nil
}

// StoreFD installs an already-open descriptor into the cache slot with one
// descriptor reference held by the caller. Used on create, where the
// creating handle must see the read-write descriptor it opened.
func (e *Entry) StoreFD(fd int) {
	e.fd.Store(int64(fd))
	e.fdRefcount.Store(1)
}

// FD returns the cached descriptor, or -1.
func (e *Entry) FD() int {
	return int(e.fd.Load())
}

// FDGeneration returns the close-generation counter.
func (e *Entry) FDGeneration() uint32 {
	return e.fdGeneration.Load()
}

// CloseFD closes the cached descriptor if no handle references it.
// Returns false when references remain.
func (e *Entry) CloseFD() bool {
	if e.fdRefcount.Load() > 0 {
		return false
	}
	if fd := e.fd.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
		e.fdGeneration.Add(1)
	}
	return true
}

// InvalidateFD detaches the cached descriptor so future acquisitions
// reopen at the current backend path. If handles still reference the old
// descriptor it is parked and closed by the last release.
func (e *Entry) InvalidateFD() {
	fd := e.fd.Swap(-1)
	if fd < 0 {
		return
	}
	e.fdGeneration.Add(1)
	if e.fdRefcount.Load() == 0 {
		unix.Close(int(fd))
		return
	}
	if prev := e.retiredFD.Swap(fd); prev >= 0 {
		// Two invalidations raced ahead of the handles; the older
		// descriptor has no remaining owner.
		unix.Close(int(prev))
	}
}

// acquireFD takes one descriptor reference, opening the file if the cache
// slot is empty. Returns the acquired descriptor.
func (e *Entry) acquireFD() (int, error) {
	for {
		e.fdRefcount.Add(1)
		if fd := e.fd.Load(); fd >= 0 {
			return int(fd), nil
		}
		// Slot was empty (or closed under us): drop the provisional
		// reference, open, retry.
		e.fdRefcount.Add(-1)
		if err := e.OpenFD(); err != nil {
			return -1, err
		}
	}
}

// releaseFD drops one descriptor reference; the last release closes a
// descriptor that was retired by InvalidateFD.
func (e *Entry) releaseFD() {
	if e.fdRefcount.Add(-1) != 0 {
		return
	}
	if fd := e.retiredFD.Swap(-1); fd >= 0 {
		unix.Close(int(fd))
	}
}

// FDRefcount returns the current descriptor reference count.
func (e *Entry) FDRefcount() int {
	return int(e.fdRefcount.Load())
}

/* ---- Access tracking ---- */

// RecordAccess bumps the access counter and refreshes the last-access
// timestamp.
func (e *Entry) RecordAccess() {
	e.accessCount.Add(1)
	e.lastAccess.Store(NowMonotonicUS())
}

// AccessCount returns the total access count.
func (e *Entry) AccessCount() uint64 {
	return e.accessCount.Load()
}

// LastAccess returns the monotonic microsecond timestamp of the most
// recent access, or 0 if the entry was never accessed.
func (e *Entry) LastAccess() uint64 {
	return e.lastAccess.Load()
}

// Hotness computes the entry's hotness in [0,1] against the given clock:
// 70% exponential recency decay, 30% access frequency. The score is also
// cached for status reporting.
func (e *Entry) Hotness(nowUS uint64, halflife time.Duration) float64 {
	last := e.lastAccess.Load()
	if last == 0 {
		return 0
	}
	ageSecs := float64(nowUS-last) / 1e6
	halflifeSecs := halflife.Seconds()
	if halflifeSecs <= 0 {
		halflifeSecs = DefaultHotnessHalflife.Seconds()
	}
	timeFactor := math.Exp(-math.Ln2 * ageSecs / halflifeSecs)

	accessFactor := float64(e.accessCount.Load()) / hotnessAccessCountNormalizer
	if accessFactor > 1 {
		accessFactor = 1
	}

	score := 0.7*timeFactor + 0.3*accessFactor
	if score > 1 {
		score = 1
	}
	e.hotness.Store(math.Float64bits(score))
	return score
}

// LastHotness returns the most recently computed hotness score.
func (e *Entry) LastHotness() float64 {
	return math.Float64frombits(e.hotness.Load())
}
