package backend

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/pkg/errors"
	"github.com/objmapper/objmapper/pkg/utils"
)

// RegisterConfig carries the parameters for one tier registration.
type RegisterConfig struct {
	Type             Type
	MountPath        string
	Name             string
	CapacityBytes    uint64
	Flags            uint32
	HighWatermark    float64 // defaults to 0.85
	LowWatermark     float64 // defaults to 0.70
	MigrationPolicy  MigrationPolicy
	HotnessThreshold float64       // defaults to 0.5
	HotnessHalflife  time.Duration // defaults to one hour
	IndexBuckets     int
}

// Registry is the catalogue of tiers plus the global URI index. Reads
// (resolve, status, iteration) share the registry lock; registrations and
// designation changes exclude.
type Registry struct {
	mu       sync.RWMutex
	backends []*Backend

	defaultID   int
	ephemeralID int
	cacheID     int

	global *index.Index

	totalObjects atomic.Int64
	totalBytes   atomic.Int64

	logger *utils.StructuredLogger
}

// NewRegistry creates an empty registry around a global index.
func NewRegistry(global *index.Index, logger *utils.StructuredLogger) *Registry {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	return &Registry{
		defaultID:   -1,
		ephemeralID: -1,
		cacheID:     -1,
		global:      global,
		logger:      logger.WithComponent("backend"),
	}
}

// GlobalIndex returns the registry's global URI index.
func (r *Registry) GlobalIndex() *index.Index {
	return r.global
}

// Register adds a tier. The mount directory is created if needed, a
// snapshot (if present) is loaded into the per-backend and global
// indexes, and the backend starts enabled. Returns the new backend id.
func (r *Registry) Register(cfg RegisterConfig) (int, error) {
	if cfg.MountPath == "" {
		return -1, errors.New(errors.StatusInvalidRequest, "mount path required").
			WithComponent("backend")
	}
	if err := os.MkdirAll(cfg.MountPath, 0755); err != nil {
		return -1, errors.Newf(errors.StatusStorageError, "create mount %s", cfg.MountPath).
			WithComponent("backend").
			WithCause(err)
	}

	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = 0.85
	}
	if cfg.LowWatermark == 0 {
		cfg.LowWatermark = 0.70
	}
	if cfg.HotnessThreshold == 0 {
		cfg.HotnessThreshold = 0.5
	}
	if cfg.HotnessHalflife == 0 {
		cfg.HotnessHalflife = index.DefaultHotnessHalflife
	}
	if cfg.IndexBuckets == 0 {
		cfg.IndexBuckets = 64 * 1024
	}

	r.mu.Lock()
	id := len(r.backends)

	snapshotPath := ""
	if cfg.Flags&FlagEphemeralOnly == 0 {
		snapshotPath = filepath.Join(cfg.MountPath, index.SnapshotFileName)
	}

	b := &Backend{
		ID:                id,
		Type:              cfg.Type,
		MountPath:         cfg.MountPath,
		Name:              cfg.Name,
		flags:             cfg.Flags | FlagEnabled,
		CapacityBytes:     cfg.CapacityBytes,
		ExpectedLatencyUS: cfg.Type.ExpectedLatency(),
		highWatermark:     cfg.HighWatermark,
		lowWatermark:      cfg.LowWatermark,
		migrationPolicy:   cfg.MigrationPolicy,
		hotnessThreshold:  cfg.HotnessThreshold,
		hotnessHalflife:   cfg.HotnessHalflife,
		Index:             index.NewBackendIndex(id, snapshotPath, cfg.IndexBuckets),
	}
	r.backends = append(r.backends, b)
	r.mu.Unlock()

	loaded, err := r.loadSnapshot(b)
	if err != nil {
		r.logger.Warn("snapshot load failed", map[string]interface{}{
			"backend": b.Name,
			"error":   err.Error(),
		})
	}

	r.logger.Info("backend registered", map[string]interface{}{
		"id":       id,
		"name":     cfg.Name,
		"type":     cfg.Type.String(),
		"mount":    cfg.MountPath,
		"capacity": cfg.CapacityBytes,
		"loaded":   loaded,
	})
	return id, nil
}

// loadSnapshot restores a backend's persisted index into both indexes and
// the capacity counters. Entries whose URI collides with an existing
// object are dropped.
func (r *Registry) loadSnapshot(b *Backend) (int, error) {
	entries, err := b.Index.Load()
	loaded := 0
	for _, e := range entries {
		if insertErr := r.global.Insert(e); insertErr != nil {
			e.PutRef()
			continue
		}
		if insertErr := b.Index.Insert(e); insertErr != nil {
			_ = r.global.Remove(e.URI())
			e.PutRef()
			continue
		}
		b.AddUsedBytes(int64(e.Size()))
		b.AddObjects(1)
		r.totalObjects.Add(1)
		r.totalBytes.Add(int64(e.Size()))
		loaded++
		e.PutRef()
	}
	return loaded, err
}

// Scan walks a backend's mount path and indexes every object found,
// inheriting the tier's ephemeral or persistent flag. Used on cold start
// when no snapshot exists.
func (r *Registry) Scan(backendID int) (int, error) {
	b, err := r.Get(backendID)
	if err != nil {
		return 0, err
	}

	flags := index.FlagPersistent
	if b.EphemeralOnly() {
		flags = index.FlagEphemeral
	}

	return b.Index.Scan(b.MountPath, flags, func(e *index.Entry) error {
		if err := r.global.Insert(e); err != nil {
			// Already indexed (for instance via snapshot): skip quietly.
			e.PutRef()
			return nil
		}
		if err := b.Index.Insert(e); err != nil {
			_ = r.global.Remove(e.URI())
			e.PutRef()
			return nil
		}
		b.AddUsedBytes(int64(e.Size()))
		b.AddObjects(1)
		r.totalObjects.Add(1)
		r.totalBytes.Add(int64(e.Size()))
		e.PutRef()
		return nil
	})
}

// Get returns the backend with the given id.
func (r *Registry) Get(id int) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.backends) {
		return nil, errors.Newf(errors.StatusInvalidRequest, "no backend %d", id).
			WithComponent("backend")
	}
	return r.backends[id], nil
}

// Backends returns a snapshot of all registered backends.
func (r *Registry) Backends() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// SetDefault designates the default tier for persistent creates. The
// default must not be ephemeral-only.
func (r *Registry) SetDefault(id int) error {
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	if b.EphemeralOnly() {
		return errors.New(errors.StatusInvalidRequest,
			"default backend must not be ephemeral-only").WithComponent("backend")
	}
	r.mu.Lock()
	r.defaultID = id
	r.mu.Unlock()
	return nil
}

// SetEphemeral designates the tier for ephemeral creates. It must be
// ephemeral-only.
func (r *Registry) SetEphemeral(id int) error {
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	if !b.EphemeralOnly() {
		return errors.New(errors.StatusInvalidRequest,
			"ephemeral backend must be ephemeral-only").WithComponent("backend")
	}
	r.mu.Lock()
	r.ephemeralID = id
	r.mu.Unlock()
	return nil
}

// SetCache designates the memory tier the promoter fills. It must be of
// type memory.
func (r *Registry) SetCache(id int) error {
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	if b.Type != TypeMemory {
		return errors.New(errors.StatusInvalidRequest,
			"cache backend must be of type memory").WithComponent("backend")
	}
	r.mu.Lock()
	r.cacheID = id
	r.mu.Unlock()
	return nil
}

// Default returns the default backend, or nil if none is designated.
func (r *Registry) Default() *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID < 0 {
		return nil
	}
	return r.backends[r.defaultID]
}

// Ephemeral returns the designated ephemeral backend, or nil.
func (r *Registry) Ephemeral() *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ephemeralID < 0 {
		return nil
	}
	return r.backends[r.ephemeralID]
}

// Cache returns the designated cache backend, or nil.
func (r *Registry) Cache() *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cacheID < 0 {
		return nil
	}
	return r.backends[r.cacheID]
}

// ResolveForCreate picks the backend for a new object: an explicit hint
// wins, otherwise the ephemeral or default designation. The choice is
// validated against the enabled bit and the ephemeral placement rule.
func (r *Registry) ResolveForCreate(hint int, ephemeral bool) (*Backend, error) {
	var b *Backend
	if hint >= 0 {
		var err error
		if b, err = r.Get(hint); err != nil {
			return nil, err
		}
	} else if ephemeral {
		if b = r.Ephemeral(); b == nil {
			return nil, errors.New(errors.StatusUnavailable, "no ephemeral backend designated").
				WithComponent("backend")
		}
	} else {
		if b = r.Default(); b == nil {
			return nil, errors.New(errors.StatusUnavailable, "no default backend designated").
				WithComponent("backend")
		}
	}

	if !b.Enabled() {
		return nil, errors.Newf(errors.StatusUnavailable, "backend %s disabled", b.Name).
			WithComponent("backend")
	}
	if ephemeral != b.EphemeralOnly() {
		if ephemeral {
			return nil, errors.Newf(errors.StatusStorageError,
				"ephemeral object rejected by persistent backend %s", b.Name).
				WithComponent("backend")
		}
		return nil, errors.Newf(errors.StatusStorageError,
			"persistent object rejected by ephemeral-only backend %s", b.Name).
			WithComponent("backend")
	}
	return b, nil
}

// SetEnabled toggles a backend's enabled bit.
func (r *Registry) SetEnabled(id int, enabled bool) error {
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	b.setFlag(FlagEnabled, enabled)
	return nil
}

// SetWatermarks updates a tier's capacity watermarks, which must satisfy
// 0 <= low < high <= 1.
func (r *Registry) SetWatermarks(id int, low, high float64) error {
	if low < 0 || high > 1 || low >= high {
		return errors.Newf(errors.StatusInvalidRequest,
			"watermarks must satisfy 0 <= low < high <= 1, got low=%f high=%f", low, high).
			WithComponent("backend")
	}
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.lowWatermark = low
	b.highWatermark = high
	b.mu.Unlock()
	return nil
}

// SetMigrationPolicy updates a tier's migration policy and hotness
// threshold.
func (r *Registry) SetMigrationPolicy(id int, policy MigrationPolicy, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return errors.Newf(errors.StatusInvalidRequest,
			"hotness threshold must be in [0,1]: %f", threshold).
			WithComponent("backend")
	}
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.migrationPolicy = policy
	b.hotnessThreshold = threshold
	b.mu.Unlock()
	return nil
}

// EnabledPersistentCount counts enabled persistent tiers; the server
// advertises it as backend parallelism during the V2 handshake.
func (r *Registry) EnabledPersistentCount() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, b := range r.backends {
		if b.Enabled() && !b.EphemeralOnly() {
			count++
		}
	}
	if count > 255 {
		count = 255
	}
	return uint8(count)
}

// AddTotals adjusts the daemon-wide object and byte counters.
func (r *Registry) AddTotals(objects, bytes int64) {
	r.totalObjects.Add(objects)
	r.totalBytes.Add(bytes)
}

// Totals returns the daemon-wide object and byte counters.
func (r *Registry) Totals() (objects, bytes int64) {
	return r.totalObjects.Load(), r.totalBytes.Load()
}

// SaveAll snapshots every dirty persistent per-backend index, gathering
// all failures.
func (r *Registry) SaveAll() error {
	var errs error
	for _, b := range r.Backends() {
		if !b.Index.Persistent() || !b.Index.IsDirty() {
			continue
		}
		if err := b.Index.Save(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
