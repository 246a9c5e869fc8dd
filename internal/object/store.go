// Package object implements the object lifecycle: create, get, delete,
// size accounting, and payload descriptor updates, tying the backend
// registry and the indexes together.
package object

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/internal/payload"
	"github.com/objmapper/objmapper/pkg/errors"
	"github.com/objmapper/objmapper/pkg/utils"
)

// CreateRequest carries the parameters for one object creation.
type CreateRequest struct {
	URI         string
	BackendHint int // -1 for automatic placement
	Ephemeral   bool
	SizeHint    uint64
	Flags       uint32
}

// Metadata is a point-in-time description of one object.
type Metadata struct {
	URI         string  `json:"uri"`
	BackendID   int     `json:"backend_id"`
	Path        string  `json:"path"`
	SizeBytes   uint64  `json:"size_bytes"`
	Mtime       uint64  `json:"mtime"`
	Flags       uint32  `json:"flags"`
	Hotness     float64 `json:"hotness"`
	AccessCount uint64  `json:"access_count"`
}

// Store is the object lifecycle façade used by the server loop and the
// migration engine.
type Store struct {
	registry *backend.Registry
	global   *index.Index
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
}

// NewStore creates a store over a registry. The metrics collector may be
// nil.
func NewStore(registry *backend.Registry, logger *utils.StructuredLogger, collector *metrics.Collector) *Store {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	return &Store{
		registry: registry,
		global:   registry.GlobalIndex(),
		logger:   logger.WithComponent("object"),
		metrics:  collector,
	}
}

// Registry returns the backing registry.
func (s *Store) Registry() *backend.Registry {
	return s.registry
}

// Create places a new object on a backend and returns a handle holding
// its writable descriptor. An existing object under the same URI is
// deleted first, so create doubles as replace.
func (s *Store) Create(req *CreateRequest) (*index.Ref, error) {
	if err := utils.ValidateURI(req.URI); err != nil {
		return nil, errors.New(errors.StatusInvalidRequest, err.Error()).
			WithComponent("object").
			WithOperation("create")
	}

	b, err := s.registry.ResolveForCreate(req.BackendHint, req.Ephemeral)
	if err != nil {
		return nil, err
	}

	// Duplicate index insertion is a hard error, so a replace deletes the
	// old object before creating the new one.
	if s.global.Contains(req.URI) {
		if err := s.Delete(req.URI); err != nil {
			return nil, err
		}
	}

	path := utils.ObjectPath(b.MountPath, req.URI)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Newf(errors.StatusStorageError, "create parent for %s", req.URI).
			WithComponent("object").
			WithOperation("create").
			WithCause(err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, errors.Newf(errors.StatusStorageError, "open %s", path).
			WithComponent("object").
			WithOperation("create").
			WithCause(err)
	}

	flags := req.Flags
	if req.Ephemeral {
		flags |= index.FlagEphemeral
	} else {
		flags |= index.FlagPersistent
	}

	e := index.NewEntry(req.URI, b.ID, path)
	e.SetFlags(flags)
	e.SetSize(0, uint64(time.Now().Unix()))
	e.StoreFD(fd)

	if err := s.global.Insert(e); err != nil {
		unix.Close(fd)
		os.Remove(path)
		e.PutRef()
		return nil, err
	}
	if err := b.Index.Insert(e); err != nil {
		_ = s.global.Remove(req.URI)
		unix.Close(fd)
		os.Remove(path)
		e.PutRef()
		return nil, err
	}

	b.AddObjects(1)
	b.RecordWrite()
	if b.Index.Persistent() {
		b.Index.MarkDirty()
	}
	s.registry.AddTotals(1, 0)

	s.logger.Debug("object created", map[string]interface{}{
		"uri":       req.URI,
		"backend":   b.Name,
		"ephemeral": req.Ephemeral,
	})

	// The creator's entry reference and stored-descriptor reference
	// transfer to the returned handle.
	return index.NewRef(e, fd), nil
}

// Get looks up an object and returns a handle with an open descriptor.
func (s *Store) Get(uri string) (*index.Ref, error) {
	ref, err := s.global.Lookup(uri, true)
	if s.metrics != nil {
		s.metrics.RecordIndexLookup(err == nil)
	}
	if err != nil {
		return nil, err
	}

	backendID, _ := ref.Entry().Location()
	if b, berr := s.registry.Get(backendID); berr == nil {
		b.RecordRead()
	}
	return ref, nil
}

// Delete unlinks an object's file and removes it from both indexes. The
// entry survives until outstanding handles release.
func (s *Store) Delete(uri string) error {
	ref, err := s.global.Lookup(uri, false)
	if err != nil {
		return err
	}
	e := ref.Entry()
	backendID, path := e.Location()
	size := e.Size()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		ref.Release()
		return errors.Newf(errors.StatusStorageError, "unlink %s", uri).
			WithComponent("object").
			WithOperation("delete").
			WithCause(err)
	}

	b, berr := s.registry.Get(backendID)
	if berr == nil {
		if rmErr := b.Index.Remove(uri); rmErr == nil {
			b.AddObjects(-1)
			b.AddUsedBytes(-int64(size))
			if b.Index.Persistent() {
				b.Index.MarkDirty()
			}
		}
	}
	if err := s.global.Remove(uri); err != nil {
		ref.Release()
		return err
	}
	s.registry.AddTotals(-1, -int64(size))

	s.logger.Debug("object deleted", map[string]interface{}{"uri": uri})
	ref.Release()
	return nil
}

// UpdateSize records an object's new size after a write, adjusting the
// backend and daemon capacity counters. The first write also seeds an
// identity payload descriptor.
func (s *Store) UpdateSize(uri string, newSize uint64) error {
	ref, err := s.global.Lookup(uri, false)
	if err != nil {
		return err
	}
	defer ref.Release()
	e := ref.Entry()

	old := e.SetSize(newSize, uint64(time.Now().Unix()))
	if old == newSize {
		return nil
	}
	delta := int64(newSize) - int64(old)

	backendID, _ := e.Location()
	if b, berr := s.registry.Get(backendID); berr == nil {
		b.AddUsedBytes(delta)
		if b.Index.Persistent() {
			b.Index.MarkDirty()
		}
	}
	s.registry.AddTotals(0, delta)

	if old == 0 && newSize > 0 {
		e.SeedIdentityPayload(newSize)
	}
	return nil
}

// SetPayload validates and stores an object's payload descriptor.
func (s *Store) SetPayload(uri string, d *payload.Descriptor) error {
	ref, err := s.global.Lookup(uri, false)
	if err != nil {
		return err
	}
	defer ref.Release()

	if err := ref.Entry().SetPayload(d); err != nil {
		return errors.New(errors.StatusInvalidRequest, err.Error()).
			WithComponent("object").
			WithOperation("set_payload")
	}

	backendID, _ := ref.Entry().Location()
	if b, berr := s.registry.Get(backendID); berr == nil && b.Index.Persistent() {
		b.Index.MarkDirty()
	}
	return nil
}

// GetMetadata returns a snapshot of an object's metadata without opening
// its descriptor.
func (s *Store) GetMetadata(uri string) (*Metadata, error) {
	ref, err := s.global.Lookup(uri, false)
	if err != nil {
		return nil, err
	}
	defer ref.Release()
	e := ref.Entry()

	backendID, path := e.Location()
	var halflife time.Duration
	if b, berr := s.registry.Get(backendID); berr == nil {
		halflife = b.HotnessHalflife()
	}

	return &Metadata{
		URI:         e.URI(),
		BackendID:   backendID,
		Path:        path,
		SizeBytes:   e.Size(),
		Mtime:       e.Mtime(),
		Flags:       e.Flags(),
		Hotness:     e.Hotness(index.NowMonotonicUS(), halflife),
		AccessCount: e.AccessCount(),
	}, nil
}

// SyncSize refreshes an object's recorded size from the filesystem, used
// by the server after handing out a writable descriptor.
func (s *Store) SyncSize(uri string) error {
	ref, err := s.global.Lookup(uri, false)
	if err != nil {
		return err
	}
	_, path := ref.Entry().Location()
	ref.Release()

	info, err := os.Stat(path)
	if err != nil {
		return errors.Newf(errors.StatusStorageError, "stat %s", uri).
			WithComponent("object").
			WithCause(err)
	}
	return s.UpdateSize(uri, uint64(info.Size()))
}
