// Package migrate implements the migration engine: moving one object's
// body between two tiers while preserving its identity and keeping
// outstanding handles valid.
package migrate

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/circuit"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/pkg/errors"
	"github.com/objmapper/objmapper/pkg/utils"
)

// Engine moves objects between tiers. Each destination backend is guarded
// by a circuit breaker so a failing tier stops attracting migrations
// until it recovers.
type Engine struct {
	registry *backend.Registry
	global   *index.Index
	breakers *circuit.Manager
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
}

// NewEngine creates a migration engine. breakerConfig tunes the
// per-backend circuit breakers; the metrics collector may be nil.
func NewEngine(registry *backend.Registry, logger *utils.StructuredLogger,
	collector *metrics.Collector, breakerConfig circuit.Config) *Engine {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	return &Engine{
		registry: registry,
		global:   registry.GlobalIndex(),
		breakers: circuit.NewManager(breakerConfig),
		logger:   logger.WithComponent("migrate"),
		metrics:  collector,
	}
}

// DestinationAvailable reports whether the destination backend's breaker
// currently admits migrations. The promoter consults it before scheduling
// work toward a tier.
func (m *Engine) DestinationAvailable(dest *backend.Backend) bool {
	return m.breakers.GetBreaker(dest.Name).GetState() != circuit.StateOpen
}

// Migrate moves uri onto the destination backend: stage a copy, swap the
// entry's location under both backend locks, rewire the per-backend
// memberships, then unlink the source file. Outstanding handles keep
// reading the source descriptor until they release.
func (m *Engine) Migrate(uri string, destID int) error {
	dest, err := m.registry.Get(destID)
	if err != nil {
		return err
	}

	ref, err := m.global.Lookup(uri, true)
	if err != nil {
		return err
	}
	e := ref.Entry()
	srcID, srcPath := e.Location()

	src, err := m.registry.Get(srcID)
	if err != nil {
		ref.Release()
		return err
	}

	if err := m.checkPreconditions(e, src, dest); err != nil {
		ref.Release()
		return err
	}

	size := e.Size()
	destPath := utils.ObjectPath(dest.MountPath, uri)

	// Stage the copy through the destination's breaker: storage failures
	// trip it and later migrations toward the tier fail fast.
	stageErr := m.breakers.GetBreaker(dest.Name).Execute(func() error {
		return m.stageCopy(ref, destPath, size)
	})
	if stageErr != nil {
		ref.Release()
		if m.metrics != nil {
			m.metrics.RecordMigration(src.Name, dest.Name, false)
		}
		if _, ok := stageErr.(*errors.Error); ok {
			return stageErr
		}
		return errors.Newf(errors.StatusUnavailable, "destination %s rejecting migrations", dest.Name).
			WithComponent("migrate").
			WithCause(stageErr)
	}

	// Swap the index state under both backend locks, id order.
	first, second := src, dest
	if second.ID < first.ID {
		first, second = second, first
	}
	first.Lock()
	second.Lock()

	if err := src.Index.Remove(uri); err == nil {
		src.AddObjects(-1)
		src.AddUsedBytes(-int64(size))
		if src.Index.Persistent() {
			src.Index.MarkDirty()
		}
	}
	src.RecordMigrationOut()

	e.SetLocation(destID, destPath)

	insertErr := dest.Index.Insert(e)
	if insertErr == nil {
		dest.AddObjects(1)
		dest.AddUsedBytes(int64(size))
		if dest.Index.Persistent() {
			dest.Index.MarkDirty()
		}
	}
	dest.RecordMigrationIn()

	second.Unlock()
	first.Unlock()

	if insertErr != nil {
		ref.Release()
		return insertErr
	}

	// The destination now owns the body; drop the source copy.
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("source unlink failed after migration", map[string]interface{}{
			"uri":   uri,
			"path":  srcPath,
			"error": err.Error(),
		})
	}

	ref.Release()

	if m.metrics != nil {
		m.metrics.RecordMigration(src.Name, dest.Name, true)
	}
	m.logger.Debug("object migrated", map[string]interface{}{
		"uri":  uri,
		"from": src.Name,
		"to":   dest.Name,
		"size": size,
	})
	return nil
}

func (m *Engine) checkPreconditions(e *index.Entry, src, dest *backend.Backend) error {
	if src.ID == dest.ID {
		return errors.Newf(errors.StatusInvalidRequest,
			"object already on backend %s", dest.Name).WithComponent("migrate")
	}
	// The placement rule binds hard in one direction only: a volatile
	// object must never land on a tier that could persist it. Persistent
	// objects may enter the memory tier; that is what cache promotion is.
	if e.IsEphemeral() && !dest.EphemeralOnly() {
		return errors.New(errors.StatusStorageError,
			"ephemeral object cannot leave the volatile tier").WithComponent("migrate")
	}
	if e.IsPinned() {
		return errors.New(errors.StatusInvalidRequest, "object is pinned").
			WithComponent("migrate")
	}
	if !src.HasFlag(backend.FlagMigrationSrc) {
		return errors.Newf(errors.StatusUnavailable,
			"backend %s is not a migration source", src.Name).WithComponent("migrate")
	}
	if !dest.HasFlag(backend.FlagMigrationDst) {
		return errors.Newf(errors.StatusUnavailable,
			"backend %s is not a migration destination", dest.Name).WithComponent("migrate")
	}
	if !dest.Enabled() {
		return errors.Newf(errors.StatusUnavailable, "backend %s disabled", dest.Name).
			WithComponent("migrate")
	}
	return nil
}

// stageCopy copies the object body into destPath. A short transfer
// removes the partial destination and fails the migration; the source is
// untouched in every failure path.
func (m *Engine) stageCopy(ref *index.Ref, destPath string, size uint64) error {
	srcFD, err := ref.Dup()
	if err != nil {
		return errors.New(errors.StatusStorageError, "dup source descriptor").
			WithComponent("migrate").
			WithCause(err)
	}
	defer unix.Close(srcFD)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.Newf(errors.StatusStorageError, "create parent for %s", destPath).
			WithComponent("migrate").
			WithCause(err)
	}
	destFD, err := unix.Open(destPath, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0644)
	if err != nil {
		return errors.Newf(errors.StatusStorageError, "create %s", destPath).
			WithComponent("migrate").
			WithCause(err)
	}
	defer unix.Close(destFD)

	copied, err := copyRange(destFD, srcFD, size)
	if err != nil || copied != size {
		os.Remove(destPath)
		if err == nil {
			err = errors.Newf(errors.StatusStorageError,
				"short copy: %d of %d bytes", copied, size).WithComponent("migrate")
		} else {
			err = errors.New(errors.StatusStorageError, "copy failed").
				WithComponent("migrate").
				WithCause(err)
		}
		return err
	}
	return nil
}

// copyRange moves size bytes using sendfile, falling back to a userspace
// loop on filesystems that refuse it.
func copyRange(destFD, srcFD int, size uint64) (uint64, error) {
	var offset int64
	remaining := int64(size)
	for remaining > 0 {
		n, err := unix.Sendfile(destFD, srcFD, &offset, int(remaining))
		if err != nil {
			if err == unix.EINVAL || err == unix.ENOSYS {
				return copyUserspace(destFD, srcFD, uint64(offset), size)
			}
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return uint64(offset), err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	return uint64(offset), nil
}

func copyUserspace(destFD, srcFD int, start, size uint64) (uint64, error) {
	buf := make([]byte, 128*1024)
	offset := int64(start)
	for uint64(offset) < size {
		n, err := unix.Pread(srcFD, buf, offset)
		if err != nil {
			return uint64(offset), err
		}
		if n == 0 {
			break
		}
		if _, err := unix.Pwrite(destFD, buf[:n], offset); err != nil {
			return uint64(offset), err
		}
		offset += int64(n)
	}
	return uint64(offset), nil
}

// BreakerStats exposes the per-backend breaker states for the management
// API.
func (m *Engine) BreakerStats() map[string]circuit.CircuitBreakerStats {
	return m.breakers.GetStats()
}
