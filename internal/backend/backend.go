// Package backend implements the tier registry: the catalogue of storage
// backends with their capacity accounting, designation rules, per-tier
// indexes, and the ephemeral-vs-persistent placement policy.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objmapper/objmapper/internal/index"
)

// Type identifies a tier's storage class.
type Type int

const (
	TypeMemory Type = iota
	TypeNVMe
	TypeSSD
	TypeHDD
	TypeNetwork
)

// String returns the type's configuration name.
func (t Type) String() string {
	switch t {
	case TypeMemory:
		return "memory"
	case TypeNVMe:
		return "nvme"
	case TypeSSD:
		return "ssd"
	case TypeHDD:
		return "hdd"
	case TypeNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration name onto a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "memory":
		return TypeMemory, nil
	case "nvme":
		return TypeNVMe, nil
	case "ssd":
		return TypeSSD, nil
	case "hdd":
		return TypeHDD, nil
	case "network":
		return TypeNetwork, nil
	default:
		return 0, fmt.Errorf("unknown backend type %q", s)
	}
}

// ExpectedLatency returns the latency hint for a tier type in microseconds.
func (t Type) ExpectedLatency() uint64 {
	switch t {
	case TypeMemory:
		return 1
	case TypeNVMe:
		return 50
	case TypeSSD:
		return 150
	case TypeHDD:
		return 5000
	case TypeNetwork:
		return 20000
	default:
		return 10000
	}
}

// MigrationPolicy selects what drives automatic migration for a tier.
type MigrationPolicy int

const (
	PolicyNone MigrationPolicy = iota
	PolicyHotness
	PolicyCapacity
	PolicyHybrid
)

// ParsePolicy maps a configuration name onto a MigrationPolicy.
func ParsePolicy(s string) (MigrationPolicy, error) {
	switch s {
	case "", "none":
		return PolicyNone, nil
	case "hotness":
		return PolicyHotness, nil
	case "capacity":
		return PolicyCapacity, nil
	case "hybrid":
		return PolicyHybrid, nil
	default:
		return 0, fmt.Errorf("unknown migration policy %q", s)
	}
}

// Backend flags
const (
	FlagEphemeralOnly uint32 = 1 << 0
	FlagPersistent    uint32 = 1 << 1
	FlagEnabled       uint32 = 1 << 2
	FlagReadOnly      uint32 = 1 << 3
	FlagMigrationSrc  uint32 = 1 << 4
	FlagMigrationDst  uint32 = 1 << 5
)

// Backend describes one storage tier. Mutable policy state is guarded by
// mu, which is also the per-backend write lock migration acquires; the
// capacity counters are atomics maintained at every create, delete,
// resize, and migrate.
type Backend struct {
	ID        int
	Type      Type
	MountPath string
	Name      string

	mu    sync.RWMutex
	flags uint32

	CapacityBytes     uint64
	ExpectedLatencyUS uint64

	usedBytes   atomic.Int64
	objectCount atomic.Int64

	highWatermark float64
	lowWatermark  float64

	migrationPolicy  MigrationPolicy
	hotnessThreshold float64
	hotnessHalflife  time.Duration

	// Index is the source of truth for the tier's membership.
	Index *index.BackendIndex

	reads         atomic.Uint64
	writes        atomic.Uint64
	migrationsIn  atomic.Uint64
	migrationsOut atomic.Uint64
}

// Status is a point-in-time view of a backend for watermark checks and
// the management API.
type Status struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	MountPath     string  `json:"mount_path"`
	Enabled       bool    `json:"enabled"`
	EphemeralOnly bool    `json:"ephemeral_only"`
	CapacityBytes uint64  `json:"capacity_bytes"`
	UsedBytes     uint64  `json:"used_bytes"`
	ObjectCount   uint64  `json:"object_count"`
	Utilization   float64 `json:"utilization"`
	Reads         uint64  `json:"reads"`
	Writes        uint64  `json:"writes"`
	MigrationsIn  uint64  `json:"migrations_in"`
	MigrationsOut uint64  `json:"migrations_out"`
}

// Lock acquires the backend's write lock. Migration locks source and
// destination in backend-id order.
func (b *Backend) Lock() { b.mu.Lock() }

// Unlock releases the backend's write lock.
func (b *Backend) Unlock() { b.mu.Unlock() }

// HasFlag reports whether the backend carries the given flag.
func (b *Backend) HasFlag(flag uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.flags&flag != 0
}

// Enabled reports whether the backend accepts operations.
func (b *Backend) Enabled() bool { return b.HasFlag(FlagEnabled) }

// EphemeralOnly reports whether the tier only accepts volatile objects.
func (b *Backend) EphemeralOnly() bool { return b.HasFlag(FlagEphemeralOnly) }

func (b *Backend) setFlag(flag uint32, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if on {
		b.flags |= flag
	} else {
		b.flags &^= flag
	}
}

// Watermarks returns the tier's low and high capacity watermarks.
func (b *Backend) Watermarks() (low, high float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lowWatermark, b.highWatermark
}

// Policy returns the migration policy, hotness threshold, and decay
// half-life.
func (b *Backend) Policy() (MigrationPolicy, float64, time.Duration) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.migrationPolicy, b.hotnessThreshold, b.hotnessHalflife
}

// HotnessHalflife returns the tier's hotness decay half-life.
func (b *Backend) HotnessHalflife() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hotnessHalflife
}

// AddUsedBytes adjusts the advisory capacity counter by delta.
func (b *Backend) AddUsedBytes(delta int64) {
	b.usedBytes.Add(delta)
}

// UsedBytes returns the advisory used-bytes counter.
func (b *Backend) UsedBytes() uint64 {
	used := b.usedBytes.Load()
	if used < 0 {
		return 0
	}
	return uint64(used)
}

// AddObjects adjusts the object counter by delta.
func (b *Backend) AddObjects(delta int64) {
	b.objectCount.Add(delta)
}

// ObjectCount returns the object counter.
func (b *Backend) ObjectCount() uint64 {
	n := b.objectCount.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Utilization returns used capacity in [0,1]; a tier with no declared
// capacity reports 0.
func (b *Backend) Utilization() float64 {
	if b.CapacityBytes == 0 {
		return 0
	}
	u := float64(b.UsedBytes()) / float64(b.CapacityBytes)
	if u > 1 {
		return 1
	}
	return u
}

// RecordRead bumps the read counter.
func (b *Backend) RecordRead() { b.reads.Add(1) }

// RecordWrite bumps the write counter.
func (b *Backend) RecordWrite() { b.writes.Add(1) }

// RecordMigrationIn bumps the inbound migration counter.
func (b *Backend) RecordMigrationIn() { b.migrationsIn.Add(1) }

// RecordMigrationOut bumps the outbound migration counter.
func (b *Backend) RecordMigrationOut() { b.migrationsOut.Add(1) }

// GetStatus snapshots the backend's counters.
func (b *Backend) GetStatus() Status {
	return Status{
		ID:            b.ID,
		Name:          b.Name,
		Type:          b.Type.String(),
		MountPath:     b.MountPath,
		Enabled:       b.Enabled(),
		EphemeralOnly: b.EphemeralOnly(),
		CapacityBytes: b.CapacityBytes,
		UsedBytes:     b.UsedBytes(),
		ObjectCount:   b.ObjectCount(),
		Utilization:   b.Utilization(),
		Reads:         b.reads.Load(),
		Writes:        b.writes.Load(),
		MigrationsIn:  b.migrationsIn.Load(),
		MigrationsOut: b.migrationsOut.Load(),
	}
}
