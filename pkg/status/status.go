// Package status assembles the operator-facing status snapshot served by
// the management API: tier capacity, index counters, operation latency
// summaries, and component health.
package status

import (
	"sync"
	"time"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/pkg/health"
)

// DaemonStatus is the full status document.
type DaemonStatus struct {
	Version       string                             `json:"version"`
	UptimeSeconds float64                            `json:"uptime_seconds"`
	Health        string                             `json:"health"`
	Components    map[string]health.ComponentHealth  `json:"components,omitempty"`
	TotalObjects  int64                              `json:"total_objects"`
	TotalBytes    int64                              `json:"total_bytes"`
	Backends      []backend.Status                   `json:"backends"`
	Index         index.Stats                        `json:"index"`
	Operations    map[string]*metrics.OperationStats `json:"operations,omitempty"`
	Connections   int                                `json:"active_connections"`
	Promoter      PromoterStatus                     `json:"promoter"`
}

// PromoterStatus describes the cache promoter task.
type PromoterStatus struct {
	Running bool `json:"running"`
}

// Reporter builds status snapshots from the daemon's live subsystems.
// Optional sources may be nil and are simply omitted.
type Reporter struct {
	mu        sync.RWMutex
	version   string
	startTime time.Time

	registry *backend.Registry
	tracker  *metrics.OperationTracker
	health   *health.Tracker

	connections     func() int
	promoterRunning func() bool
}

// NewReporter creates a reporter over the registry.
func NewReporter(version string, registry *backend.Registry) *Reporter {
	return &Reporter{
		version:   version,
		startTime: time.Now(),
		registry:  registry,
	}
}

// WithOperationTracker attaches the latency tracker.
func (r *Reporter) WithOperationTracker(tracker *metrics.OperationTracker) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = tracker
	return r
}

// WithHealthTracker attaches the component health tracker.
func (r *Reporter) WithHealthTracker(tracker *health.Tracker) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = tracker
	return r
}

// WithConnectionCounter attaches the server's live connection count.
func (r *Reporter) WithConnectionCounter(fn func() int) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = fn
	return r
}

// WithPromoterProbe attaches the promoter's running probe.
func (r *Reporter) WithPromoterProbe(fn func() bool) *Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoterRunning = fn
	return r
}

// Snapshot assembles the current status document.
func (r *Reporter) Snapshot() DaemonStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := DaemonStatus{
		Version:       r.version,
		UptimeSeconds: time.Since(r.startTime).Seconds(),
		Health:        health.StateHealthy.String(),
	}

	if r.registry != nil {
		objects, bytes := r.registry.Totals()
		status.TotalObjects = objects
		status.TotalBytes = bytes
		for _, b := range r.registry.Backends() {
			status.Backends = append(status.Backends, b.GetStatus())
		}
		status.Index = r.registry.GlobalIndex().GetStats()
	}
	if r.tracker != nil {
		status.Operations = r.tracker.Summary()
	}
	if r.health != nil {
		status.Health = r.health.GetOverallHealth().String()
		status.Components = r.health.GetAllComponents()
	}
	if r.connections != nil {
		status.Connections = r.connections()
	}
	if r.promoterRunning != nil {
		status.Promoter.Running = r.promoterRunning()
	}
	return status
}
