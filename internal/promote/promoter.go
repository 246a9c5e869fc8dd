// Package promote implements the cache promoter: the background task that
// migrates hot objects into the memory tier and evicts cold ones when the
// tier runs past its high watermark.
package promote

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/objmapper/objmapper/internal/backend"
	"github.com/objmapper/objmapper/internal/index"
	"github.com/objmapper/objmapper/internal/metrics"
	"github.com/objmapper/objmapper/internal/migrate"
	"github.com/objmapper/objmapper/pkg/utils"
)

// Config tunes the promoter task.
type Config struct {
	// CheckInterval is the polling cadence.
	CheckInterval time.Duration
	// Threshold is the minimum hotness for promotion into the cache.
	Threshold float64
	// MaxPerScan bounds migrations per iteration in each direction.
	MaxPerScan int
}

// Promoter is the single background task driving cache migration.
type Promoter struct {
	registry *backend.Registry
	engine   *migrate.Engine
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
	config   Config

	running atomic.Bool
	stopCh  chan struct{}
	wg      conc.WaitGroup
}

// New creates a promoter. The metrics collector may be nil.
func New(registry *backend.Registry, engine *migrate.Engine,
	logger *utils.StructuredLogger, collector *metrics.Collector, config Config) *Promoter {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.Threshold <= 0 {
		config.Threshold = 0.7
	}
	if config.MaxPerScan <= 0 {
		config.MaxPerScan = 64
	}
	return &Promoter{
		registry: registry,
		engine:   engine,
		logger:   logger.WithComponent("promoter"),
		metrics:  collector,
		config:   config,
	}
}

// Start launches the background task. Calling Start on a running
// promoter is a no-op.
func (p *Promoter) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopCh = make(chan struct{})
	p.wg.Go(p.loop)
	p.logger.Info("cache promoter started", map[string]interface{}{
		"interval":  p.config.CheckInterval.String(),
		"threshold": p.config.Threshold,
	})
}

// Stop signals the task and joins it.
func (p *Promoter) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("cache promoter stopped", nil)
}

// Running reports whether the background task is active.
func (p *Promoter) Running() bool {
	return p.running.Load()
}

func (p *Promoter) loop() {
	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.running.Load() {
				return
			}
			promotions, evictions := p.RunOnce()
			if p.metrics != nil {
				p.metrics.RecordPromoterScan(promotions, evictions)
			}
		}
	}
}

// candidate pairs an entry with its score for ordering decisions.
type candidate struct {
	uri        string
	hotness    float64
	lastAccess uint64
}

// RunOnce performs a single scan iteration and returns how many objects
// were promoted and evicted. Exposed for the management API's manual
// trigger and for tests.
func (p *Promoter) RunOnce() (promotions, evictions int) {
	cache := p.registry.Cache()
	if cache == nil || !cache.Enabled() {
		return 0, 0
	}

	low, high := cache.Watermarks()
	utilization := cache.Utilization()

	if utilization > high {
		evictions = p.evictCold(cache, low)
		utilization = cache.Utilization()
	}
	if utilization < low {
		promotions = p.promoteHot(cache, low)
	}
	return promotions, evictions
}

// evictCold migrates the coldest cache residents to the default backend
// until utilization drops to the low watermark.
func (p *Promoter) evictCold(cache *backend.Backend, low float64) int {
	defaultBackend := p.registry.Default()
	if defaultBackend == nil || !p.engine.DestinationAvailable(defaultBackend) {
		return 0
	}

	now := index.NowMonotonicUS()
	halflife := cache.HotnessHalflife()

	var candidates []candidate
	cache.Index.ForEach(func(e *index.Entry) bool {
		// Ephemeral objects may not leave the volatile tier, and pinned
		// objects never move.
		if e.IsEphemeral() || e.IsPinned() {
			return true
		}
		candidates = append(candidates, candidate{
			uri:        e.URI(),
			hotness:    e.Hotness(now, halflife),
			lastAccess: e.LastAccess(),
		})
		return true
	})

	// Coldest first; ties broken by oldest access.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hotness != candidates[j].hotness {
			return candidates[i].hotness < candidates[j].hotness
		}
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	evicted := 0
	for _, c := range candidates {
		if cache.Utilization() <= low || evicted >= p.config.MaxPerScan {
			break
		}
		if err := p.engine.Migrate(c.uri, defaultBackend.ID); err != nil {
			p.logger.Warn("eviction failed", map[string]interface{}{
				"uri":   c.uri,
				"error": err.Error(),
			})
			continue
		}
		evicted++
	}
	return evicted
}

// promoteHot walks the persistent tiers and migrates objects whose
// hotness clears the threshold into the cache while it stays under the
// low watermark.
func (p *Promoter) promoteHot(cache *backend.Backend, low float64) int {
	if !p.engine.DestinationAvailable(cache) {
		return 0
	}

	now := index.NowMonotonicUS()
	promoted := 0

	for _, b := range p.registry.Backends() {
		if b.ID == cache.ID || b.EphemeralOnly() || !b.Enabled() {
			continue
		}
		if !b.HasFlag(backend.FlagMigrationSrc) {
			continue
		}
		halflife := b.HotnessHalflife()

		var candidates []candidate
		b.Index.ForEach(func(e *index.Entry) bool {
			if e.IsPinned() {
				return true
			}
			if score := e.Hotness(now, halflife); score >= p.config.Threshold {
				candidates = append(candidates, candidate{
					uri:     e.URI(),
					hotness: score,
				})
			}
			return true
		})

		// Hottest first.
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].hotness > candidates[j].hotness
		})

		for _, c := range candidates {
			if cache.Utilization() >= low || promoted >= p.config.MaxPerScan {
				return promoted
			}
			if err := p.engine.Migrate(c.uri, cache.ID); err != nil {
				p.logger.Warn("promotion failed", map[string]interface{}{
					"uri":   c.uri,
					"error": err.Error(),
				})
				continue
			}
			promoted++
		}
	}
	return promoted
}
