package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers daemon-wide metrics and exposes them over HTTP in
// Prometheus format. All of the hot-path record methods are safe for
// concurrent use.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	fdPassCounter      prometheus.Counter
	indexLookups       prometheus.Counter
	indexHits          prometheus.Counter
	indexMisses        prometheus.Counter
	backendUsedBytes   *prometheus.GaugeVec
	backendObjects     *prometheus.GaugeVec
	backendUtilization *prometheus.GaugeVec
	migrationCounter   *prometheus.CounterVec
	promoterScans      prometheus.Counter
	promoterPromotions prometheus.Counter
	promoterEvictions  prometheus.Counter
	activeConnections  prometheus.Gauge
	errorCounter       *prometheus.CounterVec

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "objmapper",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) initMetrics() error {
	ns := c.config.Namespace
	if ns == "" {
		ns = "objmapper"
	}

	c.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "requests_total",
		Help:        "Total requests handled, by operation and status",
		ConstLabels: c.config.Labels,
	}, []string{"operation", "status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Name:        "request_duration_seconds",
		Help:        "Request handling latency",
		Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 12),
		ConstLabels: c.config.Labels,
	}, []string{"operation"})

	c.fdPassCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "fd_passes_total",
		Help:        "Descriptors handed to clients via SCM_RIGHTS",
		ConstLabels: c.config.Labels,
	})

	c.indexLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "index", Name: "lookups_total",
		Help: "Global index lookups", ConstLabels: c.config.Labels,
	})
	c.indexHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "index", Name: "hits_total",
		Help: "Global index lookup hits", ConstLabels: c.config.Labels,
	})
	c.indexMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "index", Name: "misses_total",
		Help: "Global index lookup misses", ConstLabels: c.config.Labels,
	})

	c.backendUsedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "backend", Name: "used_bytes",
		Help: "Bytes stored per backend", ConstLabels: c.config.Labels,
	}, []string{"backend"})
	c.backendObjects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "backend", Name: "objects",
		Help: "Objects stored per backend", ConstLabels: c.config.Labels,
	}, []string{"backend"})
	c.backendUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "backend", Name: "utilization",
		Help: "Capacity utilization per backend in [0,1]", ConstLabels: c.config.Labels,
	}, []string{"backend"})

	c.migrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "migrations_total",
		Help:        "Object migrations, by source and destination backend",
		ConstLabels: c.config.Labels,
	}, []string{"source", "destination", "result"})

	c.promoterScans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "promoter", Name: "scans_total",
		Help: "Cache promoter scan iterations", ConstLabels: c.config.Labels,
	})
	c.promoterPromotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "promoter", Name: "promotions_total",
		Help: "Objects promoted into the cache tier", ConstLabels: c.config.Labels,
	})
	c.promoterEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "promoter", Name: "evictions_total",
		Help: "Objects evicted from the cache tier", ConstLabels: c.config.Labels,
	})

	c.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "active_connections",
		Help:        "Currently connected clients",
		ConstLabels: c.config.Labels,
	})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "errors_total",
		Help:        "Errors by component and status",
		ConstLabels: c.config.Labels,
	}, []string{"component", "status"})

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.fdPassCounter,
		c.indexLookups,
		c.indexHits,
		c.indexMisses,
		c.backendUsedBytes,
		c.backendObjects,
		c.backendUtilization,
		c.migrationCounter,
		c.promoterScans,
		c.promoterPromotions,
		c.promoterEvictions,
		c.activeConnections,
		c.errorCounter,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.mu.Lock()
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.Port),
		Handler: mux,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		// The daemon keeps running without metrics export.
		_ = server.ListenAndServe()
	}()

	return nil
}

// Stop shuts down the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Handler returns the Prometheus HTTP handler for embedding in another mux.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRequest records one handled request
func (c *Collector) RecordRequest(operation, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requestCounter.WithLabelValues(operation, status).Inc()
	c.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFDPass records a descriptor handed to a client
func (c *Collector) RecordFDPass() {
	if !c.config.Enabled {
		return
	}
	c.fdPassCounter.Inc()
}

// RecordIndexLookup records a global index lookup and its outcome
func (c *Collector) RecordIndexLookup(hit bool) {
	if !c.config.Enabled {
		return
	}
	c.indexLookups.Inc()
	if hit {
		c.indexHits.Inc()
	} else {
		c.indexMisses.Inc()
	}
}

// UpdateBackend publishes a backend's capacity gauges
func (c *Collector) UpdateBackend(name string, usedBytes int64, objects int64, utilization float64) {
	if !c.config.Enabled {
		return
	}
	c.backendUsedBytes.WithLabelValues(name).Set(float64(usedBytes))
	c.backendObjects.WithLabelValues(name).Set(float64(objects))
	c.backendUtilization.WithLabelValues(name).Set(utilization)
}

// RecordMigration records a completed or failed migration
func (c *Collector) RecordMigration(source, destination string, success bool) {
	if !c.config.Enabled {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	c.migrationCounter.WithLabelValues(source, destination, result).Inc()
}

// RecordPromoterScan records one promoter iteration with its actions
func (c *Collector) RecordPromoterScan(promotions, evictions int) {
	if !c.config.Enabled {
		return
	}
	c.promoterScans.Inc()
	c.promoterPromotions.Add(float64(promotions))
	c.promoterEvictions.Add(float64(evictions))
}

// UpdateActiveConnections updates the connected-clients gauge
func (c *Collector) UpdateActiveConnections(count int) {
	if !c.config.Enabled {
		return
	}
	c.activeConnections.Set(float64(count))
}

// RecordError records an error by component and wire status
func (c *Collector) RecordError(component, status string) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.WithLabelValues(component, status).Inc()
}
