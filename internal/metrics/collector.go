package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinstack/pinstack/pkg/types"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector exports operational metrics over a Prometheus endpoint. All
// counters here are observability only; nothing in the durability or
// replication paths depends on them.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	walAppends        *prometheus.CounterVec
	walAppendDuration prometheus.Histogram
	walCheckpointSeq  prometheus.Gauge

	cacheRequests  *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
	cacheDiskBytes prometheus.Gauge

	indexRows        prometheus.Gauge
	indexCompactions prometheus.Counter

	cycleDuration prometheus.Histogram
	pinStates     *prometheus.GaugeVec
	replicaCopies *prometheus.CounterVec
	backendHealth *prometheus.GaugeVec

	server *http.Server
}

// NewCollector builds and registers all metrics. A disabled collector is
// inert but still safe to call.
func NewCollector(config Config) (*Collector, error) {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Port == 0 {
		config.Port = 9650
	}
	if config.Namespace == "" {
		config.Namespace = "pinstack"
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	ns := config.Namespace

	c.walAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "wal", Name: "appends_total",
		Help: "Write-ahead log append attempts by outcome.",
	}, []string{"outcome"})
	c.walAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "wal", Name: "append_duration_seconds",
		Help:    "Latency of durable log appends.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	c.walCheckpointSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "wal", Name: "checkpoint_sequence",
		Help: "Last checkpointed sequence number.",
	})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "requests_total",
		Help: "Cache lookups by outcome.",
	}, []string{"outcome"})
	c.cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "entries",
		Help: "Entries resident per tier.",
	}, []string{"tier"})
	c.cacheDiskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "disk_bytes",
		Help: "Bytes held by the disk overflow tier.",
	})

	c.indexRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "index", Name: "rows",
		Help: "Live rows in the metadata index.",
	})
	c.indexCompactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "index", Name: "compactions_total",
		Help: "Completed index compactions.",
	})

	c.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "replication", Name: "cycle_duration_seconds",
		Help:    "Duration of replication convergence cycles.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	c.pinStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "replication", Name: "pins",
		Help: "Pins by convergence state as of the last cycle.",
	}, []string{"state"})
	c.replicaCopies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "replication", Name: "replica_operations_total",
		Help: "Replica copies and prunes performed.",
	}, []string{"operation"})
	c.backendHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "backend", Name: "healthy",
		Help: "Backend health (1 healthy, 0.5 degraded, 0 unreachable).",
	}, []string{"backend"})

	collectors := []prometheus.Collector{
		c.walAppends, c.walAppendDuration, c.walCheckpointSeq,
		c.cacheRequests, c.cacheEntries, c.cacheDiskBytes,
		c.indexRows, c.indexCompactions,
		c.cycleDuration, c.pinStates, c.replicaCopies, c.backendHealth,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Start serves the metrics endpoint until the context is canceled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best-effort; the daemon keeps running without them.
			_ = err
		}
	}()
	return nil
}

// ObserveWALAppend records one append attempt.
func (c *Collector) ObserveWALAppend(d time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.walAppends.WithLabelValues(outcome).Inc()
	c.walAppendDuration.Observe(d.Seconds())
}

// SetCheckpointSeq records the checkpoint high-water mark.
func (c *Collector) SetCheckpointSeq(seq uint64) {
	if !c.config.Enabled {
		return
	}
	c.walCheckpointSeq.Set(float64(seq))
}

// ObserveCacheStats mirrors a cache stats snapshot into gauges.
func (c *Collector) ObserveCacheStats(stats types.CacheStats) {
	if !c.config.Enabled {
		return
	}
	c.cacheEntries.WithLabelValues("memory").Set(float64(stats.HotEntries))
	c.cacheEntries.WithLabelValues("disk").Set(float64(stats.DiskEntries))
	c.cacheDiskBytes.Set(float64(stats.DiskBytes))
}

// ObserveCacheRequest records one lookup.
func (c *Collector) ObserveCacheRequest(hit bool) {
	if !c.config.Enabled {
		return
	}
	if hit {
		c.cacheRequests.WithLabelValues("hit").Inc()
	} else {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// SetIndexRows records the live row count.
func (c *Collector) SetIndexRows(n int) {
	if !c.config.Enabled {
		return
	}
	c.indexRows.Set(float64(n))
}

// ObserveCompaction counts one index compaction.
func (c *Collector) ObserveCompaction() {
	if !c.config.Enabled {
		return
	}
	c.indexCompactions.Inc()
}

// ObserveCycle mirrors a replication cycle into metrics.
func (c *Collector) ObserveCycle(duration time.Duration, replicated, pruned int, status types.ReplicationStatus) {
	if !c.config.Enabled {
		return
	}
	c.cycleDuration.Observe(duration.Seconds())
	c.replicaCopies.WithLabelValues("copy").Add(float64(replicated))
	c.replicaCopies.WithLabelValues("prune").Add(float64(pruned))
	c.pinStates.WithLabelValues(string(types.PinSatisfied)).Set(float64(status.Satisfied))
	c.pinStates.WithLabelValues(string(types.PinUnderReplicated)).Set(float64(status.UnderReplicated))
	c.pinStates.WithLabelValues(string(types.PinOverReplicated)).Set(float64(status.OverReplicated))
	c.pinStates.WithLabelValues(string(types.PinReplicating)).Set(float64(status.Replicating))
	c.pinStates.WithLabelValues(string(types.PinPruning)).Set(float64(status.Pruning))

	for id, d := range status.Backends {
		v := 0.0
		switch d.Health {
		case types.HealthHealthy:
			v = 1.0
		case types.HealthDegraded:
			v = 0.5
		}
		c.backendHealth.WithLabelValues(string(id)).Set(v)
	}
}
