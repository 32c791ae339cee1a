// Package metrics exposes Prometheus instrumentation for a running
// DDP client: frame throughput, reconnect count, outstanding method
// calls, active subscriptions, and per-collection size, plus a
// gopsutil-backed host resource sampler. Grounded on the teacher's
// go-server/internal/metrics package, trimmed from connection/NATS
// server metrics to the DDP client's own surface.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Metrics holds every gauge/counter the client updates over its
// lifetime. Safe for concurrent use: every field is itself a
// prometheus.Collector, which is safe for concurrent use.
type Metrics struct {
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	reconnects     prometheus.Counter

	outstandingMethods  prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	collectionSize      *prometheus.GaugeVec

	cpuPercent  prometheus.Gauge
	memoryBytes prometheus.Gauge

	startTime time.Time
}

// New registers and returns a Metrics instance against the default
// Prometheus registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers against reg instead of the global
// default, so callers (and tests) can isolate registrations in a
// fresh prometheus.NewRegistry().
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		startTime: time.Now(),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddp_frames_received_total",
			Help: "Total number of DDP frames received from the server.",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddp_frames_sent_total",
			Help: "Total number of DDP frames sent to the server.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddp_reconnects_total",
			Help: "Total number of reconnect attempts following a transport loss.",
		}),

		outstandingMethods: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddp_outstanding_methods",
			Help: "Number of method calls awaiting a result frame.",
		}),
		activeSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddp_active_subscriptions",
			Help: "Number of subscriptions currently tracked by the subscription manager.",
		}),
		collectionSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ddp_collection_documents",
			Help: "Number of documents currently held per collection.",
		}, []string{"collection"}),

		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddp_client_cpu_percent",
			Help: "Host CPU utilization percentage, smoothed.",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddp_client_memory_heap_bytes",
			Help: "Process heap memory in use, in bytes.",
		}),
	}
}

func (m *Metrics) IncFramesReceived() { m.framesReceived.Inc() }
func (m *Metrics) IncFramesSent()     { m.framesSent.Inc() }
func (m *Metrics) IncReconnects()     { m.reconnects.Inc() }

func (m *Metrics) SetOutstandingMethods(n int)  { m.outstandingMethods.Set(float64(n)) }
func (m *Metrics) SetActiveSubscriptions(n int) { m.activeSubscriptions.Set(float64(n)) }
func (m *Metrics) SetCollectionSize(collection string, n int) {
	m.collectionSize.WithLabelValues(collection).Set(float64(n))
}

// Uptime reports how long this Metrics instance has existed.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }

// Sampler periodically refreshes the host CPU/memory gauges. Grounded
// on go-server/internal/metrics/system.go's SystemMetrics: runtime
// heap stats plus a gopsutil CPU sample, smoothed by an exponential
// moving average to avoid single-sample spikes.
type Sampler struct {
	metrics    *Metrics
	cpuPercent float64
}

// NewSampler constructs a Sampler feeding m.
func NewSampler(m *Metrics) *Sampler {
	return &Sampler{metrics: m}
}

// Run samples host resources every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.memoryBytes.Set(float64(mem.HeapAlloc))

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	s.metrics.cpuPercent.Set(s.cpuPercent)
}
