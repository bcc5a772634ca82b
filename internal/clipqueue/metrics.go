package clipqueue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	retryAfterSampleCap     = 100
	jobLatencySampleCap     = 256
	requestLatencySampleCap = 256
)

// MetricsSnapshot is the point-in-time view served by the observability
// endpoint. All fields are aggregates; nothing identifies a user or a
// credential.
type MetricsSnapshot struct {
	RequestsByEndpoint    map[string]int64 `json:"requestsByEndpoint"`
	StatusCounts          map[int]int64    `json:"statusCounts"`
	RetriesScheduled      int64            `json:"retriesScheduled"`
	CooldownsStarted      int64            `json:"cooldownsStarted"`
	CooldownRejections    int64            `json:"cooldownRejections"`
	CircuitRejections     int64            `json:"circuitRejections"`
	JobsByOutcome         map[string]int64 `json:"jobsByOutcome"`
	QueueDepth            int              `json:"queueDepth"`
	MeanRetryAfter        time.Duration    `json:"meanRetryAfterNs"`
	RetryAfterSamples     int              `json:"retryAfterSamples"`
	MeanJobLatency        time.Duration    `json:"meanJobLatencyNs"`
	JobLatencySamples     int              `json:"jobLatencySamples"`
	MeanRequestLatency    time.Duration    `json:"meanRequestLatencyNs"`
	RequestLatencySamples int              `json:"requestLatencySamples"`
}

// Metrics is a bounded in-memory sink with a Prometheus mirror. Recording
// never blocks and never returns an error; sample buffers are fixed-size
// rings so memory stays flat regardless of traffic.
type Metrics struct {
	mu                 sync.Mutex
	requestsByEndpoint map[string]int64
	statusCounts       map[int]int64
	retriesScheduled   int64
	cooldownsStarted   int64
	cooldownRejections int64
	circuitRejections  int64
	jobsByOutcome      map[string]int64
	queueDepth         int

	retryAfterRing     ring
	jobLatencyRing     ring
	requestLatencyRing ring

	registry           *prometheus.Registry
	promRequests       *prometheus.CounterVec
	promRequestLatency *prometheus.HistogramVec
	promRetries        prometheus.Counter
	promCooldowns      prometheus.Counter
	promRejections     *prometheus.CounterVec
	promJobs           *prometheus.CounterVec
	promQueueDepth     prometheus.Gauge
	promJobLatency     prometheus.Histogram
	promRetryAfterSec  prometheus.Histogram
}

type ring struct {
	samples []time.Duration
	sum     time.Duration
	cap     int
}

func (r *ring) add(sample time.Duration) {
	r.samples = append(r.samples, sample)
	r.sum += sample
	if len(r.samples) > r.cap {
		r.sum -= r.samples[0]
		r.samples = r.samples[1:]
	}
}

func (r *ring) mean() time.Duration {
	if len(r.samples) == 0 {
		return 0
	}
	return r.sum / time.Duration(len(r.samples))
}

func NewMetrics() *Metrics {
	m := &Metrics{
		requestsByEndpoint: map[string]int64{},
		statusCounts:       map[int]int64{},
		jobsByOutcome:      map[string]int64{},
		retryAfterRing:     ring{cap: retryAfterSampleCap},
		jobLatencyRing:     ring{cap: jobLatencySampleCap},
		requestLatencyRing: ring{cap: requestLatencySampleCap},
		registry:           prometheus.NewRegistry(),
	}
	m.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_upstream_requests_total",
		Help: "Upstream write attempts by endpoint, verb and status class.",
	}, []string{"endpoint", "method", "status"})
	m.promRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cliprelay_upstream_request_seconds",
		Help:    "Wall-clock duration of individual upstream write attempts.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"endpoint"})
	m.promRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cliprelay_retries_scheduled_total",
		Help: "Jobs re-queued for a later attempt.",
	})
	m.promCooldowns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cliprelay_cooldowns_started_total",
		Help: "Credentials placed in cooldown after a long Retry-After.",
	})
	m.promRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_fast_fail_total",
		Help: "Requests rejected before reaching the network.",
	}, []string{"reason"})
	m.promJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_jobs_total",
		Help: "Completed jobs by outcome.",
	}, []string{"outcome"})
	m.promQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cliprelay_queue_depth",
		Help: "Jobs currently queued.",
	})
	m.promJobLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cliprelay_job_latency_seconds",
		Help:    "Enqueue-to-completion latency for succeeded jobs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.promRetryAfterSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cliprelay_retry_after_seconds",
		Help:    "Retry-After durations advertised by the upstream.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	m.registry.MustRegister(
		m.promRequests, m.promRequestLatency, m.promRetries, m.promCooldowns,
		m.promRejections, m.promJobs, m.promQueueDepth, m.promJobLatency,
		m.promRetryAfterSec,
	)
	return m
}

// Gatherer exposes the Prometheus mirror for the /metrics handler. The
// registry is owned by this Metrics instance, so tests can construct as many
// as they like without duplicate-registration panics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordRequest records one upstream attempt: which endpoint and verb, the
// status it got (0 for a transport failure) and how long it took.
func (m *Metrics) RecordRequest(endpoint, method string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.requestsByEndpoint[endpoint]++
	m.statusCounts[status]++
	if latency > 0 {
		m.requestLatencyRing.add(latency)
	}
	m.mu.Unlock()
	m.promRequests.WithLabelValues(endpoint, method, statusClass(status)).Inc()
	if latency > 0 {
		m.promRequestLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordRetryScheduled() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.retriesScheduled++
	m.mu.Unlock()
	m.promRetries.Inc()
}

func (m *Metrics) RecordRetryAfter(retryAfter time.Duration) {
	if m == nil || retryAfter <= 0 {
		return
	}
	m.mu.Lock()
	m.retryAfterRing.add(retryAfter)
	m.mu.Unlock()
	m.promRetryAfterSec.Observe(retryAfter.Seconds())
}

func (m *Metrics) RecordCooldownStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cooldownsStarted++
	m.mu.Unlock()
	m.promCooldowns.Inc()
}

func (m *Metrics) RecordCooldownRejection(endpoint string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cooldownRejections++
	m.mu.Unlock()
	m.promRejections.WithLabelValues("cooldown").Inc()
}

func (m *Metrics) RecordCircuitRejection(endpoint string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.circuitRejections++
	m.mu.Unlock()
	m.promRejections.WithLabelValues("circuit_open").Inc()
}

func (m *Metrics) RecordJobOutcome(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.jobsByOutcome[outcome]++
	if latency > 0 {
		m.jobLatencyRing.add(latency)
	}
	m.mu.Unlock()
	m.promJobs.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.promJobLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queueDepth = depth
	m.mu.Unlock()
	m.promQueueDepth.Set(float64(depth))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := MetricsSnapshot{
		RequestsByEndpoint: make(map[string]int64, len(m.requestsByEndpoint)),
		StatusCounts:       make(map[int]int64, len(m.statusCounts)),
		RetriesScheduled:   m.retriesScheduled,
		CooldownsStarted:   m.cooldownsStarted,
		CooldownRejections: m.cooldownRejections,
		CircuitRejections:  m.circuitRejections,
		JobsByOutcome:      make(map[string]int64, len(m.jobsByOutcome)),
		QueueDepth:         m.queueDepth,
		MeanRetryAfter:     m.retryAfterRing.mean(),
		RetryAfterSamples:  len(m.retryAfterRing.samples),
		MeanJobLatency:     m.jobLatencyRing.mean(),
		JobLatencySamples:  len(m.jobLatencyRing.samples),

		MeanRequestLatency:    m.requestLatencyRing.mean(),
		RequestLatencySamples: len(m.requestLatencyRing.samples),
	}
	for endpoint, count := range m.requestsByEndpoint {
		snapshot.RequestsByEndpoint[endpoint] = count
	}
	for status, count := range m.statusCounts {
		snapshot.StatusCounts[status] = count
	}
	for outcome, count := range m.jobsByOutcome {
		snapshot.JobsByOutcome[outcome] = count
	}
	return snapshot
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "network_error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
