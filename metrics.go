package nvmeq

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the processing latency histogram buckets in
// nanoseconds, from 100ns to 100ms with logarithmic spacing.
var LatencyBuckets = []uint64{
	100,         // 100ns
	1_000,       // 1us
	10_000,      // 10us
	100_000,     // 100us
	1_000_000,   // 1ms
	10_000_000,  // 10ms
	100_000_000, // 100ms
}

const numLatencyBuckets = 7

// Metrics tracks queue processing statistics for one controller
type Metrics struct {
	// Processing step counters
	Fetched      atomic.Uint64 // Entries read from a submission queue
	Completed    atomic.Uint64 // Completions posted
	Aborted      atomic.Uint64 // Entries consumed by a pending abort
	Backpressure atomic.Uint64 // Cycles that found the completion queue full

	// Dispatch counters
	AdminCommands atomic.Uint64
	IOCommands    atomic.Uint64

	// Interrupts
	InterruptsDelivered  atomic.Uint64
	InterruptsSuppressed atomic.Uint64 // IRQ disabled on the completion queue

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative fetch-to-post latency
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFetch records an entry fetched from a submission queue
func (m *Metrics) RecordFetch() {
	m.Fetched.Add(1)
}

// RecordCompletion records a posted completion
func (m *Metrics) RecordCompletion(admin bool, latencyNs uint64) {
	m.Completed.Add(1)
	if admin {
		m.AdminCommands.Add(1)
	} else {
		m.IOCommands.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAbort records an entry skipped by a pending abort
func (m *Metrics) RecordAbort() {
	m.Aborted.Add(1)
}

// RecordBackpressure records a cycle deferred on a full completion queue
func (m *Metrics) RecordBackpressure() {
	m.Backpressure.Add(1)
}

// RecordInterrupt records whether a completion raised an interrupt
func (m *Metrics) RecordInterrupt(delivered bool) {
	if delivered {
		m.InterruptsDelivered.Add(1)
	} else {
		m.InterruptsSuppressed.Add(1)
	}
}

// recordLatency records completion latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Fetched      uint64 `json:"fetched"`
	Completed    uint64 `json:"completed"`
	Aborted      uint64 `json:"aborted"`
	Backpressure uint64 `json:"backpressure"`

	AdminCommands uint64 `json:"admin_commands"`
	IOCommands    uint64 `json:"io_commands"`

	InterruptsDelivered  uint64 `json:"interrupts_delivered"`
	InterruptsSuppressed uint64 `json:"interrupts_suppressed"`

	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	LatencyP50Ns  uint64 `json:"latency_p50_ns"`
	LatencyP99Ns  uint64 `json:"latency_p99_ns"`
	LatencyP999Ns uint64 `json:"latency_p999_ns"`

	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	CompletionsPerSec float64 `json:"completions_per_sec"`
	AbortRate         float64 `json:"abort_rate"` // Percentage of fetched entries aborted
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Fetched:              m.Fetched.Load(),
		Completed:            m.Completed.Load(),
		Aborted:              m.Aborted.Load(),
		Backpressure:         m.Backpressure.Load(),
		AdminCommands:        m.AdminCommands.Load(),
		IOCommands:           m.IOCommands.Load(),
		InterruptsDelivered:  m.InterruptsDelivered.Load(),
		InterruptsSuppressed: m.InterruptsSuppressed.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CompletionsPerSec = float64(snap.Completed) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Fetched > 0 {
		snap.AbortRate = float64(snap.Aborted) / float64(snap.Fetched) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Fetched.Store(0)
	m.Completed.Store(0)
	m.Aborted.Store(0)
	m.Backpressure.Store(0)
	m.AdminCommands.Store(0)
	m.IOCommands.Store(0)
	m.InterruptsDelivered.Store(0)
	m.InterruptsSuppressed.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of processing events
type Observer interface {
	// ObserveFetch is called for each entry read from a submission queue
	ObserveFetch(sqid uint16)

	// ObserveCompletion is called after a completion is posted
	ObserveCompletion(sqid uint16, admin bool, latencyNs uint64)

	// ObserveAbort is called when a pending abort consumes an entry
	ObserveAbort(sqid uint16)

	// ObserveBackpressure is called when a cycle finds cqid full
	ObserveBackpressure(cqid uint16)

	// ObserveInterrupt is called once per completion with whether an
	// interrupt was raised on vector
	ObserveInterrupt(vector uint16, delivered bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveFetch(uint16)                    {}
func (NoOpObserver) ObserveCompletion(uint16, bool, uint64) {}
func (NoOpObserver) ObserveAbort(uint16)                    {}
func (NoOpObserver) ObserveBackpressure(uint16)             {}
func (NoOpObserver) ObserveInterrupt(uint16, bool)          {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFetch(uint16) {
	o.metrics.RecordFetch()
}

func (o *MetricsObserver) ObserveCompletion(_ uint16, admin bool, latencyNs uint64) {
	o.metrics.RecordCompletion(admin, latencyNs)
}

func (o *MetricsObserver) ObserveAbort(uint16) {
	o.metrics.RecordAbort()
}

func (o *MetricsObserver) ObserveBackpressure(uint16) {
	o.metrics.RecordBackpressure()
}

func (o *MetricsObserver) ObserveInterrupt(_ uint16, delivered bool) {
	o.metrics.RecordInterrupt(delivered)
}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveFetch(sqid uint16) {
	for _, o := range m {
		o.ObserveFetch(sqid)
	}
}

func (m multiObserver) ObserveCompletion(sqid uint16, admin bool, latencyNs uint64) {
	for _, o := range m {
		o.ObserveCompletion(sqid, admin, latencyNs)
	}
}

func (m multiObserver) ObserveAbort(sqid uint16) {
	for _, o := range m {
		o.ObserveAbort(sqid)
	}
}

func (m multiObserver) ObserveBackpressure(cqid uint16) {
	for _, o := range m {
		o.ObserveBackpressure(cqid)
	}
}

func (m multiObserver) ObserveInterrupt(vector uint16, delivered bool) {
	for _, o := range m {
		o.ObserveInterrupt(vector, delivered)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
