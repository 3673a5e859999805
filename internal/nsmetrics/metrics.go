// Package nsmetrics tracks per-namespace operation counters and latency
// histograms for a running databroker instance. It generalizes the
// read/write/discard/flush op-class counters a block device tracks into
// fship's wider opcode set, keyed by namespace group.
package nsmetrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/request"
)

var _ interfaces.Observer = (*NamespaceObserver)(nil)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8
const numOpcodes = int(request.OpMove) + 1

// Metrics tracks per-opcode counters and a shared latency histogram for
// one namespace.
type Metrics struct {
	opCount    [numOpcodes]atomic.Uint64
	opErrors   [numOpcodes]atomic.Uint64
	opBytes    [numOpcodes]atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	queueDepthTotal atomic.Uint64
	queueDepthCount atomic.Uint64
	maxQueueDepth   atomic.Uint32

	totalLatencyNs atomic.Uint64
	opTotal        atomic.Uint64

	startTime atomic.Int64
}

func newMetrics(nowNs int64) *Metrics {
	m := &Metrics{}
	m.startTime.Store(nowNs)
	return m
}

func (m *Metrics) observeOp(op request.Opcode, bytes uint64, latencyNs uint64, success bool) {
	idx := int(op)
	if idx < 0 || idx >= numOpcodes {
		return
	}
	m.opCount[idx].Add(1)
	if success {
		m.opBytes[idx].Add(bytes)
	} else {
		m.opErrors[idx].Add(1)
	}

	m.totalLatencyNs.Add(latencyNs)
	m.opTotal.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.latencyBuckets[i].Add(1)
		}
	}
}

func (m *Metrics) observeQueueDepth(depth uint32) {
	m.queueDepthTotal.Add(uint64(depth))
	m.queueDepthCount.Add(1)
	for {
		current := m.maxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.maxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Snapshot is a point-in-time view of one namespace's metrics.
type Snapshot struct {
	OpCount  [numOpcodes]uint64
	OpErrors [numOpcodes]uint64
	OpBytes  [numOpcodes]uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot computes derived statistics from the raw counters.
func (m *Metrics) Snapshot() Snapshot {
	var snap Snapshot
	var totalOps, totalErrors, totalBytes uint64
	for i := 0; i < numOpcodes; i++ {
		snap.OpCount[i] = m.opCount[i].Load()
		snap.OpErrors[i] = m.opErrors[i].Load()
		snap.OpBytes[i] = m.opBytes[i].Load()
		totalOps += snap.OpCount[i]
		totalErrors += snap.OpErrors[i]
		totalBytes += snap.OpBytes[i]
	}
	snap.TotalOps = totalOps
	snap.TotalBytes = totalBytes
	snap.MaxQueueDepth = m.maxQueueDepth.Load()

	if count := m.queueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.queueDepthTotal.Load()) / float64(count)
	}
	if opTotal := m.opTotal.Load(); opTotal > 0 {
		snap.AvgLatencyNs = m.totalLatencyNs.Load() / opTotal
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.latencyBuckets[i].Load()
	}
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.startTime.Load())
	return snap
}

// Registry owns one Metrics per attached namespace group.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*Metrics)}
}

func (r *Registry) metricsFor(group string) *Metrics {
	r.mu.RLock()
	m, ok := r.namespaces[group]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.namespaces[group]; ok {
		return m
	}
	m = newMetrics(time.Now().UnixNano())
	r.namespaces[group] = m
	return m
}

// Snapshot returns a snapshot for the given namespace, or false if it has
// never been observed.
func (r *Registry) Snapshot(group string) (Snapshot, bool) {
	r.mu.RLock()
	m, ok := r.namespaces[group]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return m.Snapshot(), true
}

// Groups lists every namespace the registry has seen.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.namespaces))
	for g := range r.namespaces {
		out = append(out, g)
	}
	return out
}

// Observer returns an internal/interfaces.Observer bound to one
// namespace group, suitable for handing to a backend constructed for
// that namespace.
func (r *Registry) Observer(group string) *NamespaceObserver {
	return &NamespaceObserver{metrics: r.metricsFor(group)}
}

// NamespaceObserver implements internal/interfaces.Observer, recording
// into one namespace's Metrics.
type NamespaceObserver struct {
	metrics *Metrics
}

func (o *NamespaceObserver) ObserveOp(op request.Opcode, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.observeOp(op, bytes, latencyNs, success)
}

func (o *NamespaceObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.observeQueueDepth(depth)
}
