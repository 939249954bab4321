package monitor

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks pipeline throughput and latency.
type SystemMetrics struct {
	// Latency histograms
	GatewayLatency  *LatencyHistogram
	StrategyLatency *LatencyHistogram
	OrderAckLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	ticksProcessed   atomic.Uint64
	ticksDropped     atomic.Uint64
	intentsGenerated atomic.Uint64
	riskApproved     atomic.Uint64
	riskRejected     atomic.Uint64
	ordersSubmitted  atomic.Uint64
	ordersFailed     atomic.Uint64
	gatewayRetries   atomic.Uint64
	strategyFaults   atomic.Uint64
	reconMismatches  atomic.Uint64
	errorsCount      atomic.Uint64
	apiRequests      atomic.Uint64
	apiErrors        atomic.Uint64

	started time.Time
}

// LatencyHistogram keeps the last N samples in a ring and computes
// percentiles on demand.
type LatencyHistogram struct {
	mu    sync.Mutex
	ring  []float64
	next  int
	count int
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		GatewayLatency:  NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		OrderAckLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a histogram over the last size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{ring: make([]float64, size)}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.ring[h.next] = latencyMs
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	h.mu.Unlock()
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats summarizes the window. Percentiles use nearest rank.
func (h *LatencyHistogram) Stats() LatencyStats {
	if h == nil {
		return LatencyStats{}
	}
	h.mu.Lock()
	n := h.count
	sorted := make([]float64, n)
	copy(sorted, h.ring[:n])
	h.mu.Unlock()
	if n == 0 {
		return LatencyStats{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	rank := func(p float64) float64 {
		i := int(math.Ceil(p*float64(n))) - 1
		return sorted[max(i, 0)]
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   rank(0.50),
		P95:   rank(0.95),
		P99:   rank(0.99),
		Count: n,
	}
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncTicks()           { m.ticksProcessed.Add(1) }
func (m *SystemMetrics) IncTicksDropped()    { m.ticksDropped.Add(1) }
func (m *SystemMetrics) IncIntents()         { m.intentsGenerated.Add(1) }
func (m *SystemMetrics) IncRiskApproved()    { m.riskApproved.Add(1) }
func (m *SystemMetrics) IncRiskRejected()    { m.riskRejected.Add(1) }
func (m *SystemMetrics) IncOrdersSubmitted() { m.ordersSubmitted.Add(1) }
func (m *SystemMetrics) IncOrdersFailed()    { m.ordersFailed.Add(1) }
func (m *SystemMetrics) IncGatewayRetries()  { m.gatewayRetries.Add(1) }
func (m *SystemMetrics) IncStrategyFaults()  { m.strategyFaults.Add(1) }
func (m *SystemMetrics) IncReconMismatches() { m.reconMismatches.Add(1) }
func (m *SystemMetrics) IncErrors()          { m.errorsCount.Add(1) }
func (m *SystemMetrics) IncAPI()             { m.apiRequests.Add(1) }
func (m *SystemMetrics) IncAPIErrors()       { m.apiErrors.Add(1) }

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	GatewayLatency   LatencyStats `json:"gateway_latency"`
	StrategyLatency  LatencyStats `json:"strategy_latency"`
	OrderAckLatency  LatencyStats `json:"order_ack_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	TicksDropped     uint64       `json:"ticks_dropped"`
	IntentsGenerated uint64       `json:"intents_generated"`
	RiskApproved     uint64       `json:"risk_approved"`
	RiskRejected     uint64       `json:"risk_rejected"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersFailed     uint64       `json:"orders_failed"`
	GatewayRetries   uint64       `json:"gateway_retries"`
	StrategyFaults   uint64       `json:"strategy_faults"`
	ReconMismatches  uint64       `json:"reconciliation_mismatches"`
	ErrorsCount      uint64       `json:"errors_count"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		GatewayLatency:   m.GatewayLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		OrderAckLatency:  m.OrderAckLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		TicksProcessed:   m.ticksProcessed.Load(),
		TicksDropped:     m.ticksDropped.Load(),
		IntentsGenerated: m.intentsGenerated.Load(),
		RiskApproved:     m.riskApproved.Load(),
		RiskRejected:     m.riskRejected.Load(),
		OrdersSubmitted:  m.ordersSubmitted.Load(),
		OrdersFailed:     m.ordersFailed.Load(),
		GatewayRetries:   m.gatewayRetries.Load(),
		StrategyFaults:   m.strategyFaults.Load(),
		ReconMismatches:  m.reconMismatches.Load(),
		ErrorsCount:      m.errorsCount.Load(),
		APIRequests:      m.apiRequests.Load(),
		APIErrors:        m.apiErrors.Load(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
