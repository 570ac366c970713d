package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks the admin HTTP surface's own request health plus the
// reservation engine's allocate/release/reap counters.
type Metrics struct {
	mu sync.RWMutex

	// Admin HTTP request metrics
	totalRequests       int64
	failedRequests      int64
	requestsInFlight    int64
	requestDurationHist *Histogram

	// Reservation engine metrics
	activeReservations int64
	allocatesTotal     int64
	allocatesFailed    int64
	releasesTotal      int64
	releasesFailed     int64
	reapsTotal         int64

	// System metrics
	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

type Histogram struct {
	mu     sync.RWMutex
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = &Metrics{
	requestDurationHist: NewHistogram(),
	startTime:           time.Now(),
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make([]int64, 20), // 20 logarithmic buckets; GetStats does not read them
	}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	// Determine bucket (logarithmic)
	bucket := 0
	if ms > 0 {
		for ms > 0 && bucket < 19 {
			ms /= 2
			bucket++
		}
	}
	if bucket >= len(h.counts) {
		bucket = len(h.counts) - 1
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

func (h *Histogram) GetStats() (p50, p95, p99, avg float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return 0, 0, 0, 0
	}

	avg = float64(h.sum) / float64(h.count)

	// Simplified percentile calculation: not derived from the buckets,
	// just fixed multiples of the mean.
	p50 = avg * 0.8
	p95 = avg * 1.5
	p99 = avg * 2.0

	return
}

func GetMetrics() *Metrics {
	return globalMetrics
}

// Admin HTTP request metrics
func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if !success {
		atomic.AddInt64(&m.failedRequests, 1)
	}
	m.requestDurationHist.Observe(duration)
}

func (m *Metrics) IncrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, 1)
}

func (m *Metrics) DecrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, -1)
}

// Reservation engine metrics
func (m *Metrics) RecordAllocate(success bool, granted int) {
	atomic.AddInt64(&m.allocatesTotal, 1)
	if success {
		atomic.AddInt64(&m.activeReservations, int64(granted))
	} else {
		atomic.AddInt64(&m.allocatesFailed, 1)
	}
}

func (m *Metrics) RecordRelease(success bool, released int) {
	atomic.AddInt64(&m.releasesTotal, 1)
	atomic.AddInt64(&m.activeReservations, -int64(released))
	if !success {
		atomic.AddInt64(&m.releasesFailed, 1)
	}
}

func (m *Metrics) RecordReap(count int) {
	atomic.AddInt64(&m.reapsTotal, int64(count))
	atomic.AddInt64(&m.activeReservations, -int64(count))
}

func (m *Metrics) SetActiveReservations(count int64) {
	atomic.StoreInt64(&m.activeReservations, count)
}

// System metrics
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.goroutineCount = runtime.NumGoroutine()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
}

// ToPrometheus exports the text-exposition format the admin surface serves
// at /metrics.
func (m *Metrics) ToPrometheus() string {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)
	reqsInFlight := atomic.LoadInt64(&m.requestsInFlight)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	return fmt.Sprintf(`# HELP gpubroker_uptime_seconds Time since broker started
# TYPE gpubroker_uptime_seconds gauge
gpubroker_uptime_seconds %f

# HELP gpubroker_admin_requests_total Total number of admin HTTP requests
# TYPE gpubroker_admin_requests_total counter
gpubroker_admin_requests_total %d

# HELP gpubroker_admin_requests_failed Total number of failed admin HTTP requests
# TYPE gpubroker_admin_requests_failed counter
gpubroker_admin_requests_failed %d

# HELP gpubroker_admin_requests_in_flight Current number of admin requests being processed
# TYPE gpubroker_admin_requests_in_flight gauge
gpubroker_admin_requests_in_flight %d

# HELP gpubroker_admin_request_success_rate Percentage of successful admin requests
# TYPE gpubroker_admin_request_success_rate gauge
gpubroker_admin_request_success_rate %f

# HELP gpubroker_admin_request_duration_milliseconds Admin request duration statistics
# TYPE gpubroker_admin_request_duration_milliseconds summary
gpubroker_admin_request_duration_milliseconds{quantile="0.5"} %f
gpubroker_admin_request_duration_milliseconds{quantile="0.95"} %f
gpubroker_admin_request_duration_milliseconds{quantile="0.99"} %f
gpubroker_admin_request_duration_milliseconds_sum %f
gpubroker_admin_request_duration_milliseconds_count %d

# HELP gpubroker_active_reservations Current number of live reservations
# TYPE gpubroker_active_reservations gauge
gpubroker_active_reservations %d

# HELP gpubroker_allocates_total Total allocate requests handled
# TYPE gpubroker_allocates_total counter
gpubroker_allocates_total %d

# HELP gpubroker_allocates_failed Allocate requests that failed (insufficient capacity or spawn failure)
# TYPE gpubroker_allocates_failed counter
gpubroker_allocates_failed %d

# HELP gpubroker_releases_total Total release requests handled
# TYPE gpubroker_releases_total counter
gpubroker_releases_total %d

# HELP gpubroker_releases_failed Release requests with at least one failed handle
# TYPE gpubroker_releases_failed counter
gpubroker_releases_failed %d

# HELP gpubroker_reaps_total Reservations cleaned up by the reaper loop
# TYPE gpubroker_reaps_total counter
gpubroker_reaps_total %d

# HELP gpubroker_goroutines Number of goroutines
# TYPE gpubroker_goroutines gauge
gpubroker_goroutines %d

# HELP gpubroker_memory_heap_alloc_mb Heap memory allocated in MB
# TYPE gpubroker_memory_heap_alloc_mb gauge
gpubroker_memory_heap_alloc_mb %d

# HELP gpubroker_gc_total Number of GC runs
# TYPE gpubroker_gc_total counter
gpubroker_gc_total %d
`,
		uptime,
		totalReqs,
		failedReqs,
		reqsInFlight,
		successRate,
		reqP50, reqP95, reqP99, reqAvg, totalReqs,
		atomic.LoadInt64(&m.activeReservations),
		atomic.LoadInt64(&m.allocatesTotal),
		atomic.LoadInt64(&m.allocatesFailed),
		atomic.LoadInt64(&m.releasesTotal),
		atomic.LoadInt64(&m.releasesFailed),
		atomic.LoadInt64(&m.reapsTotal),
		m.goroutineCount,
		m.heapAllocMB,
		m.numGC,
	)
}

// ToJSON exports the same counters as a JSON-friendly map.
func (m *Metrics) ToJSON() map[string]interface{} {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	return map[string]interface{}{
		"uptime_seconds": uptime,
		"requests": map[string]interface{}{
			"total":        totalReqs,
			"failed":       failedReqs,
			"in_flight":    atomic.LoadInt64(&m.requestsInFlight),
			"success_rate": successRate,
			"duration": map[string]interface{}{
				"p50_ms": reqP50,
				"p95_ms": reqP95,
				"p99_ms": reqP99,
				"avg_ms": reqAvg,
			},
		},
		"reservations": map[string]interface{}{
			"active":           atomic.LoadInt64(&m.activeReservations),
			"allocates_total":  atomic.LoadInt64(&m.allocatesTotal),
			"allocates_failed": atomic.LoadInt64(&m.allocatesFailed),
			"releases_total":   atomic.LoadInt64(&m.releasesTotal),
			"releases_failed":  atomic.LoadInt64(&m.releasesFailed),
			"reaps_total":      atomic.LoadInt64(&m.reapsTotal),
		},
		"system": map[string]interface{}{
			"goroutines":    m.goroutineCount,
			"heap_alloc_mb": m.heapAllocMB,
			"gc_runs":       m.numGC,
		},
	}
}

// StartCollection periodically refreshes the runtime-derived system gauges.
func (m *Metrics) StartCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
