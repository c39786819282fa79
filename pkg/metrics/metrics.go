package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects transfer and cache counters of remote archive reads.
type Metrics struct {
	mu sync.RWMutex

	// Range GET metrics, by object
	RangeGetBytesTotal map[string]int64
	RangeGetCountTotal map[string]int64
	RangeGetDurationNs map[string]int64

	// Block cache metrics
	CacheHitsTotal   int64
	CacheMissesTotal int64
	CacheSizeBytes   int64

	// Upload metrics
	UploadBytesTotal int64
	UploadCountTotal int64
}

// Snapshot is a point-in-time copy of the aggregated counters.
type Snapshot struct {
	RangeGetBytes    int64
	RangeGetCount    int64
	RangeGetDuration time.Duration
	CacheHits        int64
	CacheMisses      int64
	CacheSizeBytes   int64
	UploadBytes      int64
	UploadCount      int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		RangeGetBytesTotal: make(map[string]int64),
		RangeGetCountTotal: make(map[string]int64),
		RangeGetDurationNs: make(map[string]int64),
	}
}

// RecordRangeGet records one ranged GET against object.
func (m *Metrics) RecordRangeGet(object string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RangeGetBytesTotal[object] += bytes
	m.RangeGetCountTotal[object]++
	m.RangeGetDurationNs[object] += duration.Nanoseconds()

	log.Debug().
		Str("object", object).
		Int64("bytes", bytes).
		Dur("duration", duration).
		Msg("range GET completed")
}

// RecordCacheOperation records a block cache lookup. sizeBytes is the size
// of a block added on a miss.
func (m *Metrics) RecordCacheOperation(hit bool, sizeBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hit {
		m.CacheHitsTotal++
	} else {
		m.CacheMissesTotal++
	}

	if sizeBytes > 0 {
		m.CacheSizeBytes += sizeBytes
	}
}

func (m *Metrics) RecordUpload(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UploadBytesTotal += bytes
	m.UploadCountTotal++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		CacheHits:      m.CacheHitsTotal,
		CacheMisses:    m.CacheMissesTotal,
		CacheSizeBytes: m.CacheSizeBytes,
		UploadBytes:    m.UploadBytesTotal,
		UploadCount:    m.UploadCountTotal,
	}
	for object, bytes := range m.RangeGetBytesTotal {
		s.RangeGetBytes += bytes
		s.RangeGetCount += m.RangeGetCountTotal[object]
		s.RangeGetDuration += time.Duration(m.RangeGetDurationNs[object])
	}
	return s
}

// CacheHitRate is zero until the first lookup.
func (s Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// LogSummary logs a summary of current metrics
func (m *Metrics) LogSummary() {
	s := m.Snapshot()

	log.Info().
		Int64("range_get_bytes", s.RangeGetBytes).
		Int64("range_get_count", s.RangeGetCount).
		Dur("range_get_duration", s.RangeGetDuration).
		Int64("cache_hits", s.CacheHits).
		Int64("cache_misses", s.CacheMisses).
		Float64("cache_hit_rate", s.CacheHitRate()).
		Int64("cache_size_bytes", s.CacheSizeBytes).
		Int64("upload_bytes", s.UploadBytes).
		Int64("upload_count", s.UploadCount).
		Msg("metrics summary")
}

func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RangeGetBytesTotal = make(map[string]int64)
	m.RangeGetCountTotal = make(map[string]int64)
	m.RangeGetDurationNs = make(map[string]int64)
	m.CacheHitsTotal = 0
	m.CacheMissesTotal = 0
	m.CacheSizeBytes = 0
	m.UploadBytesTotal = 0
	m.UploadCountTotal = 0
}

// Global metrics instance
var GlobalMetrics = NewMetrics()

func RecordRangeGet(object string, bytes int64, duration time.Duration) {
	GlobalMetrics.RecordRangeGet(object, bytes, duration)
}

func RecordCacheOperation(hit bool, sizeBytes int64) {
	GlobalMetrics.RecordCacheOperation(hit, sizeBytes)
}

func RecordUpload(bytes int64) {
	GlobalMetrics.RecordUpload(bytes)
}

func LogMetricsSummary() {
	GlobalMetrics.LogSummary()
}
