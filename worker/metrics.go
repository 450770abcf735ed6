package worker

import (
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// responseTimeWindow is how many recent request durations feed the
// rolling average in pool metrics.
const responseTimeWindow = 100

// statsRetentionCap bounds the historical and ephemeral stats maps so a
// long-lived pool serving many distinct app keys cannot grow without
// limit. When full, the oldest entry by insertion order is dropped.
const statsRetentionCap = 1000

// metrics tracks pool-level counters behind its own mutex so snapshots
// never contend with pool fetch/evict paths.
type metrics struct {
	mu sync.Mutex

	hits      int64
	misses    int64
	evictions int64
	created   int64
	failed    int64
	retired   int64

	// Circular buffer of the most recent request durations in ms.
	durations [responseTimeWindow]int64
	durIdx    int
	durCount  int
}

func (m *metrics) recordHit()      { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *metrics) recordMiss()     { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *metrics) recordEviction() { m.mu.Lock(); m.evictions++; m.mu.Unlock() }
func (m *metrics) recordCreated()  { m.mu.Lock(); m.created++; m.mu.Unlock() }
func (m *metrics) recordFailed()   { m.mu.Lock(); m.failed++; m.mu.Unlock() }
func (m *metrics) recordRetired()  { m.mu.Lock(); m.retired++; m.mu.Unlock() }

func (m *metrics) recordDuration(ms int64) {
	m.mu.Lock()
	m.durations[m.durIdx] = ms
	m.durIdx = (m.durIdx + 1) % responseTimeWindow
	if m.durCount < responseTimeWindow {
		m.durCount++
	}
	m.mu.Unlock()
}

// avgDuration returns the mean of the buffered durations, 0 when empty.
func (m *metrics) avgDuration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.durCount == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < m.durCount; i++ {
		sum += m.durations[i]
	}
	return float64(sum) / float64(m.durCount)
}

func (m *metrics) snapshot() (hits, misses, evictions, created, failed, retired int64, avgMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for i := 0; i < m.durCount; i++ {
		sum += m.durations[i]
	}
	if m.durCount > 0 {
		avgMs = float64(sum) / float64(m.durCount)
	}
	return m.hits, m.misses, m.evictions, m.created, m.failed, m.retired, avgMs
}

// PoolMetrics is the point-in-time operational snapshot returned by
// Pool.Metrics.
type PoolMetrics struct {
	InstanceID string `json:"instanceId"`

	ActiveWorkers int `json:"activeWorkers"`
	PoolCapacity  int `json:"poolCapacity"`

	CacheHits   int64   `json:"cacheHits"`
	CacheMisses int64   `json:"cacheMisses"`
	HitRate     float64 `json:"hitRate"`

	WorkersCreated int64 `json:"workersCreated"`
	WorkersFailed  int64 `json:"workersFailed"`
	WorkersRetired int64 `json:"workersRetired"`
	Evictions      int64 `json:"evictions"`

	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`

	SystemMemTotal     uint64  `json:"systemMemTotal"`
	SystemMemAvailable uint64  `json:"systemMemAvailable"`
	SystemMemUsedPct   float64 `json:"systemMemUsedPct"`
}

// systemMemory reads host memory via gopsutil; zeroes on error so a
// metrics scrape never fails because /proc is unreadable.
func systemMemory() (total, available uint64, usedPct float64) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0
	}
	return v.Total, v.Available, v.UsedPercent
}

// boundedStats is an insertion-ordered map of per-key Stats capped at
// statsRetentionCap entries. Not safe for concurrent use; callers hold
// the pool mutex.
type boundedStats struct {
	entries map[string]*Stats
	order   []string
	cap     int
}

func newBoundedStats(capacity int) *boundedStats {
	return &boundedStats{
		entries: make(map[string]*Stats),
		cap:     capacity,
	}
}

// get returns the entry for key, or nil.
func (b *boundedStats) get(key string) *Stats {
	return b.entries[key]
}

// put inserts or replaces the entry for key, evicting the oldest
// insertion when the cap would be exceeded.
func (b *boundedStats) put(key string, s *Stats) {
	if _, ok := b.entries[key]; ok {
		b.entries[key] = s
		return
	}
	if len(b.order) >= b.cap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
	}
	b.entries[key] = s
	b.order = append(b.order, key)
}

// accumulate folds delta counters into the stored entry for key,
// creating it if absent. Status and timestamps are overwritten.
func (b *boundedStats) accumulate(key string, delta *Stats) {
	cur := b.entries[key]
	if cur == nil {
		cp := *delta
		b.put(key, &cp)
		return
	}
	cur.RequestCount += delta.RequestCount
	cur.ErrorCount += delta.ErrorCount
	cur.TotalResponseTimeMs += delta.TotalResponseTimeMs
	cur.AvgResponseTimeMs = avg(cur.TotalResponseTimeMs, cur.RequestCount)
	cur.Status = delta.Status
	if !delta.CreatedAt.IsZero() && (cur.CreatedAt.IsZero() || delta.CreatedAt.Before(cur.CreatedAt)) {
		cur.CreatedAt = delta.CreatedAt
	}
	if delta.LastUsedAt.After(cur.LastUsedAt) {
		cur.LastUsedAt = delta.LastUsedAt
	}
	cur.LastRequestCount = delta.LastRequestCount
	cur.LastResponseTimeMs = delta.LastResponseTimeMs
}

// each visits entries in insertion order.
func (b *boundedStats) each(fn func(key string, s *Stats)) {
	for _, k := range b.order {
		fn(k, b.entries[k])
	}
}

func (b *boundedStats) len() int { return len(b.order) }
