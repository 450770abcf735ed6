package worker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDurationWindow(t *testing.T) {
	m := &metrics{}

	assert.Equal(t, float64(0), m.avgDuration(), "empty buffer averages to zero")

	m.recordDuration(10)
	m.recordDuration(20)
	m.recordDuration(30)
	assert.InDelta(t, 20.0, m.avgDuration(), 0.001)

	// Overflow the window; only the newest samples survive.
	for i := 0; i < responseTimeWindow; i++ {
		m.recordDuration(100)
	}
	assert.InDelta(t, 100.0, m.avgDuration(), 0.001)
}

func TestMetricsSnapshot(t *testing.T) {
	m := &metrics{}
	m.recordHit()
	m.recordHit()
	m.recordMiss()
	m.recordEviction()
	m.recordCreated()
	m.recordFailed()
	m.recordRetired()
	m.recordDuration(50)

	hits, misses, evictions, created, failed, retired, avgMs := m.snapshot()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(1), evictions)
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(1), retired)
	assert.InDelta(t, 50.0, avgMs, 0.001)
}

func TestBoundedStatsEvictsOldestInsertion(t *testing.T) {
	b := newBoundedStats(3)

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("app%d@1.0.0", i)
		b.put(key, &Stats{RequestCount: int64(i)})
	}

	assert.Equal(t, 3, b.len())
	assert.Nil(t, b.get("app0@1.0.0"), "oldest insertion dropped")
	require.NotNil(t, b.get("app3@1.0.0"))

	// Replacing an existing key does not consume capacity or reorder.
	b.put("app1@1.0.0", &Stats{RequestCount: 99})
	assert.Equal(t, 3, b.len())
	assert.Equal(t, int64(99), b.get("app1@1.0.0").RequestCount)

	b.put("app4@1.0.0", &Stats{})
	assert.Nil(t, b.get("app1@1.0.0"), "app1 kept its original insertion slot")
}

func TestBoundedStatsAccumulate(t *testing.T) {
	b := newBoundedStats(10)
	created := time.Now().Add(-time.Minute)

	b.accumulate("hello@1.0.0", &Stats{
		Status:              StatusOffline,
		RequestCount:        3,
		ErrorCount:          1,
		TotalResponseTimeMs: 300,
		CreatedAt:           created,
		LastUsedAt:          created.Add(30 * time.Second),
	})
	b.accumulate("hello@1.0.0", &Stats{
		Status:              StatusOffline,
		RequestCount:        2,
		TotalResponseTimeMs: 100,
		CreatedAt:           created.Add(40 * time.Second),
		LastUsedAt:          created.Add(50 * time.Second),
	})

	got := b.get("hello@1.0.0")
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.RequestCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, int64(400), got.TotalResponseTimeMs)
	assert.InDelta(t, 80.0, got.AvgResponseTimeMs, 0.001)
	assert.Equal(t, created, got.CreatedAt, "earliest creation wins")
	assert.Equal(t, created.Add(50*time.Second), got.LastUsedAt, "latest use wins")
}

func TestBoundedStatsIterationOrder(t *testing.T) {
	b := newBoundedStats(10)
	b.put("c@1", &Stats{})
	b.put("a@1", &Stats{})
	b.put("b@1", &Stats{})

	var keys []string
	b.each(func(key string, _ *Stats) {
		keys = append(keys, key)
	})
	assert.Equal(t, []string{"c@1", "a@1", "b@1"}, keys)
}

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		dest string
		want RequestKind
	}{
		{"document", KindDocument},
		{"empty", KindAPI},
		{"", KindAPI},
		{"style", KindAsset},
		{"script", KindAsset},
		{"image", KindAsset},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRequest(tt.dest), "Sec-Fetch-Dest=%q", tt.dest)
	}

	assert.True(t, KindDocument.NewSession())
	assert.True(t, KindAPI.NewSession())
	assert.False(t, KindAsset.NewSession())
}
