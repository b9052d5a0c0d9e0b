package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pushSeries(r *RingBuffer, start time.Time, step time.Duration, prices, volumes []float64) time.Time {
	ts := start
	for i := range prices {
		vol := 0.0
		if volumes != nil {
			vol = volumes[i]
		}
		r.Push(Sample{Timestamp: ts, Price: prices[i], Volume: vol})
		ts = ts.Add(step)
	}
	return ts.Add(-step)
}

func TestPumpMagnitudePct(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	start := time.Now()
	last := pushSeries(r, start, time.Second, []float64{100, 105, 110, 120}, nil)

	v, ok := pumpMagnitudePct(map[string]float64{"window_seconds": 10}, r, last)
	assert.True(t, ok)
	assert.InDelta(t, 20.0, v, 1e-9)
}

func TestPumpMagnitudePctInsufficientData(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	_, ok := pumpMagnitudePct(map[string]float64{"window_seconds": 10}, r, time.Now())
	assert.False(t, ok)
}

func TestVelocityComputesSlope(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	start := time.Now()
	last := pushSeries(r, start, time.Second, []float64{100, 110, 120, 130}, nil)

	v, ok := velocity(map[string]float64{"window_seconds": 10}, r, last)
	assert.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestDrawdownFromPeak(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	start := time.Now()
	last := pushSeries(r, start, time.Second, []float64{100, 150, 120, 90}, nil)

	v, ok := drawdown(map[string]float64{"window_seconds": 10}, r, last)
	assert.True(t, ok)
	assert.InDelta(t, 40.0, v, 1e-9) // (150-90)/150*100
}

func TestVolumeSurgeRatio(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	start := time.Now()
	prices := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	volumes := []float64{1, 1, 1, 1, 1, 1, 1, 1, 10, 10}
	last := pushSeries(r, start, time.Second, prices, volumes)

	v, ok := volumeSurge(map[string]float64{"window_seconds": 2, "baseline_window_seconds": 10}, r, last)
	assert.True(t, ok)
	assert.Greater(t, v, 1.0)
}

func TestTWPAWeightsByDuration(t *testing.T) {
	r := NewRingBuffer(time.Minute)
	now := time.Now()
	r.Push(Sample{Timestamp: now, Price: 100})
	r.Push(Sample{Timestamp: now.Add(9 * time.Second), Price: 200})

	v, ok := twpa(map[string]float64{"window_seconds": 10}, r, now.Add(9*time.Second))
	assert.True(t, ok)
	assert.InDelta(t, 150.0, v, 1e-9)
}
