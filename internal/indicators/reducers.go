package indicators

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// ReduceFunc computes one lane's current value from its parameters and the
// samples currently retained in ring, as of now. ok is false when the
// window doesn't yet hold enough data — the engine simply skips publishing
// rather than treating this as an error (spec.md §4.3).
type ReduceFunc func(params map[string]float64, ring *RingBuffer, now time.Time) (value float64, ok bool)

func windowSeconds(params map[string]float64, key string) time.Duration {
	return time.Duration(params[key] * float64(time.Second))
}

// twpa is the time-weighted price average over window_seconds: each gap
// between consecutive samples contributes the midpoint price weighted by
// its duration, and the final gap is carried forward to now.
func twpa(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) == 0 {
		return 0, false
	}
	if len(samples) == 1 {
		return samples[0].Price, true
	}

	var weighted, totalDur float64
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Timestamp.Sub(samples[i-1].Timestamp).Seconds()
		mid := (samples[i-1].Price + samples[i].Price) / 2
		weighted += mid * dt
		totalDur += dt
	}
	last := samples[len(samples)-1]
	dtLast := now.Sub(last.Timestamp).Seconds()
	weighted += last.Price * dtLast
	totalDur += dtLast

	if totalDur <= 0 {
		return last.Price, true
	}
	return weighted / totalDur, true
}

// velocity is the first discrete derivative of price over window_seconds.
func velocity(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) < 2 {
		return 0, false
	}
	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return (last.Price - first.Price) / elapsed, true
}

// volumeSurge is the ratio of the current window's average volume rate to
// the baseline window's average volume rate.
func volumeSurge(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	win := windowSeconds(params, "window_seconds")
	baseline := windowSeconds(params, "baseline_window_seconds")
	if win <= 0 || baseline <= 0 {
		return 0, false
	}
	cur := ring.Window(win, now)
	base := ring.Window(baseline, now)
	if len(cur) == 0 || len(base) == 0 {
		return 0, false
	}

	var curSum, baseSum float64
	for _, s := range cur {
		curSum += s.Volume
	}
	for _, s := range base {
		baseSum += s.Volume
	}
	baseRate := baseSum / baseline.Seconds()
	if baseRate <= 0 {
		return 0, false
	}
	curRate := curSum / win.Seconds()
	return curRate / baseRate, true
}

// pumpMagnitudePct is the percent price change from the start of
// window_seconds to now.
func pumpMagnitudePct(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) == 0 {
		return 0, false
	}
	start := samples[0].Price
	if start == 0 {
		return 0, false
	}
	last := samples[len(samples)-1].Price
	return (last - start) / start * 100, true
}

// drawdown is the percent decline from the window's peak price to now.
func drawdown(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) == 0 {
		return 0, false
	}
	peak := samples[0].Price
	for _, s := range samples {
		if s.Price > peak {
			peak = s.Price
		}
	}
	if peak == 0 {
		return 0, false
	}
	last := samples[len(samples)-1].Price
	return (peak - last) / peak * 100, true
}

// macd wraps go-talib's MACD over the closing prices in window_seconds,
// reporting the most recent MACD line value.
func macd(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	fast := intParam(params, "fast_period", 12)
	slow := intParam(params, "slow_period", 26)
	signal := intParam(params, "signal_period", 9)

	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) < slow+signal {
		return 0, false
	}
	closes := make([]float64, len(samples))
	for i, s := range samples {
		closes[i] = s.Price
	}
	line, _, _ := talib.Macd(closes, fast, slow, signal)
	if len(line) == 0 {
		return 0, false
	}
	v := line[len(line)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// volatility is the standard deviation of simple returns over
// window_seconds, via gonum/stat.
func volatility(params map[string]float64, ring *RingBuffer, now time.Time) (float64, bool) {
	samples := ring.Window(windowSeconds(params, "window_seconds"), now)
	if len(samples) < 3 {
		return 0, false
	}
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Price
		if prev == 0 {
			continue
		}
		returns = append(returns, (samples[i].Price-prev)/prev)
	}
	if len(returns) < 2 {
		return 0, false
	}
	return stat.StdDev(returns, nil), true
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}
