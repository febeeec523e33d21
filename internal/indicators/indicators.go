// Package indicators computes the technical measures behind signal
// scoring and exit decisions: session VWAP, RSI, relative volume, and
// short-horizon velocity/acceleration.
//
// Every function is pure over its inputs and returns an ok flag instead
// of guessing when the series is too short, so callers can skip a symbol
// rather than trade on a made-up number.
package indicators

import (
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"momo-bot/internal/broker"
)

// MinVelocity is the floor below which a baseline velocity is considered
// noise; acceleration is indeterminate under it.
const MinVelocity = 0.0001

// Closes extracts closing prices, oldest first.
func Closes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts bar volumes, oldest first.
func Volumes(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// VWAP returns the volume-weighted average price over bars:
// cumulative(typical × volume) / cumulative(volume), with typical price
// (high+low+close)/3. Callers pass the current session's bars only.
func VWAP(bars []broker.Bar) (float64, bool) {
	var sumTPVol, sumVol float64
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		sumTPVol += typical * float64(b.Volume)
		sumVol += float64(b.Volume)
	}
	if sumVol == 0 {
		return 0, false
	}
	return sumTPVol / sumVol, true
}

// RSI returns the current 14-period-style relative strength index using
// Wilder's exponentially weighted gains and losses. Needs period+1 closes.
func RSI(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period+1 {
		return 0, false
	}
	series := talib.Rsi(closes, period)
	if len(series) == 0 {
		return 0, false
	}
	last := series[len(series)-1]
	if last != last { // NaN
		return 0, false
	}
	return last, true
}

// RelativeVolume returns the last bar's volume divided by the mean of the
// preceding lookback bar volumes. Fewer preceding bars than lookback
// shrinks the window; fewer than two bars total is not enough.
func RelativeVolume(volumes []float64, lookback int) (float64, bool) {
	if len(volumes) < 2 || lookback < 1 {
		return 0, false
	}
	current := volumes[len(volumes)-1]
	prior := volumes[:len(volumes)-1]
	if len(prior) > lookback {
		prior = prior[len(prior)-lookback:]
	}
	avg := stat.Mean(prior, nil)
	if avg == 0 {
		return 1.0, true
	}
	return current / avg, true
}

// Velocity returns the average per-period fractional price change over
// the last periods bars: ((last − start)/start)/periods.
func Velocity(closes []float64, periods int) (float64, bool) {
	if periods < 1 || len(closes) < periods+1 {
		return 0, false
	}
	start := closes[len(closes)-1-periods]
	end := closes[len(closes)-1]
	if start <= 0 {
		return 0, false
	}
	return ((end - start) / start) / float64(periods), true
}

// Acceleration returns the ratio of 2-minute velocity to 5-minute
// velocity from a live price and two reference prices:
//
//	v2 = (current/price2MinAgo − 1) / 2
//	v5 = (current/price5MinAgo − 1) / 5
//
// Below 1 momentum is fading. When the 5-minute velocity is under
// MinVelocity the ratio is meaningless and 0 is returned; 0 never
// triggers a deceleration exit.
func Acceleration(current, price2MinAgo, price5MinAgo float64) (float64, bool) {
	if current <= 0 || price2MinAgo <= 0 || price5MinAgo <= 0 {
		return 0, false
	}
	v2 := (current/price2MinAgo - 1) / 2
	v5 := (current/price5MinAgo - 1) / 5
	if v5 < MinVelocity && v5 > -MinVelocity {
		return 0, true
	}
	return v2 / v5, true
}

// Breakout returns (price − reference)/reference, or 0 for a degenerate
// reference.
func Breakout(price, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return (price - reference) / reference
}
