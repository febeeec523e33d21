package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momo-bot/internal/broker"
)

func TestVWAP(t *testing.T) {
	t.Parallel()

	bars := []broker.Bar{
		{High: 10.2, Low: 9.8, Close: 10.0, Volume: 1000},
		{High: 10.6, Low: 10.0, Close: 10.4, Volume: 2000},
		{High: 10.8, Low: 10.3, Close: 10.7, Volume: 1500},
	}
	// typical prices: 10.0, 10.333..., 10.6
	// vwap = (10*1000 + 10.3333*2000 + 10.6*1500) / 4500
	want := (10.0*1000 + (10.6+10.0+10.4)/3*2000 + (10.8+10.3+10.7)/3*1500) / 4500

	got, ok := VWAP(bars)
	require.True(t, ok)
	assert.InDelta(t, want, got, 1e-9)

	_, ok = VWAP(nil)
	assert.False(t, ok, "empty series")
	_, ok = VWAP([]broker.Bar{{Close: 5, Volume: 0}})
	assert.False(t, ok, "zero volume")
}

func TestRSIBounds(t *testing.T) {
	t.Parallel()

	rising := make([]float64, 20)
	falling := make([]float64, 20)
	for i := range rising {
		rising[i] = 10 + float64(i)*0.5
		falling[i] = 20 - float64(i)*0.5
	}

	up, ok := RSI(rising, 14)
	require.True(t, ok)
	assert.GreaterOrEqual(t, up, 95.0, "straight advance should read near 100")

	down, ok := RSI(falling, 14)
	require.True(t, ok)
	assert.LessOrEqual(t, down, 5.0, "straight decline should read near 0")

	_, ok = RSI(rising[:14], 14)
	assert.False(t, ok, "needs period+1 closes")
	_, ok = RSI(nil, 14)
	assert.False(t, ok, "empty series")
}

func TestRelativeVolume(t *testing.T) {
	t.Parallel()

	// 20 prior bars averaging 1000, current 3100.
	volumes := make([]float64, 21)
	for i := 0; i < 20; i++ {
		volumes[i] = 1000
	}
	volumes[20] = 3100

	got, ok := RelativeVolume(volumes, 20)
	require.True(t, ok)
	assert.InDelta(t, 3.1, got, 1e-9)

	// Shorter history shrinks the window instead of failing.
	got, ok = RelativeVolume([]float64{500, 1500, 2000}, 20)
	require.True(t, ok, "short history should still compute")
	assert.InDelta(t, 2.0, got, 1e-9)

	_, ok = RelativeVolume([]float64{100}, 20)
	assert.False(t, ok, "single bar is not enough")

	// Dead tape reads as 1x rather than dividing by zero.
	got, _ = RelativeVolume([]float64{0, 0, 500}, 20)
	assert.Equal(t, 1.0, got)
}

func TestVelocity(t *testing.T) {
	t.Parallel()

	closes := []float64{10.0, 10.1, 10.2, 10.3, 10.4, 10.5}
	got, ok := Velocity(closes, 5)
	require.True(t, ok)
	assert.InDelta(t, (10.5-10.0)/10.0/5, got, 1e-9)

	_, ok = Velocity(closes, 6)
	assert.False(t, ok, "needs periods+1 closes")
	_, ok = Velocity([]float64{0, 1}, 1)
	assert.False(t, ok, "zero start price")
}

func TestAcceleration(t *testing.T) {
	t.Parallel()

	// v2 = 0.001 ⇒ current/p2 = 1.002; v5 = 0.004 ⇒ current/p5 = 1.02.
	current := 10.0
	p2 := current / 1.002
	p5 := current / 1.02

	got, ok := Acceleration(current, p2, p5)
	require.True(t, ok)
	assert.InDelta(t, 0.25, got, 1e-6)

	// Flat 5-minute baseline: indeterminate, reads as 0.
	got, ok = Acceleration(10.0, 9.99, 10.0)
	require.True(t, ok, "flat baseline should still be ok")
	assert.Zero(t, got)

	_, ok = Acceleration(10, 0, 9.9)
	assert.False(t, ok, "degenerate reference price")
}

func TestBreakout(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.027027, Breakout(5.70, 5.55), 1e-5)
	assert.Zero(t, Breakout(5.70, 0), "zero reference")
}

func TestClosesVolumes(t *testing.T) {
	t.Parallel()

	bars := []broker.Bar{{Close: 1, Volume: 10}, {Close: 2, Volume: 20}}
	assert.Equal(t, []float64{1, 2}, Closes(bars))
	assert.Equal(t, []float64{10, 20}, Volumes(bars))
}
