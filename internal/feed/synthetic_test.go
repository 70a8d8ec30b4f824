package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticBarsAreWellFormed(t *testing.T) {
	gen := NewSyntheticBars(42, 1.10, time.Second)
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	prevClose := 1.10
	for i := 0; i < 500; i++ {
		bar := gen.Next(ts.Add(time.Duration(i) * time.Second))
		require.Greater(t, bar.High, bar.Low)
		require.GreaterOrEqual(t, bar.High, bar.Open)
		require.GreaterOrEqual(t, bar.High, bar.Close)
		require.LessOrEqual(t, bar.Low, bar.Open)
		require.LessOrEqual(t, bar.Low, bar.Close)
		require.Greater(t, bar.Volume, 0.0)
		require.Equal(t, prevClose, bar.Open, "bars must chain open to previous close")
		prevClose = bar.Close
	}
}

func TestSyntheticBarsAreDeterministicPerSeed(t *testing.T) {
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	a := NewSyntheticBars(7, 1.10, time.Second)
	b := NewSyntheticBars(7, 1.10, time.Second)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Next(ts), b.Next(ts))
	}

	c := NewSyntheticBars(8, 1.10, time.Second)
	different := false
	a2 := NewSyntheticBars(7, 1.10, time.Second)
	for i := 0; i < 50; i++ {
		if a2.Next(ts) != c.Next(ts) {
			different = true
		}
	}
	assert.True(t, different)
}
