package ble

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_ZeroReadingIsUnknown(t *testing.T) {
	for _, ref := range []float64{-59, -40, -75, 12} {
		d := Estimate(0, ref)
		assert.False(t, d.Known(), "ref=%v", ref)
		m, ok := d.Meters()
		assert.False(t, ok)
		assert.Equal(t, -1.0, m)
		assert.Equal(t, UnknownDistanceSentinel, d.Sentinel())
	}
}

func TestEstimate_ReferencePowerIsAboutOneMetre(t *testing.T) {
	d := EstimateDefault(-59)
	m, ok := d.Meters()
	assert.True(t, ok)
	// ratio == 1 takes the power-law branch: 0.89976 + 0.111
	assert.InDelta(t, 1.01076, m, 1e-9)
}

func TestEstimate_ContinuousAroundRatioOne(t *testing.T) {
	below, _ := Estimate(-58.999, -59).Meters()
	at, _ := Estimate(-59, -59).Meters()
	above, _ := Estimate(-59.001, -59).Meters()

	assert.InDelta(t, at, below, 0.02)
	assert.InDelta(t, at, above, 0.02)
	assert.Less(t, below, at)
	assert.Less(t, at, above)
}

func TestEstimate_Branches(t *testing.T) {
	tests := []struct {
		name string
		rssi float64
		want float64
		tol  float64
	}{
		{"near field uses ratio^10", -50, math.Pow(50.0/59.0, 10), 1e-12},
		{"far field uses power law", -70, 0.89976*math.Pow(70.0/59.0, 7.7095) + 0.111, 1e-12},
		{"far field sanity", -70, 3.47, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateDefault(tt.rssi).Meters()
			assert.True(t, ok)
			assert.InDelta(t, tt.want, got, tt.tol)
		})
	}
}

func TestEstimate_Monotonic(t *testing.T) {
	prev := 0.0
	for rssi := -30.0; rssi >= -100; rssi -= 5 {
		m, ok := EstimateDefault(rssi).Meters()
		assert.True(t, ok)
		assert.Greater(t, m, prev, "rssi=%v", rssi)
		prev = m
	}
}

func TestDistance_WithinAndNear(t *testing.T) {
	one := KnownDistance(1.0)
	two := KnownDistance(2.0)
	three := KnownDistance(3.0)

	assert.True(t, one.Within(5))
	assert.True(t, KnownDistance(5).Within(5))
	assert.False(t, KnownDistance(5.01).Within(5))
	assert.False(t, UnknownDistance.Within(5), "unknown must never pass a ceiling")

	assert.True(t, one.Near(two, 1.5))
	assert.False(t, one.Near(three, 1.5))
	assert.True(t, two.Near(three, 1.5))
	assert.False(t, one.Near(UnknownDistance, 100))
	assert.False(t, UnknownDistance.Near(UnknownDistance, 100))
}

func TestDistance_String(t *testing.T) {
	assert.Equal(t, "unknown", UnknownDistance.String())
	assert.Equal(t, "1.50m", KnownDistance(1.5).String())
}
