// Package ble holds the radio-level pieces of presence counting: the
// advertisement observation type, decoders for the formats scanners emit and
// the RSSI to distance approximation.
package ble

import (
	"fmt"
	"math"
)

// DefaultReferencePower is the expected RSSI at one metre.
const DefaultReferencePower = -59.0

// UnknownDistanceSentinel is how an unknown distance is rendered in reports.
const UnknownDistanceSentinel = -1.0

// Distance is an estimated range in metres. The zero value is an unknown
// distance, so a reading that could not be ranged never compares as 0 m.
type Distance struct {
	meters float64
	known  bool
}

// UnknownDistance is returned for readings that cannot be ranged.
var UnknownDistance = Distance{}

// Meters returns the distance and whether it is known. Unknown distances
// return the -1 sentinel.
func (d Distance) Meters() (float64, bool) {
	if !d.known {
		return UnknownDistanceSentinel, false
	}
	return d.meters, true
}

// Known reports whether the reading could be ranged.
func (d Distance) Known() bool { return d.known }

// Sentinel returns the metres value, or -1 when unknown.
func (d Distance) Sentinel() float64 {
	m, _ := d.Meters()
	return m
}

// Within reports whether a known distance is at most ceiling metres.
func (d Distance) Within(ceiling float64) bool {
	return d.known && d.meters <= ceiling
}

// Near reports whether two known distances differ by at most threshold.
func (d Distance) Near(other Distance, threshold float64) bool {
	if !d.known || !other.known {
		return false
	}
	return math.Abs(d.meters-other.meters) <= threshold
}

func (d Distance) String() string {
	if !d.known {
		return "unknown"
	}
	return fmt.Sprintf("%.2fm", d.meters)
}

// Estimate converts a signal strength reading into an approximate distance
// using the empirical log-distance path-loss curve. The curve is split at
// ratio 1 so near-field readings do not blow up the power law.
func Estimate(signalStrength, referencePower float64) Distance {
	if signalStrength == 0 || referencePower == 0 {
		return UnknownDistance
	}
	ratio := signalStrength / referencePower
	if ratio < 1.0 {
		return Distance{meters: math.Pow(ratio, 10), known: true}
	}
	return Distance{meters: 0.89976*math.Pow(ratio, 7.7095) + 0.111, known: true}
}

// EstimateDefault estimates using DefaultReferencePower.
func EstimateDefault(signalStrength float64) Distance {
	return Estimate(signalStrength, DefaultReferencePower)
}

// KnownDistance builds a known distance directly, mainly for tests and replays
// that already carry a range.
func KnownDistance(meters float64) Distance {
	return Distance{meters: meters, known: true}
}
