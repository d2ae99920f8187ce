package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

func TestRegistry_UpsertCreatesRecord(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)

	rec, err := r.Upsert("AA:00:00:00:00:01", -59, "Pixel", t0.Add(400*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.ID)
	assert.Equal(t, "AA:00:00:00:00:01", rec.Address)
	assert.Equal(t, "Pixel", rec.Name)
	assert.Equal(t, t0, rec.FirstSeen, "timestamps have second resolution")
	assert.Equal(t, t0, rec.LastSeen)
	assert.Equal(t, 1, rec.ObservationCount)
	assert.Equal(t, -59.0, rec.SignalStrength)
	assert.InDelta(t, 1.01076, rec.DistanceMeters(), 1e-9)
}

func TestRegistry_UpsertDefaultsName(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	rec, err := r.Upsert("AA:00:00:00:00:01", -60, "", t0)
	require.NoError(t, err)
	assert.Equal(t, ble.UnknownName, rec.Name)
}

func TestRegistry_UpsertIsStableOnIdentity(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	first, err := r.Upsert("AA:00:00:00:00:01", -59, "Pixel", t0)
	require.NoError(t, err)
	_, err = r.Upsert("AA:00:00:00:00:02", -70, "Watch", t0)
	require.NoError(t, err)

	var last DeviceRecord
	for k := 1; k <= 4; k++ {
		last, err = r.Upsert("AA:00:00:00:00:01", -65, "Renamed", t0.Add(time.Duration(k)*3*time.Second))
		require.NoError(t, err)
	}

	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, first.Address, last.Address)
	assert.Equal(t, first.FirstSeen, last.FirstSeen)
	assert.Equal(t, "Pixel", last.Name, "name is frozen at first sighting")

	assert.Equal(t, 5, last.ObservationCount)
	assert.Equal(t, t0.Add(12*time.Second), last.LastSeen)
	assert.Equal(t, -65.0, last.SignalStrength)
	assert.InDelta(t, ble.EstimateDefault(-65).Sentinel(), last.DistanceMeters(), 1e-12)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ObservationCountMatchesUpserts(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	const k = 7
	for i := 0; i < k; i++ {
		_, err := r.Upsert("AA:00:00:00:00:09", -60, "", t0)
		require.NoError(t, err)
	}
	rec, ok := r.Get("AA:00:00:00:00:09")
	require.True(t, ok)
	assert.Equal(t, k, rec.ObservationCount)
}

func TestRegistry_UpsertRejectsMissingAddress(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	_, err := r.Upsert("  ", -60, "x", t0)
	assert.True(t, errors.Is(err, ble.ErrMissingAddress))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_LastSeenNeverPrecedesFirstSeen(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	_, err := r.Upsert("AA", -60, "", t0)
	require.NoError(t, err)
	rec, err := r.Upsert("AA", -60, "", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, rec.LastSeen.Before(rec.FirstSeen))
	assert.Equal(t, 2, rec.ObservationCount)
}

func TestRegistry_ZeroSignalIsUnknownDistance(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	rec, err := r.Upsert("AA", 0, "", t0)
	require.NoError(t, err)
	assert.False(t, rec.Distance.Known())
	assert.Equal(t, -1.0, rec.DistanceMeters())
}

func TestRegistry_DwellSeconds(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	once, err := r.Upsert("ONCE", -60, "", t0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.DwellSeconds(once))

	_, err = r.Upsert("TWICE", -60, "", t0)
	require.NoError(t, err)
	twice, err := r.Upsert("TWICE", -60, "", t0.Add(42*time.Second+900*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 42.0, r.DwellSeconds(twice))
}

func TestRegistry_SnapshotInsertionOrder(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	for _, addr := range []string{"C", "A", "B", "A"} {
		_, err := r.Upsert(addr, -60, "", t0)
		require.NoError(t, err)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"C", "A", "B"}, []string{snap[0].Address, snap[1].Address, snap[2].Address})
	assert.Equal(t, []int{1, 2, 3}, []int{snap[0].ID, snap[1].ID, snap[2].ID})

	// copies, not views
	snap[0].Name = "mutated"
	again, _ := r.Get("C")
	assert.Equal(t, ble.UnknownName, again.Name)
}

func TestRegistry_AverageDwellSeconds(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	assert.Equal(t, 0.0, r.AverageDwellSeconds(), "empty registry averages to zero")
	assert.Equal(t, 0.0, r.MedianDwellSeconds())

	upsertAt := func(addr string, offsets ...time.Duration) {
		for _, off := range offsets {
			_, err := r.Upsert(addr, -60, "", t0.Add(off))
			require.NoError(t, err)
		}
	}
	upsertAt("A", 0, 10*time.Second)
	upsertAt("B", 0)
	upsertAt("C", 5*time.Second, 25*time.Second)

	// dwell: 10, 0, 20
	assert.InDelta(t, 10.0, r.AverageDwellSeconds(), 1e-12)
	assert.InDelta(t, 10.0, r.MedianDwellSeconds(), 1e-12)
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := NewRegistry(ble.DefaultReferencePower)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = r.Snapshot()
			_ = r.AverageDwellSeconds()
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := r.Upsert("AA", -60, "", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	<-done
	rec, _ := r.Get("AA")
	assert.Equal(t, 200, rec.ObservationCount)
}
