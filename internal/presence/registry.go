// Package presence turns batches of BLE observations into a running device
// registry and a per-cycle estimate of how many people are nearby.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/ble"
	"gonum.org/v1/gonum/stat"
)

// DeviceRecord is everything known about one advertising address for the
// lifetime of the run.
type DeviceRecord struct {
	ID               int          `json:"id"`
	Address          string       `json:"address"`
	Name             string       `json:"name"`
	FirstSeen        time.Time    `json:"first_seen"`
	LastSeen         time.Time    `json:"last_seen"`
	Distance         ble.Distance `json:"-"`
	SignalStrength   float64      `json:"rssi"`
	ObservationCount int          `json:"count"`
}

// DistanceMeters returns the last estimate, -1 when it was unknown.
func (r DeviceRecord) DistanceMeters() float64 { return r.Distance.Sentinel() }

// DwellSeconds is the whole seconds between first and most recent sighting.
func (r DeviceRecord) DwellSeconds() float64 {
	return r.LastSeen.Sub(r.FirstSeen).Seconds()
}

// Registry maps addresses to device records. It only grows; nothing is ever
// evicted during a run.
type Registry struct {
	mu             sync.RWMutex
	referencePower float64
	records        map[string]*DeviceRecord
	order          []string
}

// NewRegistry creates an empty registry ranging with referencePower.
func NewRegistry(referencePower float64) *Registry {
	return &Registry{
		referencePower: referencePower,
		records:        make(map[string]*DeviceRecord),
	}
}

// ReferencePower returns the calibration constant used by Upsert.
func (r *Registry) ReferencePower() float64 { return r.referencePower }

// Upsert records one observation of address at now. A new address gets the
// next id and its advertised name; an existing one keeps its id, name and
// first sighting, and only the rolling fields are refreshed.
func (r *Registry) Upsert(address string, signalStrength float64, advertisedName string, now time.Time) (DeviceRecord, error) {
	obs := ble.Observation{Address: address, SignalStrength: signalStrength, AdvertisedName: advertisedName}
	if err := obs.Validate(); err != nil {
		return DeviceRecord{}, err
	}

	now = now.Truncate(time.Second)
	distance := ble.Estimate(signalStrength, r.referencePower)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[address]
	if !ok {
		name := advertisedName
		if name == "" {
			name = ble.UnknownName
		}
		rec = &DeviceRecord{
			ID:               len(r.records) + 1,
			Address:          address,
			Name:             name,
			FirstSeen:        now,
			LastSeen:         now,
			Distance:         distance,
			SignalStrength:   signalStrength,
			ObservationCount: 1,
		}
		r.records[address] = rec
		r.order = append(r.order, address)
		return *rec, nil
	}

	// name stays frozen at first sighting
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Distance = distance
	rec.SignalStrength = signalStrength
	rec.ObservationCount++
	return *rec, nil
}

// Get returns a copy of the record for address.
func (r *Registry) Get(address string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[address]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// Len returns the number of distinct addresses seen this run.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns copies of every record in first-seen order. It is safe to
// call at any time, including after the scan loop has been cancelled.
func (r *Registry) Snapshot() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.records[addr])
	}
	return out
}

// DwellSeconds returns the dwell time of record.
func (r *Registry) DwellSeconds(record DeviceRecord) float64 {
	return record.DwellSeconds()
}

// dwellTimes returns the dwell time of every record in first-seen order.
func (r *Registry) dwellTimes() []float64 {
	snap := r.Snapshot()
	dwell := make([]float64, len(snap))
	for i, rec := range snap {
		dwell[i] = rec.DwellSeconds()
	}
	return dwell
}

// AverageDwellSeconds is the mean dwell time over all records, or 0 when
// nothing has been seen.
func (r *Registry) AverageDwellSeconds() float64 {
	dwell := r.dwellTimes()
	if len(dwell) == 0 {
		return 0
	}
	return stat.Mean(dwell, nil)
}

// MedianDwellSeconds is the median dwell time, or 0 when nothing has been seen.
func (r *Registry) MedianDwellSeconds() float64 {
	dwell := r.dwellTimes()
	if len(dwell) == 0 {
		return 0
	}
	sort.Float64s(dwell)
	return stat.Quantile(0.5, stat.Empirical, dwell, nil)
}
