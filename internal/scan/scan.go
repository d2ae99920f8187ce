// Package scan provides the sources of BLE advertisements fed to the
// presence coordinator: a serial sniffer dongle, pcap replays of HCI
// traffic, and line fixtures for development.
package scan

import (
	"errors"
	"sync/atomic"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/serialmux"
)

// ErrClosed is returned by Scan once the underlying source has gone away.
var ErrClosed = errors.New("scanner closed")

// lineCounter tracks lines a scanner could not turn into observations.
type lineCounter struct {
	malformed atomic.Int64
}

// Malformed returns the number of lines rejected so far.
func (c *lineCounter) Malformed() int64 { return c.malformed.Load() }

// parse turns a dongle line into an observation. Status responses are
// ignored without being counted.
func (c *lineCounter) parse(line string) (ble.Observation, bool) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypeStatus:
		monitoring.Debugf("dongle: %s", line)
		return ble.Observation{}, false
	case serialmux.LineTypeUnknown:
		c.malformed.Add(1)
		monitoring.Debugf("unrecognised line %q", line)
		return ble.Observation{}, false
	}
	obs, err := ble.ParseLine(line)
	if err != nil {
		c.malformed.Add(1)
		monitoring.Debugf("malformed advert %q: %v", line, err)
		return ble.Observation{}, false
	}
	return obs, true
}
