package ble

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnknownName is the display name for devices that never advertised one.
const UnknownName = "Unknown"

var (
	// ErrMissingAddress is returned for observations without a hardware address.
	ErrMissingAddress = errors.New("observation has no address")
	// ErrUnknownPayload is returned for lines that are neither CSV nor JSON adverts.
	ErrUnknownPayload = errors.New("unrecognised advertisement payload")
)

// Observation is a single advertisement heard during a scan window.
type Observation struct {
	Address        string  `json:"addr"`
	SignalStrength float64 `json:"rssi"`
	// AdvertisedName is empty when the advertisement carried no local name.
	AdvertisedName string `json:"name,omitempty"`
}

// Validate reports whether the observation can be registered.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.Address) == "" {
		return ErrMissingAddress
	}
	return nil
}

func (o Observation) String() string {
	return fmt.Sprintf("%s rssi=%.0f name=%q", o.Address, o.SignalStrength, o.AdvertisedName)
}

// NormalizeAddress upper-cases a MAC style address so the same radio reported
// by different scanners maps to one registry key.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// ParseLine decodes one line emitted by a serial BLE sniffer. Two shapes are
// accepted:
//
//	AA:BB:CC:DD:EE:FF,-67,Pixel 7
//	{"addr":"AA:BB:CC:DD:EE:FF","rssi":-67,"name":"Pixel 7"}
//
// The name column is optional in the CSV form and may itself contain commas.
func ParseLine(line string) (Observation, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Observation{}, ErrUnknownPayload
	}

	var obs Observation
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), &obs); err != nil {
			return Observation{}, fmt.Errorf("failed to unmarshal advert JSON: %w", err)
		}
	} else {
		segments := strings.SplitN(line, ",", 3)
		if len(segments) < 2 {
			return Observation{}, fmt.Errorf("%w: %q, expected at least 2 segments", ErrUnknownPayload, line)
		}
		rssi, err := strconv.ParseFloat(strings.TrimSpace(segments[1]), 64)
		if err != nil {
			return Observation{}, fmt.Errorf("failed to parse rssi: %w", err)
		}
		obs.Address = segments[0]
		obs.SignalStrength = rssi
		if len(segments) == 3 {
			obs.AdvertisedName = strings.TrimSpace(segments[2])
		}
	}

	obs.Address = NormalizeAddress(obs.Address)
	if err := obs.Validate(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}
