package ble

import (
	"errors"
	"fmt"
	"strings"
)

// HCI framing constants for LE advertising reports.
const (
	h4EventPacket            = 0x04
	hciEventLEMeta           = 0x3E
	leSubeventAdvertReport   = 0x02
	adTypeShortenedLocalName = 0x08
	adTypeCompleteLocalName  = 0x09
	phdrLength               = 4
)

// ErrNotAdvertReport is returned for HCI frames that are not LE Advertising
// Report events. Callers skip these silently.
var ErrNotAdvertReport = errors.New("not an LE advertising report")

// DecodeH4WithPHDR decodes a packet captured with the
// LINKTYPE_BLUETOOTH_HCI_H4_WITH_PHDR link type: a 4 byte direction header
// followed by an H4 framed HCI packet.
func DecodeH4WithPHDR(data []byte) ([]Observation, error) {
	if len(data) < phdrLength+1 {
		return nil, fmt.Errorf("short HCI frame: %d bytes", len(data))
	}
	return DecodeH4(data[phdrLength:])
}

// DecodeH4 decodes an H4 framed HCI packet and returns one observation per
// advertising report it carries.
func DecodeH4(data []byte) ([]Observation, error) {
	if len(data) < 4 || data[0] != h4EventPacket || data[1] != hciEventLEMeta {
		return nil, ErrNotAdvertReport
	}
	paramLen := int(data[2])
	params := data[3:]
	if len(params) < paramLen {
		return nil, fmt.Errorf("truncated HCI event: want %d bytes, have %d", paramLen, len(params))
	}
	params = params[:paramLen]
	if len(params) < 2 || params[0] != leSubeventAdvertReport {
		return nil, ErrNotAdvertReport
	}
	return decodeAdvertReports(params[1:])
}

// decodeAdvertReports walks the report arrays. The HCI layout groups each
// field for all reports together: event types, then address types, then
// addresses, data lengths, data and finally RSSI values.
func decodeAdvertReports(b []byte) ([]Observation, error) {
	n := int(b[0])
	b = b[1:]
	if n == 0 {
		return nil, nil
	}

	// event_type[n] + addr_type[n] + addr[6n] + data_len[n]
	fixed := n + n + 6*n + n
	if len(b) < fixed {
		return nil, fmt.Errorf("truncated advertising report: %d reports need %d bytes, have %d", n, fixed, len(b))
	}
	addrs := b[2*n : 8*n]
	lens := b[8*n : 9*n]
	rest := b[9*n:]

	total := 0
	for _, l := range lens {
		total += int(l)
	}
	if len(rest) < total+n {
		return nil, fmt.Errorf("truncated advertising data: need %d bytes, have %d", total+n, len(rest))
	}
	payload := rest[:total]
	rssis := rest[total : total+n]

	out := make([]Observation, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		l := int(lens[i])
		ad := payload[offset : offset+l]
		offset += l
		out = append(out, Observation{
			Address:        formatAddress(addrs[6*i : 6*i+6]),
			SignalStrength: float64(int8(rssis[i])),
			AdvertisedName: LocalName(ad),
		})
	}
	return out, nil
}

// formatAddress renders a little-endian HCI device address as AA:BB:CC:DD:EE:FF.
func formatAddress(le []byte) string {
	parts := make([]string, len(le))
	for i := range le {
		parts[len(le)-1-i] = fmt.Sprintf("%02X", le[i])
	}
	return strings.Join(parts, ":")
}

// LocalName extracts the advertised local name from AD structures,
// preferring the complete name over the shortened one.
func LocalName(ad []byte) string {
	var short string
	for len(ad) > 0 {
		l := int(ad[0])
		if l == 0 || l >= len(ad) {
			break
		}
		typ, value := ad[1], ad[2:l+1]
		switch typ {
		case adTypeCompleteLocalName:
			return string(value)
		case adTypeShortenedLocalName:
			short = string(value)
		}
		ad = ad[l+1:]
	}
	return short
}
