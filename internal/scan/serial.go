package scan

import (
	"context"
	"time"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// LineSource is the part of a serial mux a scanner needs.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// SerialScanner collects advertisements from a sniffer dongle attached to a
// serial mux. Each Scan subscribes for the length of the scan window.
type SerialScanner struct {
	lineCounter
	source LineSource
	clock  timeutil.Clock
}

// NewSerialScanner creates a scanner reading lines from source.
func NewSerialScanner(source LineSource, clock timeutil.Clock) *SerialScanner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialScanner{source: source, clock: clock}
}

// Scan listens for timeout and returns every advertisement heard, in
// arrival order.
func (s *SerialScanner) Scan(ctx context.Context, timeout time.Duration) ([]ble.Observation, error) {
	id, lines := s.source.Subscribe()
	defer s.source.Unsubscribe(id)

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	var out []ble.Observation
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timer.C():
			return out, nil
		case line, ok := <-lines:
			if !ok {
				return out, ErrClosed
			}
			if obs, ok := s.parse(line); ok {
				out = append(out, obs)
			}
		}
	}
}
