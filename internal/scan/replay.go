package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// LinkTypeBluetoothHCIH4WithPHDR is the pcap link type written by
// `tcpdump -i bluetooth0`.
const LinkTypeBluetoothHCIH4WithPHDR layers.LinkType = 201

// ErrUnsupportedLinkType is returned for captures that are not HCI H4 traffic.
var ErrUnsupportedLinkType = errors.New("unsupported pcap link type")

// capturedPacket is one HCI frame with its capture time.
type capturedPacket struct {
	data []byte
	at   time.Time
}

// ReplayScanner replays a pcap of HCI traffic. Scan windows are cut from
// capture time: the first window starts at the first packet and each window
// spans the timeout passed to Scan, so quiet stretches of the capture yield
// empty windows just as a live scan would.
type ReplayScanner struct {
	mu          sync.Mutex
	source      *gopacket.PacketSource
	closer      io.Closer
	pending     *capturedPacket
	windowStart time.Time
	exhausted   bool
	done        chan struct{}

	packets   int
	malformed int
}

// OpenReplay opens a capture file for replay.
func OpenReplay(path string) (*ReplayScanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	s, err := NewReplayScanner(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewReplayScanner reads a pcap stream from r.
func NewReplayScanner(r io.Reader) (*ReplayScanner, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if reader.LinkType() != LinkTypeBluetoothHCIH4WithPHDR {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLinkType, reader.LinkType())
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return &ReplayScanner{source: source, done: make(chan struct{})}, nil
}

// Done is closed once the capture has been fully replayed.
func (s *ReplayScanner) Done() <-chan struct{} { return s.done }

// Stats returns the number of packets read and of HCI frames that failed to
// decode.
func (s *ReplayScanner) Stats() (packets, malformed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.malformed
}

// Clock returns a clock that follows capture time: Now is the start of the
// window the next Scan will return, and timers fire immediately so a
// capture replays as fast as it can be read.
func (s *ReplayScanner) Clock() timeutil.Clock { return captureClock{s} }

type captureClock struct{ s *ReplayScanner }

func (c captureClock) Now() time.Time {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.windowStart.IsZero() {
		if pkt, err := c.s.peek(); err == nil && pkt != nil {
			c.s.windowStart = pkt.at
		}
	}
	return c.s.windowStart
}

func (c captureClock) NewTimer(time.Duration) timeutil.Timer {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return firedTimer(ch)
}

type firedTimer chan time.Time

func (t firedTimer) C() <-chan time.Time { return t }
func (t firedTimer) Stop() bool          { return false }

// Close releases the capture file.
func (s *ReplayScanner) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Scan returns the advertisements in the next capture window.
func (s *ReplayScanner) Scan(ctx context.Context, timeout time.Duration) ([]ble.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("replay window must be positive, got %s", timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted && s.pending == nil {
		return nil, ErrClosed
	}

	var out []ble.Observation
	for {
		pkt, err := s.peek()
		if err != nil {
			return out, err
		}
		if pkt == nil {
			s.finish()
			return out, nil
		}
		if s.windowStart.IsZero() {
			s.windowStart = pkt.at
		}
		if !pkt.at.Before(s.windowStart.Add(timeout)) {
			s.windowStart = s.windowStart.Add(timeout)
			return out, nil
		}
		s.pending = nil

		observations, err := ble.DecodeH4WithPHDR(pkt.data)
		switch {
		case errors.Is(err, ble.ErrNotAdvertReport):
		case err != nil:
			s.malformed++
			monitoring.Debugf("skipping HCI frame at %s: %v", pkt.at.Format(time.RFC3339Nano), err)
		default:
			out = append(out, observations...)
		}
	}
}

// peek returns the next packet without consuming it, or nil at the end of
// the capture.
func (s *ReplayScanner) peek() (*capturedPacket, error) {
	if s.pending != nil {
		return s.pending, nil
	}
	if s.exhausted {
		return nil, nil
	}
	packet, err := s.source.NextPacket()
	if err == io.EOF {
		s.exhausted = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	s.packets++
	s.pending = &capturedPacket{data: packet.Data(), at: packet.Metadata().Timestamp}
	return s.pending, nil
}

func (s *ReplayScanner) finish() {
	select {
	case <-s.done:
	default:
		log.Printf("pcap replay complete: %d packets, %d malformed", s.packets, s.malformed)
		close(s.done)
	}
}
