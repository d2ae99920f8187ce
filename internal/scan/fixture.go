package scan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/ble"
)

// FixtureScanner plays back a text file of dongle lines. Blank lines split
// the file into scan windows; each Scan returns the next window. Lines
// starting with "//" are comments.
type FixtureScanner struct {
	lineCounter

	mu      sync.Mutex
	windows [][]string
	next    int
	loop    bool
}

// NewFixtureScanner reads windows from r. With loop set the windows repeat
// forever; otherwise Scan returns ErrClosed after the last one.
func NewFixtureScanner(r io.Reader, loop bool) (*FixtureScanner, error) {
	var (
		windows [][]string
		current []string
	)
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		switch {
		case strings.HasPrefix(line, "//"):
		case line == "":
			if current != nil {
				windows = append(windows, current)
				current = nil
			}
		default:
			current = append(current, line)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	if current != nil {
		windows = append(windows, current)
	}
	return &FixtureScanner{windows: windows, loop: loop}, nil
}

// OpenFixture loads a fixture file from disk.
func OpenFixture(path string, loop bool) (*FixtureScanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture %s: %w", path, err)
	}
	defer f.Close()
	return NewFixtureScanner(f, loop)
}

// Windows returns the number of scan windows in the fixture.
func (s *FixtureScanner) Windows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Scan returns the next window. The timeout is ignored.
func (s *FixtureScanner) Scan(ctx context.Context, _ time.Duration) ([]ble.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.next >= len(s.windows) {
		if !s.loop || len(s.windows) == 0 {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.next = 0
	}
	window := s.windows[s.next]
	s.next++
	s.mu.Unlock()

	out := make([]ble.Observation, 0, len(window))
	for _, line := range window {
		if obs, ok := s.parse(line); ok {
			out = append(out, obs)
		}
	}
	return out, nil
}
