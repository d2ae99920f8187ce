package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Data queued with
// AddReadData is handed to Read in order; Read blocks while the queue is
// empty and fails once the port is closed and drained. Writes are captured.
type TestableSerialPort struct {
	// WriteError fails the next Write when set.
	WriteError error
	// CloseError is returned by Close when set.
	CloseError error

	chunks chan []byte
	done   chan struct{}
	rest   []byte

	mu        sync.Mutex
	written   bytes.Buffer
	closeOnce sync.Once
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	if len(t.rest) == 0 {
		select {
		case t.rest = <-t.chunks:
		default:
			select {
			case t.rest = <-t.chunks:
			case <-t.done:
				return 0, errPortClosed
			}
		}
	}
	n := copy(p, t.rest)
	t.rest = t.rest[n:]
	return n, nil
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed() {
		return 0, errPortClosed
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	return t.written.Write(p)
}

// Close unblocks pending reads. It is safe to call more than once.
func (t *TestableSerialPort) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.CloseError
}

// AddReadData queues data for Read.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.chunks <- append([]byte(nil), data...)
}

// WrittenData returns everything written so far.
func (t *TestableSerialPort) WrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
