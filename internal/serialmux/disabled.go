package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"
)

// ErrSerialDisabled is returned by SendCommand when no dongle is attached.
var ErrSerialDisabled = errors.New("serial port disabled")

// DisabledSerialMux stands in for the dongle when scans come from a fixture
// or a capture file. It never produces lines. Subscribers are tracked only so
// Close can release them during shutdown.
type DisabledSerialMux struct {
	source string

	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

// NewDisabledSerialMux returns a mux that reports source on its debug page.
func NewDisabledSerialMux(source string) *DisabledSerialMux {
	return &DisabledSerialMux{source: source, subs: map[string]chan string{}}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subs[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(id)
}

// release closes and forgets one subscriber. d.mu must be held.
func (d *DisabledSerialMux) release(id string) {
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

func (d *DisabledSerialMux) SendCommand(command string) error {
	return fmt.Errorf("%w: cannot send %q while scanning %s", ErrSerialDisabled, command, d.source)
}

// Initialize has nothing to configure.
func (d *DisabledSerialMux) Initialize() error { return nil }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id := range d.subs {
		d.release(id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial", "BLE dongle status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "serial disabled, scanning %s\n", d.source)
	})
}
