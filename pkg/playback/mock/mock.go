// Package mock provides a test double for the playback [playback.Device]
// interface with a manually advanced clock and recorded Play calls.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/playback"
)

// Compile-time assertion that Device satisfies the playback.Device interface.
var _ playback.Device = (*Device)(nil)

// Play records one scheduled sub-buffer.
type Play struct {
	Buf []float32
	At  time.Duration
}

// Device is a mock playback device. The clock only moves when the test calls
// [Device.Advance] or [Device.SetNow], making scheduling decisions
// deterministic.
type Device struct {
	mu       sync.Mutex
	now      time.Duration
	plays    []Play
	stopAlls int
}

// Now implements [playback.Clock].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t. Moving it forward past scheduled audio
// simulates a device suspension.
func (d *Device) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Advance moves the clock forward by delta.
func (d *Device) Advance(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += delta
}

// Play implements [playback.Device], recording the call.
func (d *Device) Play(buf []float32, at time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays = append(d.plays, Play{Buf: buf, At: at})
}

// StopAll implements [playback.Device], recording the call.
func (d *Device) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopAlls++
}

// Plays returns a snapshot of the recorded Play calls.
func (d *Device) Plays() []Play {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Play, len(d.plays))
	copy(out, d.plays)
	return out
}

// StopAllCalls returns how many times StopAll was called.
func (d *Device) StopAllCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopAlls
}

// TotalScheduledSamples sums the sample counts of all recorded plays.
func (d *Device) TotalScheduledSamples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, p := range d.plays {
		total += len(p.Buf)
	}
	return total
}
