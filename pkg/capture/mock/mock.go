// Package mock provides a test double for the capture [capture.Device]
// interface. The mock records lifecycle calls and lets tests feed synthetic
// sample blocks as if they came from a realtime device callback.
package mock

import (
	"sync"

	"github.com/MrWong99/parlance/pkg/capture"
)

// Compile-time assertion that Device satisfies the capture.Device interface.
var _ capture.Device = (*Device)(nil)

// Device is a mock capture device.
type Device struct {
	// StartErr and StopErr, when non-nil, are returned by the corresponding
	// method.
	StartErr error
	StopErr  error

	mu         sync.Mutex
	cb         func([]float32)
	startCalls int
	stopCalls  int
}

// Start records the call and stores cb for [Device.Feed].
func (d *Device) Start(cb func(samples []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startCalls++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.cb = cb
	return nil
}

// Stop records the call and drops the callback.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCalls++
	d.cb = nil
	return d.StopErr
}

// Feed delivers one sample block through the registered callback, simulating
// the device's realtime context. It is a no-op when the device is stopped.
func (d *Device) Feed(samples []float32) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()

	if cb != nil {
		cb(samples)
	}
}

// StartCalls returns how many times Start was called.
func (d *Device) StartCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startCalls
}

// StopCalls returns how many times Stop was called.
func (d *Device) StopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCalls
}
