package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Compile-time assertion that MalgoDevice satisfies the Device interface.
var _ Device = (*MalgoDevice)(nil)

// capturePeriodMs is the device callback period. 20 ms keeps per-callback
// latency low without starving the hand-off queue.
const capturePeriodMs = 20

// MalgoDevice is a [Device] backed by a miniaudio capture device via
// gen2brain/malgo. The device delivers mono float32 blocks from miniaudio's
// realtime thread.
type MalgoDevice struct {
	ctx        *malgo.AllocatedContext
	sampleRate int

	mu     sync.Mutex
	device *malgo.Device
}

// NewMalgoDevice initialises a miniaudio context with realtime thread priority
// and prepares a mono capture device at sampleRate. Call
// [MalgoDevice.Close] to release the context.
func NewMalgoDevice(sampleRate int) (*MalgoDevice, error) {
	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}
	return &MalgoDevice{ctx: ctx, sampleRate: sampleRate}, nil
}

// Start implements [Device]. The callback runs on miniaudio's realtime thread.
func (d *MalgoDevice) Start(cb func(samples []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return ErrAlreadyStarted
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.PeriodSizeInMilliseconds = capturePeriodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			cb(decodeF32LE(pInput, int(frameCount)))
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("capture: start device: %w", err)
	}

	d.device = device
	return nil
}

// Stop implements [Device]. Safe to call without a prior Start.
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	device := d.device
	d.device = nil
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		device.Uninit()
		return fmt.Errorf("capture: stop device: %w", err)
	}
	device.Uninit()
	return nil
}

// Close stops any running device and releases the miniaudio context.
func (d *MalgoDevice) Close() error {
	_ = d.Stop()
	if err := d.ctx.Uninit(); err != nil {
		return fmt.Errorf("capture: uninit context: %w", err)
	}
	d.ctx.Free()
	return nil
}

// decodeF32LE converts a little-endian float32 byte stream into a sample
// slice.
func decodeF32LE(data []byte, samples int) []float32 {
	if max := len(data) / 4; samples > max {
		samples = max
	}
	out := make([]float32, samples)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
