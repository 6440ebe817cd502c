// Package capture drives a microphone input device through a dedicated
// low-latency processing stage and emits fixed-size encoded audio frames.
//
// The device's realtime callback performs no work beyond handing its sample
// block to a bounded channel (one-way ownership transfer); a pipeline
// goroutine quantizes the normalized float32 samples to int16 with saturation,
// assembles 2048-sample frames, and forwards them to the registered output
// callback. Voice-activity gating is layered on top: sustained silence stops
// frame forwarding so the remote side can infer end-of-turn, while the
// underlying stream keeps running.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
)

// Defaults for the pipeline configuration.
const (
	// DefaultFrameSize is the outbound frame size in samples.
	DefaultFrameSize = 2048

	// defaultBlockQueue is the depth of the bounded hand-off channel between
	// the realtime device callback and the pipeline goroutine.
	defaultBlockQueue = 32
)

// ErrAlreadyStarted is returned by Start when the pipeline is running.
var ErrAlreadyStarted = errors.New("capture: already started")

// Device is an exclusive microphone input stream. Start begins delivering
// blocks of normalized float32 samples to cb from the device's realtime
// context; the callback must not block. Stop halts delivery and releases the
// stream.
//
// Implementations must tolerate Stop without a prior Start and repeated Stop
// calls.
type Device interface {
	Start(cb func(samples []float32)) error
	Stop() error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the outbound frame size in samples. Primarily used
// in tests to keep fixtures small.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithGate attaches a voice-activity gate. Without one, every frame is
// forwarded.
func WithGate(g *Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// WithOutputRate sets the outbound frame sample rate. Device blocks arriving
// at the pipeline's input rate are resampled to this rate before framing.
// Defaults to the input rate (no resampling).
func WithOutputRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// block is one hand-off unit from the realtime callback. A nil samples slice
// with flush set requests emission of the current partial frame.
type block struct {
	samples []float32
	flush   bool
}

// Pipeline assembles encoded outbound frames from a capture device.
//
// Start and Stop are safe for concurrent use; the output callback is invoked
// sequentially from the pipeline goroutine.
type Pipeline struct {
	device     Device
	sampleRate int
	outputRate int
	frameSize  int
	gate       *Gate

	mu      sync.Mutex
	blocks  chan block
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	dropped atomic.Uint64
}

// NewPipeline creates a pipeline reading from device at sampleRate.
func NewPipeline(device Device, sampleRate int, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		sampleRate: sampleRate,
		frameSize:  DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate == 0 {
		p.outputRate = sampleRate
	}
	return p
}

// Start acquires the device and begins emitting frames to emit. The callback
// receives frames of exactly the configured size except for the final partial
// frame produced by [Pipeline.Flush] or [Pipeline.Stop].
func (p *Pipeline) Start(emit func(audio.Frame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}

	blocks := make(chan block, defaultBlockQueue)
	done := make(chan struct{})
	p.blocks = blocks
	p.done = done

	p.wg.Add(1)
	go p.run(blocks, done, emit)

	err := p.device.Start(func(samples []float32) {
		// Realtime context: copy the block (the device may reuse its buffer)
		// and post it without blocking. A full queue drops the block — the
		// network side absorbs a gap better than the device tolerates a stall.
		owned := make([]float32, len(samples))
		copy(owned, samples)
		select {
		case blocks <- block{samples: owned}:
		default:
			p.dropped.Add(1)
		}
	})
	if err != nil {
		close(done)
		p.wg.Wait()
		p.blocks = nil
		p.done = nil
		return fmt.Errorf("capture: start device: %w", err)
	}

	p.running = true
	return nil
}

// Flush requests emission of whatever partial frame is currently buffered.
// The request is ordered after all blocks already handed off.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	blocks := p.blocks
	done := p.done
	running := p.running
	p.mu.Unlock()

	if !running || blocks == nil {
		return
	}
	select {
	case blocks <- block{flush: true}:
	case <-done:
	}
}

// Stop flushes the partial frame, tears down the input stream, and stops the
// pipeline goroutine. Safe to call more than once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	done := p.done
	p.blocks = nil
	p.done = nil
	p.mu.Unlock()

	err := p.device.Stop()

	close(done)
	p.wg.Wait()

	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

// Dropped returns the number of sample blocks discarded because the hand-off
// queue was full.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// run is the pipeline goroutine: it owns the frame buffer and drains the
// hand-off channel until done closes, then processes any remaining queued
// blocks and emits the trailing partial frame.
func (p *Pipeline) run(blocks <-chan block, done <-chan struct{}, emit func(audio.Frame)) {
	defer p.wg.Done()

	buf := make([]byte, 0, p.frameSize*2)
	var emitted int64 // total samples emitted, for frame timestamps

	process := func(b block) {
		if b.flush {
			if len(buf) > 0 {
				emit(p.frame(buf, &emitted))
				buf = buf[:0]
			}
			return
		}

		samples := audio.ResampleFloat32(b.samples, p.sampleRate, p.outputRate)

		forward := true
		if p.gate != nil {
			forward = p.gate.Process(samples, p.outputRate)
		}
		if !forward {
			return
		}

		pcm := audio.Float32ToPCM16(samples)
		for len(pcm) > 0 {
			n := min(len(pcm), p.frameSize*2-len(buf))
			buf = append(buf, pcm[:n]...)
			pcm = pcm[n:]
			if len(buf) == p.frameSize*2 {
				emit(p.frame(buf, &emitted))
				buf = buf[:0]
			}
		}
	}

	for {
		select {
		case b := <-blocks:
			process(b)
		case <-done:
			// Drain what was queued before shutdown, then emit the remaining
			// partial frame. The final flush must not depend on queue capacity.
			for {
				select {
				case b := <-blocks:
					process(b)
				default:
					if len(buf) > 0 {
						emit(p.frame(buf, &emitted))
					}
					if n := p.dropped.Load(); n > 0 {
						slog.Debug("capture pipeline stopped with dropped blocks", "dropped", n)
					}
					return
				}
			}
		}
	}
}

// frame packages buf as an outbound frame. buf is copied, so the caller may
// reuse it.
func (p *Pipeline) frame(buf []byte, emitted *int64) audio.Frame {
	data := make([]byte, len(buf))
	copy(data, buf)
	ts := time.Duration(*emitted) * time.Second / time.Duration(p.outputRate)
	*emitted += int64(len(buf) / 2)
	return audio.Frame{
		Data:       data,
		SampleRate: p.outputRate,
		Channels:   1,
		Timestamp:  ts,
	}
}
