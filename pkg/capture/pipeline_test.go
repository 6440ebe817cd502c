package capture_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/capture"
	"github.com/MrWong99/parlance/pkg/capture/mock"
)

// frameSink collects emitted frames safely across goroutines.
type frameSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *frameSink) emit(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) all() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// ─── TestPipeline_AssemblesFixedFrames ───────────────────────────────────────

func TestPipeline_AssemblesFixedFrames(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	p := capture.NewPipeline(dev, 16000, capture.WithFrameSize(64))

	if err := p.Start(sink.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 3 frames' worth of samples delivered in uneven blocks.
	dev.Feed(loudBlock(100))
	dev.Feed(loudBlock(50))
	dev.Feed(loudBlock(42))

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := sink.all()
	if len(frames) != 3 {
		t.Fatalf("want 3 full frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f.Data) != 64*2 {
			t.Fatalf("frame %d: want %d bytes, got %d", i, 64*2, len(f.Data))
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Fatalf("frame %d: rate/channels %d/%d", i, f.SampleRate, f.Channels)
		}
	}

	// Timestamps advance by one frame duration (64 samples at 16kHz = 4ms).
	if frames[1].Timestamp-frames[0].Timestamp != 4*time.Millisecond {
		t.Fatalf("timestamp step: got %v", frames[1].Timestamp-frames[0].Timestamp)
	}
}

// ─── TestPipeline_StopFlushesPartialFrame ────────────────────────────────────

func TestPipeline_StopFlushesPartialFrame(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	p := capture.NewPipeline(dev, 16000, capture.WithFrameSize(64))

	if err := p.Start(sink.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Feed(loudBlock(70)) // one full frame plus 6 samples

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := sink.all()
	if len(frames) != 2 {
		t.Fatalf("want full frame + flushed partial, got %d frames", len(frames))
	}
	if len(frames[1].Data) != 6*2 {
		t.Fatalf("partial frame: want %d bytes, got %d", 6*2, len(frames[1].Data))
	}
	if dev.StopCalls() != 1 {
		t.Fatalf("device Stop calls: want 1, got %d", dev.StopCalls())
	}
}

// ─── TestPipeline_FlushEmitsMidStream ────────────────────────────────────────

func TestPipeline_FlushEmitsMidStream(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	p := capture.NewPipeline(dev, 16000, capture.WithFrameSize(64))

	if err := p.Start(sink.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Feed(loudBlock(10))
	p.Flush()

	// The flush is ordered behind the block; Stop waits for both.
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("want 1 flushed partial frame, got %d", len(frames))
	}
	if len(frames[0].Data) != 10*2 {
		t.Fatalf("flushed frame: want %d bytes, got %d", 10*2, len(frames[0].Data))
	}
}

// ─── TestPipeline_GateSuppressesSilence ──────────────────────────────────────

func TestPipeline_GateSuppressesSilence(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	// Hold of 1ms: the first 64-sample quiet block (4ms at 16kHz) closes the
	// gate immediately.
	gate := capture.NewGate(0.05, time.Millisecond)
	p := capture.NewPipeline(dev, 16000,
		capture.WithFrameSize(64),
		capture.WithGate(gate),
	)

	if err := p.Start(sink.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Feed(loudBlock(64))  // voice: forwarded as one frame
	dev.Feed(quietBlock(64)) // silence: gate closes, block dropped
	dev.Feed(quietBlock(64)) // still silent: dropped
	dev.Feed(loudBlock(64))  // voice again: gate reopens, forwarded

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := sink.all()
	if len(frames) != 2 {
		t.Fatalf("want 2 voiced frames (silence suppressed), got %d", len(frames))
	}
}

// ─── TestPipeline_StopEmitsTrailingFrameWhenQueueFull ────────────────────────

func TestPipeline_StopEmitsTrailingFrameWhenQueueFull(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	p := capture.NewPipeline(dev, 16000, capture.WithFrameSize(5))

	// The output callback stalls until released, so the hand-off queue can be
	// filled behind it.
	err := p.Start(func(f audio.Frame) {
		sink.emit(f)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Feed(loudBlock(5)) // one full frame; its emit blocks the pipeline
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline never emitted the first frame")
	}

	// Fill the queue to capacity while the pipeline goroutine is stalled:
	// 32 one-sample blocks, leaving a 2-sample remainder after framing.
	for range 32 {
		dev.Feed(loudBlock(1))
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- p.Stop() }()

	close(release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 1 stalled frame + 6 full frames from the queued blocks + the trailing
	// 2-sample fragment.
	frames := sink.all()
	if len(frames) != 8 {
		t.Fatalf("want 8 frames, got %d", len(frames))
	}
	if got := len(frames[7].Data); got != 2*2 {
		t.Fatalf("trailing fragment: want %d bytes, got %d", 2*2, got)
	}
}

// ─── TestPipeline_ResamplesToOutputRate ──────────────────────────────────────

func TestPipeline_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	sink := &frameSink{}
	p := capture.NewPipeline(dev, 32000,
		capture.WithFrameSize(64),
		capture.WithOutputRate(16000),
	)

	if err := p.Start(sink.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.Feed(loudBlock(256)) // 256 samples at 32kHz → 128 at 16kHz

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := sink.all()
	if len(frames) != 2 {
		t.Fatalf("want 2 downsampled frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.SampleRate != 16000 {
			t.Fatalf("frame %d: sample rate %d", i, f.SampleRate)
		}
		if len(f.Data) != 64*2 {
			t.Fatalf("frame %d: want %d bytes, got %d", i, 64*2, len(f.Data))
		}
	}
	// Timestamps are in the output rate: 64 samples at 16kHz = 4ms.
	if frames[1].Timestamp-frames[0].Timestamp != 4*time.Millisecond {
		t.Fatalf("timestamp step: got %v", frames[1].Timestamp-frames[0].Timestamp)
	}
}

// ─── TestPipeline_StartTwice ─────────────────────────────────────────────────

func TestPipeline_StartTwice(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	p := capture.NewPipeline(dev, 16000)
	if err := p.Start(func(audio.Frame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	if err := p.Start(func(audio.Frame) {}); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("second Start: want ErrAlreadyStarted, got %v", err)
	}
}

// ─── TestPipeline_DeviceStartFailure ─────────────────────────────────────────

func TestPipeline_DeviceStartFailure(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{StartErr: errors.New("device busy")}
	p := capture.NewPipeline(dev, 16000)

	if err := p.Start(func(audio.Frame) {}); err == nil {
		t.Fatal("Start: want error when the device refuses")
	}

	// The failed start left the pipeline stopped; a retry is allowed.
	dev.StartErr = nil
	if err := p.Start(func(audio.Frame) {}); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ─── TestPipeline_StopIdempotent ─────────────────────────────────────────────

func TestPipeline_StopIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	p := capture.NewPipeline(dev, 16000)
	if err := p.Start(func(audio.Frame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.StopCalls() != 1 {
		t.Fatalf("device Stop calls: want 1, got %d", dev.StopCalls())
	}
}
