package playback_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/playback"
	"github.com/MrWong99/parlance/pkg/playback/mock"
)

// testRate keeps sub-buffer sample counts small: 10ms = 10 samples.
const testRate = 1000

// newTestScheduler builds a scheduler with tight timings over a mock device.
func newTestScheduler(t *testing.T, dev *mock.Device, opts ...playback.Option) *playback.Scheduler {
	t.Helper()
	all := append([]playback.Option{
		playback.WithSubBufferDuration(10 * time.Millisecond),
		playback.WithLookAhead(100 * time.Millisecond),
		playback.WithIdlePoll(time.Millisecond),
		playback.WithInitialDelay(10 * time.Millisecond),
	}, opts...)
	s := playback.NewScheduler(dev, testRate, all...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── TestScheduler_SlicesAndSchedulesEverything ──────────────────────────────

func TestScheduler_SlicesAndSchedulesEverything(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev)

	// 25 samples = 2 full 10-sample sub-buffers + a 5-sample tail.
	s.Enqueue(make([]float32, 25))
	eventually(t, func() bool { return dev.TotalScheduledSamples() == 20 },
		"full sub-buffers not scheduled")

	// The tail stays in the accumulator until the stream completes.
	if _, acc := s.Pending(); acc != 5 {
		t.Fatalf("accumulator: want 5 samples, got %d", acc)
	}

	s.MarkStreamComplete()
	eventually(t, func() bool { return dev.TotalScheduledSamples() == 25 },
		"flushed tail not scheduled")

	// Every input sample was scheduled exactly once, with no gaps: each
	// sub-buffer starts where the previous one ends.
	plays := dev.Plays()
	if len(plays) != 3 {
		t.Fatalf("want 3 plays, got %d", len(plays))
	}
	if plays[0].At != 10*time.Millisecond {
		t.Fatalf("first start: want initial delay 10ms, got %v", plays[0].At)
	}
	for i := 1; i < len(plays); i++ {
		prevEnd := plays[i-1].At + time.Duration(len(plays[i-1].Buf))*time.Second/testRate
		if plays[i].At != prevEnd {
			t.Fatalf("play %d: want gapless start %v, got %v", i, prevEnd, plays[i].At)
		}
	}
	if got := s.ScheduledDuration(); got != 25*time.Millisecond {
		t.Fatalf("ScheduledDuration: want 25ms, got %v", got)
	}
}

// ─── TestScheduler_EnqueuePCM16 ──────────────────────────────────────────────

func TestScheduler_EnqueuePCM16(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev)

	// 20 int16 samples as little-endian bytes: exactly 2 sub-buffers.
	s.EnqueuePCM16(audio.Float32ToPCM16(make([]float32, 20)))
	eventually(t, func() bool { return dev.TotalScheduledSamples() == 20 },
		"PCM frames not scheduled")
}

// ─── TestScheduler_LookAheadWindow ───────────────────────────────────────────

func TestScheduler_LookAheadWindow(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev,
		playback.WithLookAhead(20*time.Millisecond),
		playback.WithInitialDelay(0),
	)

	// 5 sub-buffers; with a 20ms look-ahead only starts at 0/10/20ms qualify.
	s.Enqueue(make([]float32, 50))
	eventually(t, func() bool { return len(dev.Plays()) == 3 },
		"look-ahead window not filled")

	time.Sleep(20 * time.Millisecond)
	if got := len(dev.Plays()); got != 3 {
		t.Fatalf("scheduling must stall at the look-ahead edge: want 3 plays, got %d", got)
	}

	// Advancing the device clock moves the window and admits the rest.
	dev.Advance(20 * time.Millisecond)
	eventually(t, func() bool { return len(dev.Plays()) == 5 },
		"plays not resumed after clock advance")
}

// ─── TestScheduler_UnderrunRealigns ──────────────────────────────────────────

func TestScheduler_UnderrunRealigns(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev, playback.WithInitialDelay(0))

	underruns := make(chan struct{}, 8)
	s.OnUnderrun(func() { underruns <- struct{}{} })

	s.Enqueue(make([]float32, 10))
	eventually(t, func() bool { return len(dev.Plays()) == 1 },
		"first sub-buffer not scheduled")

	// The cursor now sits at 10ms. Move the clock to 200ms: less than the
	// clock-jump threshold, so this is an underrun and the cursor snaps to now.
	dev.SetNow(200 * time.Millisecond)
	s.Enqueue(make([]float32, 10))
	eventually(t, func() bool { return len(dev.Plays()) == 2 },
		"sub-buffer not scheduled after underrun")

	if at := dev.Plays()[1].At; at != 200*time.Millisecond {
		t.Fatalf("underrun realign: want start at 200ms, got %v", at)
	}
	select {
	case <-underruns:
	case <-time.After(time.Second):
		t.Fatal("underrun callback not fired")
	}
	if got := s.Underruns(); got != 1 {
		t.Fatalf("Underruns: want 1, got %d", got)
	}
}

// ─── TestScheduler_ClockJumpReanchors ────────────────────────────────────────

func TestScheduler_ClockJumpReanchors(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev, playback.WithInitialDelay(10*time.Millisecond))

	s.Enqueue(make([]float32, 10))
	eventually(t, func() bool { return len(dev.Plays()) == 1 },
		"first sub-buffer not scheduled")

	// A jump beyond the threshold simulates suspend/resume: the cursor is
	// re-anchored with the initial delay instead of counting an underrun.
	dev.SetNow(5 * time.Second)
	s.Enqueue(make([]float32, 10))
	eventually(t, func() bool { return len(dev.Plays()) == 2 },
		"sub-buffer not scheduled after clock jump")

	if at := dev.Plays()[1].At; at != 5*time.Second+10*time.Millisecond {
		t.Fatalf("re-anchor: want start at 5.01s, got %v", at)
	}
	if got := s.Underruns(); got != 0 {
		t.Fatalf("clock jump must not count as underrun, got %d", got)
	}
}

// ─── TestScheduler_StopDiscardsPending ───────────────────────────────────────

func TestScheduler_StopDiscardsPending(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev,
		playback.WithLookAhead(5*time.Millisecond),
		playback.WithInitialDelay(0),
	)

	// Far more audio than fits the 5ms look-ahead: most of it stays queued.
	s.Enqueue(make([]float32, 200))
	eventually(t, func() bool { return len(dev.Plays()) >= 1 },
		"nothing scheduled before Stop")

	s.Stop()

	if dev.StopAllCalls() != 1 {
		t.Fatalf("StopAll calls: want 1, got %d", dev.StopAllCalls())
	}
	if q, acc := s.Pending(); q != 0 || acc != 0 {
		t.Fatalf("pending after Stop: queue=%d acc=%d, want 0/0", q, acc)
	}

	// New audio after Stop re-anchors from the current clock.
	dev.SetNow(time.Second)
	s.Enqueue(make([]float32, 10))
	eventually(t, func() bool {
		plays := dev.Plays()
		return len(plays) >= 2 && plays[len(plays)-1].At >= time.Second
	}, "not re-anchored after Stop")
}

// ─── TestScheduler_IdleCallback ──────────────────────────────────────────────

func TestScheduler_IdleCallback(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev)

	idle := make(chan struct{}, 4)
	s.OnIdle(func() { idle <- struct{}{} })

	s.Enqueue(make([]float32, 10))
	s.MarkStreamComplete()

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not fired after stream completion")
	}

	// Idle fires once per completed stream, not per poll.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-idle:
		t.Fatal("idle callback fired more than once")
	default:
	}

	// A restarted stream fires it again when it completes.
	s.Enqueue(make([]float32, 10))
	s.MarkStreamComplete()
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not fired for restarted stream")
	}
}

// ─── TestScheduler_CloseStopsDispatch ────────────────────────────────────────

func TestScheduler_CloseStopsDispatch(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	s := newTestScheduler(t, dev)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Enqueue after Close is a silent no-op.
	s.Enqueue(make([]float32, 10))
	time.Sleep(10 * time.Millisecond)
	if got := dev.TotalScheduledSamples(); got != 0 {
		t.Fatalf("scheduled after Close: want 0 samples, got %d", got)
	}
}
