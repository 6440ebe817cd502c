// Package playback schedules gapless playback of inbound model audio against
// a real-time audio clock.
//
// Decoded PCM frames arrive out of band from the network and are accumulated
// into a jitter buffer; the [Scheduler] slices the buffer into fixed-duration
// sub-buffers and schedules each for a precise future start time on the output
// [Device], keeping a look-ahead window ahead of the device clock so that
// processing jitter never produces an audible gap. It self-heals after
// underruns and after the device clock jumps forward (e.g. suspend/resume).
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
)

// Default scheduling parameters.
const (
	// DefaultSubBufferDuration is the play time of one scheduled sub-buffer.
	DefaultSubBufferDuration = 320 * time.Millisecond

	// DefaultLookAhead is how far ahead of the device clock sub-buffers are
	// scheduled.
	DefaultLookAhead = 200 * time.Millisecond

	// DefaultIdlePoll is the re-check interval while the queue is empty but
	// the stream is not yet complete.
	DefaultIdlePoll = 100 * time.Millisecond

	// DefaultInitialDelay is the scheduling cushion applied when the cursor is
	// (re-)anchored to the device clock.
	DefaultInitialDelay = 50 * time.Millisecond

	// clockJumpThreshold separates an ordinary underrun (cursor slightly in
	// the past) from a device clock jump after suspension.
	clockJumpThreshold = 1 * time.Second
)

// Clock is the monotonic real-time clock exposed by an audio output device.
type Clock interface {
	// Now returns the current device clock time. The clock may jump forward
	// when the device is suspended and later resumed.
	Now() time.Duration
}

// Device is an audio output sink with a schedulable timeline.
//
// Implementations must be safe for concurrent use.
type Device interface {
	Clock

	// Play schedules buf (normalized mono float32 samples at the scheduler's
	// sample rate) to start at the given device clock time. Ownership of buf
	// transfers to the device.
	Play(buf []float32, at time.Duration)

	// StopAll immediately halts and discards all pending and playing buffers,
	// ramping output gain down briefly to avoid an audible click.
	StopAll()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSubBufferDuration overrides the sub-buffer duration.
func WithSubBufferDuration(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.subBufDur = d
		}
	}
}

// WithLookAhead overrides the look-ahead window.
func WithLookAhead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lookAhead = d
		}
	}
}

// WithIdlePoll overrides the empty-queue poll interval. Primarily used in
// tests to keep suites fast.
func WithIdlePoll(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.idlePoll = d
		}
	}
}

// WithInitialDelay overrides the cushion used when anchoring the scheduling
// cursor to the device clock.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// Scheduler owns the jitter buffer and the single "next scheduled time"
// cursor, which is the sole source of truth for where in time the next
// sub-buffer must start.
//
// All exported methods are safe for concurrent use. The device's gain and
// scheduling timeline are mutated exclusively by the scheduler.
type Scheduler struct {
	device       Device
	sampleRate   int
	subBufDur    time.Duration
	lookAhead    time.Duration
	idlePoll     time.Duration
	initialDelay time.Duration

	mu        sync.Mutex
	acc       []float32   // rolling accumulator, not yet sliced
	queue     [][]float32 // sliced sub-buffers awaiting scheduling
	next      time.Duration
	anchored  bool
	complete  bool
	scheduled time.Duration // total scheduled play time, for diagnostics
	underruns uint64
	closed    bool

	onIdle      func()
	onUnderrun  func()
	idleEmitted bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a scheduler playing mono float32 audio at sampleRate on
// device and starts its dispatch goroutine. Call [Scheduler.Close] to release
// it.
func NewScheduler(device Device, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:       device,
		sampleRate:   sampleRate,
		subBufDur:    DefaultSubBufferDuration,
		lookAhead:    DefaultLookAhead,
		idlePoll:     DefaultIdlePoll,
		initialDelay: DefaultInitialDelay,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// EnqueuePCM16 accepts one inbound PCM frame (little-endian int16 at the
// scheduler's sample rate), converts it to normalized samples, and slices any
// newly available full sub-buffers into the scheduling queue. New data after a
// completed stream restarts it with a fresh scheduling cursor.
func (s *Scheduler) EnqueuePCM16(pcm []byte) {
	s.Enqueue(audio.PCM16ToFloat32(pcm))
}

// Enqueue is the normalized-sample variant of [Scheduler.EnqueuePCM16].
func (s *Scheduler) Enqueue(samples []float32) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.complete {
		// Stream restarted after completion: the stale cursor must not be
		// trusted.
		s.complete = false
		s.anchored = false
	}
	s.idleEmitted = false
	s.acc = append(s.acc, samples...)

	subBufSamples := s.subBufSamples()
	for len(s.acc) >= subBufSamples {
		buf := make([]float32, subBufSamples)
		copy(buf, s.acc[:subBufSamples])
		s.acc = s.acc[subBufSamples:]
		s.queue = append(s.queue, buf)
	}
	s.mu.Unlock()

	s.notify()
}

// MarkStreamComplete flushes any partially filled accumulator as a final short
// sub-buffer. Once the queue drains with no more data expected, the scheduler
// transitions to idle and fires the idle callback.
func (s *Scheduler) MarkStreamComplete() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.complete = true
	if len(s.acc) > 0 {
		tail := make([]float32, len(s.acc))
		copy(tail, s.acc)
		s.acc = s.acc[:0]
		s.queue = append(s.queue, tail)
	}
	s.mu.Unlock()

	s.notify()
}

// Stop immediately halts playback, discards all pending and unflushed audio,
// and resets the scheduling cursor. The device ramps its gain down briefly to
// avoid a click.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.acc = nil
	s.queue = nil
	s.anchored = false
	s.complete = false
	s.idleEmitted = false
	s.mu.Unlock()

	s.device.StopAll()
	s.notify()
}

// OnIdle registers cb to run once each time the stream completes and the
// queue drains.
func (s *Scheduler) OnIdle(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = cb
}

// OnUnderrun registers cb to run whenever the cursor is found behind the
// device clock (an audible gap may have occurred).
func (s *Scheduler) OnUnderrun(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnderrun = cb
}

// ScheduledDuration returns the total play time scheduled so far.
func (s *Scheduler) ScheduledDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Underruns returns the number of underruns detected so far.
func (s *Scheduler) Underruns() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

// Pending returns the queued sub-buffer count and accumulated-but-unsliced
// sample count, for diagnostics.
func (s *Scheduler) Pending() (subBuffers, accSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), len(s.acc)
}

// Close stops the dispatch goroutine and discards all pending audio. Safe to
// call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.acc = nil
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

// notify wakes the dispatch goroutine; coalesced when one is already pending.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the scheduling goroutine. It schedules queued sub-buffers whose
// start time falls within the look-ahead window of "now", re-checking while
// more data is queued and falling back to the slow idle poll when the queue
// empties before the stream is complete.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		buf, start, wait := s.plan()

		if buf != nil {
			s.device.Play(buf, start)
			continue
		}

		if wait <= 0 {
			wait = s.idlePoll
		}
		timer.Reset(wait)
		select {
		case <-s.done:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// plan decides the next dispatch action: a sub-buffer ready to schedule now
// (buf non-nil), or a wait duration until the next re-check.
func (s *Scheduler) plan() (buf []float32, start, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, 0
	}

	if len(s.queue) == 0 {
		if s.complete && len(s.acc) == 0 && !s.idleEmitted {
			s.idleEmitted = true
			if s.onIdle != nil {
				go s.onIdle()
			}
		}
		return nil, 0, s.idlePoll
	}

	now := s.device.Now()

	if !s.anchored {
		s.next = now + s.initialDelay
		s.anchored = true
	} else if s.next < now {
		gap := now - s.next
		if gap > clockJumpThreshold {
			// The device clock jumped forward (e.g. resumed after suspension):
			// the absolute cursor value is stale and must be re-anchored.
			slog.Debug("playback clock jump, re-anchoring",
				"gap", gap,
				"initial_delay", s.initialDelay,
			)
			s.next = now + s.initialDelay
		} else {
			s.underruns++
			if s.onUnderrun != nil {
				go s.onUnderrun()
			}
			s.next = now
		}
	}

	start = s.next
	if ahead := start - now; ahead > s.lookAhead {
		// Outside the look-ahead window; re-check when it enters.
		return nil, 0, ahead - s.lookAhead
	}

	buf = s.queue[0]
	s.queue = s.queue[1:]
	dur := s.bufDuration(len(buf))
	s.next = start + dur
	s.scheduled += dur
	return buf, start, 0
}

// subBufSamples returns the sub-buffer size in samples.
func (s *Scheduler) subBufSamples() int {
	n := int(int64(s.sampleRate) * int64(s.subBufDur) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	return n
}

// bufDuration returns the play time of n samples.
func (s *Scheduler) bufDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.sampleRate)
}
