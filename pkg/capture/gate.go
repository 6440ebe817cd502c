package capture

import (
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
)

// Gate suppresses outbound frames during detected silence so a downstream
// timer can infer end-of-turn. While the root-mean-square energy of incoming
// blocks stays below the threshold for longer than the hold duration,
// forwarding stops; it resumes immediately when energy rises again.
//
// Silence time is derived from sample counts rather than the wall clock, which
// keeps the gate deterministic for a given input signal.
//
// Parameters can be updated at runtime; all methods are safe for concurrent
// use.
type Gate struct {
	mu        sync.Mutex
	threshold float64
	hold      time.Duration
	silentFor time.Duration
	open      bool
}

// NewGate creates a gate that closes after energy stays below threshold (RMS
// of normalized samples) for hold. The gate starts open.
func NewGate(threshold float64, hold time.Duration) *Gate {
	return &Gate{
		threshold: threshold,
		hold:      hold,
		open:      true,
	}
}

// Process classifies one block of normalized samples and reports whether
// forwarding is currently open.
func (g *Gate) Process(samples []float32, sampleRate int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if audio.RMS(samples) >= g.threshold {
		g.silentFor = 0
		g.open = true
		return true
	}

	if sampleRate > 0 {
		g.silentFor += time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	}
	if g.silentFor >= g.hold {
		g.open = false
	}
	return g.open
}

// Open reports whether forwarding is currently open.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// SetParams updates the threshold and hold duration. Non-positive values leave
// the corresponding parameter unchanged. Used for config hot-reload.
func (g *Gate) SetParams(threshold float64, hold time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if threshold > 0 {
		g.threshold = threshold
	}
	if hold > 0 {
		g.hold = hold
	}
}

// Reset reopens the gate and clears the silence accumulator.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.silentFor = 0
	g.open = true
}
