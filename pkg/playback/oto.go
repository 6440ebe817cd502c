package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Compile-time assertion that OtoDevice satisfies the Device interface.
var _ Device = (*OtoDevice)(nil)

const (
	// otoBufferBytes is the oto context buffer size in bytes. At 24 kHz mono
	// int16, 4800 bytes is ~100 ms — low latency without constant glitches.
	otoBufferBytes = 4800

	// rampDuration is the gain ramp applied by StopAll to avoid a click.
	rampDuration = 5 * time.Millisecond
)

// OtoDevice is a [Device] backed by an oto/v3 speaker stream.
//
// The device clock is the stream position: the total number of samples the
// player has pulled, as a duration. Scheduling a buffer at a future clock time
// inserts the corresponding amount of silence into the stream.
type OtoDevice struct {
	ctx        *oto.Context
	player     *oto.Player
	sampleRate int

	mu   sync.Mutex
	fifo []byte // pending int16 LE stream data
	fed  int64  // samples already pulled by the player
	last int16  // last sample value handed out, for the stop ramp
}

// NewOtoDevice initialises the speaker at sampleRate (mono, int16) and starts
// the playback stream. It blocks until the audio context is ready.
func NewOtoDevice(sampleRate int) (*OtoDevice, error) {
	d := &OtoDevice{sampleRate: sampleRate}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: init speaker: %w", err)
	}
	<-ready

	d.ctx = ctx
	d.player = ctx.NewPlayer(d)
	d.player.Play()
	return d, nil
}

// Now implements [Clock]: the stream position as a duration.
func (d *OtoDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.fed) * time.Second / time.Duration(d.sampleRate)
}

// Play implements [Device]. Samples are quantized and appended to the stream;
// a gap between the current stream end and the requested start time becomes
// silence. A start time already in the past degrades to immediate playback.
func (d *OtoDevice) Play(buf []float32, at time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	atSample := int64(at) * int64(d.sampleRate) / int64(time.Second)
	streamEnd := d.fed + int64(len(d.fifo)/2)
	if gap := atSample - streamEnd; gap > 0 {
		d.fifo = append(d.fifo, make([]byte, gap*2)...)
	}

	for _, s := range buf {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		d.fifo = append(d.fifo, byte(v), byte(v>>8))
	}
}

// StopAll implements [Device]. Pending stream data is discarded and replaced
// with a short linear ramp from the last played sample down to zero.
func (d *OtoDevice) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fifo = d.fifo[:0]

	rampSamples := int(int64(d.sampleRate) * int64(rampDuration) / int64(time.Second))
	if rampSamples <= 0 || d.last == 0 {
		return
	}
	for i := range rampSamples {
		v := int32(d.last) * int32(rampSamples-1-i) / int32(rampSamples)
		d.fifo = append(d.fifo, byte(v), byte(v>>8))
	}
}

// Read implements io.Reader for the oto player. It never blocks and never
// returns EOF: when no stream data is pending it hands out silence, keeping
// the stream position advancing in real time.
func (d *OtoDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := copy(p, d.fifo)
	d.fifo = d.fifo[n:]
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	if n >= 2 {
		d.last = int16(p[n-2]) | int16(p[n-1])<<8
	} else if len(p) >= 2 {
		d.last = 0
	}
	d.fed += int64(len(p) / 2)
	return len(p), nil
}

// Close stops the player and releases the speaker stream.
func (d *OtoDevice) Close() error {
	if err := d.player.Close(); err != nil {
		return fmt.Errorf("playback: close player: %w", err)
	}
	return nil
}
