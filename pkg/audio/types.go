// Package audio defines the shared sample types and PCM conversion helpers
// used by the capture and playback pipelines.
//
// Frames are the atomic unit of audio transport — captured from the input
// device, quantized for the wire, decoded from the wire, and scheduled for
// playback. The wire convention is fixed externally: 16-bit signed
// little-endian PCM, 16 kHz mono outbound and 24 kHz mono inbound.
package audio

import "time"

// Wire sample rates mandated by the remote service.
const (
	// CaptureRate is the sample rate of outbound microphone audio in Hz.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of inbound model audio in Hz.
	PlaybackRate = 24000
)

// Frame represents a single block of PCM audio flowing through the pipeline.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture output, 24000 for playback input).
	SampleRate int

	// Channels is the channel count. Both wire directions are mono.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its sample rate.
// A zero or negative sample rate yields zero.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
