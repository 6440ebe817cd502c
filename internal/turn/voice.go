package turn

import (
	"encoding/base64"
	"strings"

	"github.com/MrWong99/parlance/pkg/live"
)

// VoiceResult is the voice modality's contribution to a completed turn.
type VoiceResult struct {
	// Transcription is the trimmed model-output transcription text.
	Transcription string

	// AudioChunks is the number of audio frames received this turn.
	AudioChunks int

	// TranscriptionChunks is the number of transcription fragments received
	// this turn. Audio frames and transcription text are logically separate
	// streams that happen to share a turn, so they are counted separately.
	TranscriptionChunks int
}

// VoiceHandler accumulates the speech side of a turn: decoded audio frames are
// forwarded to the audio callback (and counted), while model and user
// transcription fragments accumulate as text streams of their own.
type VoiceHandler struct {
	modelTranscription strings.Builder
	userTranscription  strings.Builder
	audioChunks        int
	transcriptChunks   int

	onAudio             func(pcm []byte)
	onUserTranscription func(chunk, total string)
	onAccumulated       func(chunk, total string)
	onComplete          func(VoiceResult)
}

// NewVoiceHandler creates an empty voice accumulator.
func NewVoiceHandler() *VoiceHandler {
	return &VoiceHandler{}
}

// OnAudio registers cb to receive each decoded inbound PCM frame. The frame
// ownership transfers to the callback.
func (h *VoiceHandler) OnAudio(cb func(pcm []byte)) {
	h.onAudio = cb
}

// OnUserTranscription registers cb for user-speech recognition fragments.
func (h *VoiceHandler) OnUserTranscription(cb func(chunk, total string)) {
	h.onUserTranscription = cb
}

// OnAccumulated registers cb for model-output transcription fragments.
func (h *VoiceHandler) OnAccumulated(cb func(chunk, total string)) {
	h.onAccumulated = cb
}

// OnComplete registers cb to receive the voice result of a turn. It fires only
// when the turn carried audio or transcription.
func (h *VoiceHandler) OnComplete(cb func(VoiceResult)) {
	h.onComplete = cb
}

// ProcessAudioParts decodes the audio-bearing parts and forwards each decoded
// PCM frame to the audio callback. Undecodable or empty chunks are skipped.
func (h *VoiceHandler) ProcessAudioParts(parts []live.Part) {
	for _, p := range parts {
		if p.InlineData == nil {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil || len(pcm) == 0 {
			continue
		}
		h.audioChunks++
		if h.onAudio != nil {
			h.onAudio(pcm)
		}
	}
}

// ProcessUserTranscription appends a user-speech recognition fragment.
func (h *VoiceHandler) ProcessUserTranscription(text string) {
	if text == "" {
		return
	}
	h.userTranscription.WriteString(text)
	if h.onUserTranscription != nil {
		h.onUserTranscription(text, h.userTranscription.String())
	}
}

// ProcessModelTranscription appends a model-output transcription fragment.
func (h *VoiceHandler) ProcessModelTranscription(text string) {
	if text == "" {
		return
	}
	h.modelTranscription.WriteString(text)
	h.transcriptChunks++
	if h.onAccumulated != nil {
		h.onAccumulated(text, h.modelTranscription.String())
	}
}

// CompleteTurn finalises the voice side of the turn. It returns ok=false when
// the turn carried neither audio nor transcription. State is reset either way.
func (h *VoiceHandler) CompleteTurn() (VoiceResult, bool) {
	res := VoiceResult{
		Transcription:       strings.TrimSpace(h.modelTranscription.String()),
		AudioChunks:         h.audioChunks,
		TranscriptionChunks: h.transcriptChunks,
	}
	h.Reset()

	if res.Transcription == "" && res.AudioChunks == 0 {
		return VoiceResult{}, false
	}
	if h.onComplete != nil {
		h.onComplete(res)
	}
	return res, true
}

// Reset unconditionally clears all accumulator state without emitting
// completion. Used on interruption.
func (h *VoiceHandler) Reset() {
	h.modelTranscription.Reset()
	h.userTranscription.Reset()
	h.audioChunks = 0
	h.transcriptChunks = 0
}

// TranscriptionLen returns the accumulated model transcription length in bytes.
func (h *VoiceHandler) TranscriptionLen() int { return h.modelTranscription.Len() }

// AudioChunks returns the number of audio frames received this turn.
func (h *VoiceHandler) AudioChunks() int { return h.audioChunks }
