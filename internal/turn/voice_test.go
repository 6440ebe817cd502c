package turn_test

import (
	"encoding/base64"
	"testing"

	"github.com/MrWong99/parlance/internal/turn"
	"github.com/MrWong99/parlance/pkg/live"
)

// audioPart wraps pcm as a base64 inline-data part the way the wire carries it.
func audioPart(pcm []byte) live.Part {
	return live.Part{InlineData: &live.InlineData{
		MIMEType: "audio/pcm;rate=24000",
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}
}

// ─── TestVoiceHandler_DecodesAudio ───────────────────────────────────────────

func TestVoiceHandler_DecodesAudio(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	var frames [][]byte
	h.OnAudio(func(pcm []byte) { frames = append(frames, pcm) })

	want := []byte{0x01, 0x02, 0x03, 0x04}
	h.ProcessAudioParts([]live.Part{audioPart(want)})

	if len(frames) != 1 {
		t.Fatalf("want 1 decoded frame, got %d", len(frames))
	}
	if string(frames[0]) != string(want) {
		t.Fatalf("decoded frame: want %v, got %v", want, frames[0])
	}
	if h.AudioChunks() != 1 {
		t.Fatalf("AudioChunks: want 1, got %d", h.AudioChunks())
	}
}

// ─── TestVoiceHandler_SkipsUndecodableChunks ─────────────────────────────────

func TestVoiceHandler_SkipsUndecodableChunks(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	frames := 0
	h.OnAudio(func([]byte) { frames++ })

	h.ProcessAudioParts([]live.Part{
		{InlineData: &live.InlineData{Data: "not!!valid!!base64"}},
		{InlineData: &live.InlineData{Data: ""}},
		{Text: "no inline data at all"},
		audioPart([]byte{0xAA}),
	})

	if frames != 1 {
		t.Fatalf("want 1 forwarded frame, got %d", frames)
	}
	if h.AudioChunks() != 1 {
		t.Fatalf("AudioChunks: want 1, got %d", h.AudioChunks())
	}
}

// ─── TestVoiceHandler_SeparateTranscriptionStreams ───────────────────────────

func TestVoiceHandler_SeparateTranscriptionStreams(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	var userTotal, modelTotal string
	h.OnUserTranscription(func(_, total string) { userTotal = total })
	h.OnAccumulated(func(_, total string) { modelTotal = total })

	h.ProcessUserTranscription("what is ")
	h.ProcessUserTranscription("the time?")
	h.ProcessModelTranscription("It is ")
	h.ProcessModelTranscription("noon.")

	if userTotal != "what is the time?" {
		t.Fatalf("user transcription: want %q, got %q", "what is the time?", userTotal)
	}
	if modelTotal != "It is noon." {
		t.Fatalf("model transcription: want %q, got %q", "It is noon.", modelTotal)
	}
}

// ─── TestVoiceHandler_CompleteTurn ───────────────────────────────────────────

func TestVoiceHandler_CompleteTurn(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	h.ProcessAudioParts([]live.Part{audioPart([]byte{1, 2}), audioPart([]byte{3, 4})})
	h.ProcessModelTranscription(" Good morning. ")

	res, ok := h.CompleteTurn()
	if !ok {
		t.Fatal("CompleteTurn: want ok=true")
	}
	if res.Transcription != "Good morning." {
		t.Fatalf("Transcription: want %q, got %q", "Good morning.", res.Transcription)
	}
	if res.AudioChunks != 2 {
		t.Fatalf("AudioChunks: want 2, got %d", res.AudioChunks)
	}
	if res.TranscriptionChunks != 1 {
		t.Fatalf("TranscriptionChunks: want 1, got %d", res.TranscriptionChunks)
	}

	// A second boundary without new content is a no-op.
	if _, ok := h.CompleteTurn(); ok {
		t.Fatal("second CompleteTurn: want ok=false")
	}
}

// ─── TestVoiceHandler_EmptyTurn ──────────────────────────────────────────────

func TestVoiceHandler_EmptyTurn(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	h.OnComplete(func(turn.VoiceResult) { t.Fatal("OnComplete must not fire for empty turns") })

	if _, ok := h.CompleteTurn(); ok {
		t.Fatal("CompleteTurn on empty handler: want ok=false")
	}
}

// ─── TestVoiceHandler_ResetDropsEverything ───────────────────────────────────

func TestVoiceHandler_ResetDropsEverything(t *testing.T) {
	t.Parallel()

	h := turn.NewVoiceHandler()
	h.ProcessAudioParts([]live.Part{audioPart([]byte{9})})
	h.ProcessModelTranscription("half a sentence")
	h.ProcessUserTranscription("user words")

	h.Reset()

	if h.AudioChunks() != 0 || h.TranscriptionLen() != 0 {
		t.Fatalf("after Reset: chunks=%d len=%d, want 0/0", h.AudioChunks(), h.TranscriptionLen())
	}
	if _, ok := h.CompleteTurn(); ok {
		t.Fatal("CompleteTurn after Reset: want ok=false")
	}
}
