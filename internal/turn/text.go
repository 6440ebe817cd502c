// Package turn reconciles the multiplexed streams of a live conversation into
// discrete turns.
//
// The [Router] classifies each inbound envelope and dispatches it to the three
// content handlers — [TextHandler], [VoiceHandler] and [ToolCallHandler] — one
// per modality. Each handler owns its own accumulator state between a
// turn-start and a turn boundary (interruption or completion); the router
// composes their outputs into a single [Result] at the boundary.
//
// Router, TextHandler and VoiceHandler are driven exclusively from the
// session's dispatch goroutine and are not safe for concurrent use.
// ToolCallHandler is concurrency-safe because tool execution completes on
// worker goroutines.
package turn

import "strings"

// TextHandler accumulates the model's text content for the current turn.
type TextHandler struct {
	acc    strings.Builder
	chunks int

	onAccumulated func(chunk, total string)
	onComplete    func(text string)
}

// NewTextHandler creates an empty text accumulator.
func NewTextHandler() *TextHandler {
	return &TextHandler{}
}

// OnAccumulated registers cb to receive each appended chunk together with the
// running total.
func (h *TextHandler) OnAccumulated(cb func(chunk, total string)) {
	h.onAccumulated = cb
}

// OnComplete registers cb to receive the final trimmed text of a turn.
// It fires only for non-empty turns.
func (h *TextHandler) OnComplete(cb func(text string)) {
	h.onComplete = cb
}

// ProcessTextParts appends the non-empty chunks to the accumulator, in arrival
// order.
func (h *TextHandler) ProcessTextParts(chunks []string) {
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		h.acc.WriteString(chunk)
		h.chunks++
		if h.onAccumulated != nil {
			h.onAccumulated(chunk, h.acc.String())
		}
	}
}

// CompleteTurn finalises the turn. If anything was accumulated it emits the
// complete event and returns the trimmed text with ok=true; otherwise it is a
// no-op returning ok=false. The accumulator is reset either way, so a second
// call without intervening content always reports ok=false.
func (h *TextHandler) CompleteTurn() (text string, ok bool) {
	if h.acc.Len() == 0 {
		return "", false
	}
	text = strings.TrimSpace(h.acc.String())
	h.Reset()
	if text == "" {
		return "", false
	}
	if h.onComplete != nil {
		h.onComplete(text)
	}
	return text, true
}

// Reset unconditionally clears the accumulator without emitting completion.
// Used on interruption.
func (h *TextHandler) Reset() {
	h.acc.Reset()
	h.chunks = 0
}

// Len returns the accumulated text length in bytes.
func (h *TextHandler) Len() int { return h.acc.Len() }

// Chunks returns the number of chunks received this turn.
func (h *TextHandler) Chunks() int { return h.chunks }
