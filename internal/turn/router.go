package turn

import (
	"github.com/MrWong99/parlance/pkg/live"
)

// Result aggregates the non-empty handler outputs of one completed turn.
type Result struct {
	// Text is the model's accumulated reply text, empty if the turn carried
	// none.
	Text string

	// Voice is the voice modality's contribution. Zero value if the turn
	// carried neither audio nor transcription.
	Voice VoiceResult
}

// Empty reports whether the turn produced no content at all.
func (r Result) Empty() bool {
	return r.Text == "" && r.Voice.Transcription == "" && r.Voice.AudioChunks == 0
}

// Router classifies each inbound envelope and dispatches it to the matching
// content handler. An envelope may carry more than one concern (e.g.
// simultaneous setup acknowledgement and content); every present variant is
// dispatched. Unrecognized envelopes emit the unhandled signal rather than
// failing.
type Router struct {
	text  *TextHandler
	voice *VoiceHandler
	tools *ToolCallHandler

	onSetupComplete func()
	onInterrupted   func()
	onTurnComplete  func(Result)
	onGoAway        func(live.GoAway)
	onServerError   func(live.ServerError)
	onUnhandled     func(*live.ServerEnvelope)
}

// NewRouter creates a router over the three content handlers.
func NewRouter(text *TextHandler, voice *VoiceHandler, tools *ToolCallHandler) *Router {
	return &Router{text: text, voice: voice, tools: tools}
}

// OnSetupComplete registers cb for the setup acknowledgement.
func (r *Router) OnSetupComplete(cb func()) { r.onSetupComplete = cb }

// OnInterrupted registers cb for turn interruptions.
func (r *Router) OnInterrupted(cb func()) { r.onInterrupted = cb }

// OnTurnComplete registers cb to receive the aggregated result of each
// completed turn.
func (r *Router) OnTurnComplete(cb func(Result)) { r.onTurnComplete = cb }

// OnGoAway registers cb for the service's pre-termination notice.
func (r *Router) OnGoAway(cb func(live.GoAway)) { r.onGoAway = cb }

// OnServerError registers cb for protocol-level error envelopes.
func (r *Router) OnServerError(cb func(live.ServerError)) { r.onServerError = cb }

// OnUnhandled registers cb for envelopes with no recognized variant.
func (r *Router) OnUnhandled(cb func(*live.ServerEnvelope)) { r.onUnhandled = cb }

// Route dispatches one parsed envelope. It must be called from the session's
// dispatch goroutine only.
func (r *Router) Route(env *live.ServerEnvelope) {
	if env.Empty() {
		if r.onUnhandled != nil {
			r.onUnhandled(env)
		}
		return
	}

	if env.SetupComplete != nil && r.onSetupComplete != nil {
		r.onSetupComplete()
	}
	if env.Error != nil && r.onServerError != nil {
		r.onServerError(*env.Error)
	}
	if env.GoAway != nil && r.onGoAway != nil {
		r.onGoAway(*env.GoAway)
	}
	if env.ToolCall != nil {
		// Tool traffic bypasses content branching entirely.
		r.tools.ProcessToolCall(env.ToolCall)
	}
	if env.ToolCallCancellation != nil {
		r.tools.ProcessToolCancellation(env.ToolCallCancellation)
	}
	if env.ServerContent != nil {
		r.routeContent(env.ServerContent)
	}
}

// routeContent dispatches a serverContent payload. The branches are checked in
// priority order and each is terminal for the envelope: transcription first,
// then interruption, then completion, then turn content.
func (r *Router) routeContent(sc *live.ServerContent) {
	if sc.InputTranscription != nil {
		r.voice.ProcessUserTranscription(sc.InputTranscription.Text)
		return
	}
	if sc.OutputTranscription != nil {
		r.voice.ProcessModelTranscription(sc.OutputTranscription.Text)
		return
	}
	if sc.Interrupted {
		r.text.Reset()
		r.voice.Reset()
		if r.onInterrupted != nil {
			r.onInterrupted()
		}
		return
	}
	if sc.TurnComplete {
		var result Result
		if text, ok := r.text.CompleteTurn(); ok {
			result.Text = text
		}
		if voice, ok := r.voice.CompleteTurn(); ok {
			result.Voice = voice
		}
		if r.onTurnComplete != nil {
			r.onTurnComplete(result)
		}
		return
	}
	if sc.ModelTurn != nil {
		audio, text := partitionParts(sc.ModelTurn.Parts)
		if len(audio) > 0 {
			r.voice.ProcessAudioParts(audio)
		}
		if len(text) > 0 {
			r.text.ProcessTextParts(text)
		}
	}
}

// partitionParts splits turn content into its audio-bearing and text-bearing
// subsets.
func partitionParts(parts []live.Part) (audio []live.Part, text []string) {
	for _, p := range parts {
		if p.InlineData != nil {
			audio = append(audio, p)
		}
		if p.Text != "" {
			text = append(text, p.Text)
		}
	}
	return audio, text
}
