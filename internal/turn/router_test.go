package turn_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/parlance/internal/turn"
	"github.com/MrWong99/parlance/pkg/live"
)

// harness bundles a router with its handlers and recorded callback activity.
type harness struct {
	text   *turn.TextHandler
	voice  *turn.VoiceHandler
	tools  *turn.ToolCallHandler
	router *turn.Router

	setupComplete int
	interrupted   int
	unhandled     int
	results       []turn.Result
	goAways       []live.GoAway
	serverErrors  []live.ServerError
}

func newHarness() *harness {
	h := &harness{
		text:  turn.NewTextHandler(),
		voice: turn.NewVoiceHandler(),
		tools: turn.NewToolCallHandler(),
	}
	h.router = turn.NewRouter(h.text, h.voice, h.tools)
	h.router.OnSetupComplete(func() { h.setupComplete++ })
	h.router.OnInterrupted(func() { h.interrupted++ })
	h.router.OnTurnComplete(func(r turn.Result) { h.results = append(h.results, r) })
	h.router.OnGoAway(func(ga live.GoAway) { h.goAways = append(h.goAways, ga) })
	h.router.OnServerError(func(se live.ServerError) { h.serverErrors = append(h.serverErrors, se) })
	h.router.OnUnhandled(func(*live.ServerEnvelope) { h.unhandled++ })
	return h
}

func textEnvelope(chunks ...string) *live.ServerEnvelope {
	parts := make([]live.Part, len(chunks))
	for i, c := range chunks {
		parts[i] = live.Part{Text: c}
	}
	return &live.ServerEnvelope{ServerContent: &live.ServerContent{
		ModelTurn: &live.ModelTurn{Parts: parts},
	}}
}

// ─── TestRouter_TextTurn ─────────────────────────────────────────────────────

func TestRouter_TextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.router.Route(textEnvelope("Hello ", "there"))
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{TurnComplete: true}})

	if len(h.results) != 1 {
		t.Fatalf("want 1 turn result, got %d", len(h.results))
	}
	if h.results[0].Text != "Hello there" {
		t.Fatalf("result text: want %q, got %q", "Hello there", h.results[0].Text)
	}
	if h.results[0].Empty() {
		t.Fatal("result must not report empty")
	}
}

// ─── TestRouter_SetupCompleteSignal ──────────────────────────────────────────

func TestRouter_SetupCompleteSignal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	raw := json.RawMessage(`{}`)
	h.router.Route(&live.ServerEnvelope{SetupComplete: &raw})

	if h.setupComplete != 1 {
		t.Fatalf("setup complete signals: want 1, got %d", h.setupComplete)
	}
}

// ─── TestRouter_InterruptionResetsContentHandlers ────────────────────────────

func TestRouter_InterruptionResetsContentHandlers(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.router.Route(textEnvelope("doomed partial answer"))
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{Interrupted: true}})

	if h.interrupted != 1 {
		t.Fatalf("interruption signals: want 1, got %d", h.interrupted)
	}
	if h.text.Len() != 0 {
		t.Fatal("text accumulator must be reset on interruption")
	}

	// The following completion must see a clean slate.
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{TurnComplete: true}})
	if len(h.results) != 1 || !h.results[0].Empty() {
		t.Fatalf("post-interruption completion: want one empty result, got %+v", h.results)
	}
}

// ─── TestRouter_InterruptionLeavesToolCallsAlone ─────────────────────────────

func TestRouter_InterruptionLeavesToolCallsAlone(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.router.Route(&live.ServerEnvelope{ToolCall: &live.ToolCallMessage{
		FunctionCalls: []live.FunctionCall{{ID: "t1", Name: "get_time"}},
	}})
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{Interrupted: true}})

	if got := len(h.tools.Active()); got != 1 {
		t.Fatalf("active tool calls after interruption: want 1, got %d", got)
	}
}

// ─── TestRouter_TranscriptionBranchesAreTerminal ─────────────────────────────

func TestRouter_TranscriptionBranchesAreTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	// An envelope carrying input transcription must not fall through to the
	// model-turn branch even if parts are present.
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{
		InputTranscription: &live.Transcription{Text: "user said this"},
		ModelTurn:          &live.ModelTurn{Parts: []live.Part{{Text: "ignored"}}},
	}})

	if h.text.Len() != 0 {
		t.Fatal("model-turn parts must be ignored on a transcription envelope")
	}

	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{
		OutputTranscription: &live.Transcription{Text: "model said this"},
	}})
	h.router.Route(&live.ServerEnvelope{ServerContent: &live.ServerContent{TurnComplete: true}})

	if len(h.results) != 1 {
		t.Fatalf("want 1 result, got %d", len(h.results))
	}
	if got := h.results[0].Voice.Transcription; got != "model said this" {
		t.Fatalf("voice transcription: want %q, got %q", "model said this", got)
	}
}

// ─── TestRouter_MixedEnvelope ────────────────────────────────────────────────

func TestRouter_MixedEnvelope(t *testing.T) {
	t.Parallel()

	// Tool call and content in the same envelope: both are dispatched.
	h := newHarness()
	h.router.Route(&live.ServerEnvelope{
		ToolCall: &live.ToolCallMessage{
			FunctionCalls: []live.FunctionCall{{ID: "t1", Name: "get_time"}},
		},
		ServerContent: &live.ServerContent{
			ModelTurn: &live.ModelTurn{Parts: []live.Part{{Text: "checking…"}}},
		},
	})

	if len(h.tools.Active()) != 1 {
		t.Fatal("tool call not dispatched")
	}
	if h.text.Len() == 0 {
		t.Fatal("content not dispatched")
	}
}

// ─── TestRouter_GoAwayAndError ───────────────────────────────────────────────

func TestRouter_GoAwayAndError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.router.Route(&live.ServerEnvelope{GoAway: &live.GoAway{TimeLeft: "10s"}})
	h.router.Route(&live.ServerEnvelope{Error: &live.ServerError{Code: 13, Message: "internal"}})

	if len(h.goAways) != 1 || h.goAways[0].TimeLeft != "10s" {
		t.Fatalf("goAway: %+v", h.goAways)
	}
	if len(h.serverErrors) != 1 || h.serverErrors[0].Code != 13 {
		t.Fatalf("server errors: %+v", h.serverErrors)
	}
}

// ─── TestRouter_UnhandledEnvelope ────────────────────────────────────────────

func TestRouter_UnhandledEnvelope(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.router.Route(&live.ServerEnvelope{})

	if h.unhandled != 1 {
		t.Fatalf("unhandled signals: want 1, got %d", h.unhandled)
	}
}
