package session

import (
	"github.com/MrWong99/parlance/internal/turn"
	"github.com/MrWong99/parlance/pkg/live"
)

// EventKind classifies session status events.
type EventKind string

const (
	// EventConnection reports a connection lifecycle change; State is set.
	EventConnection EventKind = "connection"

	// EventMicrophone reports a microphone on/off change; MicOn is set.
	EventMicrophone EventKind = "microphone"

	// EventSetupComplete reports the service's setup acknowledgement.
	EventSetupComplete EventKind = "setup_complete"

	// EventTurnComplete carries the aggregated result of a completed turn;
	// Result is set.
	EventTurnComplete EventKind = "turn_complete"

	// EventInterrupted reports a turn interruption.
	EventInterrupted EventKind = "interrupted"

	// EventText carries an incremental model text chunk; Text is the chunk.
	EventText EventKind = "text"

	// EventTranscription carries an incremental user transcription chunk;
	// Text is the chunk.
	EventTranscription EventKind = "transcription"

	// EventToolCall reports a tool call lifecycle change; Call is set.
	EventToolCall EventKind = "tool_call"

	// EventGoAway reports the service's pre-termination notice.
	EventGoAway EventKind = "go_away"

	// EventError carries a non-fatal error; Err is set.
	EventError EventKind = "error"

	// EventUnhandled reports an envelope with no recognized variant.
	EventUnhandled EventKind = "unhandled"
)

// Event is one entry of the session status stream. Only the fields relevant
// to the Kind are populated.
type Event struct {
	Kind   EventKind
	State  live.State
	MicOn  bool
	Text   string
	Result *turn.Result
	Call   *turn.Call
	Err    error
}
