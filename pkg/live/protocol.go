package live

import (
	"encoding/json"
	"fmt"
)

// ── Outbound envelopes ─────────────────────────────────────────────────────────

// SetupMessage is the initial configuration envelope, sent once per connection
// before any other traffic.
type SetupMessage struct {
	Setup SetupConfig `json:"setup"`
}

// SetupConfig carries the model selection and generation parameters for the
// session.
type SetupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  GenerationConfig   `json:"generationConfig"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
}

// GenerationConfig selects response modalities and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects the synthesised voice.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

// VoiceConfig wraps the prebuilt voice selection.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

// PrebuiltVoiceConfig names one of the service's built-in voices.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// SystemInstruction carries the system prompt as content parts.
type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// Part is one unit of turn content: either text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is base64-encoded binary content tagged with a MIME type.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// Tool declares functions the model may call.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes a single callable function.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RealtimeInputMessage carries streaming media chunks (audio or images).
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

// RealtimeInput is the chunk container for RealtimeInputMessage.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is one base64-encoded media block.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ClientContentMessage carries structured text turns. An end-of-turn-only
// signal is the same shape with empty parts and TurnComplete set.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

// ClientContent is the turn container for ClientContentMessage.
type ClientContent struct {
	Turns        []ContentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

// ContentTurn is one role-attributed sequence of parts.
type ContentTurn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ToolResponseMessage reports function results back to the model.
type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

// ToolResponse is the response container for ToolResponseMessage.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// FunctionResponse is the result (or error) of a single function call.
// Response carries {"output": ...} on success and {"error": ...} on failure.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response"`
}

// ── Inbound envelopes ──────────────────────────────────────────────────────────

// ServerEnvelope is the tagged union of every message shape the remote service
// sends. Exactly the variants that are present are non-nil; an envelope may
// carry more than one concern (e.g. setup acknowledgement and content).
type ServerEnvelope struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCallMessage      `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	Error                *ServerError          `json:"error,omitempty"`
}

// Empty reports whether no known variant was present in the envelope.
func (e *ServerEnvelope) Empty() bool {
	return e.SetupComplete == nil &&
		e.ServerContent == nil &&
		e.ToolCall == nil &&
		e.ToolCallCancellation == nil &&
		e.GoAway == nil &&
		e.Error == nil
}

// ServerError is a protocol-level error reported by the remote service.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ServerContent carries conversational content and turn-boundary flags.
type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// ModelTurn is the model's content for the current turn.
type ModelTurn struct {
	Parts []Part `json:"parts"`
}

// Transcription is a speech recognition fragment for one side of the
// conversation.
type Transcription struct {
	Text string `json:"text"`
}

// ToolCallMessage requests one or more function invocations.
type ToolCallMessage struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is a single remote-requested invocation.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallCancellation withdraws previously issued function calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway is the service's pre-termination notice: the connection will be
// closed soon and the client should wind down gracefully.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ParseError wraps a JSON decode failure for an inbound frame. Parse failures
// are surfaced through the error callback and do not stop subsequent message
// processing.
type ParseError struct {
	Data []byte
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("live: parse envelope (%d bytes): %v", len(e.Data), e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// ParseEnvelope decodes one inbound frame into a ServerEnvelope. The frame is
// parsed exactly once at the transport boundary; downstream routing works on
// the typed union, never on raw JSON.
func ParseEnvelope(data []byte) (*ServerEnvelope, error) {
	var env ServerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Data: data, Err: err}
	}
	return &env, nil
}
