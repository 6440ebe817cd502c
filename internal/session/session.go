// Package session is the top-level facade over the duplex conversation: it
// owns the transport, the turn router with its content handlers, the
// microphone capture pipeline, and the playback scheduler, and exposes a small
// control surface (ToggleMicrophone, SendText, RegisterTool, Close) plus a
// typed status event stream.
//
// All envelope routing and turn-state mutation happens on a single dispatch
// goroutine; transport callbacks only hand envelopes over a channel. Tool
// handlers run on their own goroutines so a slow tool never stalls routing.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/turn"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/live"
)

// eventQueueSize bounds the status event channel. Events are dropped, not
// blocked on, when no consumer keeps up.
const eventQueueSize = 64

// envelopeQueueSize bounds the hand-off channel between the transport's
// receive goroutine and the dispatch goroutine.
const envelopeQueueSize = 64

// Sentinel errors returned by [Session] methods.
var (
	// ErrClosed is returned by control methods after Close.
	ErrClosed = errors.New("session: closed")

	// ErrNoCapture is returned by ToggleMicrophone when the session was built
	// without a capture pipeline.
	ErrNoCapture = errors.New("session: no capture pipeline configured")
)

// ToolFunc executes one registered tool call. The returned value is serialized
// into the tool response's output field; a non-nil error produces an error
// response instead.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// CommandDispatcher forwards tool calls that have no locally registered
// handler to an external command backend.
type CommandDispatcher interface {
	SendCommand(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// Notifier receives out-of-band user-facing notices (connection loss,
// impending termination). kind is a severity hint such as "info" or "warning".
type Notifier interface {
	Notify(message, kind string)
}

// Transport is the duplex connection the session talks through.
// [live.Client] is the production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, envelope any) error
	Disconnect(manual bool) error
	State() live.State
	OnOpen(cb func())
	OnClose(cb func(code websocket.StatusCode, reason string))
	OnError(cb func(error))
	OnEnvelope(cb func(*live.ServerEnvelope))
}

var _ Transport = (*live.Client)(nil)

// Capturer is the microphone pipeline the session toggles on and off.
type Capturer interface {
	Start(emit func(audio.Frame)) error
	Stop() error
	Flush()
}

// Player is the playback side the session feeds inbound audio into.
type Player interface {
	EnqueuePCM16(pcm []byte)
	MarkStreamComplete()
	Stop()
	Close() error
}

// Config assembles a [Session] from its collaborators.
type Config struct {
	// Transport is required.
	Transport Transport

	// Capture is the microphone pipeline. Optional; without it the session is
	// text-and-playback only and ToggleMicrophone fails with [ErrNoCapture].
	Capture Capturer

	// Player is the playback scheduler. Optional; without it inbound audio is
	// counted but discarded.
	Player Player

	// Dispatcher handles tool calls with no registered handler. Optional; nil
	// degrades to an error tool response for unknown tools.
	Dispatcher CommandDispatcher

	// Notifier receives user-facing notices. Optional; nil is a no-op.
	Notifier Notifier

	// Metrics receives instrumentation. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session wires transport, turn routing, capture and playback together.
//
// The control surface is safe for concurrent use. Turn state is mutated only
// on the internal dispatch goroutine.
type Session struct {
	transport  Transport
	capture    Capturer
	player     Player
	dispatcher CommandDispatcher
	notifier   Notifier
	metrics    *observe.Metrics

	text   *turn.TextHandler
	voice  *turn.VoiceHandler
	tools  *turn.ToolCallHandler
	router *turn.Router

	ctx    context.Context
	cancel context.CancelFunc
	envCh  chan *live.ServerEnvelope
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	toolFuncs map[string]ToolFunc
	closed    bool
	opens     int

	micMu sync.Mutex
	micOn bool

	// turnStarted is the first-content timestamp of the turn in flight.
	// Dispatch goroutine only.
	turnStarted time.Time
}

// New assembles a session from cfg and starts its dispatch goroutine. The
// transport is wired but not connected; call [Session.Connect].
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:  cfg.Transport,
		capture:    cfg.Capture,
		player:     cfg.Player,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		metrics:    met,
		text:       turn.NewTextHandler(),
		voice:      turn.NewVoiceHandler(),
		tools:      turn.NewToolCallHandler(),
		ctx:        ctx,
		cancel:     cancel,
		envCh:      make(chan *live.ServerEnvelope, envelopeQueueSize),
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
		toolFuncs:  make(map[string]ToolFunc),
	}
	s.router = turn.NewRouter(s.text, s.voice, s.tools)

	s.wireHandlers()
	s.wireTransport()

	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

// wireHandlers connects the turn router and content handlers to the session's
// playback, metrics and event outputs. All callbacks here run on the dispatch
// goroutine, except the tool callbacks which the handler invokes from whatever
// goroutine drives it.
func (s *Session) wireHandlers() {
	s.text.OnAccumulated(func(chunk, _ string) {
		s.markTurnStarted()
		s.emit(Event{Kind: EventText, Text: chunk})
	})

	s.voice.OnAudio(func(pcm []byte) {
		s.markTurnStarted()
		if s.player != nil {
			s.player.EnqueuePCM16(pcm)
		}
		seconds := float64(len(pcm)/2) / float64(audio.PlaybackRate)
		s.metrics.AudioScheduled.Add(s.ctx, seconds)
	})

	s.voice.OnUserTranscription(func(chunk, _ string) {
		s.emit(Event{Kind: EventTranscription, Text: chunk})
	})

	s.router.OnSetupComplete(func() {
		slog.Info("session setup acknowledged")
		s.emit(Event{Kind: EventSetupComplete})
	})

	s.router.OnInterrupted(func() {
		// Unplayed audio from the abandoned turn must not be heard.
		if s.player != nil {
			s.player.Stop()
		}
		s.finishTurn("interrupted")
		s.emit(Event{Kind: EventInterrupted})
	})

	s.router.OnTurnComplete(func(res turn.Result) {
		if s.player != nil {
			s.player.MarkStreamComplete()
		}
		s.finishTurn("complete")
		s.emit(Event{Kind: EventTurnComplete, Result: &res})
	})

	s.router.OnGoAway(func(ga live.GoAway) {
		slog.Warn("service signalled impending termination", "time_left", ga.TimeLeft)
		s.notify(fmt.Sprintf("connection ending soon (%s left)", ga.TimeLeft), "warning")
		s.emit(Event{Kind: EventGoAway, Text: ga.TimeLeft})
	})

	s.router.OnServerError(func(se live.ServerError) {
		err := fmt.Errorf("session: server error %d (%s): %s", se.Code, se.Status, se.Message)
		slog.Error("server error envelope", "code", se.Code, "status", se.Status, "message", se.Message)
		s.emit(Event{Kind: EventError, Err: err})
	})

	s.router.OnUnhandled(func(env *live.ServerEnvelope) {
		slog.Debug("unhandled envelope")
		s.emit(Event{Kind: EventUnhandled})
	})

	s.tools.OnReceived(func(call turn.Call) {
		s.emit(Event{Kind: EventToolCall, Call: &call})
		s.wg.Add(1)
		go s.executeTool(call)
	})

	s.tools.OnCancelled(func(call turn.Call) {
		slog.Info("tool call cancelled by remote", "id", call.ID, "name", call.Name)
		s.emit(Event{Kind: EventToolCall, Call: &call})
	})

	s.tools.OnFinished(func(call turn.Call) {
		s.emit(Event{Kind: EventToolCall, Call: &call})
	})
}

// wireTransport connects the transport's lifecycle callbacks to metrics and
// the event stream, and routes inbound envelopes onto the dispatch channel.
func (s *Session) wireTransport() {
	s.transport.OnOpen(func() {
		s.mu.Lock()
		s.opens++
		reopened := s.opens > 1
		s.mu.Unlock()

		s.metrics.ConnectionsOpen.Add(s.ctx, 1)
		if reopened {
			s.metrics.Reconnects.Add(s.ctx, 1)
		}
		s.emit(Event{Kind: EventConnection, State: live.StateOpen})
	})

	s.transport.OnClose(func(code websocket.StatusCode, reason string) {
		s.metrics.ConnectionsOpen.Add(s.ctx, -1)
		s.emit(Event{Kind: EventConnection, State: live.StateClosed})
	})

	s.transport.OnError(func(err error) {
		var perr *live.ParseError
		if errors.As(err, &perr) {
			s.metrics.EnvelopeErrors.Add(s.ctx, 1)
		}
		if errors.Is(err, live.ErrClosed) {
			s.notify("connection lost and could not be re-established", "error")
		}
		s.emit(Event{Kind: EventError, Err: err})
	})

	s.transport.OnEnvelope(func(env *live.ServerEnvelope) {
		select {
		case s.envCh <- env:
		case <-s.done:
		}
	})
}

// dispatch is the session's single routing goroutine.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.envCh:
			s.router.Route(env)
		}
	}
}

// Connect establishes the duplex channel.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.transport.Connect(ctx)
}

// Events returns the status event stream. The channel is never closed; callers
// should select on it alongside their own shutdown signal. Events are dropped
// when the consumer falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

// ToggleMicrophone starts capture if it is stopped and stops it if running.
// It returns the resulting microphone state.
func (s *Session) ToggleMicrophone() (on bool, err error) {
	s.micMu.Lock()
	defer s.micMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if s.capture == nil {
		return false, ErrNoCapture
	}

	if s.micOn {
		err := s.capture.Stop()
		s.micOn = false
		s.emit(Event{Kind: EventMicrophone, MicOn: false})
		slog.Info("microphone stopped")
		return false, err
	}

	if err := s.capture.Start(s.forwardFrame); err != nil {
		return false, err
	}
	s.micOn = true
	s.emit(Event{Kind: EventMicrophone, MicOn: true})
	slog.Info("microphone started")
	return true, nil
}

// MicrophoneOn reports whether capture is currently running.
func (s *Session) MicrophoneOn() bool {
	s.micMu.Lock()
	defer s.micMu.Unlock()
	return s.micOn
}

// forwardFrame is the capture pipeline's output callback: it transmits each
// encoded frame as realtime input. Frames produced while the connection is
// down are dropped; the stream has no replay semantics.
func (s *Session) forwardFrame(f audio.Frame) {
	s.metrics.FramesCaptured.Add(s.ctx, 1)
	if err := s.SendAudioFrame(s.ctx, f); err != nil {
		if errors.Is(err, live.ErrNotConnected) {
			slog.Debug("dropping capture frame, not connected")
			return
		}
		slog.Warn("failed to send capture frame", "err", err)
	}
}

// SendAudioFrame transmits one encoded audio frame as a realtimeInput
// envelope.
func (s *Session) SendAudioFrame(ctx context.Context, f audio.Frame) error {
	msg := live.RealtimeInputMessage{
		RealtimeInput: live.RealtimeInput{
			MediaChunks: []live.MediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate),
				Data:     base64.StdEncoding.EncodeToString(f.Data),
			}},
		},
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		return err
	}
	s.metrics.FramesSent.Add(ctx, 1)
	return nil
}

// SendText submits a complete user text turn. The remote side replies with a
// model turn ending in turnComplete.
func (s *Session) SendText(ctx context.Context, text string) error {
	msg := live.ClientContentMessage{
		ClientContent: live.ClientContent{
			Turns: []live.ContentTurn{{
				Role:  "user",
				Parts: []live.Part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	return s.transport.Send(ctx, msg)
}

// EndTurn signals end-of-turn without submitting content, prompting the model
// to respond to the realtime input streamed so far.
func (s *Session) EndTurn(ctx context.Context) error {
	msg := live.ClientContentMessage{
		ClientContent: live.ClientContent{TurnComplete: true},
	}
	return s.transport.Send(ctx, msg)
}

// RegisterTool registers fn as the handler for tool calls named name,
// replacing any previous registration.
func (s *Session) RegisterTool(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolFuncs[name] = fn
}

// ToolStats returns a snapshot of tool-call counters.
func (s *Session) ToolStats() turn.Stats {
	return s.tools.Statistics()
}

// executeTool runs one tool call to completion on its own goroutine: resolve
// the handler, execute, and send the toolResponse. Calls cancelled while
// executing produce no response.
func (s *Session) executeTool(call turn.Call) {
	defer s.wg.Done()

	if !s.tools.MarkExecutionStarted(call.ID) {
		// Cancelled before execution began.
		return
	}

	s.mu.Lock()
	fn := s.toolFuncs[call.Name]
	s.mu.Unlock()

	start := time.Now()
	var (
		response map[string]any
		execErr  error
	)
	switch {
	case fn != nil:
		out, err := fn(s.ctx, call.Args)
		if err != nil {
			execErr = err
		} else {
			response = map[string]any{"output": out}
		}
	case s.dispatcher != nil:
		out, err := s.dispatcher.SendCommand(s.ctx, call.Name, call.Args)
		if err != nil {
			execErr = err
		} else {
			response = map[string]any{"output": out}
		}
	default:
		execErr = fmt.Errorf("unknown tool %q", call.Name)
	}
	elapsed := time.Since(start)

	if execErr != nil {
		slog.Warn("tool execution failed", "id", call.ID, "name", call.Name, "err", execErr)
		response = map[string]any{"error": execErr.Error()}
	}

	serialized, err := json.Marshal(response)
	if err != nil {
		serialized = []byte(fmt.Sprintf("%v", response))
	}

	// A cancellation that landed during execution removed the call from the
	// active set; its result is discarded and no response is sent.
	if !s.tools.MarkExecutionCompleted(call.ID, string(serialized), execErr == nil) {
		slog.Info("discarding result of cancelled tool call", "id", call.ID, "name", call.Name)
		return
	}

	s.metrics.ToolExecutionDuration.Record(s.ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", call.Name)))

	msg := live.ToolResponseMessage{
		ToolResponse: live.ToolResponse{
			FunctionResponses: []live.FunctionResponse{{
				ID:       call.ID,
				Name:     call.Name,
				Response: response,
			}},
		},
	}
	if err := s.transport.Send(s.ctx, msg); err != nil {
		slog.Warn("failed to send tool response", "id", call.ID, "err", err)
	}
}

// Close tears the session down: capture stops, the transport disconnects
// without reconnection, and the dispatch goroutine exits. Safe to call once;
// subsequent control calls fail with [ErrClosed].
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error

	s.micMu.Lock()
	if s.micOn {
		if err := s.capture.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.micOn = false
	}
	s.micMu.Unlock()

	if err := s.transport.Disconnect(true); err != nil {
		errs = append(errs, err)
	}

	s.cancel()
	close(s.done)
	s.wg.Wait()

	if s.player != nil {
		if err := s.player.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markTurnStarted records the first-content timestamp of the current turn.
// Dispatch goroutine only.
func (s *Session) markTurnStarted() {
	if s.turnStarted.IsZero() {
		s.turnStarted = time.Now()
	}
}

// finishTurn records turn metrics for the given outcome and resets the turn
// timer. Dispatch goroutine only.
func (s *Session) finishTurn(outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.metrics.Turns.Add(s.ctx, 1, attrs)
	if !s.turnStarted.IsZero() {
		s.metrics.TurnDuration.Record(s.ctx, time.Since(s.turnStarted).Seconds(), attrs)
		s.turnStarted = time.Time{}
	}
}

// emit delivers ev to the event stream without blocking. Events are dropped
// once the session is done or when the consumer falls behind.
func (s *Session) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// notify forwards a user-facing notice to the configured notifier, if any.
func (s *Session) notify(message, kind string) {
	if s.notifier != nil {
		s.notifier.Notify(message, kind)
	}
}
