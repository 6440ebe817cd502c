package turn

import (
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/live"
)

// defaultHistorySize bounds the diagnostics history of past tool calls.
const defaultHistorySize = 32

// CallStatus is the lifecycle state of a tool call.
type CallStatus string

const (
	CallReceived  CallStatus = "received"
	CallExecuting CallStatus = "executing"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallCancelled CallStatus = "cancelled"
)

// Call represents one remote-requested invocation and its lifecycle.
type Call struct {
	// ID is the opaque token supplied by the remote side, unique within the
	// session.
	ID string

	// Name is the function name.
	Name string

	// Args is the argument payload.
	Args map[string]any

	// Seq is the handler-assigned sequence number, starting at 1.
	Seq uint64

	// Status is the current lifecycle state.
	Status CallStatus

	// ReceivedAt, StartedAt and FinishedAt record the lifecycle transitions.
	// StartedAt and FinishedAt are zero until the transition happens.
	ReceivedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Result holds the serialized result for completed calls, or the error
	// message for failed ones.
	Result string
}

// Stats is a snapshot of tool-call counters for diagnostics.
type Stats struct {
	Active    int
	Completed int
	Failed    int
	Cancelled int
	Total     uint64
}

// ToolCallHandler tracks the set of in-flight tool calls and a bounded history
// of past ones. Unlike the text and voice accumulators, tool calls are not
// reset on interruption — an in-flight external side effect should not be
// silently abandoned. Only [ToolCallHandler.Reset] clears them.
//
// All methods are safe for concurrent use.
type ToolCallHandler struct {
	mu      sync.Mutex
	active  map[string]*Call
	history []*Call
	seq     uint64
	stats   Stats

	historySize int
	onReceived  func(Call)
	onCancelled func(Call)
	onFinished  func(Call)
}

// NewToolCallHandler creates a handler with the default history bound.
func NewToolCallHandler() *ToolCallHandler {
	return &ToolCallHandler{
		active:      make(map[string]*Call),
		historySize: defaultHistorySize,
	}
}

// OnReceived registers cb to run for each newly registered call.
func (h *ToolCallHandler) OnReceived(cb func(Call)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReceived = cb
}

// OnCancelled registers cb to run when a call is cancelled by the remote side.
func (h *ToolCallHandler) OnCancelled(cb func(Call)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCancelled = cb
}

// OnFinished registers cb to run when a call completes or fails.
func (h *ToolCallHandler) OnFinished(cb func(Call)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFinished = cb
}

// ProcessToolCall registers the function calls of one toolCall envelope,
// assigning sequence numbers and timestamps. Calls whose ID is already active
// are ignored. It returns the newly registered calls.
func (h *ToolCallHandler) ProcessToolCall(msg *live.ToolCallMessage) []Call {
	h.mu.Lock()
	var registered []Call
	var cb func(Call)
	for _, fc := range msg.FunctionCalls {
		if fc.ID == "" {
			continue
		}
		if _, exists := h.active[fc.ID]; exists {
			continue
		}
		h.seq++
		h.stats.Total++
		call := &Call{
			ID:         fc.ID,
			Name:       fc.Name,
			Args:       fc.Args,
			Seq:        h.seq,
			Status:     CallReceived,
			ReceivedAt: time.Now(),
		}
		h.active[fc.ID] = call
		registered = append(registered, *call)
	}
	cb = h.onReceived
	h.mu.Unlock()

	if cb != nil {
		for _, c := range registered {
			cb(c)
		}
	}
	return registered
}

// ProcessToolCancellation moves the matching active calls (if present) to
// cancelled and removes them from the active set. Unknown IDs are ignored.
func (h *ToolCallHandler) ProcessToolCancellation(msg *live.ToolCallCancellation) {
	h.mu.Lock()
	var cancelled []Call
	for _, id := range msg.IDs {
		call, ok := h.active[id]
		if !ok {
			continue
		}
		call.Status = CallCancelled
		call.FinishedAt = time.Now()
		h.stats.Cancelled++
		h.retireLocked(call)
		cancelled = append(cancelled, *call)
	}
	cb := h.onCancelled
	h.mu.Unlock()

	if cb != nil {
		for _, c := range cancelled {
			cb(c)
		}
	}
}

// MarkExecutionStarted transitions a received call to executing. It reports
// whether the call was found in the active set.
func (h *ToolCallHandler) MarkExecutionStarted(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	call, ok := h.active[id]
	if !ok || call.Status != CallReceived {
		return false
	}
	call.Status = CallExecuting
	call.StartedAt = time.Now()
	return true
}

// MarkExecutionCompleted finishes a call: success=true yields completed,
// success=false yields failed. The call moves from the active set into the
// bounded history. It reports whether the call was found.
func (h *ToolCallHandler) MarkExecutionCompleted(id, result string, success bool) bool {
	h.mu.Lock()
	call, ok := h.active[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if success {
		call.Status = CallCompleted
		h.stats.Completed++
	} else {
		call.Status = CallFailed
		h.stats.Failed++
	}
	call.Result = result
	call.FinishedAt = time.Now()
	h.retireLocked(call)
	snapshot := *call
	cb := h.onFinished
	h.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	return true
}

// Active returns a snapshot of the in-flight calls.
func (h *ToolCallHandler) Active() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Call, 0, len(h.active))
	for _, c := range h.active {
		out = append(out, *c)
	}
	return out
}

// History returns a snapshot of retired calls, oldest first.
func (h *ToolCallHandler) History() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Call, len(h.history))
	for i, c := range h.history {
		out[i] = *c
	}
	return out
}

// Statistics returns the current counter snapshot.
func (h *ToolCallHandler) Statistics() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.Active = len(h.active)
	return s
}

// Reset discards all active calls and history. This is the explicit full
// reset; interruptions never call it.
func (h *ToolCallHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active = make(map[string]*Call)
	h.history = nil
	h.stats = Stats{}
}

// retireLocked moves call out of the active set into the bounded history.
// Must be called with h.mu held.
func (h *ToolCallHandler) retireLocked(call *Call) {
	delete(h.active, call.ID)
	h.history = append(h.history, call)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
}
