package channel

import "github.com/ravel-labs/ravel/pkg/types"

// Event kind tags, per SPEC_FULL §4.5's event taxonomy. Every event carries
// conversationId so the client can route it to the right open conversation.
const (
	EventConversationCreated = "conversation_created"
	EventRunStarted          = "run_started"
	EventResearch            = "research"
	EventToolCallStart       = "tool_call_start"
	EventIteration           = "iteration"
	EventConfirmationRequest = "confirmation_request"
	EventRunStopped          = "run_stopped"
	EventComplete            = "complete"
	EventError               = "error"
)

// outboundEnvelope wraps every outbound event with its conversation and kind.
type outboundEnvelope struct {
	ConversationID string `json:"conversationId"`
	Payload        any    `json:"payload"`
}

func newEvent(conversationID string, payload any) outboundEnvelope {
	return outboundEnvelope{ConversationID: conversationID, Payload: payload}
}

// ConversationCreatedEvent announces a new conversation id assigned by a
// message or fork command that had none.
type ConversationCreatedEvent struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
}

// RunStartedEvent announces a fresh run beginning on a conversation.
type RunStartedEvent struct {
	Kind  string `json:"kind"`
	RunID string `json:"runId"`
}

// ToolCallStartEvent mirrors an isToolCallStart Iteration (SPEC_FULL §4.2).
type ToolCallStartEvent struct {
	Kind      string           `json:"kind"`
	Thought   string           `json:"thought,omitempty"`
	Message   string           `json:"message,omitempty"`
	ToolCalls []types.ToolCall `json:"toolCalls"`
}

// ResearchEvent carries a reasoning/thinking fragment surfaced mid-run.
type ResearchEvent struct {
	Kind      string `json:"kind"`
	Reasoning string `json:"reasoning"`
}

// IterationEvent mirrors one completed (non-terminal) Iteration.
type IterationEvent struct {
	Kind    string             `json:"kind"`
	StepID  int                `json:"stepId"`
	Message string             `json:"message,omitempty"`
	Metrics *types.StepMetrics `json:"metrics,omitempty"`
}

// ConfirmationRequestEvent wraps a types.ConfirmationRequest for delivery.
type ConfirmationRequestEvent struct {
	Kind    string                     `json:"kind"`
	Request types.ConfirmationRequest `json:"request"`
}

// RunStoppedEvent announces why a run ended early.
type RunStoppedEvent struct {
	Kind   string          `json:"kind"`
	Reason types.StopReason `json:"reason"`
}

// CompleteEvent carries the terminal iteration's response text.
type CompleteEvent struct {
	Kind           string `json:"kind"`
	Response       string `json:"response"`
	IterationCount int    `json:"iterationCount"`
	StepID         int    `json:"stepId"`
}

// ErrorEvent reports a driver-level failure that aborted the run.
type ErrorEvent struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
