package types

// StopMode distinguishes a cooperative soft stop from an immediate hard stop.
type StopMode string

const (
	StopNone StopMode = "none"
	StopSoft StopMode = "soft"
	StopHard StopMode = "hard"
)

// StopReason explains why a run transitioned to Stopped.
type StopReason string

const (
	StopReasonUserStop      StopReason = "user_stop"
	StopReasonSoftInterrupt StopReason = "soft_interrupt"
	StopReasonError         StopReason = "error"
)

// QueuedMessage is a user message deferred behind a soft interrupt.
type QueuedMessage struct {
	RunID           string `json:"runId"`
	ClientMessageID string `json:"clientMessageId"`
	Message         string `json:"message"`
}

// RunPhase is the tag of the RunState variant.
type RunPhase string

const (
	PhaseIdle    RunPhase = "idle"
	PhaseRunning RunPhase = "running"
	PhaseStopped RunPhase = "stopped"
)

// RunState is the tagged variant describing a conversation's active run,
// per SPEC_FULL §4.1. Only the fields relevant to Phase are meaningful.
type RunState struct {
	Phase RunPhase `json:"phase"`

	// Running fields.
	RunID                string                   `json:"runId,omitempty"`
	ClientMessageID      string                   `json:"clientMessageId,omitempty"`
	StopMode             StopMode                 `json:"stopMode,omitempty"`
	StopReason           StopReason               `json:"stopReason,omitempty"`
	QueuedMessages       []QueuedMessage          `json:"queuedMessages,omitempty"`
	PendingConfirmations map[string]*PendingGateEntry `json:"-"`

	// Stopped fields reuse RunID/StopReason/QueuedMessages above.
}

// PendingGateEntry is the in-memory bookkeeping for one outstanding
// confirmation request belonging to a run (the multiplexing table named in
// SPEC_FULL §9).
type PendingGateEntry struct {
	Key     string
	Request ConfirmationRequest
	Resolve chan ConfirmationResult
}

// IdleState returns a freshly-reset Idle RunState.
func IdleState() RunState {
	return RunState{Phase: PhaseIdle}
}
