// Package runstate implements the pure session run-state transition table.
//
// It is the generalization of the opencode Service active-session map
// (a simple conversationID -> abort channel lookup) into the full
// Idle/Running/Stopped tagged union a research loop driver needs:
// soft-interrupt queuing, hard-stop escalation, and pending-confirmation
// bookkeeping. The side-effecting half (aborting a context, rejecting
// confirmation futures) lives in the caller; this package only computes
// the next state and tells the caller what to do.
package runstate

import (
	"fmt"

	"github.com/ravel-labs/ravel/pkg/types"
)

// Event is the tag of one state-machine input.
type Event string

const (
	EventStartRun        Event = "start_run"
	EventSoftInterrupt    Event = "soft_interrupt"
	EventHardStop         Event = "hard_stop"
	EventStepCompleted    Event = "step_completed"
	EventRunComplete      Event = "run_complete"
	EventRunError         Event = "run_error"
	EventReset            Event = "reset"
)

// Input bundles the optional payload fields an Event may carry.
type Input struct {
	RunID           string
	ClientMessageID string
	Message         string
	StopReason      types.StopReason
	ClearQueue      bool
}

// Effect is a side effect the caller must perform after Apply returns.
type Effect string

const (
	EffectNewAbortToken      Effect = "new_abort_token"
	EffectAbortAndRejectAll  Effect = "abort_and_reject_all"
	EffectDriverExit         Effect = "driver_exit"
	EffectNone               Effect = "none"
)

// ErrInvalidTransition is returned by Apply when an event does not apply to
// the current phase.
type ErrInvalidTransition struct {
	Phase types.RunPhase
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("runstate: event %q invalid in phase %q", e.Event, e.Phase)
}

// Apply computes the next RunState and the effects the caller must perform,
// per the transition table in SPEC_FULL §4.1.
func Apply(state types.RunState, event Event, in Input) (types.RunState, []Effect, error) {
	switch event {
	case EventReset:
		return types.IdleState(), nil, nil

	case EventStartRun:
		if state.Phase != types.PhaseIdle {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		return types.RunState{
			Phase:                types.PhaseRunning,
			RunID:                in.RunID,
			ClientMessageID:      in.ClientMessageID,
			StopMode:             types.StopNone,
			PendingConfirmations: make(map[string]*types.PendingGateEntry),
		}, []Effect{EffectNewAbortToken}, nil

	case EventSoftInterrupt:
		if state.Phase != types.PhaseRunning {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		next := state
		next.QueuedMessages = append(append([]types.QueuedMessage{}, state.QueuedMessages...), types.QueuedMessage{
			RunID:           in.RunID,
			ClientMessageID: in.ClientMessageID,
			Message:         in.Message,
		})
		if len(state.PendingConfirmations) > 0 {
			// Escalate: a soft interrupt arriving while a confirmation is
			// outstanding cannot be observed cooperatively, so it becomes
			// a hard stop that rejects every pending future.
			next.StopMode = types.StopHard
			next.StopReason = types.StopReasonSoftInterrupt
			return next, []Effect{EffectAbortAndRejectAll}, nil
		}
		next.StopMode = types.StopSoft
		return next, nil, nil

	case EventHardStop:
		if state.Phase != types.PhaseRunning {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		next := state
		next.StopMode = types.StopHard
		next.StopReason = in.StopReason
		if in.ClearQueue {
			next.QueuedMessages = nil
		}
		return next, []Effect{EffectAbortAndRejectAll}, nil

	case EventStepCompleted:
		if state.Phase != types.PhaseRunning {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		switch state.StopMode {
		case types.StopNone:
			return state, nil, nil
		case types.StopSoft:
			if len(state.QueuedMessages) == 0 {
				return state, nil, nil
			}
			return types.RunState{
				Phase:          types.PhaseStopped,
				RunID:          state.RunID,
				StopReason:     types.StopReasonSoftInterrupt,
				QueuedMessages: state.QueuedMessages,
			}, []Effect{EffectDriverExit}, nil
		case types.StopHard:
			reason := state.StopReason
			if reason == "" {
				reason = types.StopReasonUserStop
			}
			return types.RunState{
				Phase:          types.PhaseStopped,
				RunID:          state.RunID,
				StopReason:     reason,
				QueuedMessages: state.QueuedMessages,
			}, []Effect{EffectDriverExit}, nil
		}
		return state, nil, nil

	case EventRunComplete:
		if state.Phase != types.PhaseRunning {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		return types.IdleState(), nil, nil

	case EventRunError:
		if state.Phase != types.PhaseRunning {
			return state, nil, &ErrInvalidTransition{state.Phase, event}
		}
		return types.RunState{
			Phase:      types.PhaseStopped,
			RunID:      state.RunID,
			StopReason: types.StopReasonError,
		}, nil, nil
	}

	return state, nil, fmt.Errorf("runstate: unknown event %q", event)
}

// ShouldContinue is true iff the state is Running with no stop requested.
func ShouldContinue(state types.RunState) bool {
	return state.Phase == types.PhaseRunning && state.StopMode == types.StopNone
}

// ShouldStopAfterStep reports whether the driver should exit its loop and,
// if so, why.
func ShouldStopAfterStep(state types.RunState) (bool, types.StopReason) {
	if state.Phase != types.PhaseStopped {
		return false, ""
	}
	return true, state.StopReason
}

// TakeNextQueued returns the next deferred message after a soft-interrupt
// transition to Stopped, if any.
func TakeNextQueued(state types.RunState) (types.QueuedMessage, bool) {
	if len(state.QueuedMessages) == 0 {
		return types.QueuedMessage{}, false
	}
	return state.QueuedMessages[0], true
}
