package runstate

import (
	"context"
	"sync"

	"github.com/ravel-labs/ravel/pkg/types"
)

// Session is the in-memory, per-conversation record owning a RunState,
// per SPEC_FULL §3. It is destroyed when the owning client channel closes.
type Session struct {
	mu          sync.Mutex
	User        string
	Prefs       *types.ConfirmationPreferences
	State       types.RunState
	cancel      context.CancelFunc
}

// NewSession returns an idle session for user.
func NewSession(user string) *Session {
	return &Session{
		User:  user,
		Prefs: types.NewConfirmationPreferences(),
		State: types.IdleState(),
	}
}

// Registry is the per-connection Map<conversationId, Session> named in
// SPEC_FULL §4.5, guarded by a single mutex since all command handlers for
// one connection are expected to serialize through the same dispatcher.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for conversationID, creating an idle one
// if absent.
func (r *Registry) GetOrCreate(conversationID, user string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		s = NewSession(user)
		r.sessions[conversationID] = s
	}
	return s
}

// Get returns the session for conversationID if it exists.
func (r *Registry) Get(conversationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// Delete removes a session, e.g. on explicit RESET.
func (r *Registry) Delete(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
}

// CloseAll aborts every session's active run and discards the registry,
// matching the "on disconnect" contract of SPEC_FULL §4.5.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		delete(r.sessions, id)
	}
}

// StartRun transitions an idle session to Running and returns a context
// whose cancellation is the run's abort token.
func (s *Session) StartRun(parent context.Context, runID, clientMessageID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, effects, err := Apply(s.State, EventStartRun, Input{RunID: runID, ClientMessageID: clientMessageID})
	if err != nil {
		return nil, err
	}
	s.State = next
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	_ = effects // EffectNewAbortToken: performed above
	return ctx, nil
}

// SoftInterrupt enqueues msg as a deferred message, escalating to a hard
// stop (and aborting) if a confirmation is currently outstanding.
func (s *Session) SoftInterrupt(runID, clientMessageID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, effects, err := Apply(s.State, EventSoftInterrupt, Input{RunID: runID, ClientMessageID: clientMessageID, Message: message})
	if err != nil {
		return
	}
	s.State = next
	s.applyEffects(effects)
}

// HardStop immediately aborts the run and rejects any pending confirmations.
func (s *Session) HardStop(reason types.StopReason, clearQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, effects, err := Apply(s.State, EventHardStop, Input{StopReason: reason, ClearQueue: clearQueue})
	if err != nil {
		return
	}
	s.State = next
	s.applyEffects(effects)
}

// StepCompleted advances the state machine after one loop iteration.
func (s *Session) StepCompleted() (stop bool, reason types.StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _, err := Apply(s.State, EventStepCompleted, Input{})
	if err != nil {
		return false, ""
	}
	s.State = next
	return ShouldStopAfterStep(s.State)
}

// RunComplete transitions back to Idle on success.
func (s *Session) RunComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _, err := Apply(s.State, EventRunComplete, Input{})
	if err == nil {
		s.State = next
	}
	s.cancel = nil
}

// RunError transitions to Stopped{error}.
func (s *Session) RunError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _, err := Apply(s.State, EventRunError, Input{})
	if err == nil {
		s.State = next
	}
	s.cancel = nil
}

// Snapshot returns a copy of the current RunState for inspection.
func (s *Session) Snapshot() types.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// RegisterPending records an outstanding confirmation future under the
// session's current run.
func (s *Session) RegisterPending(requestID string, entry *types.PendingGateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State.PendingConfirmations == nil {
		s.State.PendingConfirmations = make(map[string]*types.PendingGateEntry)
	}
	s.State.PendingConfirmations[requestID] = entry
}

// TakePending removes and returns a pending confirmation entry, if present.
func (s *Session) TakePending(requestID string) (*types.PendingGateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.State.PendingConfirmations[requestID]
	if ok {
		delete(s.State.PendingConfirmations, requestID)
	}
	return e, ok
}

// PendingByKey returns every outstanding entry whose confirmation key
// matches, for fan-out auto-approval.
func (s *Session) PendingByKey(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.State.PendingConfirmations {
		if e.Key == key {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) applyEffects(effects []Effect) {
	for _, e := range effects {
		if e == EffectAbortAndRejectAll {
			if s.cancel != nil {
				s.cancel()
			}
			for id, entry := range s.State.PendingConfirmations {
				if entry.Resolve != nil {
					select {
					case entry.Resolve <- types.ConfirmationResult{Approved: false, DenialReason: string(s.State.StopReason)}:
					default:
					}
				}
				delete(s.State.PendingConfirmations, id)
			}
		}
	}
}
