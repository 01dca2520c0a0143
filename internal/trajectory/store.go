// Package trajectory implements the append-only per-conversation step log,
// its aggregate metrics, targeted deletion operations, and ATIF export/
// import, built atop the file-based JSON storage.Storage the teacher uses
// for sessions.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/storage"
	"github.com/ravel-labs/ravel/pkg/types"
)

// ErrNotFound is returned when a conversation has no stored trajectory.
var ErrNotFound = errors.New("trajectory: not found")

// Store persists Trajectories keyed by conversation id, one JSON document
// per conversation, matching the teacher's one-file-per-entity convention.
type Store struct {
	storage *storage.Storage
}

// New wraps a storage.Storage as a trajectory Store.
func New(s *storage.Storage) *Store {
	return &Store{storage: s}
}

func path(conversationID string) []string {
	return []string{"trajectory", conversationID}
}

// Load returns the trajectory for conversationID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, conversationID string) (*types.Trajectory, error) {
	var t types.Trajectory
	if err := s.storage.Get(ctx, path(conversationID), &t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Create initializes an empty trajectory for a new conversation. The first
// three steps persisted afterward must be system, then user, then agent,
// per the ordering invariant in SPEC_FULL §3.
func (s *Store) Create(ctx context.Context, conversationID, sessionID, agentConfig string) (*types.Trajectory, error) {
	t := &types.Trajectory{
		SchemaVersion:  types.SchemaVersionPrefix + "1",
		ConversationID: conversationID,
		SessionID:      sessionID,
		AgentConfig:    agentConfig,
	}
	if err := s.storage.Put(ctx, path(conversationID), t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) save(ctx context.Context, t *types.Trajectory) error {
	return s.storage.Put(ctx, path(t.ConversationID), t)
}

// AddStep appends a new step, assigning step_id = max(existing)+1 (or 1 for
// the first step) and recomputing final_metrics.
func (s *Store) AddStep(ctx context.Context, conversationID string, step types.Step) (types.Step, error) {
	t, err := s.Load(ctx, conversationID)
	if err != nil {
		return types.Step{}, err
	}

	maxID := 0
	for _, existing := range t.Steps {
		if existing.StepID > maxID {
			maxID = existing.StepID
		}
	}
	step.StepID = maxID + 1
	step.Timestamp = time.Now().UnixMilli()

	t.Steps = append(t.Steps, step)
	recomputeMetrics(t)

	if err := s.save(ctx, t); err != nil {
		return types.Step{}, err
	}
	return step, nil
}

func recomputeMetrics(t *types.Trajectory) {
	var total types.StepMetrics
	for _, step := range t.Steps {
		total.Add(step.Metrics)
	}
	t.FinalMetrics = total
}

// DeleteStep removes a single step by id and recomputes final_metrics.
// Surviving step_id values are left unchanged.
func (s *Store) DeleteStep(ctx context.Context, conversationID string, stepID int) (bool, error) {
	t, err := s.Load(ctx, conversationID)
	if err != nil {
		return false, err
	}

	idx := indexOf(t.Steps, stepID)
	if idx < 0 {
		return false, nil
	}
	t.Steps = append(t.Steps[:idx], t.Steps[idx+1:]...)
	recomputeMetrics(t)
	return true, s.save(ctx, t)
}

// DeleteAgentMessage removes the step at stepID (which must be an agent
// step) and every consecutive agent step following it, stopping at the
// next non-agent step. Returns the number of steps removed.
func (s *Store) DeleteAgentMessage(ctx context.Context, conversationID string, stepID int) (int, error) {
	t, err := s.Load(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	idx := indexOf(t.Steps, stepID)
	if idx < 0 || !t.Steps[idx].IsAgent() {
		return 0, nil
	}

	end := idx
	for end < len(t.Steps) && t.Steps[end].IsAgent() {
		end++
	}

	removed := end - idx
	t.Steps = append(t.Steps[:idx], t.Steps[end:]...)
	recomputeMetrics(t)
	return removed, s.save(ctx, t)
}

// DeleteTurn removes a user step at stepID together with any immediately
// following user steps (pre-response chaining) and all consecutive agent
// steps after those, up to the next user step or the end of the
// trajectory. Only valid when the step at stepID is a user step. Returns
// the number of steps removed.
func (s *Store) DeleteTurn(ctx context.Context, conversationID string, stepID int) (int, error) {
	t, err := s.Load(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	idx := indexOf(t.Steps, stepID)
	if idx < 0 || t.Steps[idx].Source != types.StepUser {
		return 0, nil
	}

	end := idx
	for end < len(t.Steps) && t.Steps[end].Source == types.StepUser {
		end++
	}
	for end < len(t.Steps) && t.Steps[end].IsAgent() {
		end++
	}

	removed := end - idx
	t.Steps = append(t.Steps[:idx], t.Steps[end:]...)
	recomputeMetrics(t)
	return removed, s.save(ctx, t)
}

// ReplaceSteps overwrites the entire step list, recomputing final_metrics.
// Used by internal/loop's compaction pass to collapse old steps into a
// single summary step without disturbing step_id allocation for new steps.
func (s *Store) ReplaceSteps(ctx context.Context, conversationID string, steps []types.Step) error {
	t, err := s.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	t.Steps = steps
	recomputeMetrics(t)
	return s.save(ctx, t)
}

// Fork deep-copies sourceConversationID's trajectory into a new
// conversation, preserving every step and its step_id. Implements
// internal/channel.Forker, grounded on internal/session/service.go's
// Service.Fork but copying the whole step log rather than truncating at a
// message id (conversations fork at the client's current point, not at an
// arbitrary earlier one).
func (s *Store) Fork(ctx context.Context, sourceConversationID string) (string, error) {
	src, err := s.Load(ctx, sourceConversationID)
	if err != nil {
		return "", err
	}

	newID := ulid.Make().String()
	forked := &types.Trajectory{
		SchemaVersion:  src.SchemaVersion,
		ConversationID: newID,
		SessionID:      src.SessionID,
		AgentConfig:    src.AgentConfig,
		Steps:          append([]types.Step(nil), src.Steps...),
	}
	recomputeMetrics(forked)

	if err := s.save(ctx, forked); err != nil {
		return "", err
	}
	return newID, nil
}

func indexOf(steps []types.Step, stepID int) int {
	for i, st := range steps {
		if st.StepID == stepID {
			return i
		}
	}
	return -1
}

// Validate checks the schema version prefix, presence of session id and
// agent config, and that every step's source is one of system/user/agent.
func Validate(t *types.Trajectory) error {
	if t == nil {
		return fmt.Errorf("trajectory: nil")
	}
	if len(t.SchemaVersion) < len(types.SchemaVersionPrefix) || t.SchemaVersion[:len(types.SchemaVersionPrefix)] != types.SchemaVersionPrefix {
		return fmt.Errorf("trajectory: schema_version must be prefixed %q, got %q", types.SchemaVersionPrefix, t.SchemaVersion)
	}
	if t.SessionID == "" {
		return fmt.Errorf("trajectory: missing session_id")
	}
	if t.AgentConfig == "" {
		return fmt.Errorf("trajectory: missing agent_config")
	}
	for _, step := range t.Steps {
		switch step.Source {
		case types.StepSystem, types.StepUser, types.StepAgent:
		default:
			return fmt.Errorf("trajectory: step %d has invalid source %q", step.StepID, step.Source)
		}
	}
	return nil
}
