package automation

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/logging"
	"github.com/ravel-labs/ravel/pkg/types"
)

// confirmationTimeout is the durable (not in-memory-only) confirmation
// window automations get, vs. the WebSocket gate's never-times-out
// contract (internal/confirm.Gate).
const confirmationTimeout = 24 * time.Hour

// DurableGate mediates confirmation requests raised by automation runs.
// Unlike internal/confirm.Gate it persists every request as a
// types.PendingConfirmation row so a response can be matched and the
// execution resumed even across a process restart that drops the
// in-memory future (in which case the row update is the only record left;
// the executor treats that as an orphaned response).
type DurableGate struct {
	store *Store

	mu       sync.Mutex
	pending  map[string]chan types.ConfirmationResult
	timers   map[string]*time.Timer
}

// NewDurableGate constructs a gate backed by store.
func NewDurableGate(store *Store) *DurableGate {
	return &DurableGate{
		store:   store,
		pending: make(map[string]chan types.ConfirmationResult),
		timers:  make(map[string]*time.Timer),
	}
}

// RequestConfirmation writes a durable PendingConfirmation row, marks
// executionID awaiting_confirmation, and blocks until Respond is called,
// the 24h timeout fires, or ctx is cancelled.
func (g *DurableGate) RequestConfirmation(ctx context.Context, executionID string, req types.ConfirmationRequest) (types.ConfirmationResult, error) {
	id := ulid.Make().String()
	expiresAt := time.Now().Add(confirmationTimeout)

	row := &types.PendingConfirmation{
		ID:          id,
		ExecutionID: executionID,
		Request:     req,
		Status:      types.PendingConfirmationPending,
		ExpiresAt:   expiresAt.Unix(),
	}
	if err := g.store.PutPendingConfirmation(ctx, row); err != nil {
		return types.ConfirmationResult{}, err
	}

	if exec, err := g.store.GetExecution(ctx, executionID); err == nil {
		exec.Status = types.ExecutionAwaitingConfirmation
		_ = g.store.PutExecution(ctx, exec)
	}

	resolve := make(chan types.ConfirmationResult, 1)
	g.mu.Lock()
	g.pending[id] = resolve
	g.timers[id] = time.AfterFunc(confirmationTimeout, func() { g.expire(id) })
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		g.cleanup(id)
		return types.ConfirmationResult{Approved: false, DenialReason: "aborted"}, ctx.Err()
	case res := <-resolve:
		return res, nil
	}
}

// Respond resolves pendingID with an approval, denial, or guidance
// response, updating the durable row regardless of whether an in-memory
// future is still registered (the process may have restarted).
func (g *DurableGate) Respond(ctx context.Context, pendingID string, approved bool, guidance string) error {
	row, err := g.store.GetPendingConfirmation(ctx, pendingID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	row.RespondedAt = &now
	if approved {
		row.Status = types.PendingConfirmationApproved
	} else {
		row.Status = types.PendingConfirmationDenied
	}
	if err := g.store.PutPendingConfirmation(ctx, row); err != nil {
		return err
	}

	if exec, err := g.store.GetExecution(ctx, row.ExecutionID); err == nil {
		if approved || guidance != "" {
			exec.Status = types.ExecutionRunning
		} else {
			exec.Status = types.ExecutionCancelled
			exec.CompletedAt = &now
		}
		_ = g.store.PutExecution(ctx, exec)
	}

	g.mu.Lock()
	resolve, ok := g.pending[pendingID]
	g.mu.Unlock()
	if !ok {
		logging.Info().Str("pendingId", pendingID).Msg("durable confirmation response has no in-memory future, process likely restarted")
		return nil
	}

	result := types.ConfirmationResult{Approved: approved, DenialReason: guidance}
	if !approved && guidance == "" {
		result.DenialReason = "denied"
	}
	resolve <- result
	g.cleanup(pendingID)
	return nil
}

func (g *DurableGate) expire(id string) {
	ctx := context.Background()
	row, err := g.store.GetPendingConfirmation(ctx, id)
	if err == nil && row.Status == types.PendingConfirmationPending {
		row.Status = types.PendingConfirmationExpired
		_ = g.store.PutPendingConfirmation(ctx, row)

		if exec, err := g.store.GetExecution(ctx, row.ExecutionID); err == nil {
			now := time.Now().Unix()
			exec.Status = types.ExecutionFailed
			exec.CompletedAt = &now
			exec.ErrorMessage = "confirmation timeout expired"
			_ = g.store.PutExecution(ctx, exec)
		}
	}

	g.mu.Lock()
	resolve, ok := g.pending[id]
	g.mu.Unlock()
	if ok {
		resolve <- types.ConfirmationResult{Approved: false, DenialReason: "confirmation timeout expired"}
		g.cleanup(id)
	}
}

func (g *DurableGate) cleanup(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
	delete(g.pending, id)
}
