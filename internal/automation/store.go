// Package automation implements the automation executor, rate limiting,
// retries, and durable confirmations described in SPEC_FULL §4.6. It is
// new relative to the teacher (which has no background-trigger concept)
// but reuses internal/storage.Storage as its durable backing store, the
// same way internal/trajectory does.
package automation

import (
	"context"

	"github.com/ravel-labs/ravel/internal/storage"
	"github.com/ravel-labs/ravel/pkg/types"
)

// Store persists Automation, AutomationExecution, and PendingConfirmation
// records under dedicated storage namespaces.
type Store struct {
	storage *storage.Storage
}

// NewStore wraps an existing storage.Storage.
func NewStore(s *storage.Storage) *Store {
	return &Store{storage: s}
}

func (s *Store) PutAutomation(ctx context.Context, a *types.Automation) error {
	return s.storage.Put(ctx, []string{"automation", a.ID}, a)
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*types.Automation, error) {
	var a types.Automation
	if err := s.storage.Get(ctx, []string{"automation", id}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAutomations(ctx context.Context) ([]*types.Automation, error) {
	ids, err := s.storage.List(ctx, []string{"automation"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Automation, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAutomation(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) PutExecution(ctx context.Context, e *types.AutomationExecution) error {
	return s.storage.Put(ctx, []string{"automation_execution", e.ID}, e)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*types.AutomationExecution, error) {
	var e types.AutomationExecution
	if err := s.storage.Get(ctx, []string{"automation_execution", id}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListExecutionsForAutomation(ctx context.Context, automationID string) ([]*types.AutomationExecution, error) {
	ids, err := s.storage.List(ctx, []string{"automation_execution"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.AutomationExecution, 0)
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil || e.AutomationID != automationID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListAllExecutions(ctx context.Context) ([]*types.AutomationExecution, error) {
	ids, err := s.storage.List(ctx, []string{"automation_execution"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.AutomationExecution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) PutPendingConfirmation(ctx context.Context, p *types.PendingConfirmation) error {
	return s.storage.Put(ctx, []string{"automation_confirmation", p.ID}, p)
}

func (s *Store) GetPendingConfirmation(ctx context.Context, id string) (*types.PendingConfirmation, error) {
	var p types.PendingConfirmation
	if err := s.storage.Get(ctx, []string{"automation_confirmation", id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPendingConfirmationsForExecution(ctx context.Context, executionID string) ([]*types.PendingConfirmation, error) {
	ids, err := s.storage.List(ctx, []string{"automation_confirmation"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.PendingConfirmation, 0)
	for _, id := range ids {
		p, err := s.GetPendingConfirmation(ctx, id)
		if err != nil || p.ExecutionID != executionID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ListAllPendingConfirmations(ctx context.Context) ([]*types.PendingConfirmation, error) {
	ids, err := s.storage.List(ctx, []string{"automation_confirmation"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.PendingConfirmation, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPendingConfirmation(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ErrNotFound mirrors storage.ErrNotFound under this package's name so
// callers don't need to import internal/storage just to check it.
var ErrNotFound = storage.ErrNotFound
