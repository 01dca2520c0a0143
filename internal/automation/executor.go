package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/logging"
	"github.com/ravel-labs/ravel/pkg/types"
)

func marshalTriggerData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

const (
	// MaxConcurrent bounds simultaneous executions across the process.
	MaxConcurrent = 3
	// MaxRetries bounds retry attempts per execution.
	MaxRetries = 2
)

// RetryDelays are the fixed backoff delays for the first and second retry.
var RetryDelays = []time.Duration{15 * time.Second, 30 * time.Second}

// nonRetryable lists error substrings that short-circuit the retry loop,
// per SPEC_FULL §4.6.
var nonRetryable = []string{
	"confirmation timeout expired",
	"automation not found",
	"user not found",
	"automation cancelled",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range nonRetryable {
		if msg == s {
			return false
		}
	}
	return true
}

// Job is a queued unit of work: run automationID's prompt in its coupled
// conversation, given the trigger payload that caused the enqueue.
type Job struct {
	AutomationID string
	TriggerData  any
	ExecutionID  string
}

// Runner executes one automation job to completion (or to the point of
// requesting a durable confirmation, via Gate).
type Runner interface {
	RunAutomation(ctx context.Context, a *types.Automation, job Job) error
}

// Executor is the bounded-concurrency, rate-limited, retrying job queue
// described in SPEC_FULL §4.6.
type Executor struct {
	store  *Store
	runner Runner
	gate   *DurableGate

	sem    chan struct{}
	queue  chan Job
	mu     sync.Mutex
	active map[string]bool // automationID -> currently running

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewExecutor constructs an executor bounded to MaxConcurrent simultaneous
// runs, backed by store for durable execution/confirmation records.
func NewExecutor(store *Store, runner Runner, gate *DurableGate) *Executor {
	return &Executor{
		store:  store,
		runner: runner,
		gate:   gate,
		sem:    make(chan struct{}, MaxConcurrent),
		queue:  make(chan Job, 1024),
		active: make(map[string]bool),
		stop:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.dispatchLoop()
}

// Stop halts the dispatch loop and waits for in-flight executions to
// observe their context cancellation.
func (e *Executor) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Executor) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case job := <-e.queue:
			e.sem <- struct{}{}
			e.wg.Add(1)
			go func(j Job) {
				defer e.wg.Done()
				defer func() { <-e.sem }()
				e.run(j)
			}(job)
		}
	}
}

// Enqueue admits job to the FIFO queue after checking per-automation
// exclusivity and rate limits, creating a pending AutomationExecution row.
func (e *Executor) Enqueue(ctx context.Context, automationID string, triggerData any) (string, error) {
	e.mu.Lock()
	if e.active[automationID] {
		e.mu.Unlock()
		return "", errors.New("automation already running")
	}
	e.mu.Unlock()

	a, err := e.store.GetAutomation(ctx, automationID)
	if err != nil {
		return "", errors.New("automation not found")
	}

	if err := e.checkRateLimit(ctx, a); err != nil {
		return "", err
	}

	execID := ulid.Make().String()
	exec := &types.AutomationExecution{
		ID:           execID,
		AutomationID: automationID,
		Status:       types.ExecutionPending,
	}
	if raw, err := marshalTriggerData(triggerData); err == nil {
		exec.TriggerData = raw
	}
	if err := e.store.PutExecution(ctx, exec); err != nil {
		return "", err
	}

	select {
	case e.queue <- Job{AutomationID: automationID, TriggerData: triggerData, ExecutionID: execID}:
	default:
		return "", errors.New("execution queue full")
	}
	return execID, nil
}

func (e *Executor) checkRateLimit(ctx context.Context, a *types.Automation) error {
	if a.MaxExecutionsPerHour == 0 && a.MaxExecutionsPerDay == 0 {
		return nil
	}
	execs, err := e.store.ListExecutionsForAutomation(ctx, a.ID)
	if err != nil {
		return nil
	}
	now := time.Now()
	var lastHour, lastDay int
	for _, ex := range execs {
		if ex.StartedAt == nil {
			continue
		}
		started := time.Unix(*ex.StartedAt, 0)
		if now.Sub(started) <= time.Hour {
			lastHour++
		}
		if now.Sub(started) <= 24*time.Hour {
			lastDay++
		}
	}
	if a.MaxExecutionsPerHour > 0 && lastHour >= a.MaxExecutionsPerHour {
		return errors.New("hourly execution limit exceeded")
	}
	if a.MaxExecutionsPerDay > 0 && lastDay >= a.MaxExecutionsPerDay {
		return errors.New("daily execution limit exceeded")
	}
	return nil
}

func (e *Executor) run(job Job) {
	ctx := context.Background()

	e.mu.Lock()
	e.active[job.AutomationID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, job.AutomationID)
		e.mu.Unlock()
	}()

	a, err := e.store.GetAutomation(ctx, job.AutomationID)
	if err != nil {
		e.fail(ctx, job.ExecutionID, "automation not found")
		return
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			logging.Info().Str("automationId", a.ID).Int("attempt", attempt).Msg("retrying automation execution")
			time.Sleep(RetryDelays[attempt-1])
		}

		e.markRunning(ctx, job.ExecutionID)
		lastErr = e.runner.RunAutomation(ctx, a, job)
		if lastErr == nil {
			e.complete(ctx, job.ExecutionID)
			e.touchLastExecuted(ctx, a)
			return
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	e.fail(ctx, job.ExecutionID, lastErr.Error())
}

func (e *Executor) markRunning(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	exec.Status = types.ExecutionRunning
	exec.StartedAt = &now
	_ = e.store.PutExecution(ctx, exec)
}

func (e *Executor) complete(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	exec.Status = types.ExecutionCompleted
	exec.CompletedAt = &now
	_ = e.store.PutExecution(ctx, exec)
}

func (e *Executor) fail(ctx context.Context, executionID, msg string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	exec.Status = types.ExecutionFailed
	exec.CompletedAt = &now
	exec.ErrorMessage = msg
	exec.RetryCount = MaxRetries
	_ = e.store.PutExecution(ctx, exec)
}

func (e *Executor) touchLastExecuted(ctx context.Context, a *types.Automation) {
	now := time.Now().Unix()
	a.LastExecutedAt = &now
	_ = e.store.PutAutomation(ctx, a)
}

// RecoverCrashed sweeps executions left in pending/running/
// awaiting_confirmation from a prior process, per SPEC_FULL §4.6's
// crash-recovery contract, and expires their pending confirmations.
func (e *Executor) RecoverCrashed(ctx context.Context) error {
	execs, err := e.store.ListAllExecutions(ctx)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		switch exec.Status {
		case types.ExecutionPending, types.ExecutionRunning, types.ExecutionAwaitingConfirmation:
			now := time.Now().Unix()
			exec.Status = types.ExecutionCancelled
			exec.CompletedAt = &now
			exec.ErrorMessage = "interrupted by server restart"
			if err := e.store.PutExecution(ctx, exec); err != nil {
				logging.Warn().Err(err).Str("executionId", exec.ID).Msg("failed to mark execution cancelled on recovery")
				continue
			}

			pending, err := e.store.ListPendingConfirmationsForExecution(ctx, exec.ID)
			if err != nil {
				continue
			}
			for _, p := range pending {
				if p.Status != types.PendingConfirmationPending {
					continue
				}
				p.Status = types.PendingConfirmationExpired
				_ = e.store.PutPendingConfirmation(ctx, p)
			}
		}
	}
	return nil
}
