// Package loop implements the research loop driver of SPEC_FULL §4.2: one
// logical response composed of zero or more tool-call iterations plus a
// final agent message, persisted step by step into a trajectory.Store.
//
// It is grounded on internal/session/loop.go's runLoop (retry backoff via
// cenkalti/backoff, step counting, finish-reason switch), generalized from
// a fixed Anthropic/eino completion call tied to one stored Message into
// the Iteration-stream contract spec.md requires, driving an explicit
// trajectory.Store instead of the teacher's message/part storage.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

// fallbackMessage substitutes for an empty terminal message (SPEC_FULL §4.2
// step 5).
const fallbackMessage = "(no response)"

const (
	maxRetries           = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsed      = 2 * time.Minute
)

// Iteration is one value the LLM adapter yields, per spec.md §4.2 step 2.
type Iteration struct {
	// IsToolCallStart is true for the pre-dispatch notice; ToolCalls holds
	// the pending calls and Thought/Message are optional commentary.
	IsToolCallStart bool
	Thought         string
	Message         string

	// Completed-iteration fields (IsToolCallStart == false).
	ToolCalls   []types.ToolCall
	ToolResults []types.ObservationResult
	Metrics     *types.StepMetrics
	Reasoning   string
	Raw         []byte

	// Terminal is true once ToolCalls is empty and Message is the final
	// response.
	Terminal bool

	// SystemPrompt is populated only on the very first iteration.
	SystemPrompt string
}

// Adapter is the LLMClient contract the driver calls against: given the
// trajectory so far, it returns a channel of Iterations (closed when the
// turn ends) and an error channel for stream-level failures. user identifies
// the caller for confirmation-gate bookkeeping (internal/confirm.Gate
// requires it on first creation of a conversation's session, a no-op for an
// already-running one).
type Adapter interface {
	Stream(ctx context.Context, conversationID, user string, traj *types.Trajectory) (<-chan Iteration, <-chan error, error)
}

// ToolExecutor dispatches one tool call, confirmation-aware via gate.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall, confirmCtx *tool.Context) types.ObservationResult
}

// Callbacks mirror spec.md §4.2's {onToolCallStart, onIteration, onReasoning,
// onUserMessagePersisted}; any may be nil.
type Callbacks struct {
	OnToolCallStart        func(thought, message string, calls []types.ToolCall)
	OnIteration            func(step types.Step)
	OnReasoning            func(reasoning string)
	OnUserMessagePersisted func(stepID int)
}

// Driver executes one research-loop turn.
type Driver struct {
	store   *trajectory.Store
	adapter Adapter
	gate    *confirm.Gate
}

// New constructs a Driver over the given trajectory store, LLM adapter,
// and confirmation gate. gate is currently unused by Run directly (tool
// adapters pull it via tool.Context.Confirm) but is kept so future
// driver-level confirmations (e.g. a plan-approval step) have it on hand.
func New(store *trajectory.Store, adapter Adapter, gate *confirm.Gate) *Driver {
	return &Driver{store: store, adapter: adapter, gate: gate}
}

// Result is what Run returns on success, matching spec.md §4.2 step 6.
type Result struct {
	Response       string
	IterationCount int
	ConversationID string
	StepID         int
}

// Run drives one turn for conversationID, optionally seeding a new user
// message, until a terminal iteration or abort. user identifies the caller
// (the channel connection's authenticated identity); it doubles as the
// trajectory's session_id on first creation.
func (d *Driver) Run(ctx context.Context, conversationID, user, agentConfig, userMessage string, cb Callbacks) (Result, error) {
	traj, err := d.store.Load(ctx, conversationID)
	if errors.Is(err, trajectory.ErrNotFound) {
		traj, err = d.store.Create(ctx, conversationID, user, agentConfig)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loop: load trajectory: %w", err)
	}

	if summarizer, ok := d.adapter.(Summarizer); ok && shouldCompact(traj) {
		compacted, err := compactSteps(ctx, summarizer, traj)
		if err != nil {
			return Result{}, err
		}
		if err := d.store.ReplaceSteps(ctx, conversationID, compacted); err != nil {
			return Result{}, fmt.Errorf("loop: persist compacted trajectory: %w", err)
		}
		traj, err = d.store.Load(ctx, conversationID)
		if err != nil {
			return Result{}, err
		}
	}

	systemPersisted := len(traj.Steps) > 0
	pendingUserMessage := userMessage

	iterations, errs, err := d.adapter.Stream(ctx, conversationID, user, traj)
	if err != nil {
		return Result{}, fmt.Errorf("loop: start adapter stream: %w", err)
	}

	b := newRetryBackoff(ctx)
	iterationCount := 0
	var lastStepID int
	var finalMessage string

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()

		case streamErr, ok := <-errs:
			if !ok || streamErr == nil {
				continue
			}
			// LLM adapter errors abort the run (spec.md §4.2 failure semantics),
			// retried with backoff before giving up.
			nextInterval := b.NextBackOff()
			if nextInterval == backoff.Stop {
				return Result{}, fmt.Errorf("loop: adapter error: %w", streamErr)
			}
			time.Sleep(nextInterval)
			iterations, errs, err = d.adapter.Stream(ctx, conversationID, user, traj)
			if err != nil {
				return Result{}, fmt.Errorf("loop: restart adapter stream: %w", err)
			}

		case it, ok := <-iterations:
			if !ok {
				return Result{Response: finalMessage, IterationCount: iterationCount, ConversationID: conversationID, StepID: lastStepID}, nil
			}
			b.Reset()

			if it.SystemPrompt != "" && !systemPersisted {
				sysStep, err := d.store.AddStep(ctx, conversationID, types.Step{Source: types.StepSystem, Message: it.SystemPrompt})
				if err != nil {
					return Result{}, err
				}
				lastStepID = sysStep.StepID
				systemPersisted = true

				if pendingUserMessage != "" {
					userStep, err := d.store.AddStep(ctx, conversationID, types.Step{Source: types.StepUser, Message: pendingUserMessage})
					if err != nil {
						return Result{}, err
					}
					lastStepID = userStep.StepID
					if cb.OnUserMessagePersisted != nil {
						cb.OnUserMessagePersisted(userStep.StepID)
					}
					pendingUserMessage = ""
				}
			}

			if it.IsToolCallStart {
				if cb.OnToolCallStart != nil {
					cb.OnToolCallStart(it.Thought, it.Message, it.ToolCalls)
				}
				continue
			}

			if it.Reasoning != "" && cb.OnReasoning != nil {
				cb.OnReasoning(it.Reasoning)
			}

			message := it.Message
			if it.Terminal && message == "" {
				message = fallbackMessage
			}

			step, err := d.store.AddStep(ctx, conversationID, types.Step{
				Source:      types.StepAgent,
				Message:     message,
				Metrics:     it.Metrics,
				ToolCalls:   it.ToolCalls,
				Observation: toObservation(it.ToolResults),
				Reasoning:   it.Reasoning,
				RawOutput:   it.Raw,
			})
			if err != nil {
				return Result{}, err
			}
			lastStepID = step.StepID
			if cb.OnIteration != nil {
				cb.OnIteration(step)
			}

			if it.Terminal {
				finalMessage = message
				return Result{Response: finalMessage, IterationCount: iterationCount, ConversationID: conversationID, StepID: lastStepID}, nil
			}
			iterationCount++
		}
	}
}

func toObservation(results []types.ObservationResult) *types.Observation {
	if len(results) == 0 {
		return nil
	}
	return &types.Observation{Results: results}
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsed
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// ExecuteParallel runs every call in calls concurrently via exec,
// preserving source_call_id linkage (never positional), per spec.md §4.2's
// parallel tool call contract.
func ExecuteParallel(ctx context.Context, calls []types.ToolCall, exec func(context.Context, types.ToolCall) types.ObservationResult) []types.ObservationResult {
	results := make([]types.ObservationResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			defer wg.Done()
			results[i] = exec(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}
