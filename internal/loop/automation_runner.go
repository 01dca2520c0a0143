package loop

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/automation"
	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

// automationAgentConfig names the trajectory agent_config stamped onto
// automation-triggered conversations, distinct from the interactive
// "default"/"plan"/"code" configs a channel message can select.
const automationAgentConfig = "automation"

// automationGate adapts internal/automation.DurableGate's
// executionID-keyed, 24h-timeout confirmation contract to the ConfirmGate
// interface EinoAdapter expects, so one adapter implementation drives both
// channel and automation runs.
type automationGate struct {
	durable     *automation.DurableGate
	executionID string
}

func (g automationGate) RequestOperationConfirmation(ctx context.Context, conversationID, user, op, subType string, d confirm.Details) (types.ConfirmationResult, error) {
	req := types.ConfirmationRequest{
		RequestID: ulid.Make().String(),
		InputType: "confirmation",
		Title:     d.Title,
		Message:   d.Message,
		Operation: op,
		Context: types.ConfirmationContext{
			ToolName:      op,
			ToolArgs:      d.ToolArgs,
			AffectedFiles: d.AffectedFiles,
			RiskLevel:     confirm.RiskFor(op, subType),
			OperationType: subType,
		},
		Diff:    d.Diff,
		Options: types.StandardConfirmationOptions(),
	}
	return g.durable.RequestConfirmation(ctx, g.executionID, req)
}

// ShouldHardStop is a no-op for automations: the durable gate's 24h
// timeout is the only escalation path, there is no interactive
// denial-streak concept to hard-stop on.
func (automationGate) ShouldHardStop(conversationID, key string, approved bool) bool { return false }

// AutomationRunner implements internal/automation.Runner by driving the
// research loop for an automation's coupled conversation, grounded on
// internal/executor/subagent.go's nested-run pattern: a Runner wraps the
// same Driver machinery a top-level run uses, swapping only the
// confirmation gate and conversation bookkeeping.
type AutomationRunner struct {
	store    *trajectory.Store
	provider provider.Provider
	model    string
	registry *tool.Registry
	workDir  string
	gate     *automation.DurableGate
}

// NewAutomationRunner constructs a Runner for internal/automation.Executor.
func NewAutomationRunner(store *trajectory.Store, prov provider.Provider, model string, registry *tool.Registry, workDir string, gate *automation.DurableGate) *AutomationRunner {
	return &AutomationRunner{store: store, provider: prov, model: model, registry: registry, workDir: workDir, gate: gate}
}

// RunAutomation implements automation.Runner.
func (r *AutomationRunner) RunAutomation(ctx context.Context, a *types.Automation, job automation.Job) error {
	conversationID := a.ConversationID
	if conversationID == "" {
		conversationID = ulid.Make().String()
	}

	adapter := NewEinoAdapter(r.provider, r.model, r.registry, automationGate{durable: r.gate, executionID: job.ExecutionID}, r.workDir)
	driver := New(r.store, adapter, nil)

	prompt := a.Prompt
	if job.TriggerData != nil {
		prompt = fmt.Sprintf("%s\n\nTrigger data: %v", a.Prompt, job.TriggerData)
	}

	_, err := driver.Run(ctx, conversationID, a.UserID, automationAgentConfig, prompt, Callbacks{})
	return err
}
