// Package executor runs Task-tool subtasks by driving a nested,
// independent research-loop turn per subtask, grounded on the shape of
// the teacher's SubagentExecutor but rebuilt against internal/loop's
// trajectory-based Driver instead of internal/session's Message/Part
// processor.
package executor

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/ravel-labs/ravel/internal/agent"
	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/loop"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/runstate"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

// SubagentExecutor implements tool.TaskExecutor by running each subtask as
// its own trajectory, nested under the parent conversation only by naming
// convention (ConversationID = parentSessionID + "/" + a ULID), so a
// subagent's steps never interleave with its parent's.
type SubagentExecutor struct {
	store             *trajectory.Store
	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	agentRegistry     *agent.Registry
	workDir           string
	defaultProviderID string
	defaultModelID    string
}

// SubagentExecutorConfig holds the dependencies needed to construct a
// SubagentExecutor.
type SubagentExecutorConfig struct {
	Store             *trajectory.Store
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	AgentRegistry     *agent.Registry
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string
}

// NewSubagentExecutor constructs a SubagentExecutor.
func NewSubagentExecutor(cfg SubagentExecutorConfig) *SubagentExecutor {
	return &SubagentExecutor{
		store:             cfg.Store,
		providerRegistry:  cfg.ProviderRegistry,
		toolRegistry:      cfg.ToolRegistry,
		agentRegistry:     cfg.AgentRegistry,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
	}
}

// ExecuteSubtask implements tool.TaskExecutor.
func (e *SubagentExecutor) ExecuteSubtask(ctx context.Context, parentConversationID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	agentConfig, err := e.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentName, err)
	}
	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("agent %q is not usable as a subagent", agentName)
	}

	modelID := e.defaultModelID
	if opts.Model != "" {
		modelID = opts.Model
	}
	prov, err := e.providerRegistry.Get(e.defaultProviderID)
	if err != nil {
		return nil, fmt.Errorf("resolve provider %q: %w", e.defaultProviderID, err)
	}

	conversationID := parentConversationID + "/" + ulid.Make().String()
	if opts.ResumeFrom != "" {
		conversationID = opts.ResumeFrom
	}

	// A subagent task runs unattended: no client is listening for its
	// confirmation_request events, so the gate auto-approves everything a
	// subagent tries, mirroring internal/loop's one-shot CLI run.
	sessions := runstate.NewRegistry()
	defer sessions.CloseAll()
	var gate *confirm.Gate
	gate = confirm.New(sessions, func(conversationID string, req types.ConfirmationRequest) {
		gate.Respond(conversationID, types.ConfirmationResponse{RequestID: req.RequestID, SelectedOptionID: "yes"})
	})

	adapter := loop.NewEinoAdapter(prov, modelID, e.toolRegistry, gate, e.workDir)
	driver := loop.New(e.store, adapter, gate)

	result, err := driver.Run(ctx, conversationID, "subagent:"+agentName, agentName, prompt, loop.Callbacks{})
	if err != nil {
		return &tool.TaskResult{SessionID: conversationID, Error: err.Error()}, err
	}

	return &tool.TaskResult{
		Output:    result.Response,
		SessionID: conversationID,
		Metadata: map[string]any{
			"iterations": result.IterationCount,
			"agent":      agentName,
		},
	}, nil
}
