package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/pkg/types"
)

// maxIterationsPerTurn bounds how many tool-call round trips a single Run
// may take before the driver gives up and returns the last message,
// grounded on internal/session/loop.go's MaxSteps.
const maxIterationsPerTurn = 50

// ConfirmGate is the subset of internal/confirm.Gate the adapter needs to
// mediate tool confirmations; internal/automation's durable gate is
// wrapped to satisfy it too (see automationGate in automation_runner.go),
// so the same adapter drives both channel-originated and automation runs.
type ConfirmGate interface {
	RequestOperationConfirmation(ctx context.Context, conversationID, user, op, subType string, d confirm.Details) (types.ConfirmationResult, error)
	ShouldHardStop(conversationID, key string, approved bool) bool
}

// EinoAdapter implements Adapter (and Summarizer) over an eino-backed
// provider.Provider and a tool.Registry, generalizing
// internal/session/loop.go + stream.go's runLoop/processStream from a
// types.Message/types.Part-backed single session into the
// Iteration-channel contract Driver expects, keyed only by
// types.Trajectory.
type EinoAdapter struct {
	provider provider.Provider
	model    string
	registry *tool.Registry
	gate     ConfirmGate
	workDir  string
}

// NewEinoAdapter constructs an adapter bound to one connection's
// confirmation gate; see channel.RunnerFactory for why the gate can't be
// shared across connections.
func NewEinoAdapter(prov provider.Provider, model string, registry *tool.Registry, gate ConfirmGate, workDir string) *EinoAdapter {
	return &EinoAdapter{provider: prov, model: model, registry: registry, gate: gate, workDir: workDir}
}

// Stream implements Adapter.
func (a *EinoAdapter) Stream(ctx context.Context, conversationID, user string, traj *types.Trajectory) (<-chan Iteration, <-chan error, error) {
	out := make(chan Iteration)
	errs := make(chan error, 1)

	toolInfos, err := a.registry.ToolInfos()
	if err != nil {
		return nil, nil, fmt.Errorf("loop: list tool infos: %w", err)
	}

	go func() {
		defer close(out)

		messages := a.buildMessages(traj)
		first := true

		for step := 0; step < maxIterationsPerTurn; step++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			stream, err := a.provider.CreateCompletion(ctx, &provider.CompletionRequest{
				Model:    a.model,
				Messages: messages,
				Tools:    toolInfos,
			})
			if err != nil {
				errs <- err
				return
			}

			reply, metrics, err := drainStream(stream)
			stream.Close()
			if err != nil {
				errs <- err
				return
			}

			sysPrompt := ""
			if first {
				sysPrompt = newSystemPrompt(a.workDir, traj.AgentConfig, a.provider.ID(), a.model).Build()
				first = false
			}

			if len(reply.ToolCalls) == 0 {
				out <- Iteration{
					Message:      reply.Content,
					Reasoning:    reply.ReasoningContent,
					Metrics:      metrics,
					Terminal:     true,
					SystemPrompt: sysPrompt,
				}
				return
			}

			calls := toIterationToolCalls(reply.ToolCalls)
			out <- Iteration{
				IsToolCallStart: true,
				Message:         reply.Content,
				ToolCalls:       calls,
				SystemPrompt:    sysPrompt,
			}

			results := ExecuteParallel(ctx, calls, func(ctx context.Context, call types.ToolCall) types.ObservationResult {
				return a.executeToolCall(ctx, conversationID, user, call)
			})

			out <- Iteration{
				Message:     reply.Content,
				ToolCalls:   calls,
				ToolResults: results,
				Metrics:     metrics,
				Reasoning:   reply.ReasoningContent,
			}

			messages = append(messages, reply.toEinoMessage())
			messages = append(messages, toolResultMessages(calls, results)...)
		}

		errs <- fmt.Errorf("loop: exceeded %d iterations without a terminal response", maxIterationsPerTurn)
	}()

	return out, errs, nil
}

// Summarize implements Summarizer by issuing a single, tool-free completion
// against the configured model.
func (a *EinoAdapter) Summarize(ctx context.Context, prompt string) (string, error) {
	stream, err := a.provider.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:    a.model,
		Messages: []*schema.Message{{Role: schema.User, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	reply, _, err := drainStream(stream)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// reply accumulates one completion's streamed chunks.
type reply struct {
	Content          string
	ReasoningContent string
	ToolCalls        []schema.ToolCall
}

func (r reply) toEinoMessage() *schema.Message {
	return &schema.Message{Role: schema.Assistant, Content: r.Content, ToolCalls: r.ToolCalls}
}

// drainStream reads every chunk from stream, accumulating text and
// tool-call arguments by index, grounded on
// internal/session/stream.go's processStream/processMessageChunk.
func drainStream(stream *provider.CompletionStream) (reply, *types.StepMetrics, error) {
	var r reply
	var metrics *types.StepMetrics

	type pending struct {
		call schema.ToolCall
		args strings.Builder
	}
	byIndex := make(map[int]*pending)
	var order []int

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return reply{}, nil, err
		}

		if msg.Content != "" {
			r.Content += msg.Content
		}
		if msg.ReasoningContent != "" {
			r.ReasoningContent += msg.ReasoningContent
		}

		for _, tc := range msg.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p, ok := byIndex[idx]
			if !ok {
				p = &pending{call: tc}
				byIndex[idx] = p
				order = append(order, idx)
			}
			if tc.ID != "" {
				p.call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				p.call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
			}
		}

		if msg.ResponseMeta != nil {
			if metrics == nil {
				metrics = &types.StepMetrics{}
			}
			if msg.ResponseMeta.Usage != nil {
				metrics.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
				metrics.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
			}
		}
	}

	for _, idx := range order {
		p := byIndex[idx]
		p.call.Function.Arguments = p.args.String()
		r.ToolCalls = append(r.ToolCalls, p.call)
	}

	return r, metrics, nil
}

func toIterationToolCalls(calls []schema.ToolCall) []types.ToolCall {
	result := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		result[i] = types.ToolCall{
			ToolCallID:   c.ID,
			FunctionName: c.Function.Name,
			Arguments:    json.RawMessage(c.Function.Arguments),
		}
	}
	return result
}

func toolResultMessages(calls []types.ToolCall, results []types.ObservationResult) []*schema.Message {
	byCallID := make(map[string]types.ObservationResult, len(results))
	for _, r := range results {
		byCallID[r.SourceCallID] = r
	}

	msgs := make([]*schema.Message, 0, len(calls))
	for _, call := range calls {
		res := byCallID[call.ToolCallID]
		msgs = append(msgs, &schema.Message{
			Role:       schema.Tool,
			Content:    res.Content.Text,
			ToolCallID: call.ToolCallID,
		})
	}
	return msgs
}

// executeToolCall dispatches one call through the tool registry, wiring the
// confirmation gate into tool.Context.Confirm per SPEC_FULL §4.3.
func (a *EinoAdapter) executeToolCall(ctx context.Context, conversationID, user string, call types.ToolCall) types.ObservationResult {
	t, ok := a.registry.Get(call.FunctionName)
	if !ok {
		return types.ObservationResult{
			SourceCallID: call.ToolCallID,
			Content:      types.ObservationData{Text: fmt.Sprintf("unknown tool: %s", call.FunctionName)},
		}
	}

	toolCtx := &tool.Context{
		CallID:  call.ToolCallID,
		WorkDir: a.workDir,
		Confirm: func(ctx context.Context, op, subType string, details tool.ConfirmDetails) (bool, string, error) {
			res, err := a.gate.RequestOperationConfirmation(ctx, conversationID, user, op, subType, confirm.Details{
				Title:         details.Title,
				Message:       details.Message,
				Diff:          details.Diff,
				ToolArgs:      details.ToolArgs,
				AffectedFiles: details.AffectedFiles,
			})
			if err != nil {
				return false, "", err
			}
			if a.gate.ShouldHardStop(conversationID, types.ConfirmationKey(op, subType), res.Approved) {
				return false, "too many consecutive denials, stopping", nil
			}
			return res.Approved, res.DenialReason, nil
		},
	}

	result, err := t.Execute(ctx, call.Arguments, toolCtx)
	if err != nil {
		return types.ObservationResult{
			SourceCallID: call.ToolCallID,
			Content:      types.ObservationData{Text: fmt.Sprintf("error: %s", err.Error())},
		}
	}
	return types.ObservationResult{
		SourceCallID: call.ToolCallID,
		Content:      types.ObservationData{Text: result.Output},
	}
}

// buildMessages renders a trajectory's steps into eino's message format,
// grounded on provider.ConvertToEinoMessages but driven by types.Step
// instead of stored types.Message/types.Part.
func (a *EinoAdapter) buildMessages(traj *types.Trajectory) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(traj.Steps))
	for _, step := range traj.Steps {
		switch step.Source {
		case types.StepSystem:
			msgs = append(msgs, &schema.Message{Role: schema.System, Content: step.Message})
		case types.StepUser:
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: step.Message})
		case types.StepAgent:
			var toolCalls []schema.ToolCall
			for _, tc := range step.ToolCalls {
				toolCalls = append(toolCalls, schema.ToolCall{
					ID:       tc.ToolCallID,
					Function: schema.FunctionCall{Name: tc.FunctionName, Arguments: string(tc.Arguments)},
				})
			}
			msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: step.Message, ToolCalls: toolCalls})
			if step.Observation != nil {
				for _, res := range step.Observation.Results {
					msgs = append(msgs, &schema.Message{Role: schema.Tool, Content: res.Content.Text, ToolCallID: res.SourceCallID})
				}
			}
		}
	}
	return msgs
}
