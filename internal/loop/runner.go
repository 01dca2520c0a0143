package loop

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/ravel-labs/ravel/internal/channel"
	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

// defaultAgentConfig names the agent configuration stamped onto a
// trajectory created for its first turn, until per-conversation agent
// selection (SPEC_FULL §4.1's agent config surface) is wired in.
const defaultAgentConfig = "default"

// ChannelRunner adapts a Driver to internal/channel's Runner interface,
// translating Driver.Callbacks into channel.Emitter calls so the websocket
// connection can stream tool_call_start/iteration/research events for the
// run's duration.
type ChannelRunner struct {
	driver *Driver
}

// NewChannelRunner wraps driver for use as a channel.Runner.
func NewChannelRunner(driver *Driver) *ChannelRunner {
	return &ChannelRunner{driver: driver}
}

// Run implements channel.Runner.
func (r *ChannelRunner) Run(ctx context.Context, conversationID, user, message, clientMessageID string, events channel.Emitter) (string, error) {
	cb := Callbacks{
		OnToolCallStart: func(thought, msg string, calls []types.ToolCall) {
			events.ToolCallStart(thought, msg, calls)
		},
		OnIteration: func(step types.Step) {
			events.Iteration(step.StepID, step.Message, step.Metrics)
		},
		OnReasoning: func(reasoning string) {
			events.Reasoning(reasoning)
		},
	}

	result, err := r.driver.Run(ctx, conversationID, user, defaultAgentConfig, message, cb)
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// NewRunnerFactory builds a channel.RunnerFactory closing over the shared
// trajectory store, provider registry, and tool registry. Each invocation
// (once per connection, from inside channel.Serve) builds a fresh
// EinoAdapter bound to that connection's own confirmation gate, since a
// gate is scoped to one websocket connection's conversations.
func NewRunnerFactory(store *trajectory.Store, providerReg *provider.Registry, providerID, modelID string, toolReg *tool.Registry, workDir string) channel.RunnerFactory {
	return func(gate *confirm.Gate) channel.Runner {
		prov, err := providerReg.Get(providerID)
		if err != nil {
			// A bad default provider is a startup-time configuration error;
			// degrade to a provider that fails every completion rather than
			// panicking and taking down the whole connection loop.
			prov = failingProvider{err: fmt.Errorf("loop: resolve provider %q: %w", providerID, err)}
		}
		adapter := NewEinoAdapter(prov, modelID, toolReg, gate, workDir)
		driver := New(store, adapter, gate)
		return NewChannelRunner(driver)
	}
}

// failingProvider satisfies provider.Provider by returning err from every
// completion; used only when NewRunnerFactory's default provider lookup
// fails, so the connection can still serve confirmation/fork commands
// instead of being torn down outright.
type failingProvider struct {
	err error
}

func (p failingProvider) ID() string            { return "unavailable" }
func (p failingProvider) Name() string          { return "unavailable" }
func (p failingProvider) Models() []types.Model { return nil }
func (p failingProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p failingProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	return nil, p.err
}
