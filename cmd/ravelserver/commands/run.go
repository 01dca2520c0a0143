package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/ravel-labs/ravel/internal/confirm"
	"github.com/ravel-labs/ravel/internal/config"
	"github.com/ravel-labs/ravel/internal/formatter"
	"github.com/ravel-labs/ravel/internal/loop"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/runstate"
	"github.com/ravel-labs/ravel/internal/storage"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

var (
	runAgentConfig string
	runConversation string
	runDir          string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run a single research-loop turn against stdout",
	Long: `Run drives one turn of the research loop for a conversation and
prints the final response, auto-approving every confirmation (there is no
interactive client attached to answer them).

Examples:
  ravelserver run "summarize the open issues in this repo"
  ravelserver run --conversation 01J... "continue the last turn"`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runAgentConfig, "agent", "default", "Agent configuration (default|plan|code)")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Conversation id to continue (new one created if empty)")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runOnce(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required: ravelserver run \"your message\"")
	}

	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	store := storage.New(paths.StoragePath())
	trajStore := trajectory.New(store)

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	providerID, modelID := defaultProviderModel(appConfig)
	prov, err := providerReg.Get(providerID)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", providerID, err)
	}

	fmtManager := formatter.NewManager(workDir, appConfig)
	toolReg := tool.DefaultRegistry(workDir, store, fmtManager)

	conversationID := runConversation
	if conversationID == "" {
		conversationID = ulid.Make().String()
	}

	// A one-shot CLI run has no client to answer confirmations, so the emit
	// callback auto-approves every request the instant it's raised: emit
	// runs after RegisterPending, so the Respond call below always finds
	// its pending entry before Run's blocking select gets to it.
	sessions := runstate.NewRegistry()
	defer sessions.CloseAll()
	var gate *confirm.Gate
	gate = confirm.New(sessions, func(conversationID string, req types.ConfirmationRequest) {
		gate.Respond(conversationID, types.ConfirmationResponse{RequestID: req.RequestID, SelectedOptionID: "yes"})
	})

	adapter := loop.NewEinoAdapter(prov, modelID, toolReg, gate, workDir)
	driver := loop.New(trajStore, adapter, gate)

	result, err := driver.Run(ctx, conversationID, "cli", runAgentConfig, message, loop.Callbacks{
		OnReasoning: func(reasoning string) {
			fmt.Fprintln(cmd.ErrOrStderr(), reasoning)
		},
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Response)
	return nil
}
