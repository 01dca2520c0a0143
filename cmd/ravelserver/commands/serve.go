package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/ravel-labs/ravel/internal/agent"
	"github.com/ravel-labs/ravel/internal/automation"
	"github.com/ravel-labs/ravel/internal/channel"
	"github.com/ravel-labs/ravel/internal/command"
	"github.com/ravel-labs/ravel/internal/config"
	"github.com/ravel-labs/ravel/internal/executor"
	"github.com/ravel-labs/ravel/internal/formatter"
	"github.com/ravel-labs/ravel/internal/loop"
	"github.com/ravel-labs/ravel/internal/logging"
	"github.com/ravel-labs/ravel/internal/mcp"
	"github.com/ravel-labs/ravel/internal/project"
	"github.com/ravel-labs/ravel/internal/provider"
	"github.com/ravel-labs/ravel/internal/sharing"
	"github.com/ravel-labs/ravel/internal/storage"
	"github.com/ravel-labs/ravel/internal/tool"
	"github.com/ravel-labs/ravel/internal/trajectory"
	"github.com/ravel-labs/ravel/pkg/types"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ravelserver WebSocket channel and automation subsystem",
	Long: `Start ravelserver as a long-running process that exposes a
WebSocket channel for interactive research-loop turns (SPEC_FULL §4.5)
and runs the automation subsystem's schedulers in the background
(SPEC_FULL §4.6).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8765, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

// defaultProviderModel splits "provider/model" into its two parts, falling
// back to ("", cfg.Model) when the config doesn't use the slash form.
func defaultProviderModel(cfg *types.Config) (string, string) {
	if cfg == nil || cfg.Model == "" {
		return "", ""
	}
	parts := strings.SplitN(cfg.Model, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", cfg.Model
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting ravelserver")
	logging.Info().Str("directory", workDir).Msg("working directory")

	if proj, err := project.FromDirectory(workDir); err != nil {
		logging.Warn().Err(err).Msg("failed to detect project")
	} else {
		event := logging.Info().Str("project_id", proj.ID).Str("worktree", proj.Worktree)
		if proj.VCS != nil {
			event = event.Str("vcs", *proj.VCS)
		}
		event.Msg("project detected")
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
	automationStore := automation.NewStore(store)

	ctx := context.Background()

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}
	providerID, modelID := defaultProviderModel(appConfig)

	fmtManager := formatter.NewManager(workDir, appConfig)
	toolReg := tool.DefaultRegistry(workDir, store, fmtManager)

	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Store:             trajStore,
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		AgentRegistry:     agentReg,
		WorkDir:           workDir,
		DefaultProviderID: providerID,
		DefaultModelID:    modelID,
	}))

	mcpClient := mcp.NewClient()
	for name, cfg := range appConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
			logging.Warn().Err(err).Str("mcp_server", name).Msg("failed to start MCP server")
			continue
		}
	}
	mcp.RegisterMCPTools(mcpClient, toolReg)
	logging.Info().Int("mcp_tool_count", len(mcpClient.Tools())).Msg("registered MCP tools")

	durableGate := automation.NewDurableGate(automationStore)
	automationRunner := loop.NewAutomationRunner(trajStore, firstProvider(providerReg, providerID), modelID, toolReg, workDir, durableGate)
	automationExecutor := automation.NewExecutor(automationStore, automationRunner, durableGate)
	automationManager := automation.NewManager(automationStore, automationExecutor)

	if err := automationManager.Start(ctx); err != nil {
		logging.Warn().Err(err).Msg("failed to start automation manager")
	}
	defer automationManager.Stop()

	automations, err := automationStore.ListAutomations(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to list automations")
	}
	for _, a := range automations {
		if a.Status != types.AutomationActive {
			continue
		}
		if err := automationManager.Activate(ctx, a); err != nil {
			logging.Warn().Err(err).Str("automation_id", a.ID).Msg("failed to activate automation")
		}
	}

	runnerFactory := loop.NewRunnerFactory(trajStore, providerReg, providerID, modelID, toolReg, workDir)
	cmdExecutor := command.NewExecutor(workDir, appConfig)

	shareManager := sharing.NewManager("")
	shareHandler := sharing.NewHandler(shareManager, trajStore)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
	}))

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			user = "anonymous"
		}
		if err := channel.Serve(w, r, user, trajStore, runnerFactory, trajStore, cmdExecutor); err != nil {
			logging.Warn().Err(err).Msg("channel connection ended with error")
		}
	})
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if appConfig.Share != "disabled" {
		router.Mount("/share", shareHandler.Routes())
	}

	addr := fmt.Sprintf("%s:%d", serveHostname, servePort)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
	}

	go func() {
		logging.Info().Str("url", fmt.Sprintf("http://%s/ws", addr)).Msg("channel listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down ravelserver...")

	if err := mcpClient.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing MCP servers")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("ravelserver stopped")
	return nil
}

// firstProvider resolves providerID against reg, falling back to the
// registry's default model's provider when providerID is empty (no
// provider/model configured yet). Automations still need some provider to
// exist at construction time; a resolution failure surfaces at run time
// through EinoAdapter's completion call instead of here.
func firstProvider(reg *provider.Registry, providerID string) provider.Provider {
	if reg == nil {
		return nil
	}
	if providerID != "" {
		if p, err := reg.Get(providerID); err == nil {
			return p
		}
	}
	list := reg.List()
	if len(list) > 0 {
		return list[0]
	}
	return nil
}
