package loop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// systemPrompt builds the system prompt for one conversation's first
// iteration, grounded on internal/session/system.go's SystemPrompt.Build but
// generalized away from types.Session/session.Agent: the driver only knows
// workDir and the agentConfig/providerID/modelID strings from a trajectory,
// not a stored session or agent record.
type systemPrompt struct {
	workDir     string
	agentConfig string
	providerID  string
	modelID     string
}

func newSystemPrompt(workDir, agentConfig, providerID, modelID string) *systemPrompt {
	return &systemPrompt{workDir: workDir, agentConfig: agentConfig, providerID: providerID, modelID: modelID}
}

func (s *systemPrompt) Build() string {
	var parts []string

	if header := s.providerHeader(); header != "" {
		parts = append(parts, header)
	}
	if agentPrompt := s.agentPrompt(); agentPrompt != "" {
		parts = append(parts, agentPrompt)
	}
	if modelPrompt := s.modelPrompt(); modelPrompt != "" {
		parts = append(parts, modelPrompt)
	}
	parts = append(parts, s.environmentContext())
	if rules := s.loadCustomRules(); rules != "" {
		parts = append(parts, rules)
	}
	parts = append(parts, s.toolInstructions())

	return strings.Join(parts, "\n\n")
}

func (s *systemPrompt) providerHeader() string {
	switch s.providerID {
	case "anthropic":
		return `You are a local agentic research assistant built on Claude. You are helpful, harmless, and honest.

IMPORTANT: you have tools that can read, write, and execute commands on the user's machine. Every medium- and high-risk operation is gated behind an explicit confirmation round-trip; treat a denial as final for this turn.`
	case "openai":
		return `You are a local agentic research assistant with tool access for reading, writing, and executing commands.

Medium- and high-risk operations require an explicit confirmation before they run; respect a denial.`
	default:
		return ""
	}
}

// agentPrompt returns the per-agent-config persona. Only a couple of named
// configs are built in; anything else gets the base persona plus the
// environment/tool sections below.
func (s *systemPrompt) agentPrompt() string {
	switch s.agentConfig {
	case "plan":
		return "You are in plan mode: investigate and propose an approach before making any file changes. Do not call write, edit, or bash tools until the user approves a plan."
	case "code":
		return "You are in code mode: implement the requested change directly, verifying your work as you go."
	default:
		return ""
	}
}

func (s *systemPrompt) modelPrompt() string {
	switch {
	case strings.Contains(s.modelID, "claude"):
		return `When using tools, be decisive and take action. Don't ask for confirmation beyond what the confirmation gate already requires.

For file operations:
- Read files before editing to understand context
- Make minimal, focused changes
- Preserve existing code style and formatting`
	case strings.Contains(s.modelID, "gpt"):
		return `When working with files:
- Always read files before making changes
- Make precise, targeted edits
- Follow existing code conventions`
	default:
		return ""
	}
}

func (s *systemPrompt) environmentContext() string {
	var env strings.Builder
	env.WriteString("# Environment Information\n\n")

	workDir := s.workDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	env.WriteString(fmt.Sprintf("Working Directory: %s\n", workDir))
	env.WriteString(fmt.Sprintf("Current Date: %s\n", time.Now().Format("2006-01-02")))
	env.WriteString(fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH))

	if branch := s.gitBranch(workDir); branch != "" {
		env.WriteString(fmt.Sprintf("Git Branch: %s\n", branch))
	}
	if projectType := s.detectProjectType(workDir); projectType != "" {
		env.WriteString(fmt.Sprintf("Project Type: %s\n", projectType))
	}

	return env.String()
}

func (s *systemPrompt) loadCustomRules() string {
	workDir := s.workDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	locations := []string{
		filepath.Join(workDir, "AGENTS.md"),
		filepath.Join(workDir, "CLAUDE.md"),
		filepath.Join(workDir, ".ravel", "rules.md"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "ravel", "rules.md"))
	}

	for _, loc := range locations {
		if content, err := os.ReadFile(loc); err == nil && len(content) > 0 {
			return fmt.Sprintf("# Custom Rules\n\n%s", string(content))
		}
	}
	return ""
}

func (s *systemPrompt) toolInstructions() string {
	return `# Tool Usage Guidelines

1. **File Operations**
   - Read files before editing them
   - Use edit_file for surgical changes, write_file for new files
   - Always provide absolute paths

2. **Bash Commands**
   - Prefer built-in tools over bash when one exists
   - Describe the intent of every command you run

3. **Search**
   - Use glob for file discovery, grep for content search
   - Be specific with patterns to avoid noise

4. **Confirmations**
   - A denied confirmation is a final answer for this operation this turn
   - Don't retry the identical operation after a denial; ask the user or try another approach`
}

func (s *systemPrompt) gitBranch(dir string) string {
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", "branch", "--show-current")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (s *systemPrompt) detectProjectType(dir string) string {
	if dir == "" {
		return ""
	}
	indicators := map[string][]string{
		"Node.js": {"package.json"},
		"Python":  {"pyproject.toml", "setup.py", "requirements.txt"},
		"Go":      {"go.mod"},
		"Rust":    {"Cargo.toml"},
	}
	for projectType, files := range indicators {
		for _, pattern := range files {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) > 0 {
				return projectType
			}
		}
	}
	return ""
}
