package mcp

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// shellPathCache memoizes the login-shell PATH resolution for the process
// lifetime, per the cached-shell-PATH singleton named in SPEC_FULL §9.
var shellPathCache struct {
	sync.Once
	path string
}

// loginShellPathTimeout bounds how long resolveLoginShellPath will wait,
// per the 5s figure in SPEC_FULL §5.
const loginShellPathTimeout = 5 * time.Second

// resolveLoginShellPath runs `$SHELL -lc 'echo $PATH'` once per process so
// stdio launches started from a GUI context (which lack a shell-initialized
// PATH) can still find developer-installed tools such as nvm-managed node
// or pipx-installed CLIs.
func resolveLoginShellPath() string {
	shellPathCache.Do(func() {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		ctx, cancel := context.WithTimeout(context.Background(), loginShellPathTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, shell, "-lc", "echo $PATH")
		out, err := cmd.Output()
		if err != nil {
			shellPathCache.path = os.Getenv("PATH")
			return
		}
		shellPathCache.path = strings.TrimSpace(string(out))
	})
	return shellPathCache.path
}

// launchEnv returns the environment a stdio-launched MCP server should run
// with: the resolved login-shell PATH, HOME injected, plus any
// server-specific overrides.
func launchEnv(extra map[string]string) map[string]string {
	env := map[string]string{
		"PATH": resolveLoginShellPath(),
		"HOME": os.Getenv("HOME"),
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// BuildLaunchCommand applies the launcher table in SPEC_FULL §4.7 to a
// configured stdio "path" (which may be a bare package name, a script
// path, or an executable with arguments) and returns the argv to exec.
func BuildLaunchCommand(path string, extraArgs []string) []string {
	fields := strings.Fields(path)
	if len(fields) == 0 {
		return nil
	}
	head := fields[0]
	rest := fields[1:]

	switch {
	case strings.HasPrefix(head, "@") || !strings.Contains(head, "/"):
		// Package runner: treat head as an npm-style package specifier.
		cmd := append([]string{"npx", "-y", head}, rest...)
		return append(cmd, extraArgs...)
	case strings.HasSuffix(head, ".py"):
		cmd := append([]string{"python3", head}, rest...)
		return append(cmd, extraArgs...)
	case strings.HasSuffix(head, ".js") || strings.HasSuffix(head, ".ts") || strings.HasSuffix(head, ".mjs"):
		cmd := append([]string{"node", "run", head}, rest...)
		return append(cmd, extraArgs...)
	default:
		cmd := append([]string{head}, rest...)
		return append(cmd, extraArgs...)
	}
}
