package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/ravel-labs/ravel/pkg/types"
)

// compactionConfig controls trajectory compaction, adapted from
// internal/session/compact.go's CompactionConfig onto types.Trajectory's
// step list instead of a stored message history.
type compactionConfig struct {
	minStepsToKeep   int
	summaryMaxTokens int
	contextThreshold float64
	maxContextTokens int
}

var defaultCompactionConfig = compactionConfig{
	minStepsToKeep:   4,
	summaryMaxTokens: 2000,
	contextThreshold: 0.75,
	maxContextTokens: 150000,
}

// Summarizer produces a short summary of prior trajectory text; the eino
// adapter implements this with a plain completion call against the
// configured model.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// estimateTokens gives a rough token estimate (~4 bytes/token), the same
// heuristic internal/session/compact.go uses.
func estimateTokens(text string) int {
	return len(text) / 4
}

func trajectoryTokens(traj *types.Trajectory) int {
	total := 0
	for _, step := range traj.Steps {
		total += estimateTokens(step.Message) + estimateTokens(step.Reasoning)
	}
	return total
}

// shouldCompact reports whether traj has crossed the context threshold and
// has enough steps to make compaction worthwhile.
func shouldCompact(traj *types.Trajectory) bool {
	if len(traj.Steps) <= defaultCompactionConfig.minStepsToKeep {
		return false
	}
	budget := float64(defaultCompactionConfig.maxContextTokens) * defaultCompactionConfig.contextThreshold
	return float64(trajectoryTokens(traj)) > budget
}

// compactSteps summarizes every step but the last minStepsToKeep into a
// single system-sourced summary step, grounded on
// internal/session/compact.go's compactMessages but operating on
// types.Step/types.Trajectory directly instead of stored types.Message.
func compactSteps(ctx context.Context, summarizer Summarizer, traj *types.Trajectory) ([]types.Step, error) {
	keep := defaultCompactionConfig.minStepsToKeep
	if len(traj.Steps) <= keep {
		return traj.Steps, nil
	}

	toCompact := traj.Steps[:len(traj.Steps)-keep]
	recent := traj.Steps[len(traj.Steps)-keep:]

	summary, err := summarizer.Summarize(ctx, buildSummaryPrompt(toCompact))
	if err != nil {
		return nil, fmt.Errorf("loop: compact trajectory: %w", err)
	}

	summaryStep := types.Step{
		Source:  types.StepSystem,
		Message: fmt.Sprintf("# Conversation summary (%d steps compacted)\n\n%s", len(toCompact), summary),
	}

	return append([]types.Step{summaryStep}, recent...), nil
}

// buildSummaryPrompt renders the steps being compacted into the prompt the
// summarizer model sees, mirroring
// internal/session/compact.go's buildSummaryPrompt.
func buildSummaryPrompt(steps []types.Step) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation history concisely, preserving any decisions, file paths, and open tasks mentioned:\n\n")
	for _, step := range steps {
		if step.Message == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%s] %s\n", step.Source, step.Message))
	}
	return sb.String()
}
