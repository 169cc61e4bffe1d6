package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/judge"
)

var errEmptyCompletion = errors.New("empty completion")

// DefaultBaseline is the workflow a run starts from when none is given.
const DefaultBaseline = "def solve(problem):\n    return calculate(problem)\n"

// #region generator

// Variant is a generated workflow candidate.
type Variant struct {
	Text   string
	Tokens int
}

// Generator mutates the champion workflow using the strategy of one arm.
type Generator interface {
	Generate(ctx context.Context, arm, baseline, goal string) (Variant, error)
}

// #endregion

// #region template-generator

// ArmTemplates maps each built-in arm to the step it appends.
var ArmTemplates = map[string]string{
	"textgrad":      "# TextGrad: Added gradient-based optimization\ndef refine(answer):\n    return answer.strip()\n",
	"aflow":         "# AFlow: Added automated workflow composition\n# Node1 -> Node2 -> Node3\n",
	"mipro":         "# MIPRO: Added multi-turn prompting\n# Tuned: temperature=0.3, top_p=0.9\n",
	"random_jitter": "# Random: Added exploration jitter\n",
}

// TemplateGenerator is deterministic: the same arm and baseline always give
// the same variant. Unknown arms return the baseline unchanged.
type TemplateGenerator struct {
	Templates map[string]string
}

func NewTemplateGenerator() TemplateGenerator {
	return TemplateGenerator{Templates: ArmTemplates}
}

func (g TemplateGenerator) Generate(ctx context.Context, arm, baseline, _ string) (Variant, error) {
	if err := ctx.Err(); err != nil {
		return Variant{}, err
	}
	if baseline == "" {
		baseline = DefaultBaseline
	}
	text := baseline
	if step, ok := g.Templates[arm]; ok {
		text = strings.TrimRight(baseline, "\n") + "\n\n" + step
	}
	return Variant{Text: text, Tokens: estimateTokens(text)}, nil
}

// #endregion

// #region completion-generator

const rewritePrompt = `You are improving a workflow with the %q strategy.

Goal: %s

Current workflow:
%s

Return ONLY the complete improved workflow.`

// CompletionGenerator asks a completion collaborator for a rewrite and falls
// back to Fallback when the call fails or returns nothing.
type CompletionGenerator struct {
	Completer eval.Completer
	Params    judge.Params
	Fallback  Generator
	Logger    *slog.Logger
}

func (g CompletionGenerator) Generate(ctx context.Context, arm, baseline, goal string) (Variant, error) {
	if baseline == "" {
		baseline = DefaultBaseline
	}
	prompt := fmt.Sprintf(rewritePrompt, arm, goal, baseline)
	out, err := g.Completer.Complete(ctx, prompt, g.Params)
	out = strings.TrimSpace(out)
	if err == nil && out != "" {
		return Variant{Text: out + "\n", Tokens: estimateTokens(prompt) + estimateTokens(out)}, nil
	}
	if g.Fallback == nil {
		if err == nil {
			err = errEmptyCompletion
		}
		return Variant{}, fmt.Errorf("generate %s: %w", arm, err)
	}
	if g.Logger != nil {
		g.Logger.Warn("completion failed, using template", "component", "evolution", "arm", arm, "error", err)
	}
	return g.Fallback.Generate(ctx, arm, baseline, goal)
}

// #endregion

// estimateTokens uses the ~4 characters per token rule of thumb.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
