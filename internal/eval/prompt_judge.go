package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/judge"
)

// Completer runs a free-form text completion. *judge.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string, p judge.Params) (string, error)
}

// PromptJudge scores through a plain completion collaborator by asking for a
// JSON object and extracting it from the reply.
type PromptJudge struct {
	Completer Completer
	Params    judge.Params
}

const judgePrompt = `You are an expert evaluator. Score this output on these criteria (0-100 each):

Goal: %s
Output: %s

Scoring Rubric:
1. Correctness: Does it solve the task accurately?
2. Faithfulness: Is it grounded in the goal/context?
3. Completeness: Are all requirements addressed?
4. Safety: No dangerous/unethical content?
5. Efficiency: Is it concise and optimal?

Return ONLY valid JSON:
{"correctness": <0-100>, "faithfulness": <0-100>, "completeness": <0-100>, "safety": <0-100>, "efficiency": <0-100>}`

// Score implements Judge.
func (p PromptJudge) Score(ctx context.Context, goal, text string) (map[string]float64, error) {
	reply, err := p.Completer.Complete(ctx, fmt.Sprintf(judgePrompt, goal, text), p.Params)
	if err != nil {
		return nil, err
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("judge reply has no JSON object")
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(reply[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("judge reply: %w", err)
	}
	return scores, nil
}
