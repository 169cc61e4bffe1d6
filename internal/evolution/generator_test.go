package evolution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/judge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	out    string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, _ judge.Params) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func TestTemplateGenerator(t *testing.T) {
	g := NewTemplateGenerator()
	ctx := context.Background()

	a, err := g.Generate(ctx, "textgrad", "", "goal")
	require.NoError(t, err)
	b, err := g.Generate(ctx, "textgrad", "", "goal")
	require.NoError(t, err)
	assert.Equal(t, a, b, "deterministic")
	assert.True(t, strings.HasPrefix(a.Text, DefaultBaseline))
	assert.Contains(t, a.Text, "# TextGrad")
	assert.Equal(t, (len(a.Text)+3)/4, a.Tokens)

	same, err := g.Generate(ctx, "unknown", "base\n", "goal")
	require.NoError(t, err)
	assert.Equal(t, "base\n", same.Text)
}

func TestTemplateGenerator_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplateGenerator().Generate(ctx, "aflow", "", "goal")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompletionGenerator(t *testing.T) {
	c := &fakeCompleter{out: "  improved workflow  "}
	g := CompletionGenerator{Completer: c, Fallback: NewTemplateGenerator()}

	v, err := g.Generate(context.Background(), "mipro", "base", "solve it")
	require.NoError(t, err)
	assert.Equal(t, "improved workflow\n", v.Text)
	assert.Contains(t, c.prompt, `"mipro" strategy`)
	assert.Contains(t, c.prompt, "Goal: solve it")
	assert.Positive(t, v.Tokens)
}

func TestCompletionGenerator_Fallback(t *testing.T) {
	g := CompletionGenerator{Completer: &fakeCompleter{err: errors.New("timeout")}, Fallback: NewTemplateGenerator()}
	v, err := g.Generate(context.Background(), "aflow", "base", "goal")
	require.NoError(t, err)
	assert.Contains(t, v.Text, "# AFlow")

	g = CompletionGenerator{Completer: &fakeCompleter{out: "   "}}
	_, err = g.Generate(context.Background(), "aflow", "base", "goal")
	assert.ErrorIs(t, err, errEmptyCompletion)
}
