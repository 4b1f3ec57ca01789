package advisor

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

var reasoningTrace = regexp.MustCompile(`(?is)\s*<think>.*?</think>\s*`)

// StripReasoning removes every <think>...</think> block from model output.
func StripReasoning(text string) string {
	return strings.TrimSpace(reasoningTrace.ReplaceAllString(text, ""))
}

// BuildPrompt renders the fixed optimization prompt.
func BuildPrompt(query, plan, version string) string {
	var b strings.Builder
	b.WriteString("You are a MySQL query optimization expert.\n")
	b.WriteString("MySQL version: " + version + "\n")
	b.WriteString("EXPLAIN FORMAT=JSON output:\n")
	b.WriteString(plan + "\n\n")
	b.WriteString("Query:\n")
	b.WriteString(query + "\n\n")
	b.WriteString(`Rules:
- Be plain and concrete; no DBA jargon in the main text.
- Do not speculate. Only reference columns visible in the query or the EXPLAIN output.
- Prefer low-risk changes first (indexes, small rewrites). Avoid schema changes unless clearly necessary.
- Always say to test in a non-production environment first.

Output format (bold section titles):
- Bottlenecks in query
- Impact on server resources and database
- Fixes (max 3 to 4 bullets)
- Suggested optimized query; if the query is large write only the parts that can be optimized

Only produce the sections above. No preamble or extra commentary.
`)
	return b.String()
}

// Suggester asks the model for one suggestion at a time and waits Delay after
// every call.
type Suggester struct {
	LLM   Completer
	Delay time.Duration
	Log   *zap.Logger
	// Sleep defaults to a context aware timer.
	Sleep func(ctx context.Context, d time.Duration)
}

// Suggest returns the cleaned suggestion, or "" when the model fails.
func (s *Suggester) Suggest(ctx context.Context, query, plan, version string) string {
	defer s.throttle(ctx)
	c, err := s.LLM.Complete(ctx, BuildPrompt(query, plan, version))
	if err != nil {
		s.Log.Error("LLM exception", zap.String("query", query), zap.Error(&SuggestionError{Err: err}))
		return ""
	}
	if c.Thinking != "" {
		s.Log.Debug("model reasoning dropped", zap.Int("chars", len(c.Thinking)))
	}
	return StripReasoning(c.Content)
}

func (s *Suggester) throttle(ctx context.Context) {
	if s.Delay <= 0 {
		return
	}
	if s.Sleep != nil {
		s.Sleep(ctx, s.Delay)
		return
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
