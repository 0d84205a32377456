// Package llmphase implements the pipeline's phase functions on top of
// the LiteLLM chat client. Each runner turns the accumulated context into
// a prompt, asks the model for a JSON result, and reports token usage.
package llmphase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/craftplan/craftplan/internal/adapter/litellm"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/port/phasefn"
)

// Runner executes one named phase against the LLM proxy.
type Runner struct {
	llm    *litellm.Client
	name   string
	system string
}

// NewRunner creates a phase runner with the given system prompt.
func NewRunner(llm *litellm.Client, name, system string) *Runner {
	return &Runner{llm: llm, name: name, system: system}
}

// Run implements phasefn.Runner. It honours the cancellation predicate
// before the (long) model call; once the call is in flight it runs to
// completion, matching the whole-phase suspension granularity of the
// engine.
func (r *Runner) Run(ctx context.Context, in phasefn.Input) (*agentrun.PhaseOutput, error) {
	if in.IsCancelled != nil && in.IsCancelled() {
		return nil, fmt.Errorf("phase %s: %w", r.name, agentrun.ErrCancelled)
	}

	resp, err := r.llm.Complete(ctx, litellm.ChatRequest{
		Messages: []litellm.Message{
			{Role: "system", Content: r.system},
			{Role: "user", Content: buildUserPrompt(in)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("phase %s: %w", r.name, err)
	}

	return &agentrun.PhaseOutput{
		Payload: payloadFrom(resp.Content()),
		Usage:   resp.TokenUsage(),
	}, nil
}

// buildUserPrompt renders the intake snapshot and all prior phase
// payloads into a single prompt.
func buildUserPrompt(in phasefn.Input) string {
	var b strings.Builder
	b.WriteString("Project description: ")
	b.WriteString(in.Run.Intake.Description)
	b.WriteString("\n")
	if in.Run.Intake.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", in.Run.Intake.Location)
	}
	if in.Run.Intake.Budget != "" {
		fmt.Fprintf(&b, "Budget: %s\n", in.Run.Intake.Budget)
	}
	if in.Run.Intake.Experience != "" {
		fmt.Fprintf(&b, "Experience level: %s\n", in.Run.Intake.Experience)
	}
	if len(in.Context) > 0 {
		b.WriteString("\nResults from earlier phases:\n")
		// Plan order, so the same run state always renders the same prompt.
		for _, name := range contextOrder(in) {
			fmt.Fprintf(&b, "%s: %s\n", name, string(in.Context[name]))
		}
	}
	return b.String()
}

// contextOrder lists the context keys in the run's plan order, with any
// stragglers outside the plan sorted at the end.
func contextOrder(in phasefn.Input) []string {
	names := make([]string, 0, len(in.Context))
	seen := make(map[string]bool, len(in.Context))
	if plan, err := agentrun.PlanByVersion(in.Run.PlanVersion); err == nil {
		for _, name := range plan {
			if _, ok := in.Context[name]; ok {
				names = append(names, name)
				seen[name] = true
			}
		}
	}
	var rest []string
	for name := range in.Context {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// payloadFrom returns the model's content as a JSON payload. Non-JSON
// content is wrapped, never rejected: the orchestrator treats payloads
// as opaque.
func payloadFrom(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": content})
	return json.RawMessage(wrapped)
}
