package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/tool"
	"github.com/mohammad-safakhou/stepwise/provider"
)

// ToolReasoner is phase two: it maps planner requirements onto concrete
// tool calls and appends them to the plan as PENDING steps.
type ToolReasoner struct {
	config    *config.Config
	gateway   provider.Gateway
	registry  *tool.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewToolReasoner creates a new tool reasoner instance.
func NewToolReasoner(cfg *config.Config, gateway provider.Gateway, registry *tool.Registry, tel *telemetry.Telemetry) *ToolReasoner {
	return &ToolReasoner{
		config:    cfg,
		gateway:   gateway,
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[REASONER] ", log.LstdFlags),
	}
}

// Extend converts requirements 1:1 into new PENDING steps on the plan. An
// empty requirement list returns immediately with no LLM call. The batch
// is all-or-nothing: if any selection names an unresolvable tool, zero
// steps are appended.
func (r *ToolReasoner) Extend(ctx context.Context, p *plan.Plan, reqs []Requirement) ([]*plan.Step, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	startTime := time.Now()
	snap := p.Snapshot()

	resp, err := r.gateway.CallLLM(ctx, provider.Request{
		PromptType:     provider.PromptToolReasoning,
		Prompt:         createToolReasoningPrompt(snap, reqs, r.registry.Descriptors()),
		CorrelationID:  snap.CorrelationID,
		Quick:          snap.Quick,
		BackgroundMode: snap.BackgroundMode,
	})
	if err != nil {
		return nil, &ReasoningError{Phase: "tool reasoning", Err: err}
	}

	selections, err := parseToolSelections(resp.Text)
	if err != nil {
		return nil, &ReasoningError{Phase: "tool reasoning", Err: err}
	}
	if len(selections) != len(reqs) {
		return nil, reasoningErr("tool reasoning", "got %d selection(s) for %d requirement(s)", len(selections), len(reqs))
	}

	// Resolve every name before building anything so the batch either
	// commits whole or not at all.
	steps := make([]*plan.Step, 0, len(selections))
	for i, sel := range selections {
		resolved, err := r.registry.Resolve(sel.ToolName)
		if err != nil {
			return nil, fmt.Errorf("selection %d: %w", i, err)
		}
		steps = append(steps, &plan.Step{
			ToolName:    string(resolved.Name()),
			Instruction: buildStepInstruction(reqs[i].Description, sel.Parameters),
			Params:      sel.Parameters,
		})
	}
	if err := p.AppendSteps(steps...); err != nil {
		return nil, err
	}

	r.logger.Printf("[%s] appended %d step(s) in %v", snap.CorrelationID, len(steps), time.Since(startTime))
	return steps, nil
}

// buildStepInstruction joins the requirement description with a sorted
// "key: value" parameter listing so a text-only tool still receives both
// intent and arguments.
func buildStepInstruction(description string, params map[string]string) string {
	if len(params) == 0 {
		return description
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(description)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, params[k])
	}
	return b.String()
}

func parseToolSelections(response string) ([]ToolSelection, error) {
	jsonStr, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Selections []ToolSelection `json:"selections"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, err
	}
	for i := range raw.Selections {
		raw.Selections[i].ToolName = strings.TrimSpace(raw.Selections[i].ToolName)
		if raw.Selections[i].ToolName == "" {
			return nil, fmt.Errorf("selection %d has no tool name", i)
		}
	}
	return raw.Selections, nil
}
