package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/provider"
)

// Planner is phase one: it turns the task plus current progress into the
// ordered list of outcomes that still need to happen. An empty list is the
// sole completion signal.
type Planner struct {
	config    *config.Config
	gateway   provider.Gateway
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewPlanner creates a new planner instance.
func NewPlanner(cfg *config.Config, gateway provider.Gateway, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		gateway:   gateway,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Requirements asks the model what remains to be done for the plan. A
// failed call or unparsable output is a plan-level ReasoningError; the
// planner never fabricates requirements from malformed output.
func (p *Planner) Requirements(ctx context.Context, snap plan.Snapshot) ([]Requirement, error) {
	startTime := time.Now()

	resp, err := p.gateway.CallLLM(ctx, provider.Request{
		PromptType:     provider.PromptPlanning,
		Prompt:         createPlanningPrompt(snap),
		CorrelationID:  snap.CorrelationID,
		Quick:          snap.Quick,
		BackgroundMode: snap.BackgroundMode,
	})
	if err != nil {
		return nil, &ReasoningError{Phase: "planning", Err: err}
	}

	reqs, err := parseRequirements(resp.Text)
	if err != nil {
		return nil, &ReasoningError{Phase: "planning", Err: err}
	}

	p.logger.Printf("[%s] planning round produced %d requirement(s) in %v",
		snap.CorrelationID, len(reqs), time.Since(startTime))
	return reqs, nil
}

func parseRequirements(response string) ([]Requirement, error) {
	jsonStr, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Requirements []Requirement `json:"requirements"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, err
	}

	out := make([]Requirement, 0, len(raw.Requirements))
	for _, r := range raw.Requirements {
		r.Description = strings.TrimSpace(r.Description)
		if r.Description == "" {
			continue
		}
		out = append(out, r)
	}
	// An empty list means the task is done. A list of only blank entries
	// must not silently become that signal.
	if len(out) == 0 && len(raw.Requirements) > 0 {
		return nil, fmt.Errorf("model returned %d requirement(s), all blank", len(raw.Requirements))
	}
	return out, nil
}
