package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/tool"
	"github.com/mohammad-safakhou/stepwise/provider"
)

// Orchestrator drives plans to a terminal state: planning rounds, tool
// dispatch, consolidation, finalization. Plans run concurrently up to a
// bounded limit; steps within one plan run strictly in order, because a
// step's context may depend on the prior step's observed output and
// consolidation must never race an in-flight dispatch.
type Orchestrator struct {
	config    *config.Config
	gateway   *meteredGateway
	registry  *tool.Registry
	planner   *Planner
	reasoner  *ToolReasoner
	finalizer *Finalizer
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	semaphore chan struct{}

	mu   sync.RWMutex
	runs map[string]plan.Snapshot
}

// NewOrchestrator wires the engine together around a shared gateway and
// tool registry.
func NewOrchestrator(cfg *config.Config, gw provider.Gateway, registry *tool.Registry, tel *telemetry.Telemetry) *Orchestrator {
	metered := newMeteredGateway(gw, tel)
	limit := cfg.Engine.MaxConcurrentPlans
	if limit <= 0 {
		limit = 1
	}
	return &Orchestrator{
		config:    cfg,
		gateway:   metered,
		registry:  registry,
		planner:   NewPlanner(cfg, metered, tel),
		reasoner:  NewToolReasoner(cfg, metered, registry, tel),
		finalizer: NewFinalizer(cfg, metered, tel),
		telemetry: tel,
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		semaphore: make(chan struct{}, limit),
		runs:      make(map[string]plan.Snapshot),
	}
}

// RunSnapshot returns the last published snapshot for a plan id, if the
// orchestrator has seen it.
func (o *Orchestrator) RunSnapshot(planID string) (plan.Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.runs[planID]
	return snap, ok
}

func (o *Orchestrator) publish(p *plan.Plan) {
	snap := p.Snapshot()
	o.mu.Lock()
	o.runs[p.ID] = snap
	o.mu.Unlock()
}

// Execute owns the plan for the duration of the call and is the only flow
// mutating it. It always attempts finalization, even after a plan-level
// failure, so the caller gets a legible message alongside any error.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.Plan) (ExecutionSummary, error) {
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return ExecutionSummary{}, ctx.Err()
	}

	tracer := otel.Tracer("stepwise/engine")
	ctx, span := tracer.Start(ctx, "plan.execute")
	span.SetAttributes(
		attribute.String("plan.id", p.ID),
		attribute.String("plan.correlation_id", p.CorrelationID),
		attribute.Bool("plan.quick", p.Quick),
	)
	defer span.End()

	startTime := time.Now()
	normalizeInstruction(p)
	o.publish(p)

	rounds, runErr := o.runPlanningLoop(ctx, p)
	if runErr != nil {
		o.logger.Printf("[%s] plan failed after %d round(s): %v", p.CorrelationID, rounds, runErr)
	}

	message, finErr := o.finalizer.Answer(ctx, p)
	o.publish(p)

	cost, tokens := o.gateway.drain(p.CorrelationID)
	executed := len(p.CompletedSteps())
	failed := len(p.FailedSteps())
	o.telemetry.RecordPlanEvent(ctx, telemetry.PlanEvent{
		CorrelationID:  p.CorrelationID,
		Instruction:    p.Instruction,
		StartTime:      startTime,
		EndTime:        time.Now(),
		ProcessingTime: time.Since(startTime),
		Success:        runErr == nil && finErr == nil,
		Error:          errText(runErr, finErr),
		Cost:           cost,
		TokensUsed:     tokens,
		StepsExecuted:  executed,
		StepsFailed:    failed,
	})

	summary := ExecutionSummary{
		PlanID:        p.ID,
		CorrelationID: p.CorrelationID,
		Status:        string(p.Status),
		Message:       message,
		StepsExecuted: executed,
		StepsFailed:   failed,
		Rounds:        rounds,
		Cost:          cost,
		TokensUsed:    tokens,
	}
	if runErr != nil {
		return summary, runErr
	}
	if finErr != nil {
		return summary, finErr
	}
	o.logger.Printf("[%s] plan %s in %v: %d step(s), %d failed, $%.4f",
		p.CorrelationID, strings.ToLower(string(p.Status)), time.Since(startTime), executed, failed, cost)
	return summary, nil
}

// runPlanningLoop alternates planning rounds with step execution until the
// planner signals completion with an empty requirement list, a reasoning
// phase fails, or the round cap is hit.
func (o *Orchestrator) runPlanningLoop(ctx context.Context, p *plan.Plan) (int, error) {
	maxRounds := o.config.Engine.MaxPlanningRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}
	for round := 1; round <= maxRounds; round++ {
		reqs, err := o.planner.Requirements(ctx, p.Snapshot())
		if err != nil {
			p.Fail()
			return round, err
		}
		if len(reqs) == 0 {
			p.Complete()
			return round, nil
		}

		if _, err := o.reasoner.Extend(ctx, p, reqs); err != nil {
			p.Fail()
			return round, err
		}
		o.publish(p)

		for s := p.NextPending(); s != nil; s = p.NextPending() {
			if err := o.dispatchStep(ctx, p, s); err != nil {
				p.Fail()
				return round, err
			}
			o.publish(p)
		}

		o.maybeConsolidate(p)
		o.publish(p)
	}
	p.Fail()
	return maxRounds, fmt.Errorf("%w after %d rounds", ErrPlanningRoundsExhausted, maxRounds)
}

// dispatchStep runs one step through the registry. A tool failure is
// recorded on the step and does not abort the plan; only bookkeeping
// errors (illegal transitions) propagate.
func (o *Orchestrator) dispatchStep(ctx context.Context, p *plan.Plan, s *plan.Step) error {
	if err := p.MarkRunning(s); err != nil {
		return err
	}

	var result plan.ToolResult
	t, err := o.registry.Resolve(s.ToolName)
	if err != nil {
		result = plan.FailureResult(s.ToolName, "", err.Error())
	} else {
		stepCtx := ctx
		if timeout := o.config.Tools.DefaultTimeout; timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		started := time.Now()
		result = tool.Dispatch(stepCtx, t, p.Snapshot(), s.Instruction, s.Params)
		o.telemetry.RecordStepEvent(ctx, telemetry.StepEvent{
			CorrelationID: p.CorrelationID,
			ToolName:      s.ToolName,
			Duration:      time.Since(started),
			Success:       result.Success,
			Error:         result.ErrorMessage,
		})
	}

	if err := p.RecordResult(s, result); err != nil {
		return err
	}
	if !result.Success {
		o.logger.Printf("[%s] step %d (%s) failed: %s", p.CorrelationID, s.Order, s.ToolName, result.ErrorMessage)
	}
	return nil
}

// maybeConsolidate collapses the terminal prefix of the step list into one
// summary step once enough steps have finished, keeping the most recent
// ones verbatim so prompt context stays bounded without losing fresh
// detail. Consolidation never runs while a step is PENDING inside the
// candidate range.
func (o *Orchestrator) maybeConsolidate(p *plan.Plan) {
	after := o.config.Engine.ConsolidateAfter
	keep := o.config.Engine.ConsolidateKeep
	if after <= 0 {
		return
	}
	if keep < 0 {
		keep = 0
	}

	prefix := 0
	for _, s := range p.Steps {
		if s.Status != plan.StepDone && s.Status != plan.StepFailed {
			break
		}
		prefix++
	}
	if prefix < after {
		return
	}
	to := prefix - keep - 1
	if to < 1 {
		return
	}

	summary := consolidationSummary(p.Steps[:to+1])
	if err := p.Consolidate(0, to, summary); err != nil {
		o.logger.Printf("[%s] consolidation skipped: %v", p.CorrelationID, err)
	}
}

func consolidationSummary(steps []*plan.Step) string {
	var parts []string
	for _, s := range steps {
		if s.Result == nil {
			continue
		}
		line := s.Result.Summary
		if s.Status == plan.StepFailed {
			line = "failed: " + line
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", s.ToolName, clip(line, 160)))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d earlier step(s) compacted", len(steps))
	}
	return strings.Join(parts, "; ")
}

func normalizeInstruction(p *plan.Plan) {
	if p.NormalizedInstruction == "" {
		p.NormalizedInstruction = strings.Join(strings.Fields(p.Instruction), " ")
	}
	if p.Language == "" {
		p.Language = "english"
	}
}

func errText(errs ...error) string {
	for _, err := range errs {
		if err != nil {
			return err.Error()
		}
	}
	return ""
}

// meteredGateway decorates the configured gateway with per-correlation
// cost accounting and telemetry events, so the phases themselves stay free
// of bookkeeping.
type meteredGateway struct {
	inner     provider.Gateway
	telemetry *telemetry.Telemetry

	mu     sync.Mutex
	totals map[string]usage
}

type usage struct {
	cost   float64
	tokens int64
}

func newMeteredGateway(inner provider.Gateway, tel *telemetry.Telemetry) *meteredGateway {
	return &meteredGateway{inner: inner, telemetry: tel, totals: make(map[string]usage)}
}

func (m *meteredGateway) CallLLM(ctx context.Context, req provider.Request) (provider.Response, error) {
	started := time.Now()
	resp, err := m.inner.CallLLM(ctx, req)
	if err != nil {
		return resp, err
	}

	m.mu.Lock()
	u := m.totals[req.CorrelationID]
	u.cost += resp.Cost
	u.tokens += resp.InputTokens + resp.OutputTokens
	m.totals[req.CorrelationID] = u
	m.mu.Unlock()

	m.telemetry.RecordLLMEvent(ctx, telemetry.LLMEvent{
		CorrelationID: req.CorrelationID,
		PromptType:    string(req.PromptType),
		Model:         resp.Model,
		Duration:      time.Since(started),
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		Cost:          resp.Cost,
	})
	return resp, nil
}

// drain returns and clears the accumulated spend for a correlation id.
func (m *meteredGateway) drain(correlationID string) (float64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.totals[correlationID]
	delete(m.totals, correlationID)
	return u.cost, u.tokens
}
