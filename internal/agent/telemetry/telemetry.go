package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohammad-safakhou/stepwise/config"
)

// Telemetry provides monitoring and cost tracking for plan execution.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregate performance metrics.
type Metrics struct {
	TotalPlans            int64
	CompletedPlans        int64
	FailedPlans           int64
	AverageProcessingTime time.Duration

	// Per-tool step metrics
	StepExecutions map[string]int64
	StepFailures   map[string]int64

	// Per-model LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker tracks LLM spend per model and per phase.
type CostTracker struct {
	ModelCosts  map[string]float64
	PhaseCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// PlanEvent captures one full plan execution.
type PlanEvent struct {
	CorrelationID  string
	Instruction    string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	StepsExecuted  int
	StepsFailed    int
}

// StepEvent captures one tool dispatch.
type StepEvent struct {
	CorrelationID string
	ToolName      string
	Duration      time.Duration
	Success       bool
	Error         string
}

// LLMEvent captures one gateway call.
type LLMEvent struct {
	CorrelationID string
	PromptType    string
	Model         string
	Duration      time.Duration
	InputTokens   int64
	OutputTokens  int64
	Cost          float64
}

var (
	plansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_plans_total",
		Help: "Plan executions by terminal outcome.",
	}, []string{"outcome"})
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_steps_total",
		Help: "Step dispatches by tool and outcome.",
	}, []string{"tool", "outcome"})
	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_llm_tokens_total",
		Help: "LLM tokens consumed by model.",
	}, []string{"model"})
)

// NewTelemetry creates a new telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StepExecutions: make(map[string]int64),
			StepFailures:   make(map[string]int64),
			LLMRequests:    make(map[string]int64),
			LLMTokensUsed:  make(map[string]int64),
		},
		costTracker: &CostTracker{
			ModelCosts: make(map[string]float64),
			PhaseCosts: make(map[string]float64),
		},
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicReporting()
	}
	return t
}

// RecordPlanEvent records a complete plan execution.
func (t *Telemetry) RecordPlanEvent(ctx context.Context, event PlanEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalPlans++
	outcome := "completed"
	if event.Success {
		t.metrics.CompletedPlans++
	} else {
		t.metrics.FailedPlans++
		outcome = "failed"
	}
	plansTotal.WithLabelValues(outcome).Inc()

	if t.metrics.TotalPlans == 1 {
		t.metrics.AverageProcessingTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageProcessingTime * time.Duration(t.metrics.TotalPlans-1)
		t.metrics.AverageProcessingTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalPlans)
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}

	t.logger.Printf("Plan Event: corr=%s success=%t steps=%d failed=%d duration=%v cost=$%.4f tokens=%d",
		event.CorrelationID, event.Success, event.StepsExecuted, event.StepsFailed,
		event.ProcessingTime, event.Cost, event.TokensUsed)
}

// RecordStepEvent records one tool dispatch.
func (t *Telemetry) RecordStepEvent(ctx context.Context, event StepEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StepExecutions[event.ToolName]++
	outcome := "done"
	if !event.Success {
		t.metrics.StepFailures[event.ToolName]++
		outcome = "failed"
	}
	stepsTotal.WithLabelValues(event.ToolName, outcome).Inc()
}

// RecordLLMEvent records one gateway call.
func (t *Telemetry) RecordLLMEvent(ctx context.Context, event LLMEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := event.InputTokens + event.OutputTokens
	t.metrics.LLMRequests[event.Model]++
	t.metrics.LLMTokensUsed[event.Model] += tokens
	llmTokensTotal.WithLabelValues(event.Model).Add(float64(tokens))

	if t.config.CostTracking {
		t.costTracker.ModelCosts[event.Model] += event.Cost
		t.costTracker.PhaseCosts[event.PromptType] += event.Cost
	}
}

// GetMetrics returns a copy of the aggregate metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Metrics{
		TotalPlans:            t.metrics.TotalPlans,
		CompletedPlans:        t.metrics.CompletedPlans,
		FailedPlans:           t.metrics.FailedPlans,
		AverageProcessingTime: t.metrics.AverageProcessingTime,
		StepExecutions:        make(map[string]int64, len(t.metrics.StepExecutions)),
		StepFailures:          make(map[string]int64, len(t.metrics.StepFailures)),
		LLMRequests:           make(map[string]int64, len(t.metrics.LLMRequests)),
		LLMTokensUsed:         make(map[string]int64, len(t.metrics.LLMTokensUsed)),
	}
	for k, v := range t.metrics.StepExecutions {
		out.StepExecutions[k] = v
	}
	for k, v := range t.metrics.StepFailures {
		out.StepFailures[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		out.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		out.LLMTokensUsed[k] = v
	}
	return out
}

// GetCostSummary returns a copy of the accumulated cost breakdown.
func (t *Telemetry) GetCostSummary() CostTracker {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := CostTracker{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
		PhaseCosts:  make(map[string]float64, len(t.costTracker.PhaseCosts)),
	}
	for k, v := range t.costTracker.ModelCosts {
		out.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.PhaseCosts {
		out.PhaseCosts[k] = v
	}
	return out
}

func (t *Telemetry) startPeriodicReporting() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m := t.GetMetrics()
		c := t.GetCostSummary()
		t.logger.Printf("plans=%d completed=%d failed=%d avg=%v cost=$%.4f tokens=%d",
			m.TotalPlans, m.CompletedPlans, m.FailedPlans, m.AverageProcessingTime,
			c.TotalCost, c.TotalTokens)
	}
}
