package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/provider"
)

// Finalizer produces the user-facing answer once a plan has reached a
// terminal status. It is idempotent: a plan whose final answer is already
// set is rendered again without a second LLM call.
type Finalizer struct {
	config    *config.Config
	gateway   provider.Gateway
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewFinalizer creates a new finalizer instance.
func NewFinalizer(cfg *config.Config, gateway provider.Gateway, tel *telemetry.Telemetry) *Finalizer {
	return &Finalizer{
		config:    cfg,
		gateway:   gateway,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[FINALIZER] ", log.LstdFlags),
	}
}

// Answer returns the rendered terminal message for the plan, invoking the
// LLM at most once per plan. It runs against whatever history exists,
// including failed steps; an LLM failure propagates instead of degrading
// into a silent empty answer.
func (f *Finalizer) Answer(ctx context.Context, p *plan.Plan) (string, error) {
	if p.FinalAnswer != "" {
		return FinalMessage(p.Instruction, p.FinalAnswer), nil
	}

	startTime := time.Now()
	snap := p.Snapshot()

	resp, err := f.gateway.CallLLM(ctx, provider.Request{
		PromptType:     provider.PromptFinalize,
		Prompt:         createFinalizePrompt(snap),
		CorrelationID:  snap.CorrelationID,
		Quick:          snap.Quick,
		BackgroundMode: snap.BackgroundMode,
		OutputLanguage: snap.Language,
	})
	if err != nil {
		return "", &ReasoningError{Phase: "finalize", Err: err}
	}

	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return "", reasoningErr("finalize", "model returned an empty answer")
	}

	p.Finalize(answer)
	f.logger.Printf("[%s] finalized in %v", snap.CorrelationID, time.Since(startTime))
	return FinalMessage(p.Instruction, answer), nil
}

// FinalMessage produces the fixed outward shape every surface returns: a
// Question: line when the instruction is non-blank, always followed by an
// Answer: line.
func FinalMessage(instruction, answer string) string {
	if strings.TrimSpace(instruction) == "" {
		return fmt.Sprintf("Answer: %s", answer)
	}
	return fmt.Sprintf("Question: %s\nAnswer: %s", strings.TrimSpace(instruction), answer)
}
