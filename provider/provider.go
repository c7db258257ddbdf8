package provider

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	openai_provider "github.com/mohammad-safakhou/stepwise/provider/openai"
)

// PromptType identifies which engine phase is calling the gateway; routing
// selects the model tier per phase.
type PromptType string

const (
	PromptPlanning      PromptType = "planning"
	PromptToolReasoning PromptType = "tool_reasoning"
	PromptFinalize      PromptType = "finalize"
)

// Request carries one LLM call. The prompt is already rendered; the
// correlation id and tier flags thread through to logging and routing.
type Request struct {
	PromptType     PromptType
	Prompt         string
	CorrelationID  string
	Quick          bool
	BackgroundMode bool
	OutputLanguage string
}

// Response is the gateway's uniform reply.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Gateway is the single LLM entry point consumed by the planner, the tool
// reasoner and the finalizer. Implementations are retryable, potentially
// slow remote calls.
type Gateway interface {
	CallLLM(ctx context.Context, req Request) (Response, error)
}

// Completer is the low-level provider client contract.
type Completer interface {
	GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error)
}

type gateway struct {
	cfg    config.LLMConfig
	client Completer
	models map[string]config.LLMModel
	logger *log.Logger
}

// NewGateway builds a Gateway from the configured providers. The first
// configured provider wins, matching how the rest of the system treats
// provider selection.
func NewGateway(cfg config.LLMConfig) (Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			timeout := p.Timeout
			if timeout == 0 {
				timeout = 60 * time.Second
			}
			client := openai_provider.NewClient(p.APIKey, p.BaseURL, toOpenAIModels(p.Models), p.MaxRetries, timeout)
			return &gateway{
				cfg:    cfg,
				client: client,
				models: p.Models,
				logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags),
			}, nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}

func toOpenAIModels(models map[string]config.LLMModel) map[string]openai_provider.Model {
	out := make(map[string]openai_provider.Model, len(models))
	for name, m := range models {
		out[name] = openai_provider.Model{
			Name:        m.Name,
			APIName:     m.APIName,
			MaxTokens:   m.MaxTokens,
			Temperature: m.Temperature,
		}
	}
	return out
}

// CallLLM routes the request to a model tier and executes the completion.
func (g *gateway) CallLLM(ctx context.Context, req Request) (Response, error) {
	model := g.route(req)
	if model == "" {
		return Response{}, fmt.Errorf("no model routed for prompt type %s", req.PromptType)
	}

	prompt := req.Prompt
	if lang := strings.TrimSpace(req.OutputLanguage); lang != "" {
		prompt += fmt.Sprintf("\n\nRespond in %s.", lang)
	}

	start := time.Now()
	text, inTok, outTok, err := g.client.GenerateWithTokens(ctx, prompt, model, nil)
	if err != nil {
		return Response{}, fmt.Errorf("llm call (%s, model %s): %w", req.PromptType, model, err)
	}
	cost := g.calculateCost(model, inTok, outTok)
	g.logger.Printf("call=%s corr=%s model=%s tokens=%d/%d cost=$%.4f in %v",
		req.PromptType, req.CorrelationID, model, inTok, outTok, cost, time.Since(start))

	return Response{Text: text, Model: model, InputTokens: inTok, OutputTokens: outTok, Cost: cost}, nil
}

// route picks the model key: quick and background flags override the
// per-phase routes, the fallback catches unset routes.
func (g *gateway) route(req Request) string {
	r := g.cfg.Routing
	if req.Quick && r.Quick != "" {
		return r.Quick
	}
	if req.BackgroundMode && r.Background != "" {
		return r.Background
	}
	var model string
	switch req.PromptType {
	case PromptPlanning:
		model = r.Planning
	case PromptToolReasoning:
		model = r.Reasoning
	case PromptFinalize:
		model = r.Finalize
	}
	if model == "" {
		model = r.Fallback
	}
	return model
}

func (g *gateway) calculateCost(model string, inputTokens, outputTokens int64) float64 {
	m, ok := g.models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*m.CostPer1K + float64(outputTokens)/1000*m.CostPer1KOutput
}
