package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
)

// Identifier is the closed set of tool names the engine can dispatch to.
type Identifier string

const (
	CodeAnalysis     Identifier = "CODE_ANALYSIS"
	DocumentFromWeb  Identifier = "DOCUMENT_FROM_WEB"
	WebSearch        Identifier = "WEB_SEARCH"
	KnowledgeStore   Identifier = "KNOWLEDGE_STORE"
	KnowledgeQuery   Identifier = "KNOWLEDGE_QUERY"
	RepoSync         Identifier = "REPO_SYNC"
	ClusterProvision Identifier = "CLUSTER_PROVISION"
)

// Identifiers lists every known tool identifier in stable order.
func Identifiers() []Identifier {
	return []Identifier{
		CodeAnalysis,
		DocumentFromWeb,
		WebSearch,
		KnowledgeStore,
		KnowledgeQuery,
		RepoSync,
		ClusterProvision,
	}
}

// ErrUnknownTool indicates a name that resolves to no registered tool.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// ParseIdentifier resolves free text to an Identifier by exact,
// case-insensitive match. There is no fuzzy matching: substituting a
// different tool risks the wrong side-effecting action.
func ParseIdentifier(name string) (Identifier, error) {
	trimmed := strings.TrimSpace(name)
	for _, id := range Identifiers() {
		if strings.EqualFold(trimmed, string(id)) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Descriptor is the registry metadata rendered into reasoning prompts.
type Descriptor struct {
	Name          Identifier        `json:"name"`
	Description   string            `json:"description"`
	ExampleParams map[string]string `json:"example_params,omitempty"`
	SideEffects   []string          `json:"side_effects,omitempty"`
}

// Tool is the minimal contract every registered capability satisfies.
// Implementations additionally satisfy StructuredTool, TextTool or both;
// Dispatch pattern-matches on those variants.
type Tool interface {
	Name() Identifier
	Descriptor() Descriptor
}

// StructuredTool executes with a schema-validated parameter object.
type StructuredTool interface {
	Tool
	Execute(ctx context.Context, p plan.Snapshot, params map[string]string) (plan.ToolResult, error)
}

// TextTool executes with raw instruction text (legacy invocation shape).
type TextTool interface {
	Tool
	ExecuteText(ctx context.Context, p plan.Snapshot, taskDescription, stepContext string) (plan.ToolResult, error)
}

// Registry maps identifiers to executable tools. It is built once at
// startup, never mutated afterwards, and therefore safe to share across
// concurrently executing plans.
type Registry struct {
	tools map[Identifier]Tool
}

// NewRegistry validates and indexes the given tools. Every tool must carry
// one of the known identifiers and at least one invocation shape.
func NewRegistry(tools ...Tool) (*Registry, error) {
	reg := &Registry{tools: make(map[Identifier]Tool, len(tools))}
	for _, t := range tools {
		id, err := ParseIdentifier(string(t.Name()))
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", t.Name(), err)
		}
		if _, ok := reg.tools[id]; ok {
			return nil, fmt.Errorf("duplicate tool registration: %s", id)
		}
		switch t.(type) {
		case StructuredTool, TextTool:
		default:
			return nil, fmt.Errorf("tool %s implements neither invocation shape", id)
		}
		reg.tools[id] = t
	}
	return reg, nil
}

// Resolve returns the tool registered under the given free-text name.
// Resolution failure is a hard error, never a substitution.
func (r *Registry) Resolve(name string) (Tool, error) {
	id, err := ParseIdentifier(name)
	if err != nil {
		return nil, err
	}
	t, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrUnknownTool, id)
	}
	return t, nil
}

// Descriptors returns every registered tool's descriptor sorted by name,
// for deterministic prompt construction.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs a tool against a plan snapshot, preferring the structured
// invocation shape and falling back to the legacy free-text shape. A tool
// error is converted into a failed ToolResult so the caller can record it on
// the step without aborting the plan.
func Dispatch(ctx context.Context, t Tool, snap plan.Snapshot, instruction string, params map[string]string) plan.ToolResult {
	var (
		result plan.ToolResult
		err    error
	)
	switch impl := t.(type) {
	case StructuredTool:
		result, err = impl.Execute(ctx, snap, params)
	case TextTool:
		result, err = impl.ExecuteText(ctx, snap, instruction, progressContext(snap))
	default:
		err = fmt.Errorf("tool %s implements neither invocation shape", t.Name())
	}
	if err != nil {
		return plan.FailureResult(string(t.Name()), "", err.Error())
	}
	if result.ToolName == "" {
		result.ToolName = string(t.Name())
	}
	if !result.Success && strings.TrimSpace(result.Summary) == "" {
		result.Summary = "tool reported failure without a summary"
	}
	return result
}

// progressContext renders a compact transcript of completed steps for tools
// on the legacy text path.
func progressContext(snap plan.Snapshot) string {
	var b strings.Builder
	for _, s := range snap.Steps {
		if s.Status != plan.StepDone || s.Result == nil {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", s.Order, s.ToolName, s.Result.Summary)
	}
	return b.String()
}
