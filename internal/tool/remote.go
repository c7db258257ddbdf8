package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
)

// Remote forwards tool invocations to an external collaborator service over
// HTTP. The engine owns dispatch and the result envelope only; the tool's
// internal logic lives entirely behind the endpoint.
type Remote struct {
	id       Identifier
	desc     Descriptor
	endpoint string
	apiKey   string
	http     *HTTPClient
}

// NewRemote builds an HTTP-backed tool for a known identifier.
func NewRemote(id Identifier, endpoint, apiKey string, client *HTTPClient) (*Remote, error) {
	parsed, err := ParseIdentifier(string(id))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("tool %s: endpoint is required", id)
	}
	if client == nil {
		client = NewHTTPClient(0, 2, 0)
	}
	return &Remote{
		id:       parsed,
		desc:     DefaultDescriptor(parsed),
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     client,
	}, nil
}

func (r *Remote) Name() Identifier       { return r.id }
func (r *Remote) Descriptor() Descriptor { return r.desc }

type remoteRequest struct {
	CorrelationID  string            `json:"correlation_id"`
	Tool           string            `json:"tool"`
	Instruction    string            `json:"instruction"`
	Params         map[string]string `json:"params,omitempty"`
	StepContext    string            `json:"step_context,omitempty"`
	Quick          bool              `json:"quick"`
	BackgroundMode bool              `json:"background_mode"`
	Workspaces     []plan.Workspace  `json:"workspaces,omitempty"`
}

// Execute invokes the collaborator with the structured parameter object.
func (r *Remote) Execute(ctx context.Context, snap plan.Snapshot, params map[string]string) (plan.ToolResult, error) {
	return r.call(ctx, remoteRequest{
		CorrelationID:  snap.CorrelationID,
		Tool:           string(r.id),
		Instruction:    snap.NormalizedInstruction,
		Params:         params,
		Quick:          snap.Quick,
		BackgroundMode: snap.BackgroundMode,
		Workspaces:     snap.Workspaces,
	})
}

// ExecuteText invokes the collaborator with free instruction text (legacy
// invocation shape).
func (r *Remote) ExecuteText(ctx context.Context, snap plan.Snapshot, taskDescription, stepContext string) (plan.ToolResult, error) {
	return r.call(ctx, remoteRequest{
		CorrelationID:  snap.CorrelationID,
		Tool:           string(r.id),
		Instruction:    taskDescription,
		StepContext:    stepContext,
		Quick:          snap.Quick,
		BackgroundMode: snap.BackgroundMode,
		Workspaces:     snap.Workspaces,
	})
}

func (r *Remote) call(ctx context.Context, req remoteRequest) (plan.ToolResult, error) {
	headers := map[string]string{}
	if r.apiKey != "" {
		headers["Authorization"] = "Bearer " + r.apiKey
	}
	var result plan.ToolResult
	if err := r.http.DoJSON(ctx, "POST", r.endpoint, headers, req, &result); err != nil {
		return plan.ToolResult{}, fmt.Errorf("tool %s: %w", r.id, err)
	}
	if result.ToolName == "" {
		result.ToolName = string(r.id)
	}
	return result, nil
}

var _ StructuredTool = (*Remote)(nil)
var _ TextTool = (*Remote)(nil)
