package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a Plan.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusFinalized Status = "FINALIZED"
)

// StepStatus represents the lifecycle state of a single PlanStep.
type StepStatus string

const (
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepDone    StepStatus = "DONE"
	StepFailed  StepStatus = "FAILED"
)

// ConsolidatedPrefix marks synthetic steps produced by Consolidate.
const ConsolidatedPrefix = "CONSOLIDATED: "

// ConsolidationToolName is the tool name recorded on synthetic summary steps.
const ConsolidationToolName = "consolidation"

// ToolResult is the uniform envelope every tool call returns.
type ToolResult struct {
	Success      bool   `json:"success"`
	ToolName     string `json:"tool_name"`
	Summary      string `json:"summary"`
	Content      string `json:"content"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SuccessResult builds a successful ToolResult.
func SuccessResult(toolName, summary, content string) ToolResult {
	return ToolResult{Success: true, ToolName: toolName, Summary: summary, Content: content}
}

// FailureResult builds a failed ToolResult. The summary is never left empty:
// if no summary is supplied the error message doubles as the summary.
func FailureResult(toolName, summary, errorMessage string) ToolResult {
	if strings.TrimSpace(summary) == "" {
		summary = errorMessage
	}
	if strings.TrimSpace(summary) == "" {
		summary = "tool execution failed"
	}
	return ToolResult{Success: false, ToolName: toolName, Summary: summary, ErrorMessage: errorMessage}
}

// Step is one tool-bound unit of work inside a Plan.
type Step struct {
	ID          string            `json:"id"`
	Order       int               `json:"order"`
	ToolName    string            `json:"tool_name"`
	Instruction string            `json:"instruction"`
	Params      map[string]string `json:"params,omitempty"`
	Status      StepStatus        `json:"status"`
	Result      *ToolResult       `json:"result,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Workspace describes a scope the task operates within; descriptions are
// rendered into planning and finalization prompts.
type Workspace struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Plan is the mutable record of one task execution. It is exclusively owned
// by the single flow driving it; components outside that flow must use
// Snapshot. There is deliberately no internal locking.
type Plan struct {
	ID                    string      `json:"id"`
	CorrelationID         string      `json:"correlation_id"`
	Instruction           string      `json:"instruction"`
	NormalizedInstruction string      `json:"normalized_instruction"`
	Language              string      `json:"language"`
	Quick                 bool        `json:"quick"`
	BackgroundMode        bool        `json:"background_mode"`
	Workspaces            []Workspace `json:"workspaces,omitempty"`
	Checklist             []string    `json:"checklist,omitempty"`
	Steps                 []*Step     `json:"steps"`
	FinalAnswer           string      `json:"final_answer,omitempty"`
	Status                Status      `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`
}

// New creates a RUNNING plan for the given instruction. An empty correlation
// id is replaced with a fresh one so every downstream call has a trace key.
func New(correlationID, instruction string) *Plan {
	if strings.TrimSpace(correlationID) == "" {
		correlationID = uuid.NewString()
	}
	return &Plan{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Instruction:   instruction,
		Status:        StatusRunning,
		CreatedAt:     time.Now(),
	}
}

// AppendSteps appends new PENDING steps, assigning contiguous orders starting
// at the current step count. The batch is applied atomically: either all
// steps are appended or none.
func (p *Plan) AppendSteps(steps ...*Step) error {
	if p.Status == StatusFinalized {
		return fmt.Errorf("plan %s is finalized and cannot be mutated", p.ID)
	}
	base := len(p.Steps)
	appended := make([]*Step, 0, len(steps))
	for i, s := range steps {
		if s == nil {
			return fmt.Errorf("nil step at batch index %d", i)
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.Order = base + i
		s.Status = StepPending
		s.UpdatedAt = time.Now()
		appended = append(appended, s)
	}
	p.Steps = append(p.Steps, appended...)
	return nil
}

// MarkRunning transitions a PENDING step to RUNNING.
func (p *Plan) MarkRunning(s *Step) error {
	if s.Status != StepPending {
		return fmt.Errorf("step %s is %s, not PENDING", s.ID, s.Status)
	}
	s.Status = StepRunning
	s.UpdatedAt = time.Now()
	return nil
}

// RecordResult transitions a RUNNING step to DONE or FAILED based on the
// result envelope. Both outcomes are terminal for the step instance.
func (p *Plan) RecordResult(s *Step, result ToolResult) error {
	if s.Status != StepRunning {
		return fmt.Errorf("step %s is %s, not RUNNING", s.ID, s.Status)
	}
	if !result.Success && strings.TrimSpace(result.Summary) == "" {
		return fmt.Errorf("failed tool result for step %s has no summary", s.ID)
	}
	r := result
	s.Result = &r
	if result.Success {
		s.Status = StepDone
	} else {
		s.Status = StepFailed
	}
	s.UpdatedAt = time.Now()
	return nil
}

// Consolidate replaces the closed step range [from, to] with one synthetic
// DONE step whose instruction is the summary text. Violating the bounds or
// passing a blank summary returns an error with no mutation; callers holding
// a stale range recompute it against the current step count.
func (p *Plan) Consolidate(from, to int, summary string) error {
	if p.Status == StatusFinalized {
		return fmt.Errorf("plan %s is finalized and cannot be mutated", p.ID)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("consolidation summary must not be blank")
	}
	if from < 0 {
		return fmt.Errorf("consolidation range start %d is negative", from)
	}
	if to < from {
		return fmt.Errorf("consolidation range end %d precedes start %d", to, from)
	}
	if to >= len(p.Steps) {
		return fmt.Errorf("consolidation range end %d out of bounds (have %d steps)", to, len(p.Steps))
	}

	result := SuccessResult(ConsolidationToolName, summary, summary)
	synthetic := &Step{
		ID:          uuid.NewString(),
		Order:       from,
		ToolName:    ConsolidationToolName,
		Instruction: ConsolidatedPrefix + summary,
		Status:      StepDone,
		Result:      &result,
		UpdatedAt:   time.Now(),
	}

	rest := make([]*Step, len(p.Steps[to+1:]))
	copy(rest, p.Steps[to+1:])
	p.Steps = append(p.Steps[:from], synthetic)
	p.Steps = append(p.Steps, rest...)
	p.renumber()
	return nil
}

// Complete transitions a RUNNING plan to COMPLETED.
func (p *Plan) Complete() {
	if p.Status == StatusRunning {
		p.Status = StatusCompleted
	}
}

// Fail transitions a RUNNING plan to FAILED.
func (p *Plan) Fail() {
	if p.Status == StatusRunning {
		p.Status = StatusFailed
	}
}

// Finalize records the final answer and moves the plan to its terminal state.
func (p *Plan) Finalize(answer string) {
	p.FinalAnswer = answer
	p.Status = StatusFinalized
}

// NextPending returns the lowest-order PENDING step, or nil when none remain.
func (p *Plan) NextPending() *Step {
	for _, s := range p.Steps {
		if s.Status == StepPending {
			return s
		}
	}
	return nil
}

// CompletedSteps returns the DONE steps in order.
func (p *Plan) CompletedSteps() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status == StepDone {
			out = append(out, s)
		}
	}
	return out
}

// FailedSteps returns the FAILED steps in order.
func (p *Plan) FailedSteps() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// Orders returns the current order values, used to assert the contiguity
// invariant after mutations.
func (p *Plan) Orders() []int {
	out := make([]int, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Order
	}
	return out
}

func (p *Plan) renumber() {
	for i, s := range p.Steps {
		s.Order = i
	}
}

// Snapshot is a read-only copy of a Plan handed to components that are not
// the owning execution flow.
type Snapshot struct {
	ID                    string
	CorrelationID         string
	Instruction           string
	NormalizedInstruction string
	Language              string
	Quick                 bool
	BackgroundMode        bool
	Workspaces            []Workspace
	Checklist             []string
	Steps                 []Step
	FinalAnswer           string
	Status                Status
}

// Snapshot copies the plan's visible state. Step pointers are flattened so
// the caller cannot mutate the owner's steps.
func (p *Plan) Snapshot() Snapshot {
	snap := Snapshot{
		ID:                    p.ID,
		CorrelationID:         p.CorrelationID,
		Instruction:           p.Instruction,
		NormalizedInstruction: p.NormalizedInstruction,
		Language:              p.Language,
		Quick:                 p.Quick,
		BackgroundMode:        p.BackgroundMode,
		Workspaces:            append([]Workspace(nil), p.Workspaces...),
		Checklist:             append([]string(nil), p.Checklist...),
		FinalAnswer:           p.FinalAnswer,
		Status:                p.Status,
	}
	snap.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		snap.Steps[i] = *s
		if s.Result != nil {
			r := *s.Result
			snap.Steps[i].Result = &r
		}
	}
	return snap
}
