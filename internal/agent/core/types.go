package core

// Requirement is one descriptive outcome the planner wants achieved. It is
// transient: produced by the planner, consumed immediately by tool
// reasoning, never retained on the plan.
type Requirement struct {
	Description string `json:"description"`
}

// ToolSelection maps one requirement to a concrete tool call. Reasoning is
// audit-only and never drives control flow.
type ToolSelection struct {
	ToolName   string            `json:"tool_name"`
	Reasoning  string            `json:"reasoning"`
	Parameters map[string]string `json:"parameters"`
}

// ExecutionSummary is what the engine reports back to its caller after a
// plan has run to a terminal state and been finalized.
type ExecutionSummary struct {
	PlanID        string  `json:"plan_id"`
	CorrelationID string  `json:"correlation_id"`
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	StepsExecuted int     `json:"steps_executed"`
	StepsFailed   int     `json:"steps_failed"`
	Rounds        int     `json:"rounds"`
	Cost          float64 `json:"cost"`
	TokensUsed    int64   `json:"tokens_used"`
}
