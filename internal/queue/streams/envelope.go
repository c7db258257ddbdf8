package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on the engine's streams.
const (
	EventTaskEnqueued  = "task.enqueued"
	EventPlanFinalized = "plan.finalized"
)

// Envelope is the canonical message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Attempt       int             `json:"attempt"`
	Data          json.RawMessage `json:"data"`
}

// TaskEvent is the payload of an EventTaskEnqueued envelope: one task
// waiting for a worker to build and drive a plan.
type TaskEvent struct {
	PlanID         string   `json:"plan_id"`
	CorrelationID  string   `json:"correlation_id"`
	Instruction    string   `json:"instruction"`
	Language       string   `json:"language,omitempty"`
	Quick          bool     `json:"quick,omitempty"`
	BackgroundMode bool     `json:"background_mode,omitempty"`
	Checklist      []string `json:"checklist,omitempty"`
}

// ArchiveEvent is the payload of an EventPlanFinalized envelope, consumed
// by downstream archival.
type ArchiveEvent struct {
	PlanID        string  `json:"plan_id"`
	CorrelationID string  `json:"correlation_id"`
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	StepsExecuted int     `json:"steps_executed"`
	StepsFailed   int     `json:"steps_failed"`
	Cost          float64 `json:"cost"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates
// required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
