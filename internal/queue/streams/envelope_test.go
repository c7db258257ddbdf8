package streams

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{
		EventID:   "evt-1",
		EventType: EventTaskEnqueued,
		Data:      json.RawMessage(`{"plan_id":"p1"}`),
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be defaulted")
	}

	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing event id", Envelope{EventType: EventTaskEnqueued, Data: json.RawMessage(`{}`)}},
		{"missing event type", Envelope{EventID: "evt", Data: json.RawMessage(`{}`)}},
		{"missing data", Envelope{EventID: "evt", EventType: EventTaskEnqueued}},
		{"negative attempt", Envelope{EventID: "evt", EventType: EventTaskEnqueued, Attempt: -1, Data: json.RawMessage(`{}`)}},
	}
	for _, tc := range cases {
		if err := tc.env.ValidateBasic(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	task := TaskEvent{
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		Instruction:   "fetch page X",
		Checklist:     []string{"is the page current?"},
	}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	env := Envelope{EventID: "evt-1", EventType: EventTaskEnqueued, CorrelationID: task.CorrelationID, Data: data}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.EventType != EventTaskEnqueued || decoded.CorrelationID != "corr-1" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}

	var got TaskEvent
	if err := json.Unmarshal(decoded.Data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.PlanID != "plan-1" || got.Instruction != "fetch page X" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}
