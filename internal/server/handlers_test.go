package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
)

type fakePlanStore struct {
	plans map[string]plan.Snapshot
}

func (f *fakePlanStore) GetPlan(_ context.Context, id string) (plan.Snapshot, bool, error) {
	snap, ok := f.plans[id]
	return snap, ok, nil
}

func (f *fakePlanStore) ListPlans(_ context.Context, _ int) ([]plan.Snapshot, error) {
	var out []plan.Snapshot
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

type fakePublisher struct {
	tasks []streams.TaskEvent
}

func (f *fakePublisher) PublishTask(_ context.Context, _ string, task streams.TaskEvent, _ ...streams.PublishOption) (string, error) {
	f.tasks = append(f.tasks, task)
	return "1-0", nil
}

func setup(store PlanStore, pub TaskPublisher) *echo.Echo {
	e := echo.New()
	h := &Handler{Store: store, Publisher: pub, TaskStream: "task.enqueued"}
	h.Register(e.Group("/api"))
	return e
}

func TestCreateTask(t *testing.T) {
	pub := &fakePublisher{}
	e := setup(&fakePlanStore{}, pub)

	body := `{"instruction": "fetch page X", "checklist": ["freshness"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PlanID == "" || resp.CorrelationID == "" {
		t.Fatalf("expected generated ids, got %+v", resp)
	}
	if len(pub.tasks) != 1 || pub.tasks[0].Instruction != "fetch page X" {
		t.Fatalf("task not published: %+v", pub.tasks)
	}
}

func TestCreateTaskRequiresInstruction(t *testing.T) {
	e := setup(&fakePlanStore{}, &fakePublisher{})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"instruction": "  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetPlanAndAnswer(t *testing.T) {
	store := &fakePlanStore{plans: map[string]plan.Snapshot{
		"p-running":   {ID: "p-running", Status: plan.StatusRunning},
		"p-finalized": {ID: "p-finalized", Status: plan.StatusFinalized, Instruction: "summarize the report", FinalAnswer: "all done"},
	}}
	e := setup(store, &fakePublisher{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/p-running", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get plan: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing plan: expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/p-running/answer", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("unfinished answer: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/p-finalized/answer", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("answer: expected 200, got %d", rec.Code)
	}
	var answer struct {
		PlanID string `json:"plan_id"`
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Answer != "Question: summarize the report\nAnswer: all done" {
		t.Fatalf("answer not in Question/Answer shape: %q", answer.Answer)
	}
}

func TestListTools(t *testing.T) {
	e := setup(&fakePlanStore{}, &fakePublisher{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "DOCUMENT_FROM_WEB") {
		t.Fatalf("tool catalog missing entries: %s", rec.Body.String())
	}
}
