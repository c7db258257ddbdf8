package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
)

type fakeStore struct {
	mu     sync.Mutex
	claims map[string]string
	saves  []plan.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{claims: make(map[string]string)}
}

func (f *fakeStore) ClaimPlan(_ context.Context, planID, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.claims[planID]; held {
		return false, nil
	}
	f.claims[planID] = owner
	return true, nil
}

func (f *fakeStore) SavePlan(_ context.Context, snap plan.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, snap)
	return nil
}

type fakeEngine struct {
	calls   int
	summary core.ExecutionSummary
	err     error
}

func (f *fakeEngine) Execute(_ context.Context, p *plan.Plan) (core.ExecutionSummary, error) {
	f.calls++
	p.Complete()
	p.Finalize("done")
	s := f.summary
	s.PlanID = p.ID
	s.CorrelationID = p.CorrelationID
	s.Status = string(p.Status)
	return s, f.err
}

type fakeArchive struct {
	mu     sync.Mutex
	events []streams.ArchiveEvent
}

func (f *fakeArchive) PublishArchive(_ context.Context, _ string, evt streams.ArchiveEvent, _ ...streams.PublishOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return "1-0", nil
}

func taskMessage(t *testing.T, evt streams.TaskEvent) streams.Message {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:       "evt-1",
			EventType:     streams.EventTaskEnqueued,
			CorrelationID: evt.CorrelationID,
			Data:          data,
		},
	}
}

func testProcessor(st StoreAPI, engine Engine, pub ArchivePublisher, pool *BackgroundPool) *Processor {
	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	return NewProcessor(logger, "worker-test", st, engine, pub, nil, pool, "task.enqueued", "plan.archive", nil, nil)
}

func TestHandleTaskDrivesPlan(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{summary: core.ExecutionSummary{Message: "Question: q\nAnswer: a", StepsExecuted: 2}}
	arch := &fakeArchive{}
	proc := testProcessor(st, engine, arch, nil)

	msg := taskMessage(t, streams.TaskEvent{
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		Instruction:   "fetch page X",
		Checklist:     []string{"freshness"},
	})
	if err := proc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	if engine.calls != 1 {
		t.Fatalf("expected one engine execution, got %d", engine.calls)
	}
	if len(st.saves) != 2 {
		t.Fatalf("expected initial and final saves, got %d", len(st.saves))
	}
	if st.saves[0].Status != plan.StatusRunning || st.saves[1].Status != plan.StatusFinalized {
		t.Fatalf("unexpected save statuses: %s, %s", st.saves[0].Status, st.saves[1].Status)
	}
	if len(arch.events) != 1 || arch.events[0].PlanID != "plan-1" {
		t.Fatalf("archive event not published: %+v", arch.events)
	}
}

func TestHandleTaskDuplicateDeliverySkipped(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{}
	proc := testProcessor(st, engine, &fakeArchive{}, nil)

	msg := taskMessage(t, streams.TaskEvent{PlanID: "plan-1", CorrelationID: "corr-1", Instruction: "task"})
	if err := proc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := proc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("duplicate delivery should be a no-op, got %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("duplicate delivery ran the engine: %d calls", engine.calls)
	}
}

func TestHandleTaskRejectsIncompletePayload(t *testing.T) {
	proc := testProcessor(newFakeStore(), &fakeEngine{}, &fakeArchive{}, nil)

	msg := taskMessage(t, streams.TaskEvent{CorrelationID: "corr-1"})
	if err := proc.HandleTask(context.Background(), msg); err == nil {
		t.Fatal("expected error for missing plan id and instruction")
	}
}

func TestHandleTaskEngineFailureStillSavesAndArchives(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{err: fmt.Errorf("model unavailable")}
	arch := &fakeArchive{}
	proc := testProcessor(st, engine, arch, nil)

	msg := taskMessage(t, streams.TaskEvent{PlanID: "plan-1", CorrelationID: "corr-1", Instruction: "task"})
	if err := proc.HandleTask(context.Background(), msg); err == nil {
		t.Fatal("expected execution error to surface")
	}
	if len(st.saves) != 2 {
		t.Fatalf("expected saves despite failure, got %d", len(st.saves))
	}
	if len(arch.events) != 1 {
		t.Fatalf("expected archive event despite failure, got %d", len(arch.events))
	}
}

func TestBackgroundPoolSwallowsFailures(t *testing.T) {
	pool := NewBackgroundPool(2, 8)
	pool.Start(context.Background())

	var mu sync.Mutex
	ran := 0
	if err := pool.Submit(Task{Name: "fails", Run: func(context.Context) error {
		return fmt.Errorf("boom")
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Submit(Task{Name: "panics", Run: func(context.Context) error {
		panic("boom")
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Submit(Task{Name: "succeeds", Run: func(context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	pool.Close()
	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("expected the healthy task to run once, got %d", ran)
	}
}

func TestBackgroundPoolBoundedQueue(t *testing.T) {
	pool := NewBackgroundPool(1, 1)
	// Not started: the queue fills and further submits are rejected
	// rather than blocking the caller.
	if err := pool.Submit(Task{Name: "first", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := pool.Submit(Task{Name: "second", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected rejection when the queue is full")
	}

	pool.Start(context.Background())
	pool.Close()
}

func TestBackgroundPoolSubmitDuringClose(t *testing.T) {
	pool := NewBackgroundPool(2, 4)
	pool.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				// Submits racing Close must return an error, never
				// panic on a closed queue.
				_ = pool.Submit(Task{Name: "noop", Run: func(context.Context) error { return nil }})
			}
		}()
	}
	pool.Close()
	wg.Wait()

	if err := pool.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected submit after close to be rejected")
	}
}
