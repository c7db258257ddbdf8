package worker_test

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
	"github.com/mohammad-safakhou/stepwise/internal/store"
	"github.com/mohammad-safakhou/stepwise/internal/worker"
)

type stubEngine struct{}

func (stubEngine) Execute(_ context.Context, p *plan.Plan) (core.ExecutionSummary, error) {
	step := &plan.Step{ToolName: "WEB_SEARCH", Instruction: "search"}
	if err := p.AppendSteps(step); err != nil {
		return core.ExecutionSummary{}, err
	}
	if err := p.MarkRunning(step); err != nil {
		return core.ExecutionSummary{}, err
	}
	if err := p.RecordResult(step, plan.SuccessResult("WEB_SEARCH", "searched", "")); err != nil {
		return core.ExecutionSummary{}, err
	}
	p.Complete()
	p.Finalize("all done")
	return core.ExecutionSummary{
		PlanID:        p.ID,
		CorrelationID: p.CorrelationID,
		Status:        string(p.Status),
		Message:       "Question: q\nAnswer: all done",
		StepsExecuted: 1,
	}, nil
}

func TestProcessorEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("stepwise"),
		tcPostgres.WithUsername("stepwise"),
		tcPostgres.WithPassword("stepwise"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://stepwise:stepwise@%s:%s/stepwise?sslmode=disable", pgHost, pgPort.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = redisClient.Close() }()

	const taskStream = "task.enqueued"
	const archStream = "plan.archive"
	if err := streams.EnsureGroup(ctx, redisClient, taskStream, "test-group"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	publisher := streams.NewPublisher(redisClient)
	consumer := streams.NewConsumer(redisClient, "test-group", "consumer-1")

	pool := worker.NewBackgroundPool(1, 8)
	pool.Start(ctx)
	defer pool.Close()

	noopMeter := otelnoop.NewMeterProvider().Meter("worker-test")
	noopTracer := tracenoop.NewTracerProvider().Tracer("worker-test")
	proc := worker.NewProcessor(log.New(os.Stdout, "[TEST] ", log.LstdFlags), "worker-test",
		st, stubEngine{}, publisher, consumer, pool, taskStream, archStream, noopMeter, noopTracer)

	procCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- proc.Start(procCtx)
	}()

	task := streams.TaskEvent{
		PlanID:        "plan-int-1",
		CorrelationID: "corr-int-1",
		Instruction:   "search for page X",
	}
	if _, err := publisher.PublishTask(ctx, taskStream, task); err != nil {
		t.Fatalf("publish task: %v", err)
	}

	awaitFinalized(t, ctx, st, task.PlanID, 15*time.Second)

	// Duplicate delivery of the same plan id must be skipped by the claim.
	if _, err := publisher.PublishTask(ctx, taskStream, task); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	time.Sleep(time.Second)

	cancel()
	if err := <-done; err != nil && !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("processor exit: %v", err)
	}

	snap, ok, err := st.GetPlan(ctx, task.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !ok || snap.Status != plan.StatusFinalized {
		t.Fatalf("plan not finalized in store: ok=%v status=%s", ok, snap.Status)
	}
	if len(snap.Steps) != 1 || snap.Steps[0].Status != plan.StepDone {
		t.Fatalf("unexpected stored steps: %+v", snap.Steps)
	}

	archLen, err := redisClient.XLen(ctx, archStream).Result()
	if err != nil {
		t.Fatalf("xlen archive: %v", err)
	}
	if archLen != 1 {
		t.Fatalf("expected exactly one archive event, got %d", archLen)
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE TABLE IF NOT EXISTS plans (
  id TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  instruction TEXT NOT NULL,
  normalized_instruction TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT '',
  quick BOOLEAN NOT NULL DEFAULT FALSE,
  background_mode BOOLEAN NOT NULL DEFAULT FALSE,
  checklist TEXT[] NOT NULL DEFAULT '{}',
  final_answer TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS plan_steps (
  id TEXT PRIMARY KEY,
  plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
  step_order INTEGER NOT NULL,
  tool_name TEXT NOT NULL,
  instruction TEXT NOT NULL,
  status TEXT NOT NULL,
  result_success BOOLEAN,
  result_summary TEXT,
  result_content TEXT,
  result_error TEXT,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (plan_id, step_order)
);

CREATE TABLE IF NOT EXISTS plan_claims (
  plan_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func awaitFinalized(t *testing.T, ctx context.Context, st *store.Store, planID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, ok, err := st.GetPlan(ctx, planID)
		if err != nil {
			t.Fatalf("get plan: %v", err)
		}
		if ok && snap.Status == plan.StatusFinalized {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("plan %s not finalized within timeout", planID)
}
