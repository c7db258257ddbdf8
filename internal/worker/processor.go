package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/internal/queue/streams"
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimPlan(ctx context.Context, planID, owner string) (bool, error)
	SavePlan(ctx context.Context, snap plan.Snapshot) error
}

// Engine is the execution surface the processor drives for each task.
type Engine interface {
	Execute(ctx context.Context, p *plan.Plan) (core.ExecutionSummary, error)
}

// ArchivePublisher publishes finalized-plan events for downstream
// archival.
type ArchivePublisher interface {
	PublishArchive(ctx context.Context, stream string, evt streams.ArchiveEvent, opts ...streams.PublishOption) (string, error)
}

// Processor consumes enqueued tasks and drives each one through the
// engine. One processor instance is one consumer in the group; the store
// claim keeps a duplicated or retried delivery of the same plan id from
// being driven by two workers at once.
type Processor struct {
	logger      *log.Logger
	name        string
	store       StoreAPI
	engine      Engine
	consumer    *streams.Consumer
	publisher   ArchivePublisher
	background  *BackgroundPool
	taskStream  string
	archStream  string
	tracer      trace.Tracer
	taskCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, name string, st StoreAPI, engine Engine, pub ArchivePublisher, cons *streams.Consumer, background *BackgroundPool, taskStream, archStream string, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	proc := &Processor{
		logger:     logger,
		name:       name,
		store:      st,
		engine:     engine,
		consumer:   cons,
		publisher:  pub,
		background: background,
		taskStream: taskStream,
		archStream: archStream,
		tracer:     tracer,
	}
	if meter != nil {
		var err error
		proc.taskCounter, err = meter.Int64Counter("worker_tasks_processed")
		if err != nil {
			logger.Printf("warn: create task counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing enqueued tasks until the context
// is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker %s starting; consuming stream %s", p.name, p.taskStream)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker %s stopping: %v", p.name, ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.taskStream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := p.HandleTask(ctx, msg); err != nil {
				p.logger.Printf("error handling task %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.taskStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// HandleTask drives one enqueued task end to end: claim, execute, persist,
// archive.
func (p *Processor) HandleTask(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_task")
	defer span.End()

	var evt streams.TaskEvent
	if err := json.Unmarshal(msg.Envelope.Data, &evt); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	if evt.PlanID == "" || evt.Instruction == "" {
		return fmt.Errorf("task %s missing plan id or instruction", msg.ID)
	}

	claimed, err := p.store.ClaimPlan(ctx, evt.PlanID, p.name)
	if err != nil {
		return fmt.Errorf("claim plan %s: %w", evt.PlanID, err)
	}
	if !claimed {
		p.logger.Printf("plan %s already claimed, skipping duplicate delivery", evt.PlanID)
		return nil
	}

	run := plan.New(evt.CorrelationID, evt.Instruction)
	run.ID = evt.PlanID
	run.Language = evt.Language
	run.Quick = evt.Quick
	run.BackgroundMode = evt.BackgroundMode
	run.Checklist = append([]string(nil), evt.Checklist...)

	if err := p.store.SavePlan(ctx, run.Snapshot()); err != nil {
		p.logger.Printf("warn: initial save of plan %s failed: %v", run.ID, err)
	}

	summary, execErr := p.engine.Execute(ctx, run)
	if err := p.store.SavePlan(ctx, run.Snapshot()); err != nil {
		p.logger.Printf("warn: final save of plan %s failed: %v", run.ID, err)
	}
	if p.taskCounter != nil {
		p.taskCounter.Add(ctx, 1)
	}

	p.archive(summary)

	if execErr != nil {
		return fmt.Errorf("execute plan %s: %w", run.ID, execErr)
	}
	return nil
}

// archive hands the finalized-plan event to the background pool so a slow
// or failing archive stream never blocks task throughput.
func (p *Processor) archive(summary core.ExecutionSummary) {
	if p.publisher == nil || p.archStream == "" {
		return
	}
	evt := streams.ArchiveEvent{
		PlanID:        summary.PlanID,
		CorrelationID: summary.CorrelationID,
		Status:        summary.Status,
		Message:       summary.Message,
		StepsExecuted: summary.StepsExecuted,
		StepsFailed:   summary.StepsFailed,
		Cost:          summary.Cost,
	}
	publish := func(ctx context.Context) error {
		_, err := p.publisher.PublishArchive(ctx, p.archStream, evt)
		return err
	}
	if p.background == nil {
		if err := publish(context.Background()); err != nil {
			p.logger.Printf("warn: archive publish for plan %s failed: %v", evt.PlanID, err)
		}
		return
	}
	if err := p.background.Submit(Task{Name: "archive " + evt.PlanID, Run: publish}); err != nil {
		p.logger.Printf("warn: %v", err)
	}
}
