package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Task is one unit of detached background work. Errors are logged and
// swallowed here; a background failure never fails the step or plan that
// spawned it.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// BackgroundPool executes fire-and-forget work on a bounded set of
// goroutines with an explicit lifecycle, instead of naked go statements
// scattered through the engine.
type BackgroundPool struct {
	logger  *log.Logger
	workers int
	queue   chan Task
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewBackgroundPool sizes the pool. Workers and queue depth below one are
// bumped to one.
func NewBackgroundPool(workers, queueDepth int) *BackgroundPool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &BackgroundPool{
		logger:  log.New(log.Writer(), "[BACKGROUND] ", log.LstdFlags),
		workers: workers,
		queue:   make(chan Task, queueDepth),
	}
}

// Start launches the workers. They drain the queue until Close is called,
// then exit. The context bounds every submitted task.
func (p *BackgroundPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.queue {
				p.run(ctx, task)
			}
		}()
	}
}

// Submit queues one task without blocking. A full queue rejects the task;
// the caller decides whether dropping the detached work matters.
func (p *BackgroundPool) Submit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("background task %q has no body", task.Name)
	}
	// The send stays under the lock so Close cannot close the queue
	// between the closed check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("background pool is closed")
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return fmt.Errorf("background queue full, dropping %q", task.Name)
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *BackgroundPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *BackgroundPool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("task %q panicked: %v", task.Name, r)
		}
	}()
	if err := task.Run(ctx); err != nil {
		p.logger.Printf("task %q failed: %v", task.Name, err)
	}
}
