package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// ExecuteFunc runs one workflow. *Executor.Execute satisfies it.
type ExecuteFunc func(ctx context.Context, workflowID string) (*ExecutionReport, error)

// Pool runs workflow executions on a bounded set of workers. A workflow id
// is held from submission until its execution returns, so at most one
// execution per workflow is ever in flight.
type Pool struct {
	// workers is the number of concurrent workers
	workers int

	// execute runs a single workflow
	execute ExecuteFunc

	// queue carries submitted workflow ids to the workers
	queue chan string

	// mu protects inFlight and closed
	mu sync.Mutex

	// inFlight holds ids that are queued or running
	inFlight map[string]struct{}

	closed bool

	// ctx is the execution context; it is cancelled only when Shutdown
	// gives up waiting
	ctx    context.Context
	cancel context.CancelFunc

	workerWG sync.WaitGroup
	taskWG   sync.WaitGroup

	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewPool creates a pool and starts its workers.
func NewPool(workers, queueSize int, execute ExecuteFunc, metrics *telemetry.Metrics, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4 // Default to 4 concurrent executions
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  workers,
		execute:  execute,
		queue:    make(chan string, queueSize),
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  metrics,
		logger:   logger.With().Str("component", "execution-pool").Logger(),
	}

	for i := 0; i < workers; i++ {
		p.workerWG.Add(1)
		go p.worker()
	}

	return p
}

// worker drains the queue until it is closed.
func (p *Pool) worker() {
	defer p.workerWG.Done()

	for id := range p.queue {
		p.metrics.SetQueuedExecutions(len(p.queue))

		if p.ctx.Err() == nil {
			p.run(p.ctx, id)
		}

		p.release(id)
		p.taskWG.Done()
	}
}

func (p *Pool) run(ctx context.Context, id string) (*ExecutionReport, error) {
	report, err := p.execute(ctx, id)
	if err != nil {
		p.logger.Warn().Err(err).Str("workflow_id", id).Msg("Workflow execution failed")
		return nil, err
	}
	if report != nil && !report.Success {
		p.logger.Info().Str("workflow_id", id).Str("status", string(report.Status)).
			Str("error", report.Error).Msg("Workflow execution halted")
	}
	return report, nil
}

// acquire reserves id. It returns false if id is in flight, and a
// throttled error once the pool is shut down.
func (p *Pool) acquire(id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, NewThrottledError("execution pool is shut down", nil).
			WithCode(ErrCodeShuttingDown).WithResource(id)
	}
	if _, busy := p.inFlight[id]; busy {
		return false, nil
	}
	p.inFlight[id] = struct{}{}
	return true, nil
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// Submit queues a workflow for background execution. It returns false if
// the workflow is already in flight, the queue is full or the pool is shut
// down.
func (p *Pool) Submit(workflowID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.inFlight[workflowID]; busy || p.closed {
		p.metrics.RecordSubmitRejected()
		return false
	}

	// Sends happen under mu so Shutdown cannot close the queue mid-send.
	select {
	case p.queue <- workflowID:
		p.inFlight[workflowID] = struct{}{}
		p.taskWG.Add(1)
		p.metrics.SetQueuedExecutions(len(p.queue))
		return true
	default:
		p.metrics.RecordSubmitRejected()
		p.logger.Warn().Str("workflow_id", workflowID).Msg("Execution queue full")
		return false
	}
}

// Run executes a workflow on the calling goroutine while holding its id.
// The boolean is false, and nothing runs, if the workflow is already in
// flight or the pool is shut down.
func (p *Pool) Run(ctx context.Context, workflowID string) (*ExecutionReport, bool, error) {
	ok, err := p.acquire(workflowID)
	if !ok {
		return nil, false, err
	}
	defer p.release(workflowID)

	report, err := p.execute(ctx, workflowID)
	return report, true, err
}

// InFlight reports whether a workflow is queued or running.
func (p *Pool) InFlight(workflowID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[workflowID]
	return ok
}

// Len returns the number of workflows queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Wait blocks until every submitted execution has finished.
func (p *Pool) Wait() {
	p.taskWG.Wait()
}

// Shutdown stops accepting work and waits for running executions to reach
// completion. Queued executions that have not started are dropped; their
// workflows stay approved and are picked up by the next sweep. If ctx ends
// first, running executions are cancelled and stop at their next step
// boundary.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// Skip queued work that has not started.
	p.drainQueued()

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// drainQueued removes queued ids so workers only finish what is running.
func (p *Pool) drainQueued() {
	for {
		select {
		case id, ok := <-p.queue:
			if !ok {
				return
			}
			p.release(id)
			p.taskWG.Done()
		default:
			return
		}
	}
}
