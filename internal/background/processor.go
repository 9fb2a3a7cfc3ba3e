package background

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/logging"
)

// Processor defaults.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultTaskTimeout  = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultStopTimeout  = 30 * time.Second
	DefaultQueueLimit   = 1000

	// retryDelayBase seeds the exponential retry delay: 2^retries seconds.
	retryDelayBase = 1 * time.Second
)

// Handler executes one task. A non-nil error triggers a delayed retry
// until the task's retry budget is spent.
type Handler func(ctx context.Context, task *Task) error

// Recurring describes a task the processor re-enqueues on a fixed cadence.
type Recurring struct {
	Type     TaskType
	Interval time.Duration
	Priority int
	Payload  map[string]any
}

// Stats are the processor's running counters.
type Stats struct {
	Enqueued  int64
	Executed  int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Dropped   int64
	QueueLen  int
}

// Config holds processor configuration.
type Config struct {
	// PollInterval is the executor's wake-up cadence. Default: 1s.
	PollInterval time.Duration

	// TaskTimeout bounds a handler run when the task does not set its
	// own. Default: 30s.
	TaskTimeout time.Duration

	// MaxRetries is the default retry budget per task. Default: 3.
	MaxRetries int

	// QueueLimit rejects enqueues past this depth. Default: 1000.
	QueueLimit int

	// StopTimeout bounds how long Stop waits for the current task.
	// Default: 30s.
	StopTimeout time.Duration

	// Clock overrides the time source (tests).
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// Processor owns the queue and the single executor goroutine.
type Processor struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	queue     taskQueue
	handlers  map[TaskType]Handler
	recurring []recurringState
	sequence  uint64
	stats     Stats
	running   bool
	stopCh    chan struct{}
	loopDone  sync.WaitGroup
}

type recurringState struct {
	spec    Recurring
	nextDue time.Time
}

// NewProcessor creates a processor. Handlers and recurring tasks are
// registered before Start.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logging.WithComponent(cfg.Logger, "background"),
		handlers: make(map[TaskType]Handler),
	}, nil
}

// RegisterHandler binds a handler to a task type. Tasks of an unknown
// type fail without retry.
func (p *Processor) RegisterHandler(taskType TaskType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = handler
}

// RegisterRecurring schedules a task type on a fixed interval. The first
// run is due one interval after Start.
func (p *Processor) RegisterRecurring(spec Recurring) error {
	if spec.Interval <= 0 {
		return auth.NewError(auth.CodeConfigurationError, "recurring interval must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recurring = append(p.recurring, recurringState{spec: spec})
	return nil
}

// Enqueue adds a task to the queue.
func (p *Processor) Enqueue(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() >= p.cfg.QueueLimit {
		p.stats.Dropped++
		return auth.NewError(auth.CodeRateLimited, "background task queue is full")
	}
	p.enqueueLocked(task)
	return nil
}

func (p *Processor) enqueueLocked(task *Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = p.cfg.MaxRetries
	}
	if task.Timeout <= 0 {
		task.Timeout = p.cfg.TaskTimeout
	}
	task.EnqueuedAt = p.clock.Now()
	p.sequence++
	task.sequence = p.sequence
	heap.Push(&p.queue, task)
	p.stats.Enqueued++
}

// ForceExecute enqueues a task of the given type at maximum priority so
// it runs ahead of all scheduled work.
func (p *Processor) ForceExecute(taskType TaskType, payload map[string]any) error {
	task := NewTask(taskType, PriorityMax)
	task.Payload = payload
	return p.Enqueue(task)
}

// Start launches the executor loop. Safe to call once.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return auth.NewError(auth.CodeConfigurationError, "background processor already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	now := p.clock.Now()
	for i := range p.recurring {
		p.recurring[i].nextDue = now.Add(p.recurring[i].spec.Interval)
	}
	stopCh := p.stopCh
	p.mu.Unlock()

	p.loopDone.Add(1)
	go p.run(ctx, stopCh)
	p.logger.Info("background processor started",
		slog.Duration("poll_interval", p.cfg.PollInterval))
	return nil
}

func (p *Processor) run(ctx context.Context, stopCh chan struct{}) {
	defer p.loopDone.Done()
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.scheduleRecurring()
			for p.RunNext(ctx) {
				select {
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// scheduleRecurring enqueues every recurring task whose interval has
// elapsed since its last enqueue.
func (p *Processor) scheduleRecurring() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for i := range p.recurring {
		state := &p.recurring[i]
		if now.Before(state.nextDue) {
			continue
		}
		task := NewTask(state.spec.Type, state.spec.Priority)
		task.Payload = state.spec.Payload
		p.enqueueLocked(task)
		state.nextDue = now.Add(state.spec.Interval)
	}
}

// RunNext pops and executes the highest-priority ready task. It reports
// whether a task ran; false means the queue held nothing eligible.
func (p *Processor) RunNext(ctx context.Context) bool {
	p.mu.Lock()
	task := p.queue.popReady(p.clock.Now())
	if task == nil {
		p.mu.Unlock()
		return false
	}
	handler, ok := p.handlers[task.Type]
	p.stats.Executed++
	p.mu.Unlock()

	if !ok {
		p.logger.Error("no handler registered for task",
			slog.String(logging.KeyTask, string(task.Type)))
		p.countOutcome(false)
		return true
	}

	start := p.clock.Now()
	err := p.execute(ctx, handler, task)
	duration := p.clock.Now().Sub(start)

	if err != nil {
		p.countOutcome(false)
		p.logger.Warn("background task failed",
			slog.String(logging.KeyTask, string(task.Type)),
			slog.Int("retries", task.retries),
			slog.Duration(logging.KeyDuration, duration),
			logging.Err(err))
		p.maybeRetry(task)
		return true
	}

	p.countOutcome(true)
	p.logger.Debug("background task completed",
		slog.String(logging.KeyTask, string(task.Type)),
		slog.Duration(logging.KeyDuration, duration))
	return true
}

// execute runs the handler under the task's timeout. The handler runs
// in its own goroutine and races the deadline, so a handler that never
// checks its context still cannot stall the executor. A panicking
// handler is converted to an error so one bad task cannot kill the
// executor.
func (p *Processor) execute(ctx context.Context, handler Handler, task *Task) error {
	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("task handler panicked: %v", r)
			}
		}()
		errCh <- handler(runCtx, task)
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		return fmt.Errorf("task abandoned after %s: %w", task.Timeout, runCtx.Err())
	}
}

// maybeRetry re-enqueues a failed task with a 2^retries second delay, or
// drops it once the budget is spent.
func (p *Processor) maybeRetry(task *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.retries >= task.MaxRetries {
		p.stats.Dropped++
		p.logger.Error("background task dropped after exhausting retries",
			slog.String(logging.KeyTask, string(task.Type)),
			slog.Int("retries", task.retries))
		return
	}
	task.retries++
	delay := retryDelayBase * time.Duration(1<<task.retries)
	task.NotBefore = p.clock.Now().Add(delay)
	p.enqueueLocked(task)
	p.stats.Retried++
}

func (p *Processor) countOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.stats.Succeeded++
	} else {
		p.stats.Failed++
	}
}

// QueueDepth returns the number of queued tasks.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.QueueLen = p.queue.Len()
	return stats
}

// Stop halts the executor, waiting up to StopTimeout for the current
// task to finish. Queued tasks are left in place and lost.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.loopDone.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("background processor stopped")
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("forced shutdown with a background task still running")
	}
}
