package background

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what a task does. Handlers are registered per type.
type TaskType string

// Built-in maintenance task types.
const (
	TaskCleanupExpired   TaskType = "CLEANUP_EXPIRED"
	TaskRefreshTokens    TaskType = "REFRESH_TOKENS"
	TaskValidateSessions TaskType = "VALIDATE_SESSIONS"
	TaskHealthCheck      TaskType = "HEALTH_CHECK"
	TaskSecurityAudit    TaskType = "SECURITY_AUDIT"
)

// Priority bounds. ForceExecute enqueues at PriorityMax so the task wins
// every tiebreak against regularly scheduled work.
const (
	PriorityMin = 1
	PriorityMax = 10
)

// Task is one unit of queued work.
type Task struct {
	ID       string
	Type     TaskType
	Priority int

	// Payload carries handler-specific parameters, such as the batch
	// size of a refresh scan.
	Payload map[string]any

	// MaxRetries caps re-enqueues after handler failures. Zero means the
	// processor default applies.
	MaxRetries int

	// Timeout bounds the handler run. Zero means the processor default.
	Timeout time.Duration

	// NotBefore delays eligibility. The zero value means immediately.
	NotBefore time.Time

	EnqueuedAt time.Time

	retries  int
	sequence uint64
}

// Retries returns how many times the task has been retried so far.
func (t *Task) Retries() int { return t.retries }

// NewTask builds a task with a fresh ID.
func NewTask(taskType TaskType, priority int) *Task {
	if priority < PriorityMin {
		priority = PriorityMin
	}
	if priority > PriorityMax {
		priority = PriorityMax
	}
	return &Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		Priority: priority,
	}
}

// taskQueue is a max-heap over priority. Ties fall back to enqueue order
// so equal-priority tasks run first-in first-out.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].sequence < q[j].sequence
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// popReady removes and returns the highest-priority task whose NotBefore
// has passed, or nil when nothing is ready. Tasks skipped over stay queued.
func (q *taskQueue) popReady(now time.Time) *Task {
	var deferred []*Task
	var ready *Task
	for q.Len() > 0 {
		task := heap.Pop(q).(*Task)
		if task.NotBefore.IsZero() || !task.NotBefore.After(now) {
			ready = task
			break
		}
		deferred = append(deferred, task)
	}
	for _, task := range deferred {
		heap.Push(q, task)
	}
	return ready
}
