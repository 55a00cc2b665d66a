package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// leaderPollInterval bounds how long a due-but-not-leader task waits before
// re-checking leadership, so a handover is picked up promptly without a
// dedicated wakeup channel per task.
const leaderPollInterval = 2 * time.Second

// Pool is the schedule pool: createTask(name, fn) → handle, generalized
// from the single static ticker loop in ticker.go into named, individually
// activatable tasks. Firing is gated on the supplied LeaderElector so only
// the elected leader ever invokes a task's function.
type Pool struct {
	log     logrus.FieldLogger
	elector LeaderElector

	mu    sync.Mutex
	tasks []*Task
}

// NewPool constructs a Pool. elector may be nil, in which case every task
// always fires (used in tests and single-process deployments without
// Redis-backed election).
func NewPool(log logrus.FieldLogger, elector LeaderElector) *Pool {
	return &Pool{
		log:     log.WithField("component", "scheduler_pool"),
		elector: elector,
	}
}

// CreateTask registers a new named task bound to fn. The task starts
// inactive; callers must Activate it before ScheduleAfter has any effect.
func (p *Pool) CreateTask(name string, fn func()) *Task {
	t := &Task{
		log:  p.log.WithField("task", name),
		name: name,
		fn:   fn,
		pool: p,
	}

	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()

	return t
}

// Task is a single schedulable unit of work with three states: inactive,
// armed, firing. inactive is !active; armed is active with a pending
// timer; firing is the body of fire() executing fn.
type Task struct {
	log  logrus.FieldLogger
	name string
	fn   func()
	pool *Pool

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// Activate transitions inactive → armed-capable; ScheduleAfter is a no-op
// until this has been called.
func (t *Task) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
}

// Deactivate stops any pending timer and transitions to inactive. Shutdown
// deactivates the task.
func (t *Task) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ScheduleAfter arms a one-shot firing after d. A zero duration fires on
// the next scheduler tick. Calling it again before the previous timer fires
// replaces it, matching the original's scheduleAfter semantics for a
// single-fire task.
func (t *Task) ScheduleAfter(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}

	t.timer = time.AfterFunc(d, t.fire)
}

func (t *Task) fire() {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()

	if !active {
		return
	}

	if t.pool.elector != nil && !t.pool.elector.IsLeader() {
		t.log.Debug("not leader, deferring task")
		t.ScheduleAfter(leaderPollInterval)

		return
	}

	t.fn()
}
