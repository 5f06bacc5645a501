package scheduler

import (
	"context"
	"time"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// State is the lifecycle position of a Job.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ProgressFunc reports bytes moved by the running attempt. total is -1 when unknown.
type ProgressFunc func(read, total int64)

// Task is the work behind a Job. It runs once per attempt and must honour ctx cancellation.
type Task func(ctx context.Context, report ProgressFunc) (*media.Artifact, error)

// Job is one scheduled unit of work for a fingerprint, shared by every waiter asking for it.
// All mutable fields are guarded by the owning Scheduler's lock.
type Job struct {
	seq         uint64
	fingerprint media.Fingerprint
	task        Task
	createdAt   time.Time

	state          State
	enqueued       bool
	attempts       int
	conversionRuns int
	lastErr        error
	result         *media.Artifact
	waiters        []*Waiter
	cancel         context.CancelFunc
	cancelled      bool
	timer          *time.Timer
	index          int
	startedAt      time.Time
	finishedAt     time.Time
	done           chan struct{}
}

// Fingerprint returns the dedup key the job produces an artifact for.
func (j *Job) Fingerprint() media.Fingerprint {
	return j.fingerprint
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot is a point in time copy of a Job's bookkeeping.
type Snapshot struct {
	Fingerprint media.Fingerprint
	State       State
	Attempts    int
	Waiters     int
	LastError   error
	CreatedAt   time.Time
	FinishedAt  time.Time
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		Fingerprint: j.fingerprint,
		State:       j.state,
		Attempts:    j.attempts,
		Waiters:     len(j.waiters),
		LastError:   j.lastErr,
		CreatedAt:   j.createdAt,
		FinishedAt:  j.finishedAt,
	}
}

// Result is the terminal outcome delivered to each waiter exactly once.
type Result struct {
	Artifact *media.Artifact
	Err      error
	Attempts int
}

// EventKind names a progress notification.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventRunning   EventKind = "running"
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
)

// Event is a best effort progress notification. Events are dropped when a waiter does not keep up.
type Event struct {
	Kind        EventKind
	Fingerprint media.Fingerprint
	Attempt     int
	Delay       time.Duration
	Read        int64
	Total       int64
	Err         error
	At          time.Time
}

const eventBuffer = 16

// Waiter is one request awaiting a Job's terminal result.
type Waiter struct {
	id        string
	job       *Job
	result    chan Result
	events    chan Event
	delivered bool
}

func newWaiter(id string, j *Job) *Waiter {
	return &Waiter{
		id:     id,
		job:    j,
		result: make(chan Result, 1),
		events: make(chan Event, eventBuffer),
	}
}

// ID returns the request id the waiter was attached with.
func (w *Waiter) ID() string {
	return w.id
}

// Job returns the job the waiter is attached to.
func (w *Waiter) Job() *Job {
	return w.job
}

// Result receives exactly one value.
func (w *Waiter) Result() <-chan Result {
	return w.result
}

// Events is closed after the terminal event.
func (w *Waiter) Events() <-chan Event {
	return w.events
}

func (w *Waiter) emit(ev Event) {
	if w.delivered {
		return
	}

	select {
	case w.events <- ev:
	default:
	}
}

func (w *Waiter) deliver(res Result, ev Event) {
	if w.delivered {
		return
	}

	w.emit(ev)
	w.delivered = true
	w.result <- res
	close(w.events)
}

// jobQueue orders pending jobs by creation sequence.
type jobQueue []*Job

func (q jobQueue) Len() int           { return len(q) }
func (q jobQueue) Less(i, k int) bool { return q[i].seq < q[k].seq }

func (q jobQueue) Swap(i, k int) {
	q[i], q[k] = q[k], q[i]
	q[i].index = i
	q[k].index = k
}

func (q *jobQueue) Push(x any) {
	j := x.(*Job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]

	return j
}
