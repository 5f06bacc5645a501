// Package scheduler runs fetch and convert jobs on a bounded worker pool with retries and waiter fan-out.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

var (
	// ErrClosed is returned once the scheduler stopped accepting work.
	ErrClosed = errors.New("scheduler closed")
	// ErrJobFinished is returned when attaching to a job that already failed.
	ErrJobFinished = errors.New("job already finished")
	// ErrJobCancelling is returned when attaching to a job whose waiters all withdrew. Wait for Done and start over.
	ErrJobCancelling = errors.New("job is being cancelled")
)

// PanicError wraps a panic raised by a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// Config bounds the scheduler.
type Config struct {
	Workers      int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	CompletedTTL time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTelemetry records job metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.tel = tel
	}
}

// WithTerminalHook runs fn for every job reaching a terminal state, before any waiter can observe it.
// fn runs with the scheduler lock held and must not call back into the Scheduler.
func WithTerminalHook(fn func(*Job)) Option {
	return func(s *Scheduler) {
		s.onTerminal = fn
	}
}

// WithJitter replaces the backoff jitter source.
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) {
		s.backoff.Jitter = fn
	}
}

// Stats counts jobs by position.
type Stats struct {
	Queued   int
	Running  int
	Retrying int
	Recent   int
}

// Scheduler owns the pending queue and the fingerprint to job table.
type Scheduler struct {
	cfg        Config
	backoff    Backoff
	tel        *telemetry.Telemetry
	onTerminal func(*Job)
	wake       chan struct{}

	mu      sync.Mutex
	seq     uint64
	queue   jobQueue
	jobs    map[media.Fingerprint]*Job
	running int
	waiting int
	closed  bool
}

// New creates a scheduler; call Run to start its workers.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}

	s := &Scheduler{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		wake:    make(chan struct{}, 1),
		jobs:    make(map[media.Fingerprint]*Job),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewJob creates a job for fp. It is not scheduled until Enqueue.
func (s *Scheduler) NewJob(fp media.Fingerprint, task Task) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++

	return &Job{
		seq:         s.seq,
		fingerprint: fp,
		task:        task,
		createdAt:   time.Now(),
		state:       StatePending,
		index:       -1,
		done:        make(chan struct{}),
	}
}

// Enqueue schedules j with waiterID as a waiter, both in one step.
func (s *Scheduler) Enqueue(ctx context.Context, j *Job, waiterID string) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.state.Terminal() {
		return nil, ErrJobFinished
	}

	if j.enqueued {
		return nil, fmt.Errorf("job %s already enqueued", j.fingerprint.Short())
	}

	w := newWaiter(waiterID, j)
	j.waiters = append(j.waiters, w)
	j.enqueued = true

	if s.closed {
		s.finishLocked(ctx, j, nil, ErrClosed)

		return nil, ErrClosed
	}

	s.jobs[j.fingerprint] = j
	heap.Push(&s.queue, j)
	s.broadcastLocked(j, Event{Kind: EventQueued})
	s.tel.RecordQueueDepth(ctx, s.queue.Len())
	s.signal()

	return w, nil
}

// Attach adds waiterID to j. A succeeded job delivers its result at once; a failed one returns ErrJobFinished
// so the caller can start over. A running job abandoned by all its waiters returns ErrJobCancelling.
func (s *Scheduler) Attach(j *Job, waiterID string) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := newWaiter(waiterID, j)

	switch {
	case j.state == StateFailed:
		return nil, ErrJobFinished
	case j.state == StateSucceeded:
		w.deliver(
			Result{Artifact: j.result, Attempts: j.attempts},
			Event{Kind: EventSucceeded, Fingerprint: j.fingerprint, Attempt: j.attempts, At: time.Now()},
		)

		return w, nil
	case j.cancelled:
		return nil, ErrJobCancelling
	}

	j.waiters = append(j.waiters, w)

	kind := EventQueued
	if j.state == StateRunning {
		kind = EventRunning
	}

	w.emit(Event{Kind: kind, Fingerprint: j.fingerprint, Attempt: j.attempts, At: time.Now()})

	return w, nil
}

// Withdraw detaches w and delivers ErrCancelled to it. When the last waiter of an enqueued job leaves, the job
// is cancelled: a pending one fails at once, a running one has its context cancelled.
func (s *Scheduler) Withdraw(ctx context.Context, w *Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := w.job

	if w.delivered {
		return
	}

	for i, other := range j.waiters {
		if other == w {
			j.waiters = append(j.waiters[:i], j.waiters[i+1:]...)

			break
		}
	}

	w.deliver(
		Result{Err: media.ErrCancelled, Attempts: j.attempts},
		Event{Kind: EventFailed, Fingerprint: j.fingerprint, Attempt: j.attempts, Err: media.ErrCancelled, At: time.Now()},
	)

	if len(j.waiters) > 0 || !j.enqueued || j.state.Terminal() {
		return
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "last waiter withdrew, cancelling job",
		"fingerprint", j.fingerprint.Short(), "state", j.state.String())

	switch j.state {
	case StatePending:
		if j.index >= 0 {
			heap.Remove(&s.queue, j.index)
		}

		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
			s.waiting--
		}

		s.finishLocked(ctx, j, nil, media.ErrCancelled)
	case StateRunning:
		j.cancelled = true
		j.cancel()
	}
}

// Recent returns the job that succeeded for fp within the completed TTL.
func (s *Scheduler) Recent(fp media.Fingerprint) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[fp]
	if !ok || j.state != StateSucceeded {
		return nil, false
	}

	return j, true
}

// Snapshot returns the current bookkeeping of the job for fp.
func (s *Scheduler) Snapshot(fp media.Fingerprint) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[fp]
	if !ok {
		return Snapshot{}, false
	}

	return j.snapshot(), true
}

// SnapshotOf returns the current bookkeeping of j.
func (s *Scheduler) SnapshotOf(j *Job) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return j.snapshot()
}

// Stats returns job counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Queued: s.queue.Len(), Running: s.running, Retrying: s.waiting}

	for _, j := range s.jobs {
		if j.state == StateSucceeded {
			st.Recent++
		}
	}

	return st
}

// Run starts the workers and blocks until ctx is done. Jobs still queued afterwards fail with ErrCancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "starting scheduler", "workers", s.cfg.Workers, "max_retries", s.cfg.MaxRetries)

	g, gctx := errgroup.WithContext(ctx)

	for range s.cfg.Workers {
		g.Go(func() error {
			s.work(gctx)

			return nil
		})
	}

	err := g.Wait()

	s.mu.Lock()
	s.closed = true

	for _, j := range s.jobs {
		if j.state.Terminal() {
			continue
		}

		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
			s.waiting--
		}

		if j.index >= 0 {
			heap.Remove(&s.queue, j.index)
		}

		s.finishLocked(ctx, j, nil, media.ErrCancelled)
	}
	s.mu.Unlock()

	logger.InfoContext(ctx, "scheduler stopped")

	return err
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		j, jobCtx, cancel := s.claim(ctx)
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}

			continue
		}

		s.execute(ctx, jobCtx, j)
		cancel()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) claim(ctx context.Context) (*Job, context.Context, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || s.queue.Len() == 0 {
		return nil, nil, nil
	}

	j := heap.Pop(&s.queue).(*Job)

	// pass the wakeup on so idle workers drain the rest of the queue
	if s.queue.Len() > 0 {
		s.signal()
	}

	jobCtx, cancel := context.WithCancel(ctx)

	j.state = StateRunning
	j.attempts++
	j.cancel = cancel
	j.startedAt = time.Now()
	s.running++

	s.broadcastLocked(j, Event{Kind: EventRunning})
	s.tel.RecordQueueDepth(ctx, s.queue.Len())

	return j, jobCtx, cancel
}

func (s *Scheduler) execute(ctx, jobCtx context.Context, j *Job) {
	jobCtx = logctx.WithFingerprint(jobCtx, j.fingerprint.String())
	logger := logctx.LoggerFromContext(jobCtx)

	s.mu.Lock()
	attempt := j.attempts
	s.mu.Unlock()

	logger.DebugContext(jobCtx, "running job", "fingerprint", j.fingerprint.Short(), "attempt", attempt)

	report := func(read, total int64) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if j.state == StateRunning {
			s.broadcastLocked(j, Event{Kind: EventProgress, Read: read, Total: total})
		}
	}

	var art *media.Artifact

	err := s.tel.InstrumentJob(jobCtx, attempt, func(ctx context.Context) error {
		var err error
		art, err = s.runTask(ctx, j, report)

		return err
	})

	s.complete(ctx, j, art, err)
}

func (s *Scheduler) runTask(ctx context.Context, j *Job, report ProgressFunc) (art *media.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	art, err = j.task(ctx, report)
	if err == nil && art == nil {
		err = errors.New("job produced no artifact")
	}

	return art, err
}

func (s *Scheduler) complete(ctx context.Context, j *Job, art *media.Artifact, err error) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--

	switch {
	case err == nil:
		s.finishLocked(ctx, j, art, nil)
	case j.cancelled || ctx.Err() != nil:
		s.finishLocked(ctx, j, nil, media.ErrCancelled)
	case s.retryableLocked(j, err):
		delay := s.delay(j.attempts, err)

		logger.WarnContext(ctx, "job attempt failed, retrying",
			"fingerprint", j.fingerprint.Short(), "attempt", j.attempts, "delay", delay, "err", err)

		j.state = StatePending
		j.lastErr = err
		j.timer = time.AfterFunc(delay, func() { s.requeue(ctx, j) })
		s.waiting++

		s.broadcastLocked(j, Event{Kind: EventRetrying, Delay: delay, Err: err})
		s.tel.RecordRetry(ctx, retryReason(err))
	default:
		logger.ErrorContext(ctx, "job failed",
			"fingerprint", j.fingerprint.Short(), "attempts", j.attempts, "err", err)

		s.finishLocked(ctx, j, nil, err)
	}
}

// RetryDelay applies the job retry policy to work done outside a job: it reports whether a failure of the given
// attempt (1-based) may be retried and how long to wait first.
func (s *Scheduler) RetryDelay(attempt int, err error) (time.Duration, bool) {
	if attempt >= s.cfg.MaxRetries || !media.IsRetryable(err) {
		return 0, false
	}

	return s.delay(attempt, err), true
}

// delay is the backoff for attempt, stretched to the wait a rate limited platform asked for.
func (s *Scheduler) delay(attempt int, err error) time.Duration {
	d := s.backoff.Delay(attempt)
	if ra := media.RetryAfter(err); ra > d {
		d = ra
	}

	return d
}

func (s *Scheduler) retryableLocked(j *Job, err error) bool {
	if j.attempts >= s.cfg.MaxRetries || !media.IsRetryable(err) {
		return false
	}

	if media.IsTransientConversion(err) {
		if j.conversionRuns > 0 {
			return false
		}

		j.conversionRuns++
	}

	return true
}

func (s *Scheduler) requeue(ctx context.Context, j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.timer == nil || j.state != StatePending {
		return
	}

	j.timer = nil
	s.waiting--

	if s.closed {
		s.finishLocked(ctx, j, nil, media.ErrCancelled)

		return
	}

	heap.Push(&s.queue, j)
	s.broadcastLocked(j, Event{Kind: EventQueued})
	s.signal()
}

// finishLocked moves j to its terminal state and notifies every waiter in attachment order.
func (s *Scheduler) finishLocked(ctx context.Context, j *Job, art *media.Artifact, err error) {
	j.finishedAt = time.Now()
	j.result = art
	j.lastErr = err
	j.cancel = nil

	res := Result{Artifact: art, Err: err, Attempts: j.attempts}
	ev := Event{Kind: EventSucceeded, Fingerprint: j.fingerprint, Attempt: j.attempts, At: j.finishedAt}

	status := "succeeded"
	if err != nil {
		j.state = StateFailed
		ev.Kind = EventFailed
		ev.Err = err
		status = "failed"

		if errors.Is(err, media.ErrCancelled) {
			status = "cancelled"
		}
	} else {
		j.state = StateSucceeded
	}

	for _, w := range j.waiters {
		w.deliver(res, ev)
	}

	if s.onTerminal != nil {
		s.onTerminal(j)
	}

	if j.state == StateSucceeded && s.cfg.CompletedTTL > 0 {
		s.jobs[j.fingerprint] = j
		time.AfterFunc(s.cfg.CompletedTTL, func() { s.forget(j) })
	} else if s.jobs[j.fingerprint] == j {
		delete(s.jobs, j.fingerprint)
	}

	close(j.done)

	s.tel.RecordJob(ctx, status, j.finishedAt.Sub(j.createdAt), j.attempts)
}

func (s *Scheduler) forget(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobs[j.fingerprint] == j {
		delete(s.jobs, j.fingerprint)
	}
}

func (s *Scheduler) broadcastLocked(j *Job, ev Event) {
	ev.Fingerprint = j.fingerprint
	ev.Attempt = j.attempts
	ev.At = time.Now()

	for _, w := range j.waiters {
		w.emit(ev)
	}
}

func retryReason(err error) string {
	var (
		rateLimited *media.RateLimitedError
		fetchErr    *media.FetchError
		platformErr *media.PlatformError
		convErr     *media.ConversionError
	)

	switch {
	case errors.As(err, &rateLimited):
		return "rate_limited"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &platformErr):
		return "platform"
	case errors.As(err, &convErr):
		return "conversion"
	default:
		return "other"
	}
}
