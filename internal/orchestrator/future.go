package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/scheduler"
)

// Stage names where a request currently is.
type Stage string

const (
	StageResolving Stage = "resolving"
	StageResolved  Stage = "resolved"
	StageCached    Stage = "cached"
	StageQueued    Stage = Stage(scheduler.EventQueued)
	StageRunning   Stage = Stage(scheduler.EventRunning)
	StageProgress  Stage = Stage(scheduler.EventProgress)
	StageRetrying  Stage = Stage(scheduler.EventRetrying)
	StageSucceeded Stage = Stage(scheduler.EventSucceeded)
	StageFailed    Stage = Stage(scheduler.EventFailed)
)

const progressBuffer = 32

// Progress is a best effort notification about a request. Slow readers miss events, never the result.
type Progress struct {
	Stage   Stage
	Attempt int
	Delay   time.Duration
	Read    int64
	Total   int64
	Err     error
	At      time.Time
}

func fromEvent(ev scheduler.Event) Progress {
	return Progress{
		Stage:   Stage(ev.Kind),
		Attempt: ev.Attempt,
		Delay:   ev.Delay,
		Read:    ev.Read,
		Total:   ev.Total,
		Err:     ev.Err,
		At:      ev.At,
	}
}

// Status is a point in time view of a request.
type Status struct {
	ID          string
	Input       string
	Origin      media.Origin
	Format      media.Format
	Stage       Stage
	Ref         *media.MediaRef
	Fingerprint media.Fingerprint
	Attempts    int
	Read        int64
	Total       int64
	Err         error
	Artifact    *media.Artifact
	RequestedAt time.Time
	FinishedAt  time.Time
}

// Done reports whether the request reached its terminal result.
func (s Status) Done() bool {
	return !s.FinishedAt.IsZero()
}

// Future is the handle of a submitted request. It resolves exactly once.
type Future struct {
	req    media.Request
	done   chan struct{}
	events chan Progress
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	withdrawn bool
	art       *media.Artifact
	err       error
}

func newFuture(req media.Request, cancel context.CancelFunc) *Future {
	return &Future{
		req:    req,
		done:   make(chan struct{}),
		events: make(chan Progress, progressBuffer),
		cancel: cancel,
		status: Status{
			ID:          req.ID,
			Input:       req.Input,
			Origin:      req.Origin,
			Format:      req.Format,
			Stage:       StageResolving,
			RequestedAt: req.RequestedAt,
		},
	}
}

// ID returns the request id.
func (f *Future) ID() string {
	return f.req.ID
}

// Request returns the request behind the future.
func (f *Future) Request() media.Request {
	return f.req
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Progress is closed after the terminal event.
func (f *Future) Progress() <-chan Progress {
	return f.events
}

// Wait blocks until the request finishes or ctx is done. Giving up on Wait does not withdraw the request.
func (f *Future) Wait(ctx context.Context) (*media.Artifact, error) {
	select {
	case <-f.done:
		return f.art, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Withdraw gives the request up. It finishes with media.ErrCancelled unless a result was already delivered.
func (f *Future) Withdraw() {
	f.mu.Lock()
	f.withdrawn = true
	f.mu.Unlock()

	f.cancel()
}

// Status returns a copy of the request bookkeeping.
func (f *Future) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.status
	if st.Ref != nil {
		ref := *st.Ref
		st.Ref = &ref
	}

	return st
}

func (f *Future) isWithdrawn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.withdrawn
}

func (f *Future) setTarget(t media.Target) {
	f.mu.Lock()
	ref := t.Ref
	f.status.Ref = &ref
	f.status.Fingerprint = t.Fingerprint
	f.status.Format = t.Format
	f.mu.Unlock()

	f.emit(Progress{Stage: StageResolved})
}

// emit is only called from the goroutine running the request.
func (f *Future) emit(p Progress) {
	if p.At.IsZero() {
		p.At = time.Now()
	}

	f.mu.Lock()
	f.status.Stage = p.Stage

	if p.Attempt > f.status.Attempts {
		f.status.Attempts = p.Attempt
	}

	if p.Stage == StageProgress {
		f.status.Read = p.Read
		f.status.Total = p.Total
	}
	f.mu.Unlock()

	select {
	case f.events <- p:
	default:
	}
}

func (f *Future) resolve(art *media.Artifact, err error, attempts int) {
	stage := StageSucceeded
	if err != nil {
		stage = StageFailed
	}

	f.emit(Progress{Stage: stage, Attempt: attempts, Err: err})

	f.mu.Lock()
	f.art = art
	f.err = err
	f.status.Artifact = art
	f.status.Err = err
	f.status.FinishedAt = time.Now()

	if attempts > f.status.Attempts {
		f.status.Attempts = attempts
	}
	f.mu.Unlock()

	close(f.events)
	close(f.done)
}
