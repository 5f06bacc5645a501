// Package orchestrator is the entry point of the fetch engine. It resolves requests, deduplicates them against
// the cache and the scheduler, and runs fetch, convert and store as one job per fingerprint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/italolelis/audio_fetcher/internal/cache"
	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/progress"
	"github.com/italolelis/audio_fetcher/internal/provider"
	"github.com/italolelis/audio_fetcher/internal/scheduler"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

const (
	defaultRetention        = 10 * time.Minute
	defaultProgressInterval = 256 << 10
	finishedBuffer          = 64
)

// Converter encodes a raw stream into the target format; satisfied by *convert.Service.
type Converter interface {
	Convert(ctx context.Context, raw *media.RawStream, t media.Target) (*media.Artifact, error)
}

// Config bounds the orchestrator. Zero timeouts disable the corresponding deadline.
type Config struct {
	RequestTimeout time.Duration
	FetchTimeout   time.Duration
	ConvertTimeout time.Duration
	// MaxResults caps the candidates each adapter contributes to SearchAll.
	MaxResults    int
	DefaultFormat media.Format
	// Retention is how long finished requests stay visible to Lookup.
	Retention time.Duration
	// ProgressInterval is the number of bytes between two progress events.
	ProgressInterval int64
}

// Finished is published on OnFinished once per request.
type Finished struct {
	Request  media.Request
	Ref      *media.MediaRef
	Artifact *media.Artifact
	Err      error
	Attempts int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTelemetry records request outcomes.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.tel = tel
	}
}

// WithBlobRemover deletes the blob of an artifact that lost the race to the cache.
func WithBlobRemover(blobs cache.BlobRemover) Option {
	return func(o *Orchestrator) {
		o.blobs = blobs
	}
}

// Orchestrator composes the registry, the scheduler, the cache and the converter.
type Orchestrator struct {
	cfg       Config
	registry  *provider.Registry
	converter Converter
	sched     *scheduler.Scheduler
	cache     *cache.Cache[*scheduler.Job]
	blobs     cache.BlobRemover
	tel       *telemetry.Telemetry

	// OnFinished receives every terminal result. Results are dropped when nobody keeps up.
	OnFinished chan Finished

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	requests map[string]*Future
}

// ReleaseOnTerminal returns the scheduler hook dropping a job's cache reservation when it finishes.
func ReleaseOnTerminal(c *cache.Cache[*scheduler.Job]) func(*scheduler.Job) {
	return func(j *scheduler.Job) {
		c.Release(j.Fingerprint(), j)
	}
}

// New creates an orchestrator. The scheduler must have been built with ReleaseOnTerminal(c).
func New(
	cfg Config,
	registry *provider.Registry,
	converter Converter,
	sched *scheduler.Scheduler,
	c *cache.Cache[*scheduler.Job],
	opts ...Option,
) *Orchestrator {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	if cfg.DefaultFormat.IsZero() {
		cfg.DefaultFormat = media.DefaultFormat
	}

	ctx, stop := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		converter:  converter,
		sched:      sched,
		cache:      c,
		OnFinished: make(chan Finished, finishedBuffer),
		ctx:        ctx,
		stop:       stop,
		requests:   make(map[string]*Future),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Submit starts req and returns at once. ctx only contributes its values: the request lives until it finishes,
// times out, is withdrawn or the orchestrator closes.
func (o *Orchestrator) Submit(ctx context.Context, req media.Request) *Future {
	return o.start(ctx, req, nil)
}

// SubmitPlaylist expands a playlist or album link and submits one request per entry.
func (o *Orchestrator) SubmitPlaylist(ctx context.Context, rawURL string, format media.Format) ([]*Future, error) {
	logger := logctx.LoggerFromContext(ctx)

	adapter, err := o.registry.MatchURL(rawURL)
	if err != nil {
		return nil, err
	}

	expander, ok := adapter.(media.PlaylistResolver)
	if !ok {
		return nil, &media.UnsupportedError{Input: rawURL, Reason: adapter.Platform().String() + " has no playlists"}
	}

	var (
		futures []*Future
		lastErr error
	)

	for ref, err := range expander.Expand(ctx, rawURL) {
		if err != nil {
			lastErr = err

			break
		}

		input := ref.Locator
		if input == "" {
			input = rawURL
		}

		req := media.NewRequest(input, ref.Platform, format)
		req.Origin = media.OriginURL

		futures = append(futures, o.start(ctx, req, &ref))
	}

	if len(futures) == 0 {
		if lastErr == nil {
			lastErr = &media.NotFoundError{Platform: adapter.Platform(), Query: rawURL}
		}

		return nil, lastErr
	}

	if lastErr != nil {
		logger.WarnContext(ctx, "playlist expansion stopped early", "url", rawURL, "entries", len(futures), "err", lastErr)
	}

	return futures, nil
}

// Lookup returns a submitted request that is still running or finished within the retention window.
func (o *Orchestrator) Lookup(id string) (*Future, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.requests[id]

	return f, ok
}

// Close stops accepting requests, cancels the running ones and waits for them to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) start(ctx context.Context, req media.Request, ref *media.MediaRef) *Future {
	if req.Format.IsZero() {
		req.Format = o.cfg.DefaultFormat
	}

	rctx := logctx.WithRequestID(context.WithoutCancel(ctx), req.ID)

	var cancel context.CancelFunc
	if o.cfg.RequestTimeout > 0 {
		rctx, cancel = context.WithTimeout(rctx, o.cfg.RequestTimeout)
	} else {
		rctx, cancel = context.WithCancel(rctx)
	}

	f := newFuture(req, cancel)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		f.resolve(nil, scheduler.ErrClosed, 0)

		return f
	}

	o.requests[req.ID] = f
	o.wg.Add(1)
	o.mu.Unlock()

	stop := context.AfterFunc(o.ctx, cancel)

	go func() {
		defer o.wg.Done()
		defer stop()
		defer cancel()

		o.run(rctx, f, ref)
	}()

	return f
}

func (o *Orchestrator) run(ctx context.Context, f *Future, ref *media.MediaRef) {
	logger := logctx.LoggerFromContext(ctx)

	if ref == nil {
		f.emit(Progress{Stage: StageResolving})

		resolved, err := o.resolveWithRetry(ctx, f)
		if err != nil {
			o.finish(ctx, f, nil, o.interrupted(ctx, f, err), 0)

			return
		}

		ref = &resolved
	}

	adapter, ok := o.registry.Get(ref.Platform)
	if !ok {
		o.finish(ctx, f, nil, &media.UnsupportedError{Input: f.req.Input, Reason: ref.Platform.String() + " is not enabled"}, 0)

		return
	}

	t := media.NewTarget(*ref, f.req.Format)
	ctx = logctx.WithFingerprint(ctx, t.Fingerprint.String())
	f.setTarget(t)

	logger.DebugContext(ctx, "request resolved", "ref", ref.String(), "format", t.Format.String())

	if art, ok := o.cache.Lookup(ctx, t.Fingerprint); ok {
		f.emit(Progress{Stage: StageCached})
		o.finish(ctx, f, art, nil, 0)

		return
	}

	w, art, err := o.join(ctx, adapter, t, f.ID())

	switch {
	case err != nil:
		o.finish(ctx, f, nil, o.interrupted(ctx, f, err), 0)
	case art != nil:
		f.emit(Progress{Stage: StageCached})
		o.finish(ctx, f, art, nil, 0)
	default:
		o.await(ctx, f, w)
	}
}

// join attaches the request to the job producing t, creating and scheduling that job when none exists.
// Exactly one of the returned waiter and artifact is set on success.
func (o *Orchestrator) join(
	ctx context.Context, adapter media.Fetcher, t media.Target, waiterID string,
) (*scheduler.Waiter, *media.Artifact, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		if j, ok := o.sched.Recent(t.Fingerprint); ok {
			if w, err := o.sched.Attach(j, waiterID); err == nil {
				return w, nil, nil
			}
		}

		job := o.sched.NewJob(t.Fingerprint, o.task(adapter, t))

		res := o.cache.Reserve(ctx, t.Fingerprint, job)
		if res.Artifact != nil {
			return nil, res.Artifact, nil
		}

		if res.Reserved {
			w, err := o.sched.Enqueue(ctx, job, waiterID)
			if err != nil {
				o.cache.Release(t.Fingerprint, job)

				return nil, nil, err
			}

			return w, nil, nil
		}

		w, err := o.sched.Attach(res.Handle, waiterID)
		if errors.Is(err, scheduler.ErrJobFinished) {
			// the owner failed after Reserve saw it; its reservation is already released
			continue
		}

		if errors.Is(err, scheduler.ErrJobCancelling) {
			// the owner keeps its reservation until its task returns
			select {
			case <-res.Handle.Done():
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		if err != nil {
			return nil, nil, err
		}

		return w, nil, nil
	}
}

func (o *Orchestrator) await(ctx context.Context, f *Future, w *scheduler.Waiter) {
	events := w.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			forward(f, ev)
		case res := <-w.Result():
			drain(f, events)
			o.finish(ctx, f, res.Artifact, res.Err, res.Attempts)

			return
		case <-ctx.Done():
			o.sched.Withdraw(context.WithoutCancel(ctx), w)

			// Withdraw delivers ErrCancelled unless the job won the race
			res := <-w.Result()
			drain(f, events)

			err := res.Err
			if errors.Is(err, media.ErrCancelled) {
				err = o.interrupted(ctx, f, err)
			}

			o.finish(ctx, f, res.Artifact, err, res.Attempts)

			return
		}
	}
}

func forward(f *Future, ev scheduler.Event) {
	if ev.Kind == scheduler.EventSucceeded || ev.Kind == scheduler.EventFailed {
		return
	}

	f.emit(fromEvent(ev))
}

func drain(f *Future, events <-chan scheduler.Event) {
	if events == nil {
		return
	}

	for ev := range events {
		forward(f, ev)
	}
}

// interrupted maps the end of the request context onto the request's terminal error.
func (o *Orchestrator) interrupted(ctx context.Context, f *Future, err error) error {
	switch {
	case f.isWithdrawn():
		return media.ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &media.TimeoutError{RequestID: f.ID(), After: o.cfg.RequestTimeout}
	case o.ctx.Err() != nil:
		return scheduler.ErrClosed
	default:
		return err
	}
}

func (o *Orchestrator) finish(ctx context.Context, f *Future, art *media.Artifact, err error, attempts int) {
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)

	f.resolve(art, err, attempts)

	status := "succeeded"

	var timeout *media.TimeoutError

	switch {
	case err == nil:
		logger.InfoContext(ctx, "request finished",
			"input", f.req.Input,
			"filename", art.Filename,
			"attempts", attempts,
		)
	case errors.Is(err, media.ErrCancelled):
		status = "cancelled"

		logger.InfoContext(ctx, "request withdrawn", "input", f.req.Input)
	case errors.As(err, &timeout):
		status = "timeout"

		logger.WarnContext(ctx, "request timed out", "input", f.req.Input, "after", timeout.After)
	default:
		status = "failed"

		logger.WarnContext(ctx, "request failed", "input", f.req.Input, "attempts", attempts, "err", err)
	}

	o.tel.RecordRequest(ctx, f.req.Origin.String(), status)

	select {
	case o.OnFinished <- Finished{Request: f.req, Ref: f.Status().Ref, Artifact: art, Err: err, Attempts: attempts}:
	default:
		logger.DebugContext(ctx, "dropped finished notification")
	}

	time.AfterFunc(o.cfg.Retention, func() { o.forget(f) })
}

func (o *Orchestrator) forget(f *Future) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.requests[f.ID()] == f {
		delete(o.requests, f.ID())
	}
}

// task is the job body: fetch, convert, store. It runs once per attempt on a scheduler worker.
func (o *Orchestrator) task(adapter media.Fetcher, t media.Target) scheduler.Task {
	return func(ctx context.Context, report scheduler.ProgressFunc) (*media.Artifact, error) {
		logger := logctx.LoggerFromContext(ctx)

		fetchCtx, cancelFetch := withTimeout(ctx, o.cfg.FetchTimeout)
		defer cancelFetch()

		raw, err := adapter.Fetch(fetchCtx, t.Ref)
		if err != nil {
			return nil, deadline(ctx, fetchCtx, t, "fetch timed out", err)
		}

		// the stream belongs to fetchCtx, so both deadlines bound the conversion
		convertCtx, cancelConvert := withTimeout(fetchCtx, o.cfg.ConvertTimeout)
		defer cancelConvert()

		counted := media.NewRawStream(
			io.NopCloser(progress.NewReader(raw, raw.Length, o.cfg.ProgressInterval, report)),
			raw.Length,
			raw.Container,
			nil,
		)

		art, convErr := o.converter.Convert(convertCtx, counted, t)
		closeErr := raw.Close()

		if err := deadline(ctx, fetchCtx, t, "fetch timed out", nil); err != nil {
			o.discard(ctx, art)

			return nil, err
		}

		if err := deadline(fetchCtx, convertCtx, t, "conversion timed out", nil); err != nil {
			o.discard(ctx, art)

			return nil, err
		}

		if closeErr != nil && (convErr == nil || isConversionError(convErr)) {
			// a source that failed mid stream makes the output truncated at best
			o.discard(ctx, art)

			return nil, closeErr
		}

		if convErr != nil {
			return nil, convErr
		}

		stored, err := o.cache.Store(ctx, art)
		if err != nil {
			o.discard(ctx, art)

			return nil, fmt.Errorf("failed to store artifact: %w", err)
		}

		if stored != art {
			logger.DebugContext(ctx, "artifact already cached, discarding duplicate")
			o.discard(ctx, art)
		}

		return stored, nil
	}
}

// deadline turns the expiry of inner, while outer is still live, into a retryable timeout. err is returned
// unchanged otherwise.
func deadline(outer, inner context.Context, t media.Target, reason string, err error) error {
	if outer.Err() == nil && errors.Is(inner.Err(), context.DeadlineExceeded) {
		return &media.FetchError{Platform: t.Ref.Platform, Reason: reason, Retryable: true, Err: context.DeadlineExceeded}
	}

	return err
}

func (o *Orchestrator) discard(ctx context.Context, art *media.Artifact) {
	if art == nil || art.Path() == "" || o.blobs == nil {
		return
	}

	if err := o.blobs.Remove(art.Path()); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove discarded artifact", "path", art.Path(), "err", err)
	}
}

func isConversionError(err error) bool {
	var convErr *media.ConversionError

	return errors.As(err, &convErr)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}
