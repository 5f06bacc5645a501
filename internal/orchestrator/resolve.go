package orchestrator

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
)

// resolveWithRetry resolves f's request, retrying retryable platform and rate limit failures with the
// scheduler's backoff and attempt cap.
func (o *Orchestrator) resolveWithRetry(ctx context.Context, f *Future) (media.MediaRef, error) {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 1; ; attempt++ {
		ref, err := o.resolve(ctx, f.req)
		if err == nil {
			return ref, nil
		}

		delay, ok := o.sched.RetryDelay(attempt, err)
		if !ok || ctx.Err() != nil {
			return media.MediaRef{}, err
		}

		logger.WarnContext(ctx, "resolve failed, retrying", "input", f.req.Input, "attempt", attempt, "delay", delay, "err", err)
		f.emit(Progress{Stage: StageRetrying, Delay: delay, Err: err})

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return media.MediaRef{}, ctx.Err()
		case <-timer.C:
		}

		f.emit(Progress{Stage: StageResolving})
	}
}

// resolve turns a request into one MediaRef. Links go to the adapter whose pattern matches; queries visit the
// adapters in priority order and stop at the first hit.
func (o *Orchestrator) resolve(ctx context.Context, req media.Request) (media.MediaRef, error) {
	logger := logctx.LoggerFromContext(ctx)

	if req.Origin == media.OriginURL {
		adapter, err := o.registry.MatchURL(req.Input)
		if err != nil {
			return media.MediaRef{}, err
		}

		return adapter.Lookup(ctx, req.Input)
	}

	adapters, err := o.registry.ForRequest(req.PlatformHint)
	if err != nil {
		return media.MediaRef{}, err
	}

	var firstErr error

	for _, a := range adapters {
		ref, err := topResult(ctx, a, req.Input)
		if err == nil {
			return ref, nil
		}

		if ctx.Err() != nil {
			return media.MediaRef{}, err
		}

		logger.DebugContext(ctx, "adapter could not resolve query", "platform", a.Platform().String(), "err", err)

		var notFound *media.NotFoundError
		if firstErr == nil && !errors.As(err, &notFound) {
			firstErr = err
		}
	}

	if firstErr != nil {
		return media.MediaRef{}, firstErr
	}

	return media.MediaRef{}, &media.NotFoundError{Platform: req.PlatformHint, Query: req.Input}
}

func topResult(ctx context.Context, r media.Resolver, query string) (media.MediaRef, error) {
	next, stop := iter.Pull2(r.Search(ctx, query))
	defer stop()

	ref, err, ok := next()
	if !ok {
		return media.MediaRef{}, &media.NotFoundError{Platform: r.Platform(), Query: query}
	}

	return ref, err
}

// SearchAll queries every adapter allowed by hint concurrently and returns the merged candidates in priority
// order, without duplicates. It fails only when no adapter returned anything.
func (o *Orchestrator) SearchAll(ctx context.Context, query string, hint media.Platform) ([]media.MediaRef, error) {
	logger := logctx.LoggerFromContext(ctx)

	adapters, err := o.registry.ForRequest(hint)
	if err != nil {
		return nil, err
	}

	results := make([][]media.MediaRef, len(adapters))
	errs := make([]error, len(adapters))

	var g errgroup.Group

	for i, a := range adapters {
		g.Go(func() error {
			for ref, err := range a.Search(ctx, query) {
				if err != nil {
					errs[i] = err

					break
				}

				results[i] = append(results[i], ref)

				if o.cfg.MaxResults > 0 && len(results[i]) >= o.cfg.MaxResults {
					break
				}
			}

			return nil
		})
	}

	_ = g.Wait()

	refs := lo.UniqBy(lo.Flatten(results), func(ref media.MediaRef) string {
		return ref.String()
	})

	if len(refs) > 0 {
		return refs, nil
	}

	var notFound *media.NotFoundError

	for i, err := range errs {
		if err == nil || errors.As(err, &notFound) {
			continue
		}

		logger.WarnContext(ctx, "search failed", "platform", adapters[i].Platform().String(), "err", err)

		return nil, err
	}

	return nil, &media.NotFoundError{Platform: hint, Query: query}
}
