package media

import (
	"context"
	"iter"

	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

// InstrumentedAdapter wraps an Adapter with telemetry.
type InstrumentedAdapter struct {
	adapter   Adapter
	telemetry *telemetry.Telemetry
}

// NewInstrumentedAdapter creates a new instrumented adapter.
func NewInstrumentedAdapter(adapter Adapter, tel *telemetry.Telemetry) *InstrumentedAdapter {
	return &InstrumentedAdapter{
		adapter:   adapter,
		telemetry: tel,
	}
}

func (a *InstrumentedAdapter) Platform() Platform {
	return a.adapter.Platform()
}

func (a *InstrumentedAdapter) Match(rawURL string) bool {
	return a.adapter.Match(rawURL)
}

// Search runs the wrapped search, recording one operation per iteration of the sequence.
func (a *InstrumentedAdapter) Search(ctx context.Context, query string) iter.Seq2[MediaRef, error] {
	return a.instrumentSeq(ctx, "search", func(ctx context.Context) iter.Seq2[MediaRef, error] {
		return a.adapter.Search(ctx, query)
	})
}

// Lookup resolves a link with telemetry.
func (a *InstrumentedAdapter) Lookup(ctx context.Context, rawURL string) (MediaRef, error) {
	var result MediaRef

	err := a.telemetry.InstrumentClientOperation(ctx, a.Platform().String(), "lookup", func(ctx context.Context) error {
		var err error
		result, err = a.adapter.Lookup(ctx, rawURL)

		return err
	})

	return result, err
}

// Expand forwards to the wrapped adapter when it can expand playlists.
func (a *InstrumentedAdapter) Expand(ctx context.Context, rawURL string) iter.Seq2[MediaRef, error] {
	pr, ok := a.adapter.(PlaylistResolver)
	if !ok {
		return FailedSeq(&UnsupportedError{Input: rawURL, Reason: a.Platform().String() + " has no playlist support"})
	}

	return a.instrumentSeq(ctx, "expand", func(ctx context.Context) iter.Seq2[MediaRef, error] {
		return pr.Expand(ctx, rawURL)
	})
}

// Fetch opens the raw stream with telemetry.
func (a *InstrumentedAdapter) Fetch(ctx context.Context, ref MediaRef) (*RawStream, error) {
	var result *RawStream

	err := a.telemetry.InstrumentClientOperation(ctx, a.Platform().String(), "fetch", func(ctx context.Context) error {
		var err error
		result, err = a.adapter.Fetch(ctx, ref)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (a *InstrumentedAdapter) instrumentSeq(
	ctx context.Context, operation string, open func(context.Context) iter.Seq2[MediaRef, error],
) iter.Seq2[MediaRef, error] {
	return func(yield func(MediaRef, error) bool) {
		_ = a.telemetry.InstrumentClientOperation(ctx, a.Platform().String(), operation, func(ctx context.Context) error {
			for ref, err := range open(ctx) {
				if !yield(ref, err) {
					return err
				}

				if err != nil {
					return err
				}
			}

			return nil
		})
	}
}
