package media

import (
	"context"
	"iter"
)

// Resolver turns a query or a link into MediaRefs on one platform.
type Resolver interface {
	Platform() Platform
	// Match reports whether rawURL belongs to this platform.
	Match(rawURL string) bool
	// Search yields ranked candidates for a free-text query, at most the configured max results. Each call
	// restarts the sequence. A NotFoundError is yielded when nothing matches.
	Search(ctx context.Context, query string) iter.Seq2[MediaRef, error]
	// Lookup resolves a direct link to exactly one MediaRef.
	Lookup(ctx context.Context, rawURL string) (MediaRef, error)
}

// PlaylistResolver expands a playlist or album link into its entries.
type PlaylistResolver interface {
	Expand(ctx context.Context, rawURL string) iter.Seq2[MediaRef, error]
}

// Fetcher opens the raw audio stream behind a MediaRef. Implementations never retry on their own.
type Fetcher interface {
	Fetch(ctx context.Context, ref MediaRef) (*RawStream, error)
}

// Adapter is the full per-platform capability.
type Adapter interface {
	Resolver
	Fetcher
}

// FailedSeq is a sequence that yields a single error.
func FailedSeq(err error) iter.Seq2[MediaRef, error] {
	return func(yield func(MediaRef, error) bool) {
		yield(MediaRef{}, err)
	}
}

// SliceSeq yields refs in order.
func SliceSeq(refs []MediaRef) iter.Seq2[MediaRef, error] {
	return func(yield func(MediaRef, error) bool) {
		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}
