// Package cleanup expires artifacts left on disk, including those written by earlier runs.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/storage"
)

// BlobRemover deletes artifact blobs; satisfied by *blobstore.Store.
type BlobRemover interface {
	Remove(path string) error
}

// DeleteExpiredArtifacts removes the blob and index row of every artifact older than keepDuration and returns
// how many were removed. A blob that cannot be removed keeps its row so the next run retries it.
func DeleteExpiredArtifacts(
	ctx context.Context, repo storage.ArtifactRepository, blobs BlobRemover, keepDuration time.Duration,
) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := repo.GetExpiredArtifacts(ctx, time.Now().Add(-keepDuration))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired artifacts: %w", err)
	}

	removed := 0

	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := blobs.Remove(rec.Path); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired artifact", "file", rec.Path, "err", err)

			continue
		}

		if err := repo.DeleteArtifact(ctx, rec.Fingerprint, rec.Path); err != nil {
			return removed, fmt.Errorf("failed to unindex artifact %s: %w", rec.Fingerprint, err)
		}

		removed++

		logger.InfoContext(ctx, "deleted expired artifact", "file", rec.Path, "created_at", rec.CreatedAt)
	}

	return removed, nil
}
