package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/audio_fetcher/internal/storage"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

// InstrumentedArtifactRepository wraps ArtifactRepository with telemetry.
type InstrumentedArtifactRepository struct {
	repo      *ArtifactRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedArtifactRepository creates a new instrumented artifact repository.
func NewInstrumentedArtifactRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedArtifactRepository {
	return &InstrumentedArtifactRepository{
		repo:      NewArtifactRepository(dbConn),
		telemetry: tel,
	}
}

// GetArtifact retrieves an artifact record with telemetry.
func (r *InstrumentedArtifactRepository) GetArtifact(ctx context.Context, fingerprint string) (*storage.ArtifactRecord, error) {
	var result *storage.ArtifactRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_artifact", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetArtifact(ctx, fingerprint)

		return err
	})

	return result, err
}

// GetExpiredArtifacts lists expired artifact records with telemetry.
func (r *InstrumentedArtifactRepository) GetExpiredArtifacts(ctx context.Context, createdBefore time.Time) ([]storage.ArtifactRecord, error) {
	var result []storage.ArtifactRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_expired_artifacts", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetExpiredArtifacts(ctx, createdBefore)

		return err
	})

	return result, err
}

// PutArtifact indexes an artifact with telemetry.
func (r *InstrumentedArtifactRepository) PutArtifact(ctx context.Context, rec storage.ArtifactRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "put_artifact", func(ctx context.Context) error {
		return r.repo.PutArtifact(ctx, rec)
	})
}

// DeleteArtifact removes an artifact record with telemetry.
func (r *InstrumentedArtifactRepository) DeleteArtifact(ctx context.Context, fingerprint, path string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_artifact", func(ctx context.Context) error {
		return r.repo.DeleteArtifact(ctx, fingerprint, path)
	})
}
