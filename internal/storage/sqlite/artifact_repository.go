package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/audio_fetcher/internal/storage"
)

const artifactColumns = `fingerprint, platform, native_id, format, title, artist, filename, path, size, created_at`

type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(dbConn *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: dbConn}
}

func (r *ArtifactRepository) GetArtifact(ctx context.Context, fingerprint string) (*storage.ArtifactRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE fingerprint = ?`, fingerprint)

	rec, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// GetExpiredArtifacts returns artifacts created before the given time, oldest first.
func (r *ArtifactRepository) GetExpiredArtifacts(ctx context.Context, createdBefore time.Time) ([]storage.ArtifactRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE created_at < ? ORDER BY created_at`,
		createdBefore.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.ArtifactRecord

	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

// PutArtifact upserts the record. A row is only replaced by a newer artifact for the same fingerprint.
func (r *ArtifactRepository) PutArtifact(ctx context.Context, rec storage.ArtifactRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			filename = excluded.filename,
			path = excluded.path,
			size = excluded.size,
			created_at = excluded.created_at
		WHERE artifacts.created_at < excluded.created_at
	`,
		rec.Fingerprint, rec.Platform, rec.NativeID, rec.Format, rec.Title, rec.Artist,
		rec.Filename, rec.Path, rec.Size, rec.CreatedAt.UTC(),
	)

	return err
}

func (r *ArtifactRepository) DeleteArtifact(ctx context.Context, fingerprint, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ? AND path = ?`, fingerprint, path)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*storage.ArtifactRecord, error) {
	var (
		rec           storage.ArtifactRecord
		title, artist sql.NullString
		filename      sql.NullString
	)

	err := s.Scan(
		&rec.Fingerprint, &rec.Platform, &rec.NativeID, &rec.Format, &title, &artist,
		&filename, &rec.Path, &rec.Size, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Title = title.String
	rec.Artist = artist.String
	rec.Filename = filename.String

	return &rec, nil
}
