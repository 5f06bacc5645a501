package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no artifact is indexed under a fingerprint.
var ErrNotFound = errors.New("artifact not found")

// ArtifactRecord is the persisted index entry of an encoded artifact.
type ArtifactRecord struct {
	Fingerprint string
	Platform    string
	NativeID    string
	Format      string
	Title       string
	Artist      string
	Filename    string
	Path        string
	Size        int64
	CreatedAt   time.Time
}

// ArtifactReadRepository looks artifacts up in the index.
type ArtifactReadRepository interface {
	GetArtifact(ctx context.Context, fingerprint string) (*ArtifactRecord, error)
	GetExpiredArtifacts(ctx context.Context, createdBefore time.Time) ([]ArtifactRecord, error)
}

// ArtifactWriteRepository changes the index.
type ArtifactWriteRepository interface {
	// PutArtifact indexes rec, replacing any stale row left for the same fingerprint.
	PutArtifact(ctx context.Context, rec ArtifactRecord) error
	// DeleteArtifact removes the row for fingerprint if it still points at path.
	DeleteArtifact(ctx context.Context, fingerprint, path string) error
}

// ArtifactRepository is the full artifact index.
type ArtifactRepository interface {
	ArtifactReadRepository
	ArtifactWriteRepository
}
