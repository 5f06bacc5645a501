package media

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// Artifact is an encoded audio file ready for delivery. Once built it never changes; a retry produces a new
// Artifact instead of touching a stored one.
type Artifact struct {
	Fingerprint Fingerprint
	Platform    Platform
	NativeID    string
	Format      Format
	Size        int64
	CreatedAt   time.Time
	Title       string
	Artist      string
	Filename    string

	data []byte
	path string
}

// NewMemoryArtifact wraps encoded bytes held in memory. The slice must not be modified afterwards.
func NewMemoryArtifact(t Target, data []byte) *Artifact {
	a := newArtifact(t, int64(len(data)))
	a.data = data

	return a
}

// NewFileArtifact points at an encoded file on disk.
func NewFileArtifact(t Target, path string, size int64) *Artifact {
	a := newArtifact(t, size)
	a.path = path

	return a
}

// RestoreArtifact rebuilds an artifact previously written to path, e.g. from the persistent index.
func RestoreArtifact(t Target, path string, size int64, createdAt time.Time, filename string) *Artifact {
	a := NewFileArtifact(t, path, size)
	a.CreatedAt = createdAt

	if filename != "" {
		a.Filename = filename
	}

	return a
}

func newArtifact(t Target, size int64) *Artifact {
	return &Artifact{
		Fingerprint: t.Fingerprint,
		Platform:    t.Ref.Platform,
		NativeID:    t.Ref.NativeID,
		Format:      t.Format,
		Size:        size,
		CreatedAt:   time.Now(),
		Title:       t.Ref.Title,
		Artist:      t.Ref.Artist,
		Filename:    t.Ref.Filename(t.Format),
	}
}

// Path returns the blob path backing the artifact, empty for in-memory artifacts.
func (a *Artifact) Path() string {
	return a.path
}

// Open returns a fresh reader over the encoded bytes.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if a.path == "" {
		return io.NopCloser(bytes.NewReader(a.data)), nil
	}

	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", a.Fingerprint.Short(), err)
	}

	return f, nil
}
