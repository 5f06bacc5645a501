// Package blobstore keeps encoded artifacts on disk, addressed by fingerprint.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/audio_fetcher/internal/media"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store lays blobs out as {dir}/{fp[0:2]}/{fp}-{seq}.{ext}. Every write gets its own path, so removing an old
// blob never touches a newer one for the same fingerprint. Writes land in {dir}/tmp first and are renamed into
// place on commit, so a blob path never points at a partial file.
type Store struct {
	dir string
}

// New creates the store directories under dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the shard directory holding blobs of fp.
func (s *Store) Dir(fp media.Fingerprint) string {
	shard := fp.String()
	if len(shard) > 2 {
		shard = shard[:2]
	}

	return filepath.Join(s.dir, shard)
}

// Create opens a pending blob for fp.
func (s *Store) Create(fp media.Fingerprint, f media.Format) (*Blob, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), fp.Short()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}

	name := fmt.Sprintf("%s-%d.%s", fp, time.Now().UnixNano(), f.Extension())

	return &Blob{file: tmp, target: filepath.Join(s.Dir(fp), name)}, nil
}

// Remove deletes a committed blob. Missing blobs are not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}

	return nil
}

// Exists reports whether a committed blob is present at path.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// Blob is a blob being written.
type Blob struct {
	file    *os.File
	target  string
	written int64
	done    bool
}

func (b *Blob) Write(p []byte) (int, error) {
	n, err := b.file.Write(p)
	b.written += int64(n)

	return n, err
}

// Written returns the number of bytes written so far.
func (b *Blob) Written() int64 {
	return b.written
}

// Commit flushes the blob and moves it to its final path.
func (b *Blob) Commit() (string, int64, error) {
	if b.done {
		return "", 0, errors.New("blob already finished")
	}

	b.done = true

	if err := b.file.Sync(); err != nil {
		return "", 0, errors.Join(fmt.Errorf("failed to sync blob: %w", err), b.discard())
	}

	if err := b.file.Close(); err != nil {
		return "", 0, errors.Join(fmt.Errorf("failed to close blob: %w", err), os.Remove(b.file.Name()))
	}

	if err := os.MkdirAll(filepath.Dir(b.target), dirPerm); err != nil {
		return "", 0, errors.Join(fmt.Errorf("failed to create blob shard: %w", err), os.Remove(b.file.Name()))
	}

	if err := os.Chmod(b.file.Name(), filePerm); err != nil {
		return "", 0, errors.Join(fmt.Errorf("failed to chmod blob: %w", err), os.Remove(b.file.Name()))
	}

	if err := os.Rename(b.file.Name(), b.target); err != nil {
		return "", 0, errors.Join(fmt.Errorf("failed to commit blob: %w", err), os.Remove(b.file.Name()))
	}

	return b.target, b.written, nil
}

// Abort drops the pending blob. It is a no-op after Commit.
func (b *Blob) Abort() error {
	if b.done {
		return nil
	}

	b.done = true

	return b.discard()
}

func (b *Blob) discard() error {
	return errors.Join(b.file.Close(), os.Remove(b.file.Name()))
}

var _ io.Writer = (*Blob)(nil)
