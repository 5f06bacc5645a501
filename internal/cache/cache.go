// Package cache maps fingerprints to finished artifacts and to the in-flight job producing them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/storage"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

const (
	reasonCapacity = "capacity"
	reasonTTL      = "ttl"
)

// BlobRemover deletes artifact blobs; satisfied by *blobstore.Store.
type BlobRemover interface {
	Remove(path string) error
	Exists(path string) bool
}

// Config bounds the cache.
type Config struct {
	Capacity int
	// TTL is the absolute lifetime of an artifact from its creation, zero meaning forever.
	TTL time.Duration
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	repo  storage.ArtifactRepository
	blobs BlobRemover
	tel   *telemetry.Telemetry
	now   func() time.Time
}

// WithPersistence writes file backed artifacts through to the index and consults it on memory misses.
func WithPersistence(repo storage.ArtifactRepository, blobs BlobRemover) Option {
	return func(o *options) {
		o.repo = repo
		o.blobs = blobs
	}
}

// WithTelemetry records lookups and evictions.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Reservation is the outcome of Reserve. Exactly one of Artifact or Handle is set.
type Reservation[H comparable] struct {
	// Artifact is set when the fingerprint is already cached.
	Artifact *media.Artifact
	// Handle is the job now owning the fingerprint, either the caller's or an earlier one.
	Handle H
	// Reserved is true when the caller's handle was installed.
	Reserved bool
}

type eviction struct {
	artifact *media.Artifact
	reason   string
}

// Cache is an LRU of artifacts with absolute TTL, plus the set of fingerprints reserved by in-flight jobs.
// Reservations are never evicted. H is the job handle type.
type Cache[H comparable] struct {
	opts options
	ttl  time.Duration

	mu           sync.Mutex
	lru          *simplelru.LRU[media.Fingerprint, *media.Artifact]
	reservations map[media.Fingerprint]H
	evictReason  string
	evicted      []eviction
}

// New creates a cache holding at most cfg.Capacity artifacts in memory.
func New[H comparable](cfg Config, opts ...Option) (*Cache[H], error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[H]{
		opts:         o,
		ttl:          cfg.TTL,
		reservations: make(map[media.Fingerprint]H),
		evictReason:  reasonCapacity,
	}

	lru, err := simplelru.NewLRU(cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	c.lru = lru

	return c, nil
}

// Lookup returns the artifact cached under fp. Repeated lookups return the same artifact until it is evicted.
func (c *Cache[H]) Lookup(ctx context.Context, fp media.Fingerprint) (*media.Artifact, bool) {
	c.mu.Lock()
	art, ok := c.getLocked(fp)
	evicted := c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	if ok {
		c.opts.tel.RecordCacheLookup(ctx, "memory", true)

		return art, true
	}

	if c.opts.repo == nil {
		c.opts.tel.RecordCacheLookup(ctx, "memory", false)

		return nil, false
	}

	art, ok = c.lookupPersistent(ctx, fp)
	c.opts.tel.RecordCacheLookup(ctx, "index", ok)

	return art, ok
}

// Reserve atomically checks for a cached artifact, then for an existing reservation, and otherwise installs h
// as the owner of fp.
func (c *Cache[H]) Reserve(ctx context.Context, fp media.Fingerprint, h H) Reservation[H] {
	c.mu.Lock()
	res := c.reserveLocked(fp, h)
	evicted := c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	return res
}

func (c *Cache[H]) reserveLocked(fp media.Fingerprint, h H) Reservation[H] {
	if art, ok := c.getLocked(fp); ok {
		return Reservation[H]{Artifact: art}
	}

	if owner, ok := c.reservations[fp]; ok {
		return Reservation[H]{Handle: owner}
	}

	c.reservations[fp] = h

	return Reservation[H]{Handle: h, Reserved: true}
}

// Release drops the reservation on fp if h still owns it.
func (c *Cache[H]) Release(fp media.Fingerprint, h H) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.reservations[fp]; ok && owner == h {
		delete(c.reservations, fp)
	}
}

// Reserved returns the handle owning fp, if any.
func (c *Cache[H]) Reserved(fp media.Fingerprint) (H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.reservations[fp]

	return h, ok
}

// Store admits art and returns the cached artifact for its fingerprint. An artifact already cached under the
// same fingerprint wins and is returned unchanged; the caller then owns art and should discard it. With
// persistence enabled a file backed artifact is indexed before it becomes visible.
func (c *Cache[H]) Store(ctx context.Context, art *media.Artifact) (*media.Artifact, error) {
	c.mu.Lock()
	existing, ok := c.getLocked(art.Fingerprint)
	evicted := c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	if ok {
		return existing, nil
	}

	if c.opts.repo != nil && art.Path() != "" {
		if err := c.opts.repo.PutArtifact(ctx, toRecord(art)); err != nil {
			return nil, fmt.Errorf("failed to index artifact: %w", err)
		}
	}

	c.mu.Lock()
	stored := c.admitLocked(art)
	evicted = c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	return stored, nil
}

// Sweep evicts every expired artifact and returns how many were removed.
func (c *Cache[H]) Sweep(ctx context.Context) int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	c.evictReason = reasonTTL

	removed := 0

	for _, fp := range c.lru.Keys() {
		if art, ok := c.lru.Peek(fp); ok && c.expired(art) {
			c.lru.Remove(fp)
			removed++
		}
	}

	c.evictReason = reasonCapacity
	evicted := c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	return removed
}

// Len returns the number of artifacts held in memory.
func (c *Cache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func (c *Cache[H]) getLocked(fp media.Fingerprint) (*media.Artifact, bool) {
	art, ok := c.lru.Get(fp)
	if !ok {
		return nil, false
	}

	if c.expired(art) {
		c.evictReason = reasonTTL
		c.lru.Remove(fp)
		c.evictReason = reasonCapacity

		return nil, false
	}

	return art, true
}

func (c *Cache[H]) admitLocked(art *media.Artifact) *media.Artifact {
	if existing, ok := c.getLocked(art.Fingerprint); ok {
		return existing
	}

	c.lru.Add(art.Fingerprint, art)

	return art
}

func (c *Cache[H]) onEvict(_ media.Fingerprint, art *media.Artifact) {
	c.evicted = append(c.evicted, eviction{artifact: art, reason: c.evictReason})
}

func (c *Cache[H]) drainLocked() []eviction {
	evicted := c.evicted
	c.evicted = nil

	return evicted
}

func (c *Cache[H]) expired(art *media.Artifact) bool {
	return c.ttl > 0 && c.opts.now().Sub(art.CreatedAt) >= c.ttl
}

// dispose deletes the persisted copies of evicted artifacts. It runs without the lock held.
func (c *Cache[H]) dispose(ctx context.Context, evicted []eviction) {
	for _, ev := range evicted {
		c.opts.tel.RecordCacheEviction(ctx, ev.reason)

		if c.opts.repo == nil || ev.artifact.Path() == "" {
			continue
		}

		if err := c.removePersisted(ctx, ev.artifact.Fingerprint, ev.artifact.Path()); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove evicted artifact",
				"fingerprint", ev.artifact.Fingerprint.Short(), "reason", ev.reason, "err", err)
		}
	}
}

func (c *Cache[H]) removePersisted(ctx context.Context, fp media.Fingerprint, path string) error {
	return errors.Join(
		c.opts.repo.DeleteArtifact(ctx, fp.String(), path),
		c.opts.blobs.Remove(path),
	)
}

func (c *Cache[H]) lookupPersistent(ctx context.Context, fp media.Fingerprint) (*media.Artifact, bool) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := c.opts.repo.GetArtifact(ctx, fp.String())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.WarnContext(ctx, "failed to read artifact index", "fingerprint", fp.Short(), "err", err)
		}

		return nil, false
	}

	art, err := fromRecord(rec)
	if err != nil {
		logger.WarnContext(ctx, "dropping unreadable artifact record", "fingerprint", fp.Short(), "err", err)

		return nil, false
	}

	if c.expired(art) || !c.opts.blobs.Exists(art.Path()) {
		if err := c.removePersisted(ctx, fp, art.Path()); err != nil {
			logger.WarnContext(ctx, "failed to remove stale artifact", "fingerprint", fp.Short(), "err", err)
		}

		return nil, false
	}

	c.mu.Lock()
	art = c.admitLocked(art)
	evicted := c.drainLocked()
	c.mu.Unlock()

	c.dispose(ctx, evicted)

	return art, true
}

func toRecord(art *media.Artifact) storage.ArtifactRecord {
	return storage.ArtifactRecord{
		Fingerprint: art.Fingerprint.String(),
		Platform:    art.Platform.String(),
		NativeID:    art.NativeID,
		Format:      art.Format.String(),
		Title:       art.Title,
		Artist:      art.Artist,
		Filename:    art.Filename,
		Path:        art.Path(),
		Size:        art.Size,
		CreatedAt:   art.CreatedAt,
	}
}

func fromRecord(rec *storage.ArtifactRecord) (*media.Artifact, error) {
	f, err := media.ParseFormat(rec.Format)
	if err != nil {
		return nil, err
	}

	t := media.Target{
		Fingerprint: media.Fingerprint(rec.Fingerprint),
		Format:      f,
		Ref: media.MediaRef{
			Platform: media.Platform(rec.Platform),
			NativeID: rec.NativeID,
			Title:    rec.Title,
			Artist:   rec.Artist,
		},
	}

	return media.RestoreArtifact(t, rec.Path, rec.Size, rec.CreatedAt, rec.Filename), nil
}
