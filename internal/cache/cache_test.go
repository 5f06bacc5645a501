package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/storage"
)

type job struct{ id int }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]storage.ArtifactRecord
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]storage.ArtifactRecord)}
}

func (r *memoryRepo) GetArtifact(_ context.Context, fp string) (*storage.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[fp]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

func (r *memoryRepo) GetExpiredArtifacts(context.Context, time.Time) ([]storage.ArtifactRecord, error) {
	return nil, nil
}

func (r *memoryRepo) PutArtifact(_ context.Context, rec storage.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.Fingerprint] = rec

	return nil
}

func (r *memoryRepo) DeleteArtifact(_ context.Context, fp, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[fp]; ok && rec.Path == path {
		delete(r.records, fp)
	}

	return nil
}

func (r *memoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

type memoryBlobs struct {
	mu      sync.Mutex
	present map[string]bool
}

func (b *memoryBlobs) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.present, path)

	return nil
}

func (b *memoryBlobs) Exists(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.present[path]
}

func target(id string) media.Target {
	return media.NewTarget(media.MediaRef{
		Platform: media.PlatformSoundCloud,
		NativeID: id,
		Title:    "Song " + id,
		Artist:   "Artist",
	}, media.DefaultFormat)
}

func artifactAt(clock *fakeClock, id string) *media.Artifact {
	art := media.NewMemoryArtifact(target(id), []byte("bytes of "+id))
	art.CreatedAt = clock.Now()

	return art
}

func newCache(t *testing.T, capacity int, ttl time.Duration, opts ...Option) (*Cache[*job], *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}

	c, err := New[*job](Config{Capacity: capacity, TTL: ttl}, append(opts, WithClock(clock.Now))...)
	require.NoError(t, err)

	return c, clock
}

func TestCache_LookupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 4, time.Hour)

	art := artifactAt(clock, "42")

	stored, err := c.Store(ctx, art)
	require.NoError(t, err)
	require.Same(t, art, stored)

	first, ok := c.Lookup(ctx, art.Fingerprint)
	require.True(t, ok)

	second, ok := c.Lookup(ctx, art.Fingerprint)
	require.True(t, ok)

	assert.Same(t, first, second)
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 2, 0)

	a, b, d := artifactAt(clock, "a"), artifactAt(clock, "b"), artifactAt(clock, "d")

	_, err := c.Store(ctx, a)
	require.NoError(t, err)
	_, err = c.Store(ctx, b)
	require.NoError(t, err)

	// touch a so b becomes the oldest entry
	_, ok := c.Lookup(ctx, a.Fingerprint)
	require.True(t, ok)

	_, err = c.Store(ctx, d)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())

	_, ok = c.Lookup(ctx, b.Fingerprint)
	assert.False(t, ok, "b should have been evicted")

	_, ok = c.Lookup(ctx, a.Fingerprint)
	assert.True(t, ok)

	_, ok = c.Lookup(ctx, d.Fingerprint)
	assert.True(t, ok)
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 8, time.Hour)

	old := artifactAt(clock, "old")
	_, err := c.Store(ctx, old)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	fresh := artifactAt(clock, "fresh")
	_, err = c.Store(ctx, fresh)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)

	_, ok := c.Lookup(ctx, old.Fingerprint)
	assert.False(t, ok, "expired entries are dropped on lookup")

	assert.Equal(t, 1, c.Len())

	clock.Advance(time.Hour)

	assert.Equal(t, 1, c.Sweep(ctx))
	assert.Equal(t, 0, c.Len())
}

func TestCache_StoreNeverReplacesCachedArtifact(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 4, time.Hour)

	original := artifactAt(clock, "42")
	_, err := c.Store(ctx, original)
	require.NoError(t, err)

	retry := artifactAt(clock, "42")

	stored, err := c.Store(ctx, retry)
	require.NoError(t, err)
	assert.Same(t, original, stored)

	got, ok := c.Lookup(ctx, original.Fingerprint)
	require.True(t, ok)
	assert.Same(t, original, got)
}

func TestCache_Reserve(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 4, time.Hour)

	fp := target("42").Fingerprint
	first, second := &job{id: 1}, &job{id: 2}

	res := c.Reserve(ctx, fp, first)
	assert.True(t, res.Reserved)
	assert.Same(t, first, res.Handle)

	res = c.Reserve(ctx, fp, second)
	assert.False(t, res.Reserved)
	assert.Same(t, first, res.Handle, "an existing reservation is returned")

	// a stale handle cannot release someone else's reservation
	c.Release(fp, second)
	owner, ok := c.Reserved(fp)
	require.True(t, ok)
	assert.Same(t, first, owner)

	art := artifactAt(clock, "42")
	_, err := c.Store(ctx, art)
	require.NoError(t, err)
	c.Release(fp, first)

	_, ok = c.Reserved(fp)
	assert.False(t, ok)

	res = c.Reserve(ctx, fp, second)
	assert.False(t, res.Reserved)
	assert.Same(t, art, res.Artifact, "a cached artifact short-circuits the reservation")
}

func TestCache_EvictionKeepsReservations(t *testing.T) {
	ctx := context.Background()
	c, clock := newCache(t, 1, time.Minute)

	fp := target("pending").Fingerprint
	owner := &job{id: 1}
	require.True(t, c.Reserve(ctx, fp, owner).Reserved)

	for i := range 5 {
		_, err := c.Store(ctx, artifactAt(clock, fmt.Sprint(i)))
		require.NoError(t, err)
	}

	clock.Advance(time.Hour)
	c.Sweep(ctx)

	got, ok := c.Reserved(fp)
	require.True(t, ok)
	assert.Same(t, owner, got)
}

func TestCache_ConcurrentReserveInstallsOneOwner(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, 4, time.Hour)

	fp := target("42").Fingerprint

	var (
		wg       sync.WaitGroup
		reserved atomic.Int32
		owners   sync.Map
	)

	for i := range 64 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res := c.Reserve(ctx, fp, &job{id: i})
			if res.Reserved {
				reserved.Add(1)
			}

			owners.Store(res.Handle, struct{}{})
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), reserved.Load())

	count := 0
	owners.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 1, count, "every caller sees the same owner")
}

func TestCache_Persistence(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	blobs := &memoryBlobs{present: map[string]bool{}}

	c, clock := newCache(t, 1, time.Hour, WithPersistence(repo, blobs))

	first := media.NewFileArtifact(target("a"), "/blobs/a.mp3", 10)
	first.CreatedAt = clock.Now()
	blobs.present[first.Path()] = true

	_, err := c.Store(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Len())

	t.Run("restart reuses the index", func(t *testing.T) {
		restarted, err := New[*job](Config{Capacity: 1, TTL: time.Hour}, WithPersistence(repo, blobs), WithClock(clock.Now))
		require.NoError(t, err)

		got, ok := restarted.Lookup(ctx, first.Fingerprint)
		require.True(t, ok)
		assert.Equal(t, first.Path(), got.Path())
		assert.Equal(t, "Artist - Song a.mp3", got.Filename)
		assert.Equal(t, 1, restarted.Len())

		again, ok := restarted.Lookup(ctx, first.Fingerprint)
		require.True(t, ok)
		assert.Same(t, got, again)
	})

	t.Run("eviction removes row and blob", func(t *testing.T) {
		second := media.NewFileArtifact(target("b"), "/blobs/b.mp3", 10)
		second.CreatedAt = clock.Now()
		blobs.present[second.Path()] = true

		_, err := c.Store(ctx, second)
		require.NoError(t, err)

		assert.False(t, blobs.Exists(first.Path()))
		_, err = repo.GetArtifact(ctx, first.Fingerprint.String())
		require.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, 1, repo.Len())
	})

	t.Run("missing blob is a miss", func(t *testing.T) {
		lost := media.NewFileArtifact(target("lost"), "/blobs/lost.mp3", 10)
		lost.CreatedAt = clock.Now()
		require.NoError(t, repo.PutArtifact(ctx, toRecord(lost)))

		_, ok := c.Lookup(ctx, lost.Fingerprint)
		assert.False(t, ok)

		_, err := repo.GetArtifact(ctx, lost.Fingerprint.String())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}
