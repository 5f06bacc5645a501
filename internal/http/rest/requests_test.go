package rest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/cache"
	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/orchestrator"
	"github.com/italolelis/audio_fetcher/internal/provider"
	"github.com/italolelis/audio_fetcher/internal/scheduler"
)

// fakeSoundCloud knows a single track and a two track playlist.
type fakeSoundCloud struct{}

var songX = media.MediaRef{
	Platform: media.PlatformSoundCloud,
	NativeID: "42",
	Title:    "Song X",
	Artist:   "Artist",
	Duration: 215 * time.Second,
	Locator:  "https://soundcloud.com/artist/song-x",
}

func (fakeSoundCloud) Platform() media.Platform { return media.PlatformSoundCloud }

func (fakeSoundCloud) Match(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://soundcloud.com/")
}

func (fakeSoundCloud) Search(_ context.Context, query string) iter.Seq2[media.MediaRef, error] {
	if query != "song x" {
		return media.FailedSeq(&media.NotFoundError{Platform: media.PlatformSoundCloud, Query: query})
	}

	return media.SliceSeq([]media.MediaRef{songX})
}

func (fakeSoundCloud) Lookup(_ context.Context, rawURL string) (media.MediaRef, error) {
	if rawURL != songX.Locator {
		return media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformSoundCloud, Query: rawURL}
	}

	return songX, nil
}

func (fakeSoundCloud) Expand(_ context.Context, rawURL string) iter.Seq2[media.MediaRef, error] {
	if !strings.Contains(rawURL, "/sets/") {
		return media.FailedSeq(&media.UnsupportedError{Input: rawURL, Reason: "not a set"})
	}

	return media.SliceSeq([]media.MediaRef{songX, {Platform: media.PlatformSoundCloud, NativeID: "43", Title: "Song Y"}})
}

func (fakeSoundCloud) Fetch(context.Context, media.MediaRef) (*media.RawStream, error) {
	return media.NewRawStream(io.NopCloser(strings.NewReader("ID3 audio")), 9, "", nil), nil
}

type copyConverter struct{}

func (copyConverter) Convert(_ context.Context, raw *media.RawStream, t media.Target) (*media.Artifact, error) {
	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, err
	}

	return media.NewMemoryArtifact(t, data), nil
}

func newEngine(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()

	c, err := cache.New[*scheduler.Job](cache.Config{Capacity: 8})
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Config{Workers: 1, MaxRetries: 1, BackoffBase: time.Millisecond},
		scheduler.WithTerminalHook(orchestrator.ReleaseOnTerminal(c)))

	registry := provider.NewRegistry([]media.Platform{media.PlatformSoundCloud})
	registry.Register(fakeSoundCloud{})

	o := orchestrator.New(orchestrator.Config{RequestTimeout: 5 * time.Second}, registry, copyConverter{}, sched, c)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		_ = sched.Run(ctx)
	}()

	t.Cleanup(func() {
		o.Close()
		cancel()
		<-stopped
	})

	return o
}

func newTestServer(t *testing.T, username, password string) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()

	engine := newEngine(t)
	srv := httptest.NewServer(NewRouter(NewRequestsHandler(engine, username, password), nil))
	t.Cleanup(srv.Close)

	return srv, engine
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func waitDone(t *testing.T, engine *orchestrator.Orchestrator, id string) {
	t.Helper()

	f, ok := engine.Lookup(id)
	require.True(t, ok)

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
}

func TestRequestLifecycle(t *testing.T) {
	srv, engine := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/requests", SubmitRequest{Query: "song x", Format: "mp3@192"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	acc := decodeBody[Accepted](t, resp)
	require.NotEmpty(t, acc.ID)
	assert.Equal(t, "/api/v1/requests/"+acc.ID, acc.StatusURL)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	waitDone(t, engine, acc.ID)

	resp = do(t, http.MethodGet, srv.URL+acc.StatusURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decodeBody[RequestStatus](t, resp)
	assert.Equal(t, "succeeded", st.State)
	assert.Equal(t, "search-term", st.Origin)
	assert.Equal(t, "mp3@192", st.Format)
	assert.Equal(t, media.NewFingerprint(media.PlatformSoundCloud, "42", media.DefaultFormat).String(), st.Fingerprint)
	require.NotNil(t, st.Track)
	assert.Equal(t, int64(215), st.Track.Duration)
	require.NotNil(t, st.Artifact)
	assert.Equal(t, "Artist - Song X.mp3", st.Artifact.Filename)
	assert.Equal(t, int64(9), st.Artifact.Size)
	assert.Nil(t, st.Error)
	assert.NotNil(t, st.FinishedAt)

	resp = do(t, http.MethodGet, srv.URL+st.Artifact.URL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "Song X.mp3")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio", string(data))

	resp = do(t, http.MethodDelete, srv.URL+acc.StatusURL, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFailedRequest(t *testing.T) {
	srv, engine := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/requests", SubmitRequest{Query: "missing"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	acc := decodeBody[Accepted](t, resp)
	waitDone(t, engine, acc.ID)

	st := decodeBody[RequestStatus](t, do(t, http.MethodGet, srv.URL+acc.StatusURL, nil))
	assert.Equal(t, "failed", st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, "not_found", st.Error.Kind)
	assert.False(t, st.Error.Retryable)

	resp = do(t, http.MethodGet, srv.URL+acc.StatusURL+"/artifact", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t, "", "")

	tests := []struct {
		name string
		body any
	}{
		{name: "missing query", body: SubmitRequest{}},
		{name: "bad format", body: SubmitRequest{Query: "song x", Format: "mp5"}},
		{name: "bad platform", body: SubmitRequest{Query: "song x", Platform: "napster"}},
		{name: "not json", body: "song x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/api/v1/requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/requests/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestHandlerLogsCarryRequestID(t *testing.T) {
	var out lockedBuffer

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})))
	router := NewRouter(NewRequestsHandler(newEngine(t), "", ""), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r.WithContext(logctx.WithLogger(r.Context(), logger)))
	}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/requests", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "upstream-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var line map[string]any

	for _, l := range out.lines() {
		var entry map[string]any
		if json.Unmarshal([]byte(l), &entry) == nil && entry["msg"] == "failed to decode request" {
			line = entry
		}
	}

	require.NotNil(t, line, "decode failure was not logged")
	assert.Equal(t, "upstream-42", line["request_id"])
}

func TestPlaylist(t *testing.T) {
	srv, engine := newTestServer(t, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/playlists", PlaylistRequest{URL: "https://soundcloud.com/artist/sets/mix"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	accepted := decodeBody[[]Accepted](t, resp)
	require.Len(t, accepted, 2)

	for _, acc := range accepted {
		waitDone(t, engine, acc.ID)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/playlists", PlaylistRequest{URL: "https://example.com/list"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch(t *testing.T) {
	srv, _ := newTestServer(t, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/search?q=song+x", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tracks := decodeBody[[]Track](t, resp)
	require.Len(t, tracks, 1)
	assert.Equal(t, Track{
		Platform: "soundcloud",
		ID:       "42",
		Title:    "Song X",
		Artist:   "Artist",
		Duration: 215,
		URL:      "https://soundcloud.com/artist/song-x",
	}, tracks[0])

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/search?q=nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, "user", "pass")

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/search?q=song+x", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/search?q=song+x", nil)
	require.NoError(t, err)
	req.SetBasicAuth("user", "wrong")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("user", "pass")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health checks stay open
	resp = do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &media.NotFoundError{}, want: http.StatusNotFound},
		{err: &media.UnsupportedError{}, want: http.StatusBadRequest},
		{err: &media.RateLimitedError{}, want: http.StatusTooManyRequests},
		{err: &media.TimeoutError{}, want: http.StatusGatewayTimeout},
		{err: media.ErrCancelled, want: http.StatusGone},
		{err: &media.TooLargeError{Limit: 1}, want: http.StatusRequestEntityTooLarge},
		{err: &media.FetchError{}, want: http.StatusBadGateway},
		{err: &media.PlatformError{}, want: http.StatusBadGateway},
		{err: &media.ConversionError{}, want: http.StatusInternalServerError},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(errorKind(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}
