package deezer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/media"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(Config{BaseURL: srv.URL, MaxResults: 2, HTTPClient: srv.Client()}), srv
}

func trackJSON(id int, title, preview string) string {
	return fmt.Sprintf(`{"id":%d,"type":"track","readable":true,"title":%q,"duration":215,"preview":%q,`+
		`"artist":{"name":"Artist"},"album":{"cover_medium":"https://cdn/cover.jpg"}}`, id, title, preview)
}

func TestClient_Search(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "song x", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		fmt.Fprintf(w, `{"data":[%s,%s,{"id":3,"type":"track","readable":false,"title":"Blocked"}],"total":3}`,
			trackJSON(1, "Song X", "https://cdn/1.mp3"), trackJSON(2, "Song X (remix)", ""))
	})

	c, _ := newTestClient(t, mux)

	var refs []media.MediaRef
	for ref, err := range c.Search(context.Background(), "song x") {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	require.Len(t, refs, 2)
	assert.Equal(t, media.MediaRef{
		Platform:     media.PlatformDeezer,
		NativeID:     "1",
		Title:        "Song X",
		Artist:       "Artist",
		Duration:     215 * time.Second,
		Locator:      "https://cdn/1.mp3",
		ThumbnailURL: "https://cdn/cover.jpg",
		Bitrate:      128,
	}, refs[0])
}

func TestClient_Lookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/track/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, trackJSON(42, "Song X", "https://cdn/42.mp3"))
	})
	mux.HandleFunc("/track/404", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"error":{"type":"DataException","message":"no data","code":800}}`)
	})
	mux.HandleFunc("/track/429", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"error":{"type":"Exception","message":"Quota limit exceeded","code":4}}`)
	})

	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	ref, err := c.Lookup(ctx, "https://www.deezer.com/en/track/42")
	require.NoError(t, err)
	assert.Equal(t, "42", ref.NativeID)
	assert.Equal(t, "Artist", ref.Artist)

	tests := map[string]struct {
		url   string
		check func(t *testing.T, err error)
	}{
		"no data": {
			url: "https://www.deezer.com/track/404",
			check: func(t *testing.T, err error) {
				var notFound *media.NotFoundError
				require.ErrorAs(t, err, &notFound)
			},
		},
		"quota": {
			url: "https://www.deezer.com/track/429",
			check: func(t *testing.T, err error) {
				var rateLimited *media.RateLimitedError
				require.ErrorAs(t, err, &rateLimited)
				assert.Positive(t, rateLimited.RetryAfter)
			},
		},
		"album link": {
			url: "https://www.deezer.com/album/7",
			check: func(t *testing.T, err error) {
				var unsupported *media.UnsupportedError
				require.ErrorAs(t, err, &unsupported)
			},
		},
		"foreign link": {
			url: "https://open.spotify.com/track/abc",
			check: func(t *testing.T, err error) {
				var unsupported *media.UnsupportedError
				require.ErrorAs(t, err, &unsupported)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Lookup(ctx, tt.url)
			tt.check(t, err)
		})
	}
}

func TestClient_Expand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist/9/tracks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `{"data":[%s,%s]}`, trackJSON(1, "One", ""), trackJSON(2, "Two", ""))
	})

	c, _ := newTestClient(t, mux)

	var titles []string
	for ref, err := range c.Expand(context.Background(), "https://www.deezer.com/playlist/9") {
		require.NoError(t, err)
		titles = append(titles, ref.Title)
	}

	assert.Equal(t, []string{"One", "Two"}, titles)

	for _, err := range c.Expand(context.Background(), "https://www.deezer.com/track/1") {
		var unsupported *media.UnsupportedError
		require.ErrorAs(t, err, &unsupported)
	}
}

func TestClient_Fetch(t *testing.T) {
	mux := http.NewServeMux()

	var srvURL string

	mux.HandleFunc("/track/42", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, trackJSON(42, "Song X", srvURL+"/preview/42.mp3"))
	})
	mux.HandleFunc("/track/43", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, trackJSON(43, "No Preview", ""))
	})
	mux.HandleFunc("/preview/42.mp3", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ID3 preview")
	})

	c, srv := newTestClient(t, mux)
	srvURL = srv.URL

	ctx := context.Background()

	// a stale locator is ignored in favour of a freshly signed one
	raw, err := c.Fetch(ctx, media.MediaRef{Platform: media.PlatformDeezer, NativeID: "42", Locator: "https://expired"})
	require.NoError(t, err)
	defer raw.Close()

	data, err := io.ReadAll(raw)
	require.NoError(t, err)
	assert.Equal(t, "ID3 preview", string(data))
	assert.Equal(t, "mp3", raw.Container)

	_, err = c.Fetch(ctx, media.MediaRef{Platform: media.PlatformDeezer, NativeID: "43"})

	var fetchErr *media.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.False(t, fetchErr.Retryable)
}

func TestClient_ServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/track/1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c, _ := newTestClient(t, mux)

	_, err := c.Lookup(context.Background(), "https://www.deezer.com/track/1")

	var platformErr *media.PlatformError
	require.ErrorAs(t, err, &platformErr)
	assert.True(t, media.IsRetryable(err))
}
