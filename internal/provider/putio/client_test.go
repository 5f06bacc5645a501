package putio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/media"
)

func newTestClient(serverURL string) *Client {
	goputioClient := putio.NewClient(nil)
	u, _ := url.Parse(serverURL)
	goputioClient.BaseURL = u

	return &Client{putioClient: goputioClient, httpClient: http.DefaultClient, maxResults: 2}
}

// newAccountServer fakes a put.io account with one song, one video and one missing file.
func newAccountServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	song := `{"id":42,"name":"Song X.flac","size":7,"file_type":"AUDIO","content_type":"audio/flac"}`
	video := `{"id":43,"name":"Song X (video).mp4","size":9,"file_type":"VIDEO","content_type":"video/mp4"}`

	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasPrefix(r.URL.Path, "/v2/files/search"):
			fmt.Fprintf(w, `{"files":[%s,%s],"next":""}`, video, song)
		case r.URL.Path == "/v2/files/42/url":
			fmt.Fprintf(w, `{"url":%q}`, srv.URL+"/download/42")
		case r.URL.Path == "/v2/files/42":
			fmt.Fprintf(w, `{"file":%s}`, song)
		case r.URL.Path == "/v2/files/43":
			fmt.Fprintf(w, `{"file":%s}`, video)
		case r.URL.Path == "/v2/files/500":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error_type":"ERROR","error_message":"server error"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})
	mux.HandleFunc("/download/42", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "fLaCdat")
	})

	return srv
}

func TestClient_Search(t *testing.T) {
	client := newTestClient(newAccountServer(t).URL)

	var refs []media.MediaRef
	for ref, err := range client.Search(context.Background(), "song x") {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	require.Len(t, refs, 1, "only audio files are candidates")
	assert.Equal(t, media.MediaRef{
		Platform: media.PlatformPutio,
		NativeID: "42",
		Title:    "Song X",
		Locator:  "https://app.put.io/files/42",
	}, refs[0])
}

func TestClient_Lookup(t *testing.T) {
	client := newTestClient(newAccountServer(t).URL)
	ctx := context.Background()

	tests := []struct {
		name    string
		url     string
		wantID  string
		wantErr any
	}{
		{name: "audio file", url: "https://app.put.io/files/42", wantID: "42"},
		{name: "video file", url: "https://app.put.io/files/43", wantErr: new(*media.UnsupportedError)},
		{name: "missing file", url: "https://put.io/files/44", wantErr: new(*media.NotFoundError)},
		{name: "server error", url: "https://app.put.io/files/500", wantErr: new(*media.PlatformError)},
		{name: "foreign link", url: "https://www.deezer.com/track/42", wantErr: new(*media.UnsupportedError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := client.Lookup(ctx, tt.url)
			if tt.wantErr != nil {
				require.ErrorAs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, ref.NativeID)
		})
	}
}

func TestClient_Fetch(t *testing.T) {
	client := newTestClient(newAccountServer(t).URL)
	ctx := context.Background()

	raw, err := client.Fetch(ctx, media.MediaRef{Platform: media.PlatformPutio, NativeID: "42"})
	require.NoError(t, err)
	defer raw.Close()

	data, err := io.ReadAll(raw)
	require.NoError(t, err)
	assert.Equal(t, "fLaCdat", string(data))
	assert.Equal(t, "flac", raw.Container)
	assert.Equal(t, int64(7), raw.Length)

	_, err = client.Fetch(ctx, media.MediaRef{Platform: media.PlatformPutio, NativeID: "44"})

	var fetchErr *media.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.False(t, fetchErr.Retryable)

	_, err = client.Fetch(ctx, media.MediaRef{Platform: media.PlatformPutio, NativeID: "500"})
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Retryable)
}

func TestContainer(t *testing.T) {
	assert.Equal(t, "mp3", container("Artist - Song.MP3"))
	assert.Equal(t, "flac", container("a.b.flac"))
	assert.Empty(t, container("no extension"))
}
