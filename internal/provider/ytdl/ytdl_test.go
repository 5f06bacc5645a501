package ytdl

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// fakeYTDLP answers like yt-dlp for the handful of invocations the adapter makes.
const fakeYTDLP = `#!/bin/sh
args="$*"
case "$args" in
  *--format*ratelimited*)
    echo "ERROR: [youtube] rl: HTTP Error 429: Too Many Requests" >&2
    exit 1 ;;
  *--format*'[abr>64][protocol!*=m3u8]'*)
    printf 'progressive mp3 bytes'
    exit 0 ;;
  *--format*)
    printf 'raw webm bytes'
    exit 0 ;;
  *--flat-playlist*nothing*)
    exit 0 ;;
  *--flat-playlist*list=*)
    printf 'p1\tFirst\tArtist\t61\thttps://www.youtube.com/watch?v=p1\tNA\tNA\n'
    printf 'p2\tSecond\tArtist\tNA\thttps://www.youtube.com/watch?v=p2\tNA\tNA\n'
    exit 0 ;;
  *--flat-playlist*)
    printf 'abc\tSong X\tArtist\t215.0\thttps://www.youtube.com/watch?v=abc\thttps://i.ytimg.com/abc.jpg\tNA\n'
    printf 'def\tSong X (live)\tOther\t301\thttps://www.youtube.com/watch?v=def\tNA\t160\n'
    exit 0 ;;
  *private*)
    echo "ERROR: [youtube] priv: Private video. Sign in if you've been granted access" >&2
    exit 1 ;;
  *drm*)
    echo "ERROR: [youtube] drm: This video is DRM protected" >&2
    exit 1 ;;
  *--skip-download*)
    printf 'abc\tSong X\tArtist\t215\thttps://www.youtube.com/watch?v=abc\tNA\t129.5\n'
    exit 0 ;;
esac
echo "unexpected yt-dlp invocation: $args" >&2
exit 2
`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	return newSiteAdapter(t, YouTube)
}

func newSiteAdapter(t *testing.T, site Site) *Adapter {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp is a shell script")
	}

	bin := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte(fakeYTDLP), 0o755))

	return New(site, Config{Executable: bin, MaxResults: 2})
}

func TestAdapter_Match(t *testing.T) {
	yt := New(YouTube, Config{})
	sc := New(SoundCloud, Config{})

	tests := []struct {
		url        string
		youtube    bool
		soundcloud bool
	}{
		{url: "https://www.youtube.com/watch?v=abc", youtube: true},
		{url: "https://music.youtube.com/watch?v=abc", youtube: true},
		{url: "https://youtu.be/abc", youtube: true},
		{url: "https://soundcloud.com/artist/song-x", soundcloud: true},
		{url: "https://m.soundcloud.com/artist/song-x", soundcloud: true},
		{url: "https://notyoutube.com/watch?v=abc"},
		{url: "song x"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.youtube, yt.Match(tt.url))
			assert.Equal(t, tt.soundcloud, sc.Match(tt.url))
		})
	}
}

func TestAdapter_Search(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	var refs []media.MediaRef
	for ref, err := range a.Search(ctx, "song x") {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	require.Len(t, refs, 2)
	assert.Equal(t, media.MediaRef{
		Platform:     media.PlatformYouTube,
		NativeID:     "abc",
		Title:        "Song X",
		Artist:       "Artist",
		Duration:     215 * time.Second,
		Locator:      "https://www.youtube.com/watch?v=abc",
		ThumbnailURL: "https://i.ytimg.com/abc.jpg",
	}, refs[0])
	assert.Equal(t, 160, refs[1].Bitrate)

	t.Run("restartable", func(t *testing.T) {
		seq := a.Search(ctx, "song x")

		for range 2 {
			var first media.MediaRef
			for ref, err := range seq {
				require.NoError(t, err)
				first = ref
				break
			}

			assert.Equal(t, "abc", first.NativeID)
		}
	})

	t.Run("no results", func(t *testing.T) {
		var errs []error
		for _, err := range a.Search(ctx, "nothing") {
			errs = append(errs, err)
		}

		require.Len(t, errs, 1)

		var notFound *media.NotFoundError
		require.ErrorAs(t, errs[0], &notFound)
	})
}

func TestAdapter_Lookup(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	ref, err := a.Lookup(ctx, "https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", ref.NativeID)
	assert.Equal(t, 129, ref.Bitrate)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", ref.Locator)

	tests := map[string]struct {
		url   string
		check func(t *testing.T, err error)
	}{
		"private": {
			url: "https://www.youtube.com/watch?v=private",
			check: func(t *testing.T, err error) {
				var notFound *media.NotFoundError
				require.ErrorAs(t, err, &notFound)
			},
		},
		"drm": {
			url: "https://www.youtube.com/watch?v=drm",
			check: func(t *testing.T, err error) {
				var platformErr *media.PlatformError
				require.ErrorAs(t, err, &platformErr)
				assert.Equal(t, "content is DRM protected", platformErr.Message)
				assert.False(t, media.IsRetryable(err))
			},
		},
		"other platform": {
			url: "https://soundcloud.com/artist/song-x",
			check: func(t *testing.T, err error) {
				var unsupported *media.UnsupportedError
				require.ErrorAs(t, err, &unsupported)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Lookup(ctx, tt.url)
			tt.check(t, err)
		})
	}
}

func TestAdapter_Expand(t *testing.T) {
	a := newTestAdapter(t)

	var ids []string
	for ref, err := range a.Expand(context.Background(), "https://www.youtube.com/playlist?list=PL1") {
		require.NoError(t, err)
		ids = append(ids, ref.NativeID)
	}

	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestAdapter_Fetch(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	t.Run("streams stdout", func(t *testing.T) {
		raw, err := a.Fetch(ctx, media.MediaRef{Platform: media.PlatformYouTube, NativeID: "abc", Locator: "https://www.youtube.com/watch?v=abc"})
		require.NoError(t, err)

		data, err := io.ReadAll(raw)
		require.NoError(t, err)
		require.NoError(t, raw.Close())

		assert.Equal(t, "raw webm bytes", string(data))
		assert.Equal(t, "webm", raw.Container)
		assert.Equal(t, int64(-1), raw.Length)
	})

	t.Run("failure surfaces on close", func(t *testing.T) {
		raw, err := a.Fetch(ctx, media.MediaRef{Platform: media.PlatformYouTube, NativeID: "rl", Locator: "https://www.youtube.com/watch?v=ratelimited"})
		require.NoError(t, err)

		_, err = io.ReadAll(raw)
		require.NoError(t, err)

		err = raw.Close()

		var rateLimited *media.RateLimitedError
		require.ErrorAs(t, err, &rateLimited)
		assert.True(t, media.IsRetryable(err))
	})

	t.Run("soundcloud skips hls and low bitrate renditions", func(t *testing.T) {
		sc := newSiteAdapter(t, SoundCloud)

		raw, err := sc.Fetch(ctx, media.MediaRef{Platform: media.PlatformSoundCloud, NativeID: "42", Locator: "https://soundcloud.com/artist/song-x"})
		require.NoError(t, err)

		data, err := io.ReadAll(raw)
		require.NoError(t, err)
		require.NoError(t, raw.Close())

		assert.Equal(t, "progressive mp3 bytes", string(data))
	})

	t.Run("missing locator", func(t *testing.T) {
		_, err := a.Fetch(ctx, media.MediaRef{Platform: media.PlatformYouTube, NativeID: "abc"})

		var fetchErr *media.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})
}

func TestClassifyStderr(t *testing.T) {
	ctx := context.Background()
	exit := errors.New("exit status 1")

	tests := map[string]struct {
		stderr    string
		retryable bool
		target    any
	}{
		"rate limited":   {stderr: "ERROR: HTTP Error 429: Too Many Requests", retryable: true, target: new(*media.RateLimitedError)},
		"unsupported":    {stderr: "ERROR: Unsupported URL: https://example.com", target: new(*media.UnsupportedError)},
		"unavailable":    {stderr: "ERROR: [youtube] x: Video unavailable", target: new(*media.NotFoundError)},
		"network blip":   {stderr: "ERROR: unable to download webpage: timed out", retryable: true, target: new(*media.PlatformError)},
		"age gated":      {stderr: "ERROR: Sign in to confirm your age", target: new(*media.PlatformError)},
		"empty stderr":   {retryable: true, target: new(*media.PlatformError)},
		"soundcloud 404": {stderr: "ERROR: [soundcloud] x: HTTP Error 404: Not Found", target: new(*media.NotFoundError)},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := classifyStderr(ctx, media.PlatformYouTube, "lookup", "input", tt.stderr, exit)

			require.ErrorAs(t, err, tt.target)
			assert.Equal(t, tt.retryable, media.IsRetryable(err))
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}

	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))

	assert.Equal(t, "defg", b.String())
}
