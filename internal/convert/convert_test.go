package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/audio_fetcher/internal/blobstore"
	"github.com/italolelis/audio_fetcher/internal/media"
)

// upperEncoder stands in for ffmpeg: deterministic and streaming.
type upperEncoder struct {
	calls int
}

func (e *upperEncoder) Encode(_ context.Context, src io.Reader, _ media.Format, dst io.Writer) error {
	e.calls++

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	_, err = dst.Write(bytes.ToUpper(data))

	return err
}

type failingEncoder struct {
	err error
}

func (e failingEncoder) Encode(context.Context, io.Reader, media.Format, io.Writer) error {
	return e.err
}

func rawStream(data, container string) *media.RawStream {
	return media.NewRawStream(io.NopCloser(strings.NewReader(data)), int64(len(data)), container, nil)
}

func target(f media.Format, sourceBitrate int) media.Target {
	return media.NewTarget(media.MediaRef{
		Platform: media.PlatformSoundCloud,
		NativeID: "42",
		Title:    "Song X",
		Artist:   "Artist",
		Bitrate:  sourceBitrate,
	}, f)
}

func readAll(t *testing.T, art *media.Artifact) string {
	t.Helper()

	rc, err := art.Open()
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	return string(data)
}

func TestService_Convert(t *testing.T) {
	ctx := context.Background()
	enc := &upperEncoder{}
	svc := New(Config{MaxSize: 1 << 20}, WithEncoder(media.CodecMP3, enc))

	tgt := target(media.DefaultFormat, 0)

	first, err := svc.Convert(ctx, rawStream("raw audio", "webm"), tgt)
	require.NoError(t, err)

	second, err := svc.Convert(ctx, rawStream("raw audio", "webm"), tgt)
	require.NoError(t, err)

	assert.Equal(t, "RAW AUDIO", readAll(t, first))
	assert.Equal(t, readAll(t, first), readAll(t, second), "identical input yields identical output")
	assert.Equal(t, tgt.Fingerprint, first.Fingerprint)
	assert.Equal(t, int64(9), first.Size)
	assert.Equal(t, "Artist - Song X.mp3", first.Filename)
	assert.Empty(t, first.Path())
	assert.Equal(t, 2, enc.calls)
}

func TestService_Passthrough(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		container     string
		format        media.Format
		sourceBitrate int
		passthrough   bool
	}{
		"same codec and bitrate": {container: "mp3", format: media.Format{Codec: media.CodecMP3, Bitrate: 128}, sourceBitrate: 128, passthrough: true},
		"bitrate differs":        {container: "mp3", format: media.Format{Codec: media.CodecMP3, Bitrate: 192}, sourceBitrate: 128},
		"unknown source bitrate": {container: "mp3", format: media.Format{Codec: media.CodecMP3, Bitrate: 192}},
		"lossless":               {container: "flac", format: media.Format{Codec: media.CodecFLAC}, passthrough: true},
		"container differs":      {container: "webm", format: media.Format{Codec: media.CodecOpus, Bitrate: 96}, sourceBitrate: 96},
		"no container hint":      {format: media.Format{Codec: media.CodecMP3, Bitrate: 128}, sourceBitrate: 128},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			enc := &upperEncoder{}
			svc := New(Config{}, WithEncoder(tt.format.Codec, enc))

			art, err := svc.Convert(ctx, rawStream("bytes", tt.container), target(tt.format, tt.sourceBitrate))
			require.NoError(t, err)

			if tt.passthrough {
				assert.Equal(t, "bytes", readAll(t, art))
				assert.Zero(t, enc.calls)
			} else {
				assert.Equal(t, "BYTES", readAll(t, art))
				assert.Equal(t, 1, enc.calls)
			}
		})
	}
}

func TestService_TooLarge(t *testing.T) {
	svc := New(Config{MaxSize: 4}, WithEncoder(media.CodecMP3, &upperEncoder{}))

	_, err := svc.Convert(context.Background(), rawStream("more than four bytes", "webm"), target(media.DefaultFormat, 0))

	var tooLarge *media.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(4), tooLarge.Limit)
	assert.False(t, media.IsRetryable(err))
}

func TestService_EmptyOutput(t *testing.T) {
	svc := New(Config{}, WithEncoder(media.CodecMP3, failingEncoder{}))

	_, err := svc.Convert(context.Background(), rawStream("x", "webm"), target(media.DefaultFormat, 0))

	var convErr *media.ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.False(t, convErr.Transient)
}

func TestService_EncoderErrorIsReturned(t *testing.T) {
	want := &media.ConversionError{Format: media.DefaultFormat, Reason: "no space left on device", Transient: true}
	svc := New(Config{}, WithEncoder(media.CodecMP3, failingEncoder{err: want}))

	_, err := svc.Convert(context.Background(), rawStream("x", "webm"), target(media.DefaultFormat, 0))
	require.ErrorIs(t, err, want)
	assert.True(t, media.IsTransientConversion(err))
}

func TestService_BlobStore(t *testing.T) {
	ctx := context.Background()

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	t.Run("commits to disk", func(t *testing.T) {
		svc := New(Config{MaxSize: 1}, WithBlobStore(blobs), WithEncoder(media.CodecMP3, &upperEncoder{}))

		art, err := svc.Convert(ctx, rawStream("streamed to disk", "webm"), target(media.DefaultFormat, 0))
		require.NoError(t, err)

		require.NotEmpty(t, art.Path())
		assert.True(t, blobs.Exists(art.Path()))
		assert.Equal(t, "STREAMED TO DISK", readAll(t, art))
	})

	t.Run("failure leaves nothing behind", func(t *testing.T) {
		svc := New(Config{}, WithBlobStore(blobs),
			WithEncoder(media.CodecMP3, failingEncoder{err: errors.New("boom")}))

		_, err := svc.Convert(ctx, rawStream("x", "webm"), target(media.DefaultFormat, 0))
		require.Error(t, err)

		entries, err := os.ReadDir(blobs.Dir(target(media.DefaultFormat, 0).Fingerprint))
		if err == nil {
			assert.Len(t, entries, 1, "only the blob committed by the previous subtest")
		}
	})
}

func TestBuildFFmpegArgs(t *testing.T) {
	tests := []struct {
		format media.Format
		want   []string
	}{
		{
			format: media.Format{Codec: media.CodecMP3, Bitrate: 192},
			want: []string{
				"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-vn", "-map_metadata", "-1",
				"-c:a", "libmp3lame", "-b:a", "192k", "-fflags", "+bitexact", "-flags:a", "+bitexact",
				"-f", "mp3", "pipe:1",
			},
		},
		{
			format: media.Format{Codec: media.CodecM4A, Bitrate: 128},
			want: []string{
				"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-vn", "-map_metadata", "-1",
				"-c:a", "aac", "-b:a", "128k", "-fflags", "+bitexact", "-flags:a", "+bitexact",
				"-movflags", "+frag_keyframe+empty_moov", "-f", "mp4", "pipe:1",
			},
		},
		{
			format: media.Format{Codec: media.CodecFLAC, Bitrate: 900},
			want: []string{
				"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-vn", "-map_metadata", "-1",
				"-c:a", "flac", "-fflags", "+bitexact", "-flags:a", "+bitexact",
				"-f", "flac", "pipe:1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			got, err := BuildFFmpegArgs(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := BuildFFmpegArgs(media.Format{Codec: media.CodecDCA})
	require.Error(t, err)
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	enc := FFmpeg{Path: "ffmpeg-binary-that-does-not-exist"}

	err := enc.Encode(context.Background(), strings.NewReader("x"), media.DefaultFormat, io.Discard)

	var convErr *media.ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "ffmpeg not found", convErr.Reason)
	assert.False(t, convErr.Transient)
}

func TestClassifyRun(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := map[string]struct {
		ctx       context.Context
		stderr    string
		transient bool
		reason    string
	}{
		"disk full": {
			ctx:       context.Background(),
			stderr:    "av_interleaved_write_frame(): No space left on device",
			transient: true,
			reason:    "no space left on device",
		},
		"corrupt input": {
			ctx:    context.Background(),
			stderr: "pipe:0: Invalid data found when processing input",
			reason: "ffmpeg failed: pipe:0: Invalid data found when processing input",
		},
		"cancelled": {
			ctx:    cancelled,
			reason: "encoding interrupted",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := classifyRun(tt.ctx, media.DefaultFormat, errors.New("exit status 1"), tt.stderr)

			var convErr *media.ConversionError
			require.ErrorAs(t, err, &convErr)
			assert.Equal(t, tt.transient, convErr.Transient)
			assert.Equal(t, tt.reason, convErr.Reason)
		})
	}
}
