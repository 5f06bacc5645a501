package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/italolelis/audio_fetcher/internal/media"
)

const (
	// FFmpegCommand is used when no path is configured.
	FFmpegCommand = "ffmpeg"

	inputPipe  = "pipe:0"
	outputPipe = "pipe:1"
)

type codecSettings struct {
	encoder  string
	muxer    string
	lossless bool
	extra    []string
}

var codecs = map[media.Codec]codecSettings{
	media.CodecMP3:  {encoder: "libmp3lame", muxer: "mp3"},
	media.CodecOpus: {encoder: "libopus", muxer: "opus"},
	media.CodecOgg:  {encoder: "libvorbis", muxer: "ogg"},
	// mp4 needs a seekable output unless it is fragmented
	media.CodecM4A:  {encoder: "aac", muxer: "mp4", extra: []string{"-movflags", "+frag_keyframe+empty_moov"}},
	media.CodecFLAC: {encoder: "flac", muxer: "flac", lossless: true},
	media.CodecWAV:  {encoder: "pcm_s16le", muxer: "wav", lossless: true},
}

// FFmpeg encodes by streaming the source through an ffmpeg process, stdin to stdout.
type FFmpeg struct {
	Path string
}

// BuildFFmpegArgs builds the ffmpeg arguments for encoding stdin into f on stdout. Metadata and encoder
// version tags are stripped so identical input always yields identical output.
func BuildFFmpegArgs(f media.Format) ([]string, error) {
	settings, ok := codecs[f.Codec]
	if !ok {
		return nil, fmt.Errorf("ffmpeg cannot encode %s", f.Codec)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPipe,
		"-vn",
		"-map_metadata", "-1",
		"-c:a", settings.encoder,
	}

	if !settings.lossless && f.Bitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(f.Bitrate)+"k")
	}

	args = append(args, "-fflags", "+bitexact", "-flags:a", "+bitexact")
	args = append(args, settings.extra...)
	args = append(args, "-f", settings.muxer, outputPipe)

	return args, nil
}

// Encode runs ffmpeg until src is exhausted.
func (e FFmpeg) Encode(ctx context.Context, src io.Reader, f media.Format, dst io.Writer) error {
	args, err := BuildFFmpegArgs(f)
	if err != nil {
		return &media.ConversionError{Format: f, Reason: err.Error()}
	}

	path := e.Path
	if path == "" {
		path = FFmpegCommand
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = src
	cmd.Stdout = dst
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return classifyStart(f, err)
	}

	if err := cmd.Wait(); err != nil {
		return classifyRun(ctx, f, err, stderr.String())
	}

	return nil
}

func classifyStart(f media.Format, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &media.ConversionError{Format: f, Reason: "ffmpeg not found", Err: err}
	}

	// fork failures (EAGAIN, ENOMEM) usually clear up
	return &media.ConversionError{Format: f, Reason: "failed to start ffmpeg", Transient: true, Err: err}
}

func classifyRun(ctx context.Context, f media.Format, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &media.ConversionError{Format: f, Reason: "encoding interrupted", Err: ctxErr}
	}

	msg := strings.TrimSpace(stderr)
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}

	if errors.Is(err, syscall.ENOSPC) || strings.Contains(msg, "No space left on device") {
		return &media.ConversionError{Format: f, Reason: "no space left on device", Transient: true, Err: err}
	}

	reason := "ffmpeg failed"
	if msg != "" {
		reason = "ffmpeg failed: " + msg
	}

	return &media.ConversionError{Format: f, Reason: reason, Err: err}
}
