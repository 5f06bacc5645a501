// Package convert normalizes raw streams into the requested audio encoding.
package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/audio_fetcher/internal/blobstore"
	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

// Encoder turns the bytes of src into f, writing to dst. Implementations must stop promptly when ctx is done.
type Encoder interface {
	Encode(ctx context.Context, src io.Reader, f media.Format, dst io.Writer) error
}

// Passthrough copies the source unchanged.
type Passthrough struct{}

func (Passthrough) Encode(ctx context.Context, src io.Reader, f media.Format, dst io.Writer) error {
	if _, err := io.Copy(dst, src); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &media.ConversionError{Format: f, Reason: "copy interrupted", Err: ctxErr}
		}

		return &media.ConversionError{Format: f, Reason: "failed to copy source", Err: err}
	}

	return nil
}

// BlobCreator opens pending blobs; satisfied by *blobstore.Store.
type BlobCreator interface {
	Create(fp media.Fingerprint, f media.Format) (*blobstore.Blob, error)
}

// Config bounds conversions.
type Config struct {
	FFmpegPath string
	// MaxSize caps in-memory output in bytes. Output streamed to the blob store is not capped.
	MaxSize int64
}

// Option configures a Service.
type Option func(*Service)

// WithBlobStore streams output to disk instead of memory.
func WithBlobStore(blobs BlobCreator) Option {
	return func(s *Service) {
		s.blobs = blobs
	}
}

// WithTelemetry records conversion metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tel = tel
	}
}

// WithEncoder overrides the encoder used for codec.
func WithEncoder(codec media.Codec, enc Encoder) Option {
	return func(s *Service) {
		s.encoders[codec] = enc
	}
}

// Service picks an encoder per codec and writes the output to memory or the blob store.
type Service struct {
	maxSize     int64
	blobs       BlobCreator
	tel         *telemetry.Telemetry
	encoders    map[media.Codec]Encoder
	passthrough Encoder
}

// New creates a converter using ffmpeg for file codecs and dca for Discord frames.
func New(cfg Config, opts ...Option) *Service {
	ff := FFmpeg{Path: cfg.FFmpegPath}

	s := &Service{
		maxSize: cfg.MaxSize,
		encoders: map[media.Codec]Encoder{
			media.CodecMP3:  ff,
			media.CodecOpus: ff,
			media.CodecOgg:  ff,
			media.CodecM4A:  ff,
			media.CodecFLAC: ff,
			media.CodecWAV:  ff,
			media.CodecDCA:  DCA{},
		},
		passthrough: Passthrough{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Convert encodes raw into t.Format. The same bytes and format always produce the same output.
func (s *Service) Convert(ctx context.Context, raw *media.RawStream, t media.Target) (*media.Artifact, error) {
	logger := logctx.LoggerFromContext(ctx)
	f := t.Format

	enc, passthrough := s.encoderFor(raw, t)
	if enc == nil {
		return nil, &media.ConversionError{Format: f, Reason: "no encoder for codec"}
	}

	out, err := s.newSink(t)
	if err != nil {
		return nil, err
	}

	err = s.tel.InstrumentConversion(ctx, string(f.Codec), func(ctx context.Context) (int64, error) {
		err := enc.Encode(ctx, raw, f, out)

		return out.Written(), err
	})

	// a failed write is usually the real cause of an encoder error
	if werr := out.WriteErr(); werr != nil {
		err = werr
	}

	if err == nil && out.Written() == 0 {
		err = &media.ConversionError{Format: f, Reason: "encoder produced no output"}
	}

	if err != nil {
		if abortErr := out.Abort(); abortErr != nil {
			logger.WarnContext(ctx, "failed to discard partial output", "err", abortErr)
		}

		return nil, err
	}

	art, err := out.Commit(t)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "converted stream",
		"format", f.String(),
		"passthrough", passthrough,
		"size", humanize.Bytes(uint64(art.Size)),
		"on_disk", art.Path() != "",
	)

	return art, nil
}

func (s *Service) encoderFor(raw *media.RawStream, t media.Target) (Encoder, bool) {
	if canPassthrough(raw, t) {
		return s.passthrough, true
	}

	return s.encoders[t.Format.Codec], false
}

// canPassthrough reports whether the source already is the target: same container, and either a lossless codec
// or a known source bitrate equal to the requested one.
func canPassthrough(raw *media.RawStream, t media.Target) bool {
	if raw.Container == "" || media.Codec(raw.Container) != t.Format.Codec || t.Format.Codec == media.CodecDCA {
		return false
	}

	switch t.Format.Codec {
	case media.CodecFLAC, media.CodecWAV:
		return true
	}

	return t.Format.Bitrate == 0 || t.Ref.Bitrate == t.Format.Bitrate
}

func (s *Service) newSink(t media.Target) (sink, error) {
	if s.blobs == nil {
		return &memorySink{limit: s.maxSize}, nil
	}

	blob, err := s.blobs.Create(t.Fingerprint, t.Format)
	if err != nil {
		return nil, &media.ConversionError{Format: t.Format, Reason: "failed to create blob", Transient: isDiskFull(err), Err: err}
	}

	return &blobSink{blob: blob, format: t.Format}, nil
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

type sink interface {
	io.Writer
	Written() int64
	WriteErr() error
	Abort() error
	Commit(t media.Target) (*media.Artifact, error)
}

type memorySink struct {
	limit int64
	buf   bytes.Buffer
	err   error
}

func (m *memorySink) Write(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}

	if m.limit > 0 && int64(m.buf.Len()+len(p)) > m.limit {
		m.err = &media.TooLargeError{Limit: m.limit}

		return 0, m.err
	}

	return m.buf.Write(p)
}

func (m *memorySink) Written() int64  { return int64(m.buf.Len()) }
func (m *memorySink) WriteErr() error { return m.err }

func (m *memorySink) Abort() error {
	m.buf.Reset()

	return nil
}

func (m *memorySink) Commit(t media.Target) (*media.Artifact, error) {
	return media.NewMemoryArtifact(t, bytes.Clone(m.buf.Bytes())), nil
}

type blobSink struct {
	blob   *blobstore.Blob
	format media.Format
	err    error
}

func (b *blobSink) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}

	n, err := b.blob.Write(p)
	if err != nil {
		b.err = &media.ConversionError{Format: b.format, Reason: "failed to write blob", Transient: isDiskFull(err), Err: err}
	}

	return n, b.err
}

func (b *blobSink) Written() int64  { return b.blob.Written() }
func (b *blobSink) WriteErr() error { return b.err }
func (b *blobSink) Abort() error    { return b.blob.Abort() }

func (b *blobSink) Commit(t media.Target) (*media.Artifact, error) {
	path, size, err := b.blob.Commit()
	if err != nil {
		return nil, &media.ConversionError{Format: t.Format, Reason: "failed to commit blob", Transient: isDiskFull(err), Err: err}
	}

	return media.NewFileArtifact(t, path, size), nil
}
