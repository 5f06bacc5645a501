package convert

import (
	"context"
	"fmt"
	"io"

	"github.com/jonas747/dca"

	"github.com/italolelis/audio_fetcher/internal/media"
)

const (
	dcaMinBitrate = 8
	dcaMaxBitrate = 512
)

// DCA encodes into Discord's opus frame container. dca drives its own ffmpeg from PATH.
type DCA struct{}

// Encode runs an in-memory dca session over src.
func (DCA) Encode(ctx context.Context, src io.Reader, f media.Format, dst io.Writer) error {
	opts := *dca.StdEncodeOptions
	opts.RawOutput = true

	if f.Bitrate > 0 {
		opts.Bitrate = min(max(f.Bitrate, dcaMinBitrate), dcaMaxBitrate)
	}

	session, err := dca.EncodeMem(src, &opts)
	if err != nil {
		return &media.ConversionError{Format: f, Reason: "failed to start dca session", Transient: true, Err: err}
	}
	defer session.Cleanup()

	stop := context.AfterFunc(ctx, func() {
		_ = session.Stop()
	})
	defer stop()

	if _, err := io.Copy(dst, session); err != nil {
		return &media.ConversionError{Format: f, Reason: fmt.Sprintf("failed to write dca frames: %v", err), Err: err}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &media.ConversionError{Format: f, Reason: "encoding interrupted", Err: ctxErr}
	}

	if err := session.Error(); err != nil {
		return &media.ConversionError{Format: f, Reason: "dca encoding failed: " + session.FFMPEGMessages(), Err: err}
	}

	return nil
}
