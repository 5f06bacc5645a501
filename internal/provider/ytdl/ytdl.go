// Package ytdl resolves and streams YouTube and SoundCloud tracks through yt-dlp.
package ytdl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/provider"
)

const (
	// flat entries carry the page url in %(url)s, fully extracted ones carry the stream url there
	flatTemplate   = "%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(url)s\t%(thumbnail)s\t%(abr)s"
	lookupTemplate = "%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(webpage_url)s\t%(thumbnail)s\t%(abr)s"

	defaultMaxResults  = 10
	defaultMaxPlaylist = 200
	stderrLimit        = 512
)

// Site describes what differs between the platforms yt-dlp serves.
type Site struct {
	Platform     media.Platform
	SearchPrefix string
	Hosts        []string
	// Format is the yt-dlp format selector used for streaming.
	Format string
	// Container is the container hint of streamed bytes, empty when the selector may pick several.
	Container string
}

// YouTube streams webm/opus audio.
var YouTube = Site{
	Platform:     media.PlatformYouTube,
	SearchPrefix: "ytsearch",
	Hosts:        []string{"youtube.com", "youtu.be"},
	Format:       "bestaudio[ext=webm]/bestaudio",
	Container:    "webm",
}

// SoundCloud prefers the progressive mp3 rendition when there is one. HLS and renditions at or below 64 kbps are
// only a last resort.
var SoundCloud = Site{
	Platform:     media.PlatformSoundCloud,
	SearchPrefix: "scsearch",
	Hosts:        []string{"soundcloud.com"},
	Format:       "bestaudio[ext=mp3][abr>64][protocol!*=m3u8]/bestaudio[abr>64][protocol!*=m3u8]/bestaudio",
}

// Config configures an Adapter.
type Config struct {
	// Executable is the yt-dlp binary, resolved by go-ytdlp when empty.
	Executable  string
	MaxResults  int
	MaxPlaylist int
	Limiter     *provider.Limiter
}

// Adapter implements media.Adapter and media.PlaylistResolver on top of yt-dlp.
type Adapter struct {
	site Site
	cfg  Config
}

// New creates an adapter for site.
func New(site Site, cfg Config) *Adapter {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}

	if cfg.MaxPlaylist <= 0 {
		cfg.MaxPlaylist = defaultMaxPlaylist
	}

	return &Adapter{site: site, cfg: cfg}
}

func (a *Adapter) Platform() media.Platform {
	return a.site.Platform
}

// Match reports whether rawURL points at one of the site's hosts.
func (a *Adapter) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	for _, h := range a.site.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}

	return false
}

// Search runs a flat "<prefix>N:query" extraction. yt-dlp ranks the results.
func (a *Adapter) Search(ctx context.Context, query string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		if err := a.cfg.Limiter.Wait(ctx); err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		res, err := a.command().
			FlatPlaylist().
			Print(flatTemplate).
			PlaylistItems(fmt.Sprintf("1-%d", a.cfg.MaxResults)).
			Run(ctx, fmt.Sprintf("%s%d:%s", a.site.SearchPrefix, a.cfg.MaxResults, query))
		if err != nil {
			yield(media.MediaRef{}, a.classify(ctx, "search", query, res, err))
			return
		}

		refs := a.parse(res.Stdout)
		if len(refs) == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: a.site.Platform, Query: query})
			return
		}

		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Lookup extracts the metadata of a single track link.
func (a *Adapter) Lookup(ctx context.Context, rawURL string) (media.MediaRef, error) {
	if !a.Match(rawURL) {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a " + a.site.Platform.String() + " link"}
	}

	if err := a.cfg.Limiter.Wait(ctx); err != nil {
		return media.MediaRef{}, err
	}

	res, err := a.command().
		Print(lookupTemplate).
		SkipDownload().
		NoPlaylist().
		Run(ctx, rawURL)
	if err != nil {
		return media.MediaRef{}, a.classify(ctx, "lookup", rawURL, res, err)
	}

	refs := a.parse(res.Stdout)
	if len(refs) == 0 {
		return media.MediaRef{}, &media.NotFoundError{Platform: a.site.Platform, Query: rawURL}
	}

	ref := refs[0]
	if ref.Locator == "" {
		ref.Locator = rawURL
	}

	return ref, nil
}

// Expand lists the entries of a playlist, set or album link without extracting each of them.
func (a *Adapter) Expand(ctx context.Context, rawURL string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		if !a.Match(rawURL) {
			yield(media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a " + a.site.Platform.String() + " link"})
			return
		}

		if err := a.cfg.Limiter.Wait(ctx); err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		res, err := a.command().
			FlatPlaylist().
			Print(flatTemplate).
			PlaylistItems(fmt.Sprintf("1-%d", a.cfg.MaxPlaylist)).
			Run(ctx, rawURL)
		if err != nil {
			yield(media.MediaRef{}, a.classify(ctx, "expand", rawURL, res, err))
			return
		}

		refs := a.parse(res.Stdout)
		if len(refs) == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: a.site.Platform, Query: rawURL})
			return
		}

		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Fetch streams the selected audio format from yt-dlp's stdout. Closing the stream waits for the process and
// reports how it ended.
func (a *Adapter) Fetch(ctx context.Context, ref media.MediaRef) (*media.RawStream, error) {
	if ref.Locator == "" {
		return nil, &media.FetchError{Platform: a.site.Platform, Reason: "reference has no locator"}
	}

	if err := a.cfg.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cmd := a.command().
		Format(a.site.Format).
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckFormats().
		BuildCommand(ctx, ref.Locator)

	pr, pw := io.Pipe()
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &media.FetchError{Platform: a.site.Platform, Reason: "yt-dlp not found", Err: err}
		}

		return nil, &media.FetchError{Platform: a.site.Platform, Reason: "failed to start yt-dlp", Retryable: true, Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "streaming from yt-dlp", "platform", a.site.Platform, "ref", ref.String())

	body := &eofReader{pr: pr}

	return media.NewRawStream(body, -1, a.site.Container, func() error {
		// the consumer stopped early: yt-dlp would only report a broken pipe
		if !body.done.Load() {
			_ = cmd.Process.Kill()
			<-waitErr

			return nil
		}

		if err := <-waitErr; err != nil {
			return a.fetchError(ctx, ref.Locator, stderr.String(), err)
		}

		return nil
	}), nil
}

func (a *Adapter) command() *ytdlp.Command {
	cmd := ytdlp.New().NoWarnings().IgnoreConfig()
	if a.cfg.Executable != "" {
		cmd.SetExecutable(a.cfg.Executable)
	}

	return cmd
}

// parse reads the tab separated lines printed by the templates above.
func (a *Adapter) parse(out string) []media.MediaRef {
	var refs []media.MediaRef

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 5 || field(fields[0]) == "" {
			continue
		}

		ref := media.MediaRef{
			Platform: a.site.Platform,
			NativeID: fields[0],
			Title:    field(fields[1]),
			Artist:   field(fields[2]),
			Duration: parseSeconds(fields[3]),
			Locator:  field(fields[4]),
		}

		if len(fields) > 5 {
			ref.ThumbnailURL = field(fields[5])
		}

		if len(fields) > 6 {
			if abr, err := strconv.ParseFloat(field(fields[6]), 64); err == nil {
				ref.Bitrate = int(abr)
			}
		}

		refs = append(refs, ref)
	}

	return refs
}

// field maps yt-dlp's placeholder for missing values to empty.
func field(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}

	return s
}

func parseSeconds(s string) time.Duration {
	secs, err := strconv.ParseFloat(field(s), 64)
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs * float64(time.Second))
}

// classify turns a failed yt-dlp run into the error taxonomy using its stderr.
func (a *Adapter) classify(ctx context.Context, operation, input string, res *ytdlp.Result, err error) error {
	var stderr string
	if res != nil {
		stderr = res.Stderr
	}

	return classifyStderr(ctx, a.site.Platform, operation, input, stderr, err)
}

func (a *Adapter) fetchError(ctx context.Context, input, stderr string, err error) error {
	classified := classifyStderr(ctx, a.site.Platform, "fetch", input, stderr, err)

	var platformErr *media.PlatformError
	if errors.As(classified, &platformErr) {
		return &media.FetchError{
			Platform:  a.site.Platform,
			Reason:    platformErr.Message,
			Retryable: platformErr.Retryable,
			Err:       err,
		}
	}

	return classified
}

func classifyStderr(ctx context.Context, p media.Platform, operation, input, stderr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &media.PlatformError{Platform: p, Operation: operation, Message: "interrupted", Err: ctxErr}
	}

	if errors.Is(err, exec.ErrNotFound) {
		return &media.PlatformError{Platform: p, Operation: operation, Message: "yt-dlp not found", Err: err}
	}

	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "http error 429"), strings.Contains(lower, "too many requests"):
		return &media.RateLimitedError{Platform: p, Err: err}
	case strings.Contains(lower, "unsupported url"):
		return &media.UnsupportedError{Input: input, Reason: "yt-dlp does not support this link"}
	case strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "private video"),
		strings.Contains(lower, "http error 404"),
		strings.Contains(lower, "does not exist"):
		return &media.NotFoundError{Platform: p, Query: input, Err: err}
	case strings.Contains(lower, "drm"):
		return &media.PlatformError{Platform: p, Operation: operation, Message: "content is DRM protected", Err: err}
	case strings.Contains(lower, "sign in to confirm"):
		return &media.PlatformError{Platform: p, Operation: operation, Message: "content requires sign in", Err: err}
	}

	if len(msg) > stderrLimit {
		msg = msg[len(msg)-stderrLimit:]
	}

	if msg == "" {
		msg = err.Error()
	}

	return &media.PlatformError{Platform: p, Operation: operation, Message: msg, Retryable: true, Err: err}
}

// eofReader records whether the stream was read to the end.
type eofReader struct {
	pr   *io.PipeReader
	done atomic.Bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.pr.Read(p)
	if errors.Is(err, io.EOF) {
		e.done.Store(true)
	}

	return n, err
}

func (e *eofReader) Close() error {
	return e.pr.Close()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)

	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
