package putio

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/provider"
)

const defaultMaxResults = 10

var linkPattern = regexp.MustCompile(`^https?://(?:app\.)?put\.io/files/(\d+)`)

// Client serves the audio files stored in a put.io account.
type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
	limiter     *provider.Limiter
	maxResults  int
}

// NewClient authenticates with a static OAuth token.
func NewClient(token string, maxResults int, limiter *provider.Limiter) *Client {
	httpClient := provider.NewHTTPClient(0)

	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	return &Client{
		putioClient: putio.NewClient(oauth2.NewClient(ctx, tokenSource)),
		httpClient:  httpClient,
		limiter:     limiter,
		maxResults:  maxResults,
	}
}

func (c *Client) Platform() media.Platform {
	return media.PlatformPutio
}

func (c *Client) Match(rawURL string) bool {
	return linkPattern.MatchString(rawURL)
}

// Authenticate checks the token by reading the account info.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", classify(ctx, "authenticate", "", err))
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Search looks the query up in the account and keeps audio files only.
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		if err := c.limiter.Wait(ctx); err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		result, err := c.putioClient.Files.Search(ctx, query, 1)
		if err != nil {
			yield(media.MediaRef{}, classify(ctx, "search", query, err))
			return
		}

		found := 0

		for _, f := range result.Files {
			if !isAudio(f) {
				continue
			}

			if !yield(toRef(f), nil) {
				return
			}

			if found++; found == c.maxResults {
				return
			}
		}

		if found == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformPutio, Query: query})
		}
	}
}

// Lookup resolves a file link of the account.
func (c *Client) Lookup(ctx context.Context, rawURL string) (media.MediaRef, error) {
	id, ok := parseLink(rawURL)
	if !ok {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a put.io file link"}
	}

	f, err := c.file(ctx, "lookup", id)
	if err != nil {
		return media.MediaRef{}, err
	}

	if !isAudio(f) {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not an audio file"}
	}

	return toRef(f), nil
}

// Fetch downloads the file through a short lived download URL.
func (c *Client) Fetch(ctx context.Context, ref media.MediaRef) (*media.RawStream, error) {
	logger := logctx.LoggerFromContext(ctx)

	id, err := strconv.ParseInt(ref.NativeID, 10, 64)
	if err != nil {
		return nil, &media.FetchError{Platform: media.PlatformPutio, Reason: "invalid file id", Err: err}
	}

	f, err := c.file(ctx, "fetch", id)
	if err != nil {
		return nil, asFetchError(err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url, err := c.putioClient.Files.URL(ctx, id, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return nil, asFetchError(classify(ctx, "fetch", ref.NativeID, err))
	}

	raw, err := provider.OpenStream(ctx, c.httpClient, media.PlatformPutio, url, container(f.Name))
	if err != nil {
		return nil, err
	}

	if raw.Length < 0 {
		raw.Length = f.Size
	}

	return raw, nil
}

func (c *Client) file(ctx context.Context, operation string, id int64) (putio.File, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return putio.File{}, err
	}

	f, err := c.putioClient.Files.Get(ctx, id)
	if err != nil {
		return putio.File{}, classify(ctx, operation, strconv.FormatInt(id, 10), err)
	}

	return f, nil
}

// classify maps go-putio errors to the error taxonomy.
func classify(ctx context.Context, operation, input string, err error) error {
	var apiErr *putio.ErrorResponse
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return provider.TransportError(ctx, media.PlatformPutio, operation, err)
	}

	status := apiErr.Response.StatusCode

	switch {
	case status == http.StatusNotFound:
		return &media.NotFoundError{Platform: media.PlatformPutio, Query: input, Err: err}
	case status == http.StatusTooManyRequests:
		return &media.RateLimitedError{
			Platform:   media.PlatformPutio,
			RetryAfter: provider.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")),
			Err:        err,
		}
	default:
		return &media.PlatformError{
			Platform:   media.PlatformPutio,
			Operation:  operation,
			StatusCode: status,
			Message:    apiErr.Message,
			Retryable:  status >= 500,
			Err:        err,
		}
	}
}

func asFetchError(err error) error {
	var platformErr *media.PlatformError
	if errors.As(err, &platformErr) {
		return &media.FetchError{Platform: media.PlatformPutio, Reason: platformErr.Message, Retryable: platformErr.Retryable, Err: err}
	}

	var notFound *media.NotFoundError
	if errors.As(err, &notFound) {
		return &media.FetchError{Platform: media.PlatformPutio, Reason: "file no longer exists", Err: err}
	}

	return err
}

func isAudio(f putio.File) bool {
	return strings.EqualFold(f.FileType, "audio") || strings.HasPrefix(f.ContentType, "audio/")
}

func toRef(f putio.File) media.MediaRef {
	return media.MediaRef{
		Platform: media.PlatformPutio,
		NativeID: strconv.FormatInt(f.ID, 10),
		Title:    strings.TrimSuffix(f.Name, filepath.Ext(f.Name)),
		Locator:  fmt.Sprintf("https://app.put.io/files/%d", f.ID),
	}
}

// container derives the container hint from the file extension.
func container(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func parseLink(rawURL string) (int64, bool) {
	m := linkPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return 0, false
	}

	id, err := strconv.ParseInt(m[1], 10, 64)

	return id, err == nil
}
