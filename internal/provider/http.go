package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// NewHTTPClient returns a traced client for platform APIs. Streaming downloads rely on context deadlines
// rather than the client timeout, so timeout may be zero.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// CheckResponse maps a non 2xx response of an API call to the error taxonomy. It does not close the body.
func CheckResponse(p media.Platform, operation string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &media.RateLimitedError{Platform: p, RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		return &media.NotFoundError{Platform: p, Query: resp.Request.URL.Path}
	default:
		return &media.PlatformError{
			Platform:   p,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout,
		}
	}
}

// TransportError wraps a failed round trip. Network failures are worth retrying unless the caller gave up.
func TransportError(ctx context.Context, p media.Platform, operation string, err error) error {
	return &media.PlatformError{
		Platform:  p,
		Operation: operation,
		Message:   err.Error(),
		Retryable: ctx.Err() == nil,
		Err:       err,
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}

	return 0
}

// OpenStream issues a GET for rawURL and hands back the body as a RawStream. Failures are FetchErrors.
func OpenStream(ctx context.Context, client *http.Client, p media.Platform, rawURL, container string) (*media.RawStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &media.FetchError{Platform: p, Reason: "invalid stream url", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &media.FetchError{Platform: p, Reason: "stream request failed", Retryable: ctx.Err() == nil, Err: err}
	}

	if err := CheckResponse(p, "fetch", resp); err != nil {
		resp.Body.Close()

		var rateLimited *media.RateLimitedError
		if errors.As(err, &rateLimited) {
			return nil, err
		}

		return nil, &media.FetchError{
			Platform:  p,
			Reason:    fmt.Sprintf("stream responded with %d", resp.StatusCode),
			Retryable: media.IsRetryable(err),
			Err:       err,
		}
	}

	return media.NewRawStream(resp.Body, resp.ContentLength, container, nil), nil
}

func readMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))

	return strings.TrimSpace(string(data))
}
