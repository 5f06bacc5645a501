// Package deezer resolves tracks through the public Deezer API and plays their 30 second previews.
package deezer

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/provider"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.deezer.com"

	// previews are 128 kbps mp3
	previewBitrate   = 128
	previewContainer = "mp3"

	defaultMaxResults  = 10
	defaultMaxPlaylist = 200

	errCodeQuota  = 4
	errCodeNoData = 800
)

var linkPattern = regexp.MustCompile(`^https?://(?:www\.)?deezer\.com/(?:[a-z]{2}(?:-[a-z]{2})?/)?(track|album|playlist)/(\d+)`)

// Config configures a Client.
type Config struct {
	BaseURL     string
	MaxResults  int
	MaxPlaylist int
	Limiter     *provider.Limiter
	HTTPClient  *http.Client
}

// Client implements media.Adapter and media.PlaylistResolver for Deezer.
type Client struct {
	baseURL     string
	maxResults  int
	maxPlaylist int
	limiter     *provider.Limiter
	httpClient  *http.Client
}

// NewClient creates a Deezer client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:     cfg.BaseURL,
		maxResults:  cfg.MaxResults,
		maxPlaylist: cfg.MaxPlaylist,
		limiter:     cfg.Limiter,
		httpClient:  cfg.HTTPClient,
	}

	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}

	if c.maxResults <= 0 {
		c.maxResults = defaultMaxResults
	}

	if c.maxPlaylist <= 0 {
		c.maxPlaylist = defaultMaxPlaylist
	}

	if c.httpClient == nil {
		c.httpClient = provider.NewHTTPClient(30 * time.Second)
	}

	return c
}

func (c *Client) Platform() media.Platform {
	return media.PlatformDeezer
}

func (c *Client) Match(rawURL string) bool {
	return linkPattern.MatchString(rawURL)
}

// Search queries /search. Deezer ranks by relevance.
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		params := url.Values{"q": {query}, "limit": {strconv.Itoa(c.maxResults)}}

		body, err := c.get(ctx, "search", "/search?"+params.Encode())
		if err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		refs := parseTracks(gjson.GetBytes(body, "data"))
		if len(refs) == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformDeezer, Query: query})
			return
		}

		for _, ref := range refs[:min(len(refs), c.maxResults)] {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Lookup resolves a track link.
func (c *Client) Lookup(ctx context.Context, rawURL string) (media.MediaRef, error) {
	kind, id, ok := parseLink(rawURL)
	if !ok {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a deezer link"}
	}

	if kind != "track" {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: kind + " links must be expanded"}
	}

	return c.track(ctx, id)
}

// Expand lists the tracks of an album or playlist link.
func (c *Client) Expand(ctx context.Context, rawURL string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		kind, id, ok := parseLink(rawURL)
		if !ok || kind == "track" {
			yield(media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a deezer album or playlist link"})
			return
		}

		body, err := c.get(ctx, "expand", fmt.Sprintf("/%s/%s/tracks?limit=%d", kind, id, c.maxPlaylist))
		if err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		refs := parseTracks(gjson.GetBytes(body, "data"))
		if len(refs) == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformDeezer, Query: rawURL})
			return
		}

		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Fetch streams the track preview. Preview links are signed and expire, so a fresh one is requested every time.
func (c *Client) Fetch(ctx context.Context, ref media.MediaRef) (*media.RawStream, error) {
	fresh, err := c.track(ctx, ref.NativeID)
	if err != nil {
		if media.IsRetryable(err) {
			return nil, err
		}

		return nil, &media.FetchError{Platform: media.PlatformDeezer, Reason: "track is no longer available", Err: err}
	}

	if fresh.Locator == "" {
		return nil, &media.FetchError{Platform: media.PlatformDeezer, Reason: "track has no preview"}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "streaming deezer preview", "track_id", ref.NativeID)

	return provider.OpenStream(ctx, c.httpClient, media.PlatformDeezer, fresh.Locator, previewContainer)
}

func (c *Client) track(ctx context.Context, id string) (media.MediaRef, error) {
	body, err := c.get(ctx, "lookup", "/track/"+url.PathEscape(id))
	if err != nil {
		return media.MediaRef{}, err
	}

	ref, ok := parseTrack(gjson.ParseBytes(body))
	if !ok {
		return media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformDeezer, Query: id}
	}

	return ref, nil
}

// get calls the API and unwraps the error object Deezer returns with a 200 status.
func (c *Client) get(ctx context.Context, operation, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.TransportError(ctx, media.PlatformDeezer, operation, err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(media.PlatformDeezer, operation, resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TransportError(ctx, media.PlatformDeezer, operation, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, &media.PlatformError{Platform: media.PlatformDeezer, Operation: operation, Message: "invalid json response"}
	}

	if apiErr := gjson.GetBytes(body, "error"); apiErr.Exists() {
		return nil, apiError(operation, path, apiErr)
	}

	return body, nil
}

func apiError(operation, path string, apiErr gjson.Result) error {
	msg := apiErr.Get("message").String()

	switch apiErr.Get("code").Int() {
	case errCodeQuota:
		return &media.RateLimitedError{Platform: media.PlatformDeezer, RetryAfter: 5 * time.Second}
	case errCodeNoData:
		return &media.NotFoundError{Platform: media.PlatformDeezer, Query: path}
	default:
		return &media.PlatformError{Platform: media.PlatformDeezer, Operation: operation, Message: msg}
	}
}

func parseLink(rawURL string) (kind, id string, ok bool) {
	m := linkPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", false
	}

	return m[1], m[2], true
}

func parseTracks(list gjson.Result) []media.MediaRef {
	var refs []media.MediaRef

	list.ForEach(func(_, item gjson.Result) bool {
		if ref, ok := parseTrack(item); ok {
			refs = append(refs, ref)
		}

		return true
	})

	return refs
}

func parseTrack(item gjson.Result) (media.MediaRef, bool) {
	id := item.Get("id")
	if !id.Exists() {
		return media.MediaRef{}, false
	}

	if kind := item.Get("type"); kind.Exists() && kind.String() != "track" {
		return media.MediaRef{}, false
	}

	// readable=false marks tracks that are not licensed in the caller's region
	if readable := item.Get("readable"); readable.Exists() && !readable.Bool() {
		return media.MediaRef{}, false
	}

	return media.MediaRef{
		Platform:     media.PlatformDeezer,
		NativeID:     id.String(),
		Title:        item.Get("title").String(),
		Artist:       item.Get("artist.name").String(),
		Duration:     time.Duration(item.Get("duration").Int()) * time.Second,
		Locator:      item.Get("preview").String(),
		ThumbnailURL: item.Get("album.cover_medium").String(),
		Bitrate:      previewBitrate,
	}, true
}
