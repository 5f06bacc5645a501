// Package spotify resolves tracks through the Spotify Web API. Spotify serves no audio to third parties, so
// playback comes from another adapter searched for "artist - title".
package spotify

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/provider"
)

const (
	DefaultAPIURL   = "https://api.spotify.com/v1"
	DefaultTokenURL = "https://accounts.spotify.com/api/token"

	defaultMaxResults  = 10
	defaultMaxPlaylist = 200
	pageSize           = 50

	// a playback candidate whose length is off by more than this is a different recording
	durationTolerance = 10 * time.Second
)

var (
	linkPattern = regexp.MustCompile(`^https?://open\.spotify\.com/(?:intl-[a-z]{2}/)?(track|album|playlist)/([A-Za-z0-9]+)`)
	uriPattern  = regexp.MustCompile(`^spotify:(track|album|playlist):([A-Za-z0-9]+)$`)
)

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	APIURL       string
	TokenURL     string
	MaxResults   int
	MaxPlaylist  int
	Limiter      *provider.Limiter
	// HTTPClient carries both token and API calls.
	HTTPClient *http.Client
}

// Client implements media.Adapter and media.PlaylistResolver for Spotify.
type Client struct {
	apiURL      string
	maxResults  int
	maxPlaylist int
	limiter     *provider.Limiter
	httpClient  *http.Client
	playback    media.Adapter
}

// NewClient creates a client authenticating with client credentials. playback searches and streams the audio.
func NewClient(ctx context.Context, cfg Config, playback media.Adapter) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = provider.NewHTTPClient(30 * time.Second)
	}

	tokenURL := lo.Ternary(cfg.TokenURL == "", DefaultTokenURL, cfg.TokenURL)
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}

	// the token source keeps using ctx for refreshes, so it must outlive single requests
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	return &Client{
		apiURL:      strings.TrimSuffix(lo.Ternary(cfg.APIURL == "", DefaultAPIURL, cfg.APIURL), "/"),
		maxResults:  lo.Ternary(cfg.MaxResults > 0, cfg.MaxResults, defaultMaxResults),
		maxPlaylist: lo.Ternary(cfg.MaxPlaylist > 0, cfg.MaxPlaylist, defaultMaxPlaylist),
		limiter:     cfg.Limiter,
		httpClient:  creds.Client(ctx),
		playback:    playback,
	}
}

type artist struct {
	Name string `json:"name"`
}

type image struct {
	URL string `json:"url"`
}

type track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMS int64    `json:"duration_ms"`
	Artists    []artist `json:"artists"`
	Album      struct {
		Images []image `json:"images"`
	} `json:"album"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
	IsLocal bool `json:"is_local"`
}

type searchResponse struct {
	Tracks struct {
		Items []track `json:"items"`
	} `json:"tracks"`
}

type page struct {
	Items []json.RawMessage `json:"items"`
	Next  string            `json:"next"`
}

type playlistItem struct {
	Track *track `json:"track"`
}

func (c *Client) Platform() media.Platform {
	return media.PlatformSpotify
}

func (c *Client) Match(rawURL string) bool {
	_, _, ok := parseLink(rawURL)

	return ok
}

// Search queries /search for tracks.
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		params := url.Values{"q": {query}, "type": {"track"}, "limit": {strconv.Itoa(c.maxResults)}}

		var resp searchResponse
		if err := c.get(ctx, "search", c.apiURL+"/search?"+params.Encode(), &resp); err != nil {
			yield(media.MediaRef{}, err)
			return
		}

		refs := lo.FilterMap(resp.Tracks.Items, func(t track, _ int) (media.MediaRef, bool) {
			return toRef(t), t.ID != ""
		})

		if len(refs) == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformSpotify, Query: query})
			return
		}

		for _, ref := range refs {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// Lookup resolves a track link or URI.
func (c *Client) Lookup(ctx context.Context, rawURL string) (media.MediaRef, error) {
	kind, id, ok := parseLink(rawURL)
	if !ok {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a spotify link"}
	}

	if kind != "track" {
		return media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: kind + " links must be expanded"}
	}

	var t track
	if err := c.get(ctx, "lookup", c.apiURL+"/tracks/"+id, &t); err != nil {
		return media.MediaRef{}, err
	}

	return toRef(t), nil
}

// Expand pages through the tracks of an album or playlist, skipping local files.
func (c *Client) Expand(ctx context.Context, rawURL string) iter.Seq2[media.MediaRef, error] {
	return func(yield func(media.MediaRef, error) bool) {
		kind, id, ok := parseLink(rawURL)
		if !ok || kind == "track" {
			yield(media.MediaRef{}, &media.UnsupportedError{Input: rawURL, Reason: "not a spotify album or playlist link"})
			return
		}

		next := fmt.Sprintf("%s/%ss/%s/tracks?limit=%d", c.apiURL, kind, id, pageSize)
		yielded := 0

		for next != "" && yielded < c.maxPlaylist {
			var p page
			if err := c.get(ctx, "expand", next, &p); err != nil {
				yield(media.MediaRef{}, err)
				return
			}

			for _, raw := range p.Items {
				t, err := decodeItem(kind, raw)
				if err != nil {
					yield(media.MediaRef{}, &media.PlatformError{Platform: media.PlatformSpotify, Operation: "expand", Message: err.Error()})
					return
				}

				if t == nil || t.ID == "" || t.IsLocal {
					continue
				}

				if !yield(toRef(*t), nil) {
					return
				}

				if yielded++; yielded >= c.maxPlaylist {
					return
				}
			}

			next = p.Next
		}

		if yielded == 0 {
			yield(media.MediaRef{}, &media.NotFoundError{Platform: media.PlatformSpotify, Query: rawURL})
		}
	}
}

// Fetch finds the recording on the playback adapter and streams it from there. Metadata without a playback
// source is a partial outage that retrying will not fix.
func (c *Client) Fetch(ctx context.Context, ref media.MediaRef) (*media.RawStream, error) {
	if c.playback == nil {
		return nil, &media.PlatformError{Platform: media.PlatformSpotify, Operation: "fetch", Message: "no playback source configured"}
	}

	query := ref.Title
	if ref.Artist != "" {
		query = ref.Artist + " - " + ref.Title
	}

	source, err := c.pickSource(ctx, ref, query)
	if err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "resolved spotify playback source",
		"track_id", ref.NativeID,
		"source", source.String(),
	)

	return c.playback.Fetch(ctx, source)
}

func (c *Client) pickSource(ctx context.Context, ref media.MediaRef, query string) (media.MediaRef, error) {
	var first *media.MediaRef

	for candidate, err := range c.playback.Search(ctx, query) {
		if err != nil {
			if media.IsRetryable(err) {
				return media.MediaRef{}, err
			}

			break
		}

		if ref.Duration == 0 || candidate.Duration == 0 || absDuration(candidate.Duration-ref.Duration) <= durationTolerance {
			return candidate, nil
		}

		if first == nil {
			first = &candidate
		}
	}

	if first != nil {
		return *first, nil
	}

	return media.MediaRef{}, &media.PlatformError{
		Platform:  media.PlatformSpotify,
		Operation: "fetch",
		Message:   fmt.Sprintf("no playback source found on %s for %q", c.playback.Platform(), query),
	}
}

func (c *Client) get(ctx context.Context, operation, endpoint string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.TransportError(ctx, media.PlatformSpotify, operation, err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(media.PlatformSpotify, operation, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.TransportError(ctx, media.PlatformSpotify, operation, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &media.PlatformError{Platform: media.PlatformSpotify, Operation: operation, Message: "invalid json response", Err: err}
	}

	return nil
}

func decodeItem(kind string, raw json.RawMessage) (*track, error) {
	if kind == "playlist" {
		var item playlistItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}

		return item.Track, nil
	}

	var t track
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

func toRef(t track) media.MediaRef {
	ref := media.MediaRef{
		Platform: media.PlatformSpotify,
		NativeID: t.ID,
		Title:    t.Name,
		Artist:   strings.Join(lo.Map(t.Artists, func(a artist, _ int) string { return a.Name }), ", "),
		Duration: time.Duration(t.DurationMS) * time.Millisecond,
		Locator:  t.ExternalURLs.Spotify,
	}

	if len(t.Album.Images) > 0 {
		ref.ThumbnailURL = t.Album.Images[0].URL
	}

	return ref
}

func parseLink(rawURL string) (kind, id string, ok bool) {
	m := linkPattern.FindStringSubmatch(rawURL)
	if m == nil {
		m = uriPattern.FindStringSubmatch(rawURL)
	}

	if m == nil {
		return "", "", false
	}

	return m[1], m[2], true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
