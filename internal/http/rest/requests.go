package rest

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/orchestrator"
)

const maxBodySize = 64 << 10

// Engine is the part of the orchestrator served over HTTP.
type Engine interface {
	Submit(ctx context.Context, req media.Request) *orchestrator.Future
	SubmitPlaylist(ctx context.Context, rawURL string, format media.Format) ([]*orchestrator.Future, error)
	Lookup(id string) (*orchestrator.Future, bool)
	SearchAll(ctx context.Context, query string, hint media.Platform) ([]media.MediaRef, error)
}

// SubmitRequest is the body of POST /requests.
type SubmitRequest struct {
	Query    string `json:"query"`
	Platform string `json:"platform,omitempty"`
	Format   string `json:"format,omitempty"`
}

// PlaylistRequest is the body of POST /playlists.
type PlaylistRequest struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

// Accepted answers a submission.
type Accepted struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
}

type Track struct {
	Platform     string `json:"platform"`
	ID           string `json:"id"`
	Title        string `json:"title"`
	Artist       string `json:"artist,omitempty"`
	Duration     int64  `json:"duration_seconds,omitempty"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

type Progress struct {
	Read  int64 `json:"read"`
	Total int64 `json:"total"`
}

type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ArtifactBody struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url"`
}

// RequestStatus is the body of GET /requests/{id}.
type RequestStatus struct {
	ID          string        `json:"id"`
	Input       string        `json:"input"`
	Origin      string        `json:"origin"`
	Format      string        `json:"format"`
	State       string        `json:"state"`
	Attempts    int           `json:"attempts"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Track       *Track        `json:"track,omitempty"`
	Progress    *Progress     `json:"progress,omitempty"`
	Error       *ErrorBody    `json:"error,omitempty"`
	Artifact    *ArtifactBody `json:"artifact,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// RequestsHandler serves the request API.
type RequestsHandler struct {
	engine   Engine
	username string
	password string
}

// NewRequestsHandler creates the handler. Empty credentials disable basic auth.
func NewRequestsHandler(engine Engine, username, password string) *RequestsHandler {
	return &RequestsHandler{
		engine:   engine,
		username: username,
		password: password,
	}
}

func (h *RequestsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/requests", h.HandleSubmit)
	r.Get("/requests/{id}", h.HandleStatus)
	r.Delete("/requests/{id}", h.HandleWithdraw)
	r.Get("/requests/{id}/artifact", h.HandleArtifact)
	r.Post("/playlists", h.HandlePlaylist)
	r.Get("/search", h.HandleSearch)

	return r
}

// HandleSubmit accepts a query or a link and answers before the work is done.
func (h *RequestsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var body SubmitRequest
	if err := decode(r, &body); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")

		return
	}

	format, err := parseFormat(body.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	var hint media.Platform
	if body.Platform != "" {
		if hint, err = media.ParsePlatform(body.Platform); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}
	}

	f := h.engine.Submit(r.Context(), media.NewRequest(body.Query, hint, format))

	logger.InfoContext(r.Context(), "request accepted", "id", f.ID(), "origin", f.Request().Origin.String())

	writeJSON(w, http.StatusAccepted, accepted(f))
}

// HandlePlaylist expands a playlist link into one request per entry.
func (h *RequestsHandler) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var body PlaylistRequest
	if err := decode(r, &body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	format, err := parseFormat(body.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	futures, err := h.engine.SubmitPlaylist(r.Context(), body.URL, format)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to expand playlist", "url", body.URL, "err", err)
		writeError(w, statusOf(err), err.Error())

		return
	}

	out := make([]Accepted, 0, len(futures))
	for _, f := range futures {
		out = append(out, accepted(f))
	}

	writeJSON(w, http.StatusAccepted, out)
}

func (h *RequestsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := h.future(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toStatus(f.Status()))
}

// HandleWithdraw gives a request up. Withdrawing a finished request changes nothing.
func (h *RequestsHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	f, ok := h.future(w, r)
	if !ok {
		return
	}

	f.Withdraw()

	w.WriteHeader(http.StatusNoContent)
}

// HandleArtifact streams the encoded file of a succeeded request.
func (h *RequestsHandler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	f, ok := h.future(w, r)
	if !ok {
		return
	}

	st := f.Status()

	switch {
	case !st.Done():
		writeError(w, http.StatusConflict, "request is still "+string(st.Stage))

		return
	case st.Err != nil:
		writeError(w, statusOf(st.Err), st.Err.Error())

		return
	}

	art := st.Artifact

	rc, err := art.Open()
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to open artifact", "fingerprint", art.Fingerprint.Short(), "err", err)
		writeError(w, http.StatusGone, "artifact is no longer available")

		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", art.Format.MimeType())
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename}))

	if _, err := io.Copy(w, rc); err != nil {
		logger.WarnContext(r.Context(), "failed to stream artifact", "fingerprint", art.Fingerprint.Short(), "err", err)
	}
}

// HandleSearch lists candidates across platforms without downloading anything.
func (h *RequestsHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")

		return
	}

	var hint media.Platform

	if p := q.Get("platform"); p != "" {
		var err error
		if hint, err = media.ParsePlatform(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}
	}

	refs, err := h.engine.SearchAll(r.Context(), query, hint)
	if err != nil {
		writeError(w, statusOf(err), err.Error())

		return
	}

	out := make([]Track, 0, len(refs))
	for _, ref := range refs {
		out = append(out, toTrack(ref))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *RequestsHandler) future(w http.ResponseWriter, r *http.Request) (*orchestrator.Future, bool) {
	f, ok := h.engine.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request")

		return nil, false
	}

	return f, true
}

func (h *RequestsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="audio_fetcher"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

func parseFormat(s string) (media.Format, error) {
	if s == "" {
		return media.Format{}, nil
	}

	return media.ParseFormat(s)
}

func accepted(f *orchestrator.Future) Accepted {
	return Accepted{ID: f.ID(), StatusURL: "/api/v1/requests/" + f.ID()}
}

func toTrack(ref media.MediaRef) Track {
	return Track{
		Platform:     ref.Platform.String(),
		ID:           ref.NativeID,
		Title:        ref.Title,
		Artist:       ref.Artist,
		Duration:     int64(ref.Duration.Seconds()),
		URL:          ref.Locator,
		ThumbnailURL: ref.ThumbnailURL,
	}
}

func toStatus(st orchestrator.Status) RequestStatus {
	out := RequestStatus{
		ID:          st.ID,
		Input:       st.Input,
		Origin:      st.Origin.String(),
		Format:      st.Format.String(),
		State:       string(st.Stage),
		Attempts:    st.Attempts,
		RequestedAt: st.RequestedAt,
	}

	if st.Fingerprint != "" {
		out.Fingerprint = st.Fingerprint.String()
	}

	if st.Ref != nil {
		track := toTrack(*st.Ref)
		out.Track = &track
	}

	if st.Read > 0 && !st.Done() {
		out.Progress = &Progress{Read: st.Read, Total: st.Total}
	}

	if st.Done() {
		finished := st.FinishedAt
		out.FinishedAt = &finished
	}

	if st.Err != nil {
		out.Error = &ErrorBody{Kind: errorKind(st.Err), Message: st.Err.Error(), Retryable: media.IsRetryable(st.Err)}
	}

	if art := st.Artifact; art != nil {
		out.Artifact = &ArtifactBody{
			Filename:  art.Filename,
			Size:      art.Size,
			SizeHuman: humanize.Bytes(uint64(art.Size)),
			Format:    art.Format.String(),
			CreatedAt: art.CreatedAt,
			URL:       "/api/v1/requests/" + st.ID + "/artifact",
		}
	}

	return out
}

// errorKind names err for API clients.
func errorKind(err error) string {
	var (
		notFound    *media.NotFoundError
		unsupported *media.UnsupportedError
		rateLimited *media.RateLimitedError
		fetchErr    *media.FetchError
		platformErr *media.PlatformError
		convErr     *media.ConversionError
		tooLarge    *media.TooLargeError
		timeout     *media.TimeoutError
	)

	switch {
	case errors.Is(err, media.ErrCancelled):
		return "cancelled"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &unsupported):
		return "unsupported"
	case errors.As(err, &rateLimited):
		return "rate_limited"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &platformErr):
		return "platform"
	case errors.As(err, &tooLarge):
		return "too_large"
	case errors.As(err, &convErr):
		return "conversion"
	default:
		return "internal"
	}
}

func statusOf(err error) int {
	switch errorKind(err) {
	case "not_found":
		return http.StatusNotFound
	case "unsupported":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "timeout":
		return http.StatusGatewayTimeout
	case "cancelled":
		return http.StatusGone
	case "too_large":
		return http.StatusRequestEntityTooLarge
	case "fetch", "platform":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
