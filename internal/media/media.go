// Package media holds the shared vocabulary of the fetch engine: requests, resolved media references,
// fingerprints, formats, encoded artifacts and the error taxonomy every component speaks.
package media

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies an external audio source.
type Platform string

const (
	PlatformSoundCloud Platform = "soundcloud"
	PlatformSpotify    Platform = "spotify"
	PlatformYouTube    Platform = "youtube"
	PlatformDeezer     Platform = "deezer"
	PlatformPutio      Platform = "putio"
)

// ParsePlatform maps a configuration value onto a known Platform.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformSoundCloud, PlatformSpotify, PlatformYouTube, PlatformDeezer, PlatformPutio:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

func (p Platform) String() string {
	return string(p)
}

// Origin tells whether a request carries a free-text query or a link.
type Origin int

const (
	OriginSearch Origin = iota
	OriginURL
)

func (o Origin) String() string {
	if o == OriginURL {
		return "direct-url"
	}

	return "search-term"
}

// Request is a single user ask. It is immutable once created.
type Request struct {
	ID           string
	Origin       Origin
	Input        string
	PlatformHint Platform
	Format       Format
	RequestedAt  time.Time
}

// NewRequest builds a Request, deriving its origin from the input.
func NewRequest(input string, hint Platform, format Format) Request {
	input = strings.TrimSpace(input)

	origin := OriginSearch
	if lower := strings.ToLower(input); strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		origin = OriginURL
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Request{
		ID:           id.String(),
		Origin:       origin,
		Input:        input,
		PlatformHint: hint,
		Format:       format,
		RequestedAt:  time.Now(),
	}
}

// MediaRef is a resolved pointer to a specific track on a specific platform.
type MediaRef struct {
	Platform     Platform
	NativeID     string
	Title        string
	Artist       string
	Duration     time.Duration
	Locator      string
	ThumbnailURL string
	// Bitrate is the best known source bitrate in kbps, zero when unknown.
	Bitrate int
}

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]+`)

// Filename returns the download name for the reference in the given format, "artist - title.ext".
func (m MediaRef) Filename(f Format) string {
	name := m.Title
	if m.Artist != "" {
		name = m.Artist + " - " + m.Title
	}

	name = strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(name, "_"))
	if name == "" {
		name = m.NativeID
	}

	return name + "." + f.Extension()
}

func (m MediaRef) String() string {
	return fmt.Sprintf("%s:%s", m.Platform, m.NativeID)
}

// Target describes the artifact a job has to produce.
type Target struct {
	Fingerprint Fingerprint
	Format      Format
	Ref         MediaRef
}

// NewTarget derives the target for encoding ref in format f.
func NewTarget(ref MediaRef, f Format) Target {
	return Target{
		Fingerprint: NewFingerprint(ref.Platform, ref.NativeID, f),
		Format:      f,
		Ref:         ref,
	}
}
