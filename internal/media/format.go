package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Codec is a target encoding.
type Codec string

const (
	CodecMP3  Codec = "mp3"
	CodecOpus Codec = "opus"
	CodecOgg  Codec = "ogg"
	CodecM4A  Codec = "m4a"
	CodecFLAC Codec = "flac"
	CodecWAV  Codec = "wav"
	// CodecDCA is Discord's framed opus container.
	CodecDCA Codec = "dca"
)

var mimeTypes = map[Codec]string{
	CodecMP3:  "audio/mpeg",
	CodecOpus: "audio/opus",
	CodecOgg:  "audio/ogg",
	CodecM4A:  "audio/mp4",
	CodecFLAC: "audio/flac",
	CodecWAV:  "audio/wav",
	CodecDCA:  "application/octet-stream",
}

// Format is a codec plus a bitrate in kbps. A zero bitrate means the codec default.
type Format struct {
	Codec   Codec
	Bitrate int
}

// DefaultFormat is used when a request does not ask for anything else.
var DefaultFormat = Format{Codec: CodecMP3, Bitrate: 192}

// ParseFormat parses "codec" or "codec@bitrate", e.g. "mp3@192".
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Format{}, fmt.Errorf("empty format")
	}

	codec, rate, hasRate := strings.Cut(s, "@")

	f := Format{Codec: Codec(codec)}
	if _, ok := mimeTypes[f.Codec]; !ok {
		return Format{}, fmt.Errorf("unsupported codec %q", codec)
	}

	if hasRate {
		bitrate, err := strconv.Atoi(strings.TrimSuffix(rate, "k"))
		if err != nil || bitrate <= 0 || bitrate > 1411 {
			return Format{}, fmt.Errorf("invalid bitrate %q", rate)
		}

		f.Bitrate = bitrate
	}

	return f, nil
}

func (f Format) String() string {
	if f.Bitrate == 0 {
		return string(f.Codec)
	}

	return fmt.Sprintf("%s@%d", f.Codec, f.Bitrate)
}

// Extension is the file extension for the encoded output.
func (f Format) Extension() string {
	return string(f.Codec)
}

// MimeType is the content type served for the encoded output.
func (f Format) MimeType() string {
	if mt, ok := mimeTypes[f.Codec]; ok {
		return mt
	}

	return "application/octet-stream"
}

// IsZero reports whether the format was left unset.
func (f Format) IsZero() bool {
	return f.Codec == ""
}
