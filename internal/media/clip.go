package media

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMimeType is what browser recorders produce for combined audio+video capture.
const DefaultMimeType = "video/webm"

// DefaultMaxBytes is the upload ceiling, matching the clip bucket's file size limit.
const DefaultMaxBytes = 50 << 20

// Source records how a clip was produced.
type Source string

const (
	SourceRecording Source = "recording"
	SourceUpload    Source = "upload"
)

var (
	ErrEmpty       = errors.New("clip is empty")
	ErrUnsupported = errors.New("unsupported media type")
	ErrTooLarge    = errors.New("clip exceeds size limit")
)

// Clip is a finalized audio/video payload, either recorded live or uploaded.
type Clip struct {
	ID              string    `json:"id"`
	MimeType        string    `json:"mime_type"`
	Source          Source    `json:"source"`
	Filename        string    `json:"filename,omitempty"`
	SizeBytes       int       `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	StorageKey      string    `json:"storage_key,omitempty"`
	OwnerEmail      string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`

	Bytes []byte `json:"-"`
}

// NewClip builds a clip with a fresh ID. The byte slice is retained, not copied.
func NewClip(data []byte, mimeType string, source Source) *Clip {
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return &Clip{
		ID:        uuid.NewString(),
		MimeType:  mimeType,
		Source:    source,
		SizeBytes: len(data),
		CreatedAt: time.Now().UTC(),
		Bytes:     data,
	}
}

// DurationKnown reports whether playback metadata has populated the duration.
func (c *Clip) DurationKnown() bool {
	return c != nil && c.DurationSeconds > 0
}

// Duration returns a pointer to the duration when known, nil otherwise.
func (c *Clip) Duration() *float64 {
	if !c.DurationKnown() {
		return nil
	}
	d := c.DurationSeconds
	return &d
}

// UploadName returns a name suitable for multipart uploads to transcription providers.
func (c *Clip) UploadName() string {
	if c.Filename != "" {
		return filepath.Base(c.Filename)
	}
	return "recording" + ExtensionFor(c.MimeType)
}

// Validate checks an uploaded payload: audio or video only, non-empty, within maxBytes.
// The declared type wins when it parses; otherwise the content is sniffed.
func Validate(data []byte, declared string, maxBytes int) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), maxBytes)
	}
	mt := BaseType(declared)
	if mt == "" || mt == "application/octet-stream" {
		mt = BaseType(http.DetectContentType(data))
	}
	if !IsAudioVideo(mt) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, mt)
	}
	return mt, nil
}

// BaseType strips parameters (codecs=..., charset=...) from a media type.
func BaseType(mt string) string {
	if mt == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(mt, ";", 2)[0]))
	}
	return parsed
}

// IsAudioVideo reports whether the media type is audio/* or video/*.
func IsAudioVideo(mt string) bool {
	return strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/")
}

// ExtensionFor maps a media type to a file extension for storage keys.
func ExtensionFor(mt string) string {
	switch BaseType(mt) {
	case "video/webm", "audio/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "video/ogg":
		return ".ogg"
	case "video/quicktime":
		return ".mov"
	default:
		return ".bin"
	}
}
