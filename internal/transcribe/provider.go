package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/commcoach/internal/media"
)

// ErrTranscription marks failures from the speech-to-text service: transport
// errors, non-200 responses and undecodable bodies.
var ErrTranscription = errors.New("transcription failed")

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio Audio, opts TranscribeOpts) (*Response, error)
	Name() string  // "elevenlabs", "whisper", "deepinfra"
	Model() string // model identifier for DB/logs
}

// Audio is an in-memory clip handed to a provider.
type Audio struct {
	Data     []byte
	Filename string
	MimeType string
}

// AudioFromClip wraps a clip for upload.
func AudioFromClip(c *media.Clip) Audio {
	return Audio{Data: c.Bytes, Filename: c.UploadName(), MimeType: c.MimeType}
}

// TranscribeOpts are per-request options. Zero values are omitted from requests.
type TranscribeOpts struct {
	Language    string
	Prompt      string
	Temperature float64
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds, 0 if not reported
	Words    []Word  // nil if provider doesn't support word timestamps
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word  string
	Start float64 // seconds
	End   float64 // seconds
}

// ProviderOptions selects and configures a provider.
type ProviderOptions struct {
	Name       string // elevenlabs, whisper, deepinfra
	Model      string
	APIKey     string
	WhisperURL string
	Timeout    time.Duration
}

// NewProvider builds the configured provider.
func NewProvider(opts ProviderOptions) (Provider, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	switch strings.ToLower(opts.Name) {
	case "", "elevenlabs":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("elevenlabs provider requires STT_API_KEY")
		}
		return NewElevenLabsClient(opts.APIKey, opts.Model, opts.Timeout), nil
	case "whisper":
		if opts.WhisperURL == "" {
			return nil, fmt.Errorf("whisper provider requires STT_WHISPER_URL")
		}
		return NewWhisperClient(opts.WhisperURL, opts.Model, opts.APIKey, opts.Timeout), nil
	case "deepinfra":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("deepinfra provider requires STT_API_KEY")
		}
		return NewDeepInfraClient(opts.APIKey, opts.Model, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", opts.Name)
	}
}

// run calls the provider and normalizes the result to trimmed text.
func run(ctx context.Context, p Provider, audio Audio, opts TranscribeOpts) (*Response, error) {
	resp, err := p.Transcribe(ctx, audio, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTranscription, p.Name(), err)
	}
	resp.Text = strings.TrimSpace(resp.Text)
	return resp, nil
}
