package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/database"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/feedback"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/metrics"
	"github.com/snarg/commcoach/internal/playback"
	"github.com/snarg/commcoach/internal/transcribe"
)

var (
	ErrNoActiveClip = errors.New("no recording found")
	ErrNoTranscript = errors.New("transcript not available")
	ErrClosed       = errors.New("analysis closed")
)

const archiveTimeout = 5 * time.Second

// Archive persists clip metadata and feedback runs. *database.DB satisfies it.
type Archive interface {
	InsertClip(ctx context.Context, c *media.Clip) error
	UpdateClipDuration(ctx context.Context, id string, seconds float64) error
	SaveFeedback(ctx context.Context, run *database.FeedbackRun) error
}

// Publisher delivers an event to the analysis owner.
type Publisher func(eventType, clipID string, payload any)

// FeedbackResult is the latest feedback run for the analysis clip.
type FeedbackResult struct {
	ClipID      string          `json:"clip_id"`
	Profile     string          `json:"profile"`
	Items       []feedback.Item `json:"items"`
	Stats       *feedback.Stats `json:"stats,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// AnalysisOptions configures an Analysis.
type AnalysisOptions struct {
	Clip         *media.Clip
	Transport    transcribe.Transport
	PollInterval time.Duration
	PollTimeout  time.Duration
	Links        *Links
	// MediaPath prefixes link tokens to form the player URL.
	MediaPath string
	Publish   Publisher
	Archive   Archive
	Now       func() time.Time
	Log       zerolog.Logger
}

// Analysis is the results view for one clip: the player, the transcript
// acquisition and the feedback derived from it.
type Analysis struct {
	ID   string
	clip *media.Clip
	opts AnalysisOptions
	log  zerolog.Logger

	player *playback.Player
	acq    *transcribe.Acquisition

	mu         sync.Mutex
	result     *FeedbackResult
	lastActive time.Time
	closed     bool
}

// AnalysisState is the JSON view of the results screen.
type AnalysisState struct {
	ID         string             `json:"id"`
	Clip       *media.Clip        `json:"clip"`
	Playback   playback.State     `json:"playback"`
	Transcript transcribe.Request `json:"transcript"`
	Feedback   *FeedbackResult    `json:"feedback,omitempty"`
}

// NewAnalysis attaches clip to a fresh player behind a revocable link.
func NewAnalysis(opts AnalysisOptions) *Analysis {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Analysis{
		ID:         uuid.NewString(),
		clip:       opts.Clip,
		opts:       opts,
		log:        opts.Log.With().Str("clip_id", opts.Clip.ID).Logger(),
		player:     playback.NewPlayer(),
		lastActive: opts.Now(),
	}

	src := playback.Source{Duration: opts.Clip.DurationSeconds}
	if opts.Links != nil {
		token := opts.Links.Create(opts.Clip)
		src.URL = opts.MediaPath + token
		src.Release = func() { opts.Links.Revoke(token) }
	}
	a.player.Attach(src)

	a.acq = transcribe.NewAcquisition(transcribe.AcquisitionOptions{
		Transport:    opts.Transport,
		PollInterval: opts.PollInterval,
		PollTimeout:  opts.PollTimeout,
		OnReady:      a.onReady,
		OnFailed:     a.onFailed,
		Log:          a.log,
	})
	return a
}

// Clip returns a copy of the clip metadata without its bytes.
func (a *Analysis) Clip() media.Clip {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := *a.clip
	c.Bytes = nil
	return c
}

// Media returns the clip including its bytes for serving.
func (a *Analysis) Media() *media.Clip { return a.clip }

func (a *Analysis) Player() *playback.Player {
	a.touch()
	return a.player
}

// Transcribe submits the clip for transcription. Once a transcript is
// available it is kept; later calls return it with transcribe.ErrAlreadyAvailable.
func (a *Analysis) Transcribe(ctx context.Context) (transcribe.Request, error) {
	if a.isClosed() {
		return transcribe.Request{}, ErrClosed
	}
	a.touch()
	return a.acq.Start(ctx, a.clip)
}

func (a *Analysis) Transcript() transcribe.Request {
	return a.acq.Current()
}

// SetDuration records media metadata. Feedback for an available transcript
// is recomputed so Pace can be reported.
func (a *Analysis) SetDuration(ctx context.Context, seconds float64) error {
	if err := a.player.SetDuration(seconds); err != nil {
		return err
	}
	a.touch()
	a.mu.Lock()
	a.clip.DurationSeconds = a.player.Duration()
	a.mu.Unlock()

	if a.opts.Archive != nil && seconds > 0 {
		if err := a.opts.Archive.UpdateClipDuration(ctx, a.clip.ID, seconds); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist clip duration")
		}
	}
	if req := a.acq.Current(); req.State == transcribe.StateAvailable {
		a.store(a.compute(feedback.ProfileMetrics, req.Text))
	}
	return nil
}

// Feedback returns feedback for the given profile. The metrics profile needs
// an available transcript; the static profile does not.
func (a *Analysis) Feedback(profile feedback.Profile) (*FeedbackResult, error) {
	a.touch()
	if profile == feedback.ProfileStatic {
		return a.compute(profile, ""), nil
	}
	req := a.acq.Current()
	if req.State != transcribe.StateAvailable {
		return nil, ErrNoTranscript
	}
	a.mu.Lock()
	cached := a.result
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	res := a.compute(profile, req.Text)
	a.store(res)
	return res, nil
}

// State snapshots the results view.
func (a *Analysis) State() AnalysisState {
	clip := a.Clip()
	a.mu.Lock()
	res := a.result
	a.mu.Unlock()
	return AnalysisState{
		ID:         a.ID,
		Clip:       &clip,
		Playback:   a.player.State(),
		Transcript: a.acq.Current(),
		Feedback:   res,
	}
}

// LastActive is when a client last touched this analysis.
func (a *Analysis) LastActive() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}

// Close stops polling and revokes the media link. It is idempotent.
func (a *Analysis) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.acq.Close()
	a.player.Detach()
}

func (a *Analysis) onReady(req transcribe.Request) {
	res := a.compute(feedback.ProfileMetrics, req.Text)
	a.store(res)
	a.publish(events.TranscriptReady, req)
	a.publish(events.FeedbackReady, res)
}

func (a *Analysis) onFailed(req transcribe.Request) {
	a.publish(events.TranscriptFailed, req)
}

func (a *Analysis) compute(profile feedback.Profile, transcript string) *FeedbackResult {
	res := &FeedbackResult{
		ClipID:      a.clip.ID,
		Profile:     string(profile),
		GeneratedAt: time.Now().UTC(),
	}
	if profile == feedback.ProfileStatic {
		res.Items = feedback.Static()
	} else {
		a.mu.Lock()
		duration := a.clip.Duration()
		a.mu.Unlock()
		stats := feedback.Measure(transcript, duration)
		res.Stats = &stats
		res.Items = feedback.FromStats(stats)
	}
	metrics.FeedbackTotal.WithLabelValues(res.Profile).Inc()
	return res
}

// store replaces the cached result and archives it.
func (a *Analysis) store(res *FeedbackResult) {
	a.mu.Lock()
	a.result = res
	a.mu.Unlock()

	if a.opts.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := a.opts.Archive.SaveFeedback(ctx, &database.FeedbackRun{
		ClipID:    res.ClipID,
		Profile:   res.Profile,
		Items:     res.Items,
		Stats:     res.Stats,
		CreatedAt: res.GeneratedAt,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to persist feedback")
	}
}

func (a *Analysis) publish(eventType string, payload any) {
	if a.opts.Publish != nil {
		a.opts.Publish(eventType, a.clip.ID, payload)
	}
}

func (a *Analysis) touch() {
	a.mu.Lock()
	a.lastActive = a.opts.Now()
	a.mu.Unlock()
}

func (a *Analysis) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
