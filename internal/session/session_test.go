package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/feedback"
	"github.com/snarg/commcoach/internal/media"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	text string
	err  error
}

func (p *stubProvider) Transcribe(ctx context.Context, audio transcribe.Audio, opts transcribe.TranscribeOpts) (*transcribe.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &transcribe.Response{Text: p.text}, nil
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-1" }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr      *Manager
	sessions *auth.MemorySessionStore
	clips    *storage.LocalStore
	bus      *events.Bus
	provider *stubProvider
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: auth.NewMemorySessionStore(),
		clips:    storage.NewLocalStore(t.TempDir()),
		bus:      events.NewBus(32),
		provider: &stubProvider{text: "um so I think like this went well"},
		clock:    &clock{now: time.Now()},
	}
	f.mgr = NewManager(ManagerOptions{
		Sessions:       f.sessions,
		TTL:            time.Hour,
		Capture:        capture.Options{Limit: 5 * time.Second},
		MaxUploadBytes: 1 << 20,
		Transport:      transcribe.NewSyncTransport(f.provider, transcribe.NewMemoryStore(), transcribe.TranscribeOpts{}, zerolog.Nop()),
		Clips:          f.clips,
		MediaPath:      "/api/v1/media/",
		Bus:            f.bus,
		Now:            f.clock.Now,
		Log:            zerolog.Nop(),
	})
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) login(t *testing.T) *Context {
	t.Helper()
	c, err := f.mgr.Login(context.Background(), "ada@example.com")
	require.NoError(t, err)
	return c
}

func TestLoginLookupLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	assert.Equal(t, "ada", c.DisplayName)
	got, err := f.mgr.Lookup(ctx, c.Token)
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 1, f.mgr.ActiveSessions())

	_, err = f.mgr.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.mgr.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.mgr.Logout(ctx, c.Token))
	_, err = f.mgr.Lookup(ctx, c.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, c.Me().Authenticated)
}

func TestLookupRestoresFromStore(t *testing.T) {
	f := newFixture(t)
	c := f.login(t)

	other := NewManager(ManagerOptions{Sessions: f.sessions, TTL: time.Hour, Log: zerolog.Nop()})
	defer other.Close()

	restored, err := other.Lookup(context.Background(), c.Token)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", restored.Email)
	assert.Equal(t, "ada", restored.DisplayName)
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)
	_, err := c.Capture()
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	_, err = f.mgr.Lookup(ctx, c.Token)
	require.NoError(t, err, "use slides the expiry")

	f.clock.Advance(61 * time.Minute)
	n, err := f.mgr.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.mgr.ActiveSessions())

	_, err = c.Capture()
	assert.ErrorIs(t, err, capture.ErrClosed, "expired context is torn down")
}

func TestUploadTranscribeFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)
	ch, cancel := f.bus.Subscribe(events.Filter{Owner: c.Email})
	defer cancel()

	_, err := c.Analysis()
	assert.ErrorIs(t, err, ErrNoActiveClip)

	a, err := c.Upload(ctx, []byte("fake-audio"), "audio/webm", "talk.webm")
	require.NoError(t, err)

	clip := a.Clip()
	assert.Equal(t, media.SourceUpload, clip.Source)
	assert.Equal(t, "ada@example.com", clip.OwnerEmail)
	assert.True(t, f.clips.Exists(ctx, clip.StorageKey))
	assert.True(t, f.mgr.ClipInUse(clip.StorageKey))

	st := a.State()
	require.True(t, strings.HasPrefix(st.Playback.URL, "/api/v1/media/"))
	token := strings.TrimPrefix(st.Playback.URL, "/api/v1/media/")
	served, ok := f.mgr.Links().Resolve(token)
	require.True(t, ok)
	assert.Equal(t, []byte("fake-audio"), served.Bytes)

	_, err = a.Feedback(feedback.ProfileMetrics)
	assert.ErrorIs(t, err, ErrNoTranscript)
	static, err := a.Feedback(feedback.ProfileStatic)
	require.NoError(t, err)
	assert.Len(t, static.Items, 5)

	req, err := a.Transcribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, transcribe.StateAvailable, req.State)

	res, err := a.Feedback(feedback.ProfileMetrics)
	require.NoError(t, err)
	require.Len(t, res.Items, 4, "pace omitted without duration")
	assert.Equal(t, feedback.FillerWords, res.Items[0].Category)
	assert.Equal(t, 2, res.Stats.TotalFillerWords)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out; got events %v", types)
		}
	}
	assert.Equal(t, []string{events.TranscriptReady, events.FeedbackReady}, types)

	require.NoError(t, a.SetDuration(ctx, 6))
	res, err = a.Feedback(feedback.ProfileMetrics)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.Equal(t, feedback.Pace, res.Items[1].Category)

	c.CloseAnalysis()
	_, ok = f.mgr.Links().Resolve(token)
	assert.False(t, ok, "leaving the results view revokes the link")
	assert.False(t, f.mgr.ClipInUse(clip.StorageKey))
}

func TestUploadRejectsNonMedia(t *testing.T) {
	f := newFixture(t)
	c := f.login(t)
	_, err := c.Upload(context.Background(), []byte("hello"), "text/plain", "notes.txt")
	assert.ErrorIs(t, err, media.ErrUnsupported)
	_, err = c.Analysis()
	assert.ErrorIs(t, err, ErrNoActiveClip)
}

func TestTranscriptFailurePublishes(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("quota exceeded")
	c := f.login(t)
	ch, cancel := f.bus.Subscribe(events.Filter{Owner: c.Email, Types: []string{events.TranscriptFailed}})
	defer cancel()

	a, err := c.Upload(context.Background(), []byte("x"), "video/webm", "")
	require.NoError(t, err)
	req, err := a.Transcribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transcribe.StateFailed, req.State)

	select {
	case e := <-ch:
		assert.Equal(t, a.Clip().ID, e.ClipID)
	case <-time.After(time.Second):
		t.Fatal("no transcript_failed event")
	}
}

func TestProcessRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	ctrl, err := c.Capture()
	require.NoError(t, err)
	_, err = ctrl.RequestDevices(ctx, capture.ReportedSource{Granted: true, MimeType: "video/webm;codecs=vp8,opus"})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.AppendChunk(0, []byte("abc")))
	require.NoError(t, ctrl.AppendChunk(1, []byte("def")))
	assert.True(t, c.Me().Recording)
	assert.Equal(t, 1, f.mgr.ActiveRecordings())

	a, err := c.ProcessRecording(ctx)
	require.NoError(t, err)
	clip := a.Clip()
	assert.Equal(t, media.SourceRecording, clip.Source)
	assert.Equal(t, 6, clip.SizeBytes)
	assert.Equal(t, "video/webm", clip.MimeType)

	me := c.Me()
	require.NotNil(t, me.ActiveClip)
	assert.Equal(t, clip.ID, me.ActiveClip.ID)
	assert.False(t, me.Recording)
	assert.False(t, ctrl.State().HasClip, "clip moved to the analysis")
}

func TestProcessRecordingWithoutData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	_, err := c.ProcessRecording(ctx)
	assert.ErrorIs(t, err, capture.ErrNoRecording)

	ctrl, _ := c.Capture()
	_, err = ctrl.RequestDevices(ctx, capture.ReportedSource{Granted: true})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	_, err = c.ProcessRecording(ctx)
	assert.ErrorIs(t, err, capture.ErrNoRecording)
	assert.Equal(t, capture.StatusInactive, ctrl.State().Status)
}

func TestTimeLimitPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)
	ch, cancel := f.bus.Subscribe(events.Filter{Owner: c.Email})
	defer cancel()

	ctrl, _ := c.Capture()
	_, err := ctrl.RequestDevices(ctx, capture.ReportedSource{Granted: true})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.AppendChunk(0, []byte("x")))
	for i := 0; i < 5; i++ {
		ctrl.Tick()
	}

	select {
	case e := <-ch:
		assert.Equal(t, events.TimeLimitReached, e.Type)
		assert.NotEmpty(t, e.ClipID)
	case <-time.After(time.Second):
		t.Fatal("no time_limit_reached event")
	}
}

func TestCloseIdleAnalyses(t *testing.T) {
	f := newFixture(t)
	c := f.login(t)
	_, err := c.Upload(context.Background(), []byte("x"), "audio/mpeg", "")
	require.NoError(t, err)

	assert.Zero(t, f.mgr.CloseIdleAnalyses(time.Hour))
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.mgr.CloseIdleAnalyses(time.Hour))
	_, err = c.Analysis()
	assert.ErrorIs(t, err, ErrNoActiveClip)
}

func TestOpenAnalysisReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	c := f.login(t)
	first, err := c.Upload(context.Background(), []byte("one"), "audio/wav", "")
	require.NoError(t, err)
	second, err := c.Upload(context.Background(), []byte("two"), "audio/wav", "")
	require.NoError(t, err)

	_, err = first.Transcribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	cur, err := c.Analysis()
	require.NoError(t, err)
	assert.Same(t, second, cur)
	assert.Equal(t, 1, f.mgr.Links().Len())
}

func TestTranscribeKeepsAvailableTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	a, err := c.Upload(ctx, []byte("fake-audio"), "audio/webm", "talk.webm")
	require.NoError(t, err)
	first, err := a.Transcribe(ctx)
	require.NoError(t, err)
	require.Equal(t, transcribe.StateAvailable, first.State)
	before, err := a.Feedback(feedback.ProfileMetrics)
	require.NoError(t, err)

	f.provider.text = "completely different words now"
	second, err := a.Transcribe(ctx)
	assert.ErrorIs(t, err, transcribe.ErrAlreadyAvailable)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "um so I think like this went well", a.Transcript().Text)

	after, err := a.Feedback(feedback.ProfileMetrics)
	require.NoError(t, err)
	assert.Equal(t, before.Stats, after.Stats)
}

func TestProcessRecordingAfterCountdownStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	ctrl, err := c.Capture()
	require.NoError(t, err)
	_, err = ctrl.RequestDevices(ctx, capture.ReportedSource{Granted: true})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.AppendChunk(0, []byte("abc")))
	for i := 0; i < 5; i++ {
		ctrl.Tick()
	}
	require.Equal(t, capture.StatusInactive, ctrl.State().Status)

	a, err := c.ProcessRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Clip().SizeBytes)
	assert.False(t, ctrl.State().HasClip)
}

func TestFeedbackUsesClipDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.login(t)

	a, err := c.Upload(ctx, []byte("fake-audio"), "audio/webm", "talk.webm")
	require.NoError(t, err)
	_, err = a.Transcribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetDuration(ctx, 60))
	clip := a.Clip()
	d := clip.Duration()
	require.NotNil(t, d)
	assert.Equal(t, 60.0, *d)

	res, err := a.Feedback(feedback.ProfileMetrics)
	require.NoError(t, err)
	require.NotNil(t, res.Stats.WPM)
	assert.Equal(t, 8, *res.Stats.WPM)
}
