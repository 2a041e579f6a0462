package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/capture"
	"github.com/snarg/commcoach/internal/config"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
	"github.com/snarg/commcoach/internal/transcribe"
)

const testCode = "424242"

// stubAuth accepts testCode for any address.
type stubAuth struct {
	sent []string
}

func (a *stubAuth) SendCode(ctx context.Context, email string) error {
	a.sent = append(a.sent, email)
	return nil
}

func (a *stubAuth) VerifyCode(ctx context.Context, email, code string) error {
	if code != testCode {
		return auth.ErrInvalidCode
	}
	return nil
}

type stubProvider struct {
	text string
}

func (p *stubProvider) Transcribe(ctx context.Context, audio transcribe.Audio, opts transcribe.TranscribeOpts) (*transcribe.Response, error) {
	return &transcribe.Response{Text: p.text}, nil
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-1" }

type fixture struct {
	router      chi.Router
	mgr         *session.Manager
	auth        *stubAuth
	provisioner *storage.Provisioner
	bus         *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clips := storage.NewLocalStore(t.TempDir())
	provider := &stubProvider{text: "um so I think the launch went well and the team like delivered"}
	f := &fixture{
		auth:        &stubAuth{},
		provisioner: storage.NewProvisioner(clips, zerolog.Nop()),
		bus:         events.NewBus(32),
	}
	f.mgr = session.NewManager(session.ManagerOptions{
		Sessions:       auth.NewMemorySessionStore(),
		TTL:            time.Hour,
		Capture:        capture.Options{Limit: 30 * time.Second},
		MaxUploadBytes: 1 << 20,
		Transport:      transcribe.NewSyncTransport(provider, transcribe.NewMemoryStore(), transcribe.TranscribeOpts{}, zerolog.Nop()),
		Clips:          clips,
		MediaPath:      "/api/v1/media/",
		Bus:            f.bus,
		Log:            zerolog.Nop(),
	})
	t.Cleanup(f.mgr.Close)

	cfg := &config.Config{
		MaxUploadMB: 1,
		Auth:        config.AuthConfig{RateLimit: 100, RateBurst: 100},
	}
	f.router = NewRouter(ServerOptions{
		Config:      cfg,
		Auth:        f.auth,
		Sessions:    f.mgr,
		Clips:       clips,
		Provisioner: f.provisioner,
		Bus:         f.bus,
		Health: HealthOptions{
			Provisioner: f.provisioner,
			Provider:    provider,
			Sessions:    f.mgr.ActiveSessions,
			Version:     "test",
			StartTime:   time.Now(),
		},
		Log: zerolog.Nop(),
	})
	return f
}

func (f *fixture) login(t *testing.T) *session.Context {
	t.Helper()
	sc, err := f.mgr.Login(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return sc
}

func (f *fixture) provision(t *testing.T) {
	t.Helper()
	if err := f.provisioner.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doJSON(t *testing.T, method, path, token string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, _ := json.Marshal(v)
		body = bytes.NewReader(b)
	}
	return f.do(t, method, path, token, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.doJSON(t, "POST", "/api/v1/auth/otp", "", map[string]string{"email": "not-an-email"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid email: expected 400, got %d", rec.Code)
	}

	rec = f.doJSON(t, "POST", "/api/v1/auth/otp", "", map[string]string{"email": "Ada@Example.com"})
	if rec.Code != http.StatusOK || !decode[AuthResult](t, rec).Success {
		t.Fatalf("send: expected success, got %d %s", rec.Code, rec.Body)
	}
	if len(f.auth.sent) != 1 || f.auth.sent[0] != "ada@example.com" {
		t.Errorf("expected normalized address, got %v", f.auth.sent)
	}

	rec = f.doJSON(t, "POST", "/api/v1/auth/verify", "", map[string]string{"email": "ada@example.com", "code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong code: expected 401, got %d", rec.Code)
	}
	if got := decode[AuthResult](t, rec); got.Success || got.Error != auth.VerifyFailedMessage {
		t.Errorf("wrong code body = %+v", got)
	}

	rec = f.doJSON(t, "POST", "/api/v1/auth/verify", "", map[string]string{"email": "ada@example.com", "code": testCode})
	res := decode[AuthResult](t, rec)
	if !res.Success || res.Token == "" || res.DisplayName != "ada" {
		t.Fatalf("verify = %+v", res)
	}

	rec = f.do(t, "GET", "/api/v1/me", res.Token, nil, "")
	me := decode[session.Me](t, rec)
	if rec.Code != http.StatusOK || me.Email != "ada@example.com" || !me.Authenticated {
		t.Errorf("me = %d %+v", rec.Code, me)
	}

	if rec := f.do(t, "GET", "/api/v1/me", "", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("me without token: expected 401, got %d", rec.Code)
	}

	if rec := f.do(t, "POST", "/api/v1/auth/logout", res.Token, nil, ""); rec.Code != http.StatusOK {
		t.Errorf("logout: expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/v1/me", res.Token, nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("me after logout: expected 401, got %d", rec.Code)
	}
}

func TestAnalysisRequiresClip(t *testing.T) {
	f := newFixture(t)
	sc := f.login(t)
	for _, path := range []string{"/api/v1/analysis", "/api/v1/analysis/transcript", "/api/v1/analysis/feedback"} {
		rec := f.do(t, "GET", path, sc.Token, nil, "")
		if rec.Code != http.StatusConflict {
			t.Errorf("%s: expected 409, got %d", path, rec.Code)
		}
		if got := decode[ErrorResponse](t, rec); got.Error != "no recording found" {
			t.Errorf("%s: error = %q", path, got.Error)
		}
	}
}

func TestCaptureFlow(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	sc := f.login(t)

	rec := f.doJSON(t, "POST", "/api/v1/capture/devices", sc.Token, map[string]any{"granted": false})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied: expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/v1/capture/start", sc.Token, nil, ""); rec.Code != http.StatusForbidden {
		t.Errorf("start without permission: expected 403, got %d", rec.Code)
	}

	rec = f.doJSON(t, "POST", "/api/v1/capture/devices", sc.Token, map[string]any{"granted": true, "mime_type": "video/webm;codecs=vp8,opus"})
	if st := decode[capture.State](t, rec); rec.Code != http.StatusOK || !st.CanRecord {
		t.Fatalf("granted: %d %+v", rec.Code, st)
	}

	// Process with nothing recorded reports the missing clip.
	if rec := f.do(t, "POST", "/api/v1/capture/process", sc.Token, nil, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("process empty: expected 422, got %d", rec.Code)
	}

	if rec := f.do(t, "POST", "/api/v1/capture/start", sc.Token, nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "POST", "/api/v1/capture/start", sc.Token, nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rec.Code)
	}

	chunk := func(seq string, data string) int {
		req := httptest.NewRequest("POST", "/api/v1/capture/chunks", strings.NewReader(data))
		req.Header.Set("Authorization", "Bearer "+sc.Token)
		if seq != "" {
			req.Header.Set("X-Chunk-Seq", seq)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := chunk("", "x"); code != http.StatusBadRequest {
		t.Errorf("missing seq: expected 400, got %d", code)
	}
	if code := chunk("0", "first"); code != http.StatusAccepted {
		t.Errorf("seq 0: expected 202, got %d", code)
	}
	if code := chunk("0", "first"); code != http.StatusAccepted {
		t.Errorf("duplicate seq: expected 202, got %d", code)
	}
	if code := chunk("2", "gap"); code != http.StatusConflict {
		t.Errorf("gap: expected 409, got %d", code)
	}
	if code := chunk("1", "second"); code != http.StatusAccepted {
		t.Errorf("seq 1: expected 202, got %d", code)
	}

	rec = f.do(t, "POST", "/api/v1/capture/pause", sc.Token, nil, "")
	if st := decode[capture.State](t, rec); st.Status != capture.StatusPaused {
		t.Errorf("pause: status = %s", st.Status)
	}

	// Process stops the paused recording and opens the results view.
	rec = f.do(t, "POST", "/api/v1/capture/process", sc.Token, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("process: expected 201, got %d %s", rec.Code, rec.Body)
	}
	st := decode[session.AnalysisState](t, rec)
	if st.Clip.SizeBytes != len("firstsecond") || st.Clip.MimeType != "video/webm" {
		t.Errorf("clip = %+v", st.Clip)
	}

	rec = f.do(t, "GET", "/api/v1/capture", sc.Token, nil, "")
	if cs := decode[capture.State](t, rec); cs.Status != capture.StatusInactive || cs.HasClip {
		t.Errorf("capture after process = %+v", cs)
	}
}

func TestUploadTranscribeFeedback(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	sc := f.login(t)

	body, ct := buildUpload(t, "file", "talk.webm", "video/webm", []byte("fake webm payload"))
	rec := f.do(t, "POST", "/api/v1/uploads", sc.Token, body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d %s", rec.Code, rec.Body)
	}
	st := decode[session.AnalysisState](t, rec)
	if st.Transcript.State != transcribe.StateNotStarted {
		t.Errorf("transcript state = %s", st.Transcript.State)
	}
	mediaURL := st.Playback.URL
	if !strings.HasPrefix(mediaURL, "/api/v1/media/") {
		t.Fatalf("media url = %q", mediaURL)
	}

	// Media links need no session.
	rec = f.do(t, "GET", mediaURL, "", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "fake webm payload" {
		t.Errorf("media: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/webm" {
		t.Errorf("media content type = %q", ct)
	}

	if rec := f.do(t, "GET", "/api/v1/analysis/feedback", sc.Token, nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("feedback before transcript: expected 409, got %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/v1/analysis/feedback?profile=static", sc.Token, nil, ""); rec.Code != http.StatusOK {
		t.Errorf("static feedback: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/analysis/transcript", sc.Token, nil, "")
	first := decode[transcribe.Request](t, rec)
	if rec.Code != http.StatusAccepted || first.State != transcribe.StateAvailable {
		t.Fatalf("transcribe: %d %+v", rec.Code, first)
	}

	// An available transcript is returned as is, not resubmitted.
	rec = f.do(t, "POST", "/api/v1/analysis/transcript", sc.Token, nil, "")
	if again := decode[transcribe.Request](t, rec); rec.Code != http.StatusOK || again.ID != first.ID || again.Text != first.Text {
		t.Fatalf("second transcribe: %d %+v, want 200 with request %s", rec.Code, again, first.ID)
	}

	rec = f.do(t, "GET", "/api/v1/analysis/feedback", sc.Token, nil, "")
	fb := decode[session.FeedbackResult](t, rec)
	if rec.Code != http.StatusOK || len(fb.Items) == 0 || fb.Stats == nil {
		t.Fatalf("feedback: %d %+v", rec.Code, fb)
	}
	if fb.Stats.TotalFillerWords != 2 {
		t.Errorf("fillers = %d, want 2", fb.Stats.TotalFillerWords)
	}

	rec = f.doJSON(t, "POST", "/api/v1/analysis/playback/metadata", sc.Token, map[string]float64{"seconds": 6})
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata: expected 200, got %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, "GET", "/api/v1/analysis/feedback", sc.Token, nil, "")
	if fb := decode[session.FeedbackResult](t, rec); fb.Stats.WPM == nil {
		t.Error("expected pace once duration is known")
	}

	if rec := f.do(t, "DELETE", "/api/v1/analysis", sc.Token, nil, ""); rec.Code != http.StatusNoContent {
		t.Errorf("close: expected 204, got %d", rec.Code)
	}
	if rec := f.do(t, "GET", mediaURL, "", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("revoked media: expected 404, got %d", rec.Code)
	}
}

func TestPlaybackControls(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	sc := f.login(t)

	body, ct := buildUpload(t, "file", "talk.mp3", "audio/mpeg", []byte("ID3 audio"))
	if rec := f.do(t, "POST", "/api/v1/uploads", sc.Token, body, ct); rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}

	rec := f.do(t, "POST", "/api/v1/analysis/playback/toggle", sc.Token, nil, "")
	if !decode[map[string]any](t, rec)["playing"].(bool) {
		t.Error("expected playing after toggle")
	}
	rec = f.do(t, "POST", "/api/v1/analysis/playback/mute", sc.Token, nil, "")
	if !decode[map[string]any](t, rec)["muted"].(bool) {
		t.Error("expected muted after toggle")
	}
	f.doJSON(t, "POST", "/api/v1/analysis/playback/metadata", sc.Token, map[string]float64{"seconds": 10})
	rec = f.doJSON(t, "POST", "/api/v1/analysis/playback/position", sc.Token, map[string]float64{"seconds": 2.5})
	if got := decode[map[string]any](t, rec)["progress_percent"].(float64); got != 25 {
		t.Errorf("progress = %v, want 25", got)
	}
	rec = f.do(t, "POST", "/api/v1/analysis/playback/ended", sc.Token, nil, "")
	if decode[map[string]any](t, rec)["playing"].(bool) {
		t.Error("expected stopped after ended")
	}
	rec = f.doJSON(t, "POST", "/api/v1/analysis/playback/metadata", sc.Token, map[string]float64{"seconds": -1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative duration: expected 400, got %d", rec.Code)
	}
}

func TestProvisioningGate(t *testing.T) {
	f := newFixture(t)
	sc := f.login(t)

	body, ct := buildUpload(t, "file", "talk.webm", "video/webm", []byte("payload"))
	rec := f.do(t, "POST", "/api/v1/uploads", sc.Token, body, ct)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("upload before provisioning: expected 503, got %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/v1/capture/start", sc.Token, nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("start before provisioning: expected 503, got %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/storage/provision", sc.Token, nil, "")
	if st := decode[storage.ProvisionStatus](t, rec); rec.Code != http.StatusOK || !st.Ready {
		t.Fatalf("provision: %d %+v", rec.Code, st)
	}

	body, ct = buildUpload(t, "file", "talk.webm", "video/webm", []byte("payload"))
	if rec := f.do(t, "POST", "/api/v1/uploads", sc.Token, body, ct); rec.Code != http.StatusCreated {
		t.Errorf("upload after provisioning: expected 201, got %d", rec.Code)
	}
}

func TestStatelessFeedback(t *testing.T) {
	f := newFixture(t)
	sc := f.login(t)

	rec := f.doJSON(t, "POST", "/api/v1/feedback", sc.Token, map[string]any{"transcript": ""})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[struct {
		Items []struct {
			Category string `json:"category"`
			Positive bool   `json:"positive"`
		} `json:"items"`
	}](t, rec)
	if len(got.Items) != 4 {
		t.Fatalf("empty transcript without duration: expected 4 items, got %d", len(got.Items))
	}

	rec = f.doJSON(t, "POST", "/api/v1/feedback", sc.Token, map[string]any{"transcript": "one two three", "duration_seconds": 60})
	got = decode[struct {
		Items []struct {
			Category string `json:"category"`
			Positive bool   `json:"positive"`
		} `json:"items"`
	}](t, rec)
	if len(got.Items) != 5 {
		t.Errorf("with duration: expected 5 items, got %d", len(got.Items))
	}

	if rec := f.doJSON(t, "POST", "/api/v1/feedback", "", map[string]any{"transcript": "x"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("without session: expected 401, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/v1/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h := decode[HealthResponse](t, rec)
	if h.Status != "degraded" || h.Checks["storage"] != "unprovisioned" {
		t.Errorf("before provisioning: %+v", h)
	}
	if h.Transcription == nil || h.Transcription.Provider != "stub" || h.Transcription.Mode != "sync" {
		t.Errorf("transcription = %+v", h.Transcription)
	}

	f.provision(t)
	rec = f.do(t, "GET", "/api/v1/health", "", nil, "")
	if h := decode[HealthResponse](t, rec); h.Status != "healthy" || h.Checks["database"] != "memory" {
		t.Errorf("after provisioning: %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "GET", "/api/v1/health", "", nil, "")
	rec := f.do(t, "GET", "/metrics", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "commcoach_http_requests_total") {
		t.Error("expected http request counter in scrape output")
	}
}
