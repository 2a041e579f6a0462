package playback

import (
	"math"
	"testing"
)

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{5, "0:05"},
		{59.9, "0:59"},
		{60, "1:00"},
		{150, "2:30"},
		{3599, "59:59"},
		{3600, "60:00"},
		{-1, "0:00"},
		{math.NaN(), "0:00"},
		{math.Inf(1), "0:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.in); got != tt.want {
			t.Errorf("FormatClock(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name              string
		current, duration float64
		want              float64
	}{
		{"unknown_duration", 10, 0, 0},
		{"nan_duration", 10, math.NaN(), 0},
		{"half", 15, 30, 50},
		{"overshoot_clamped", 40, 30, 100},
		{"negative_clamped", -5, 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Progress(tt.current, tt.duration); got != tt.want {
				t.Errorf("Progress(%v, %v) = %v, want %v", tt.current, tt.duration, got, tt.want)
			}
		})
	}
}

func TestToggleWithoutSource(t *testing.T) {
	p := NewPlayer()
	if p.TogglePlayPause() {
		t.Error("toggle with no source should not start playback")
	}
	if p.State().Playing {
		t.Error("player reports playing with no source")
	}
	if err := p.UpdatePosition(3); err != ErrNoSource {
		t.Errorf("UpdatePosition error = %v, want ErrNoSource", err)
	}
}

func TestPlaybackLifecycle(t *testing.T) {
	released := 0
	p := NewPlayer()
	p.Attach(Source{URL: "/api/v1/media/abc", Release: func() { released++ }})

	if !p.TogglePlayPause() {
		t.Fatal("expected playing after first toggle")
	}
	if err := p.SetDuration(120); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdatePosition(30); err != nil {
		t.Fatal(err)
	}
	s := p.State()
	if s.ProgressPercent != 25 {
		t.Errorf("progress = %v, want 25", s.ProgressPercent)
	}
	if s.Elapsed != "0:30" || s.Total != "2:00" {
		t.Errorf("clock = %s / %s, want 0:30 / 2:00", s.Elapsed, s.Total)
	}

	p.Ended()
	if p.State().Playing {
		t.Error("still playing after Ended")
	}

	p.Attach(Source{URL: "/api/v1/media/def"})
	if released != 1 {
		t.Errorf("released = %d after re-attach, want 1", released)
	}
	if s := p.State(); s.CurrentTime != 0 || s.Duration != 0 {
		t.Errorf("re-attach kept playhead %v/%v", s.CurrentTime, s.Duration)
	}

	p.Detach()
	p.Detach()
	if p.State().Attached {
		t.Error("still attached after Detach")
	}
}

func TestMuteSurvivesAttach(t *testing.T) {
	p := NewPlayer()
	if !p.ToggleMute() {
		t.Fatal("expected muted")
	}
	p.Attach(Source{URL: "x"})
	if !p.State().Muted {
		t.Error("mute reset by Attach")
	}
}

func TestSetDurationRejectsInvalid(t *testing.T) {
	p := NewPlayer()
	p.Attach(Source{URL: "x"})
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := p.SetDuration(v); err == nil {
			t.Errorf("SetDuration(%v) accepted", v)
		}
	}
}
