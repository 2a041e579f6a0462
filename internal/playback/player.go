// Package playback tracks the review player for a finalized clip: play/pause,
// mute, the playhead and duration, and the progress shown under the video.
package playback

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var ErrNoSource = errors.New("no clip attached")

// Source is a playable reference to a clip. Release is called when the
// reference is discarded and may be nil.
type Source struct {
	URL      string
	Duration float64
	Release  func()
}

// State is a point-in-time view of the player.
type State struct {
	Attached        bool    `json:"attached"`
	URL             string  `json:"url,omitempty"`
	Playing         bool    `json:"playing"`
	Muted           bool    `json:"muted"`
	CurrentTime     float64 `json:"current_time"`
	Duration        float64 `json:"duration"`
	ProgressPercent float64 `json:"progress_percent"`
	Elapsed         string  `json:"elapsed"`
	Total           string  `json:"total"`
}

// Player is safe for concurrent use.
type Player struct {
	mu       sync.Mutex
	src      *Source
	playing  bool
	muted    bool
	current  float64
	duration float64
}

func NewPlayer() *Player {
	return &Player{}
}

// Attach points the player at src, releasing any previously attached source.
func (p *Player) Attach(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked()
	p.src = &src
	p.playing = false
	p.current = 0
	p.duration = sanitize(src.Duration)
}

// Detach releases the current source. It is safe to call with nothing attached.
func (p *Player) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked()
	p.playing = false
	p.current = 0
	p.duration = 0
}

// TogglePlayPause flips between playing and paused and returns the new
// playing flag. Without an attached source it is a no-op returning false.
func (p *Player) TogglePlayPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src == nil {
		return false
	}
	p.playing = !p.playing
	return p.playing
}

// ToggleMute flips the mute flag. Mute is a player preference and survives Attach.
func (p *Player) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.muted = !p.muted
	return p.muted
}

// SetDuration records the duration reported by loaded metadata.
func (p *Player) SetDuration(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src == nil {
		return ErrNoSource
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return fmt.Errorf("invalid duration %v", seconds)
	}
	p.duration = seconds
	return nil
}

// UpdatePosition records the playhead as reported by the element.
func (p *Player) UpdatePosition(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src == nil {
		return ErrNoSource
	}
	p.current = sanitize(seconds)
	return nil
}

// Ended marks playback as finished.
func (p *Player) Ended() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playing = false
}

// Duration returns the known duration, or 0.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := State{
		Attached:    p.src != nil,
		Playing:     p.playing,
		Muted:       p.muted,
		CurrentTime: p.current,
		Duration:    p.duration,
		Elapsed:     FormatClock(p.current),
		Total:       FormatClock(p.duration),
	}
	if p.src != nil {
		s.URL = p.src.URL
	}
	s.ProgressPercent = Progress(p.current, p.duration)
	return s
}

func (p *Player) releaseLocked() {
	if p.src != nil && p.src.Release != nil {
		p.src.Release()
	}
	p.src = nil
}

// Progress is current/duration as a percentage clamped to [0, 100]. An unknown
// duration yields 0.
func Progress(current, duration float64) float64 {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) || math.IsNaN(current) {
		return 0
	}
	pct := current / duration * 100
	return math.Max(0, math.Min(100, pct))
}

// FormatClock renders seconds as M:SS, truncating fractions. Negative or
// non-finite input renders as 0:00.
func FormatClock(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "0:00"
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
