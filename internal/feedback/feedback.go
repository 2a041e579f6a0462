// Package feedback turns a transcript into a short list of coaching verdicts.
// Everything here is pure: no I/O, no clocks, no randomness.
package feedback

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Category names a feedback dimension. The value doubles as the display label.
type Category string

const (
	FillerWords      Category = "Filler Words"
	Pace             Category = "Pace"
	Clarity          Category = "Clarity"
	Grammar          Category = "Grammar"
	ContentStructure Category = "Content Structure"

	// Only produced by the static profile.
	Pauses       Category = "Pauses"
	BodyLanguage Category = "Body Language"
)

// Thresholds.
const (
	MaxFillerWords  = 3   // positive when total < MaxFillerWords
	MinWPM          = 120 // inclusive
	MaxWPM          = 160 // inclusive
	MinClarityWords = 50  // positive when words > MinClarityWords
	MinContentChars = 100 // positive when characters > MinContentChars
)

// Item is one categorized verdict.
type Item struct {
	Category Category `json:"category"`
	Positive bool     `json:"positive"`
	Message  string   `json:"message"`
}

// FillerCount is the number of occurrences of one dictionary entry.
type FillerCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Stats are the raw text metrics the verdicts are derived from.
type Stats struct {
	WordCount        int           `json:"word_count"`
	CharacterCount   int           `json:"character_count"`
	Fillers          []FillerCount `json:"fillers"`
	TotalFillerWords int           `json:"total_filler_words"`
	WPM              *int          `json:"wpm,omitempty"`
}

// fillerDictionary is matched in this order; messages list words in the same order.
var fillerDictionary = []string{"um", "uh", "like", "you know", "actually", "basically"}

var fillerPatterns = compileFillers(fillerDictionary)

func compileFillers(words []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		parts := strings.Fields(w)
		for j := range parts {
			parts[j] = regexp.QuoteMeta(parts[j])
		}
		out[i] = regexp.MustCompile(`(?i)\b` + strings.Join(parts, `\s+`) + `\b`)
	}
	return out
}

// Measure computes the text metrics. duration may be nil when unknown.
func Measure(transcript string, duration *float64) Stats {
	s := Stats{
		WordCount:      len(strings.Fields(transcript)),
		CharacterCount: utf8.RuneCountInString(transcript),
		Fillers:        make([]FillerCount, len(fillerDictionary)),
	}
	for i, re := range fillerPatterns {
		n := len(re.FindAllStringIndex(transcript, -1))
		s.Fillers[i] = FillerCount{Word: fillerDictionary[i], Count: n}
		s.TotalFillerWords += n
	}
	if duration != nil && *duration > 0 {
		wpm := int(math.Round(float64(s.WordCount) / (*duration / 60)))
		s.WPM = &wpm
	}
	return s
}

// Generate returns the duration-aware feedback for a transcript, in the fixed order
// Filler Words, Pace, Clarity, Grammar, Content Structure. Pace is omitted when
// duration is nil or not positive.
func Generate(transcript string, duration *float64) []Item {
	return FromStats(Measure(transcript, duration))
}

// FromStats derives verdicts from precomputed metrics.
func FromStats(s Stats) []Item {
	items := make([]Item, 0, 5)
	items = append(items, fillerItem(s))
	if s.WPM != nil {
		items = append(items, paceItem(*s.WPM))
	}
	items = append(items,
		clarityItem(s.WordCount),
		Item{
			Category: Grammar,
			Positive: true,
			Message:  "No significant grammar issues detected.",
		},
		contentItem(s.CharacterCount),
	)
	return items
}

func fillerItem(s Stats) Item {
	if s.TotalFillerWords < MaxFillerWords {
		return Item{
			Category: FillerWords,
			Positive: true,
			Message:  "Minimal use of filler words. Great job maintaining clear delivery.",
		}
	}
	var parts []string
	for _, f := range s.Fillers {
		if f.Count == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("'%s' %s", f.Word, times(f.Count)))
	}
	return Item{
		Category: FillerWords,
		Positive: false,
		Message: fmt.Sprintf("Used %d filler words (%s). Try to eliminate these filler words for clearer delivery.",
			s.TotalFillerWords, strings.Join(parts, ", ")),
	}
}

func times(n int) string {
	if n == 1 {
		return "1 time"
	}
	return fmt.Sprintf("%d times", n)
}

func paceItem(wpm int) Item {
	switch {
	case wpm < MinWPM:
		return Item{
			Category: Pace,
			Positive: false,
			Message:  fmt.Sprintf("Speaking pace of %d words per minute is slow. Try to speed up slightly to keep listeners engaged.", wpm),
		}
	case wpm > MaxWPM:
		return Item{
			Category: Pace,
			Positive: false,
			Message:  fmt.Sprintf("Speaking pace of %d words per minute is fast. Try to slow down so listeners can follow.", wpm),
		}
	default:
		return Item{
			Category: Pace,
			Positive: true,
			Message:  fmt.Sprintf("Good speaking pace at %d words per minute, which is in the ideal range for comprehension.", wpm),
		}
	}
}

func clarityItem(words int) Item {
	if words > MinClarityWords {
		return Item{
			Category: Clarity,
			Positive: true,
			Message:  "Your speech was clearly articulated and easy to follow.",
		}
	}
	return Item{
		Category: Clarity,
		Positive: false,
		Message:  fmt.Sprintf("The transcript is too brief (%d words) to confidently assess clarity. Try speaking for longer.", words),
	}
}

func contentItem(chars int) Item {
	if chars > MinContentChars {
		return Item{
			Category: ContentStructure,
			Positive: true,
			Message:  "Your content has a reasonable structure and length.",
		}
	}
	return Item{
		Category: ContentStructure,
		Positive: false,
		Message:  "Consider adding more structure: an introduction, a few key points, and a conclusion.",
	}
}
