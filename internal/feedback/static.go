package feedback

// Static returns the fixed-content profile that early clients displayed before live
// transcript metrics existed.
//
// Deprecated: the verdicts are canned and ignore the transcript. Use Generate.
func Static() []Item {
	return []Item{
		{
			Category: FillerWords,
			Positive: false,
			Message:  "Used 'um' and 'uh' 3 times. Try to eliminate these filler words for clearer delivery.",
		},
		{
			Category: Pace,
			Positive: true,
			Message:  "Good speaking pace at 145 words per minute, which is in the ideal range for comprehension.",
		},
		{
			Category: Pauses,
			Positive: false,
			Message:  "Several unintentional pauses detected. Practice using deliberate pauses to emphasize key points.",
		},
		{
			Category: Grammar,
			Positive: true,
			Message:  "No significant grammar issues detected.",
		},
		{
			Category: BodyLanguage,
			Positive: false,
			Message:  "Limited eye contact with camera. Try to look directly at the camera more consistently.",
		},
	}
}

// Profile selects which generator a caller wants.
type Profile string

const (
	ProfileMetrics Profile = "metrics"
	ProfileStatic  Profile = "static"
)

// ParseProfile maps a query value to a profile, defaulting to metrics.
func ParseProfile(s string) Profile {
	if Profile(s) == ProfileStatic {
		return ProfileStatic
	}
	return ProfileMetrics
}

// ForProfile runs the generator for the given profile.
func ForProfile(p Profile, transcript string, duration *float64) []Item {
	if p == ProfileStatic {
		return Static()
	}
	return Generate(transcript, duration)
}
