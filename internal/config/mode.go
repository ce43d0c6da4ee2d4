package config

import "time"

// ModeOptions is the per-session parameter bundle selected by mode name.
type ModeOptions struct {
	TranslationInterval time.Duration `json:"translationInterval"`
	PauseDetection      time.Duration `json:"pauseDetectionMs"`
	MinWords            int           `json:"minWords"`
	EnableTTS           bool          `json:"enableTTS"`
	DisplayVisualCards  bool          `json:"displayVisualCards"`
}

const (
	MinTranslationInterval = 1 * time.Second
	MaxTranslationInterval = 60 * time.Second
)

// ModeFor returns the options bundle for a mode name. The second return is
// false for unknown modes.
func ModeFor(mode string) (ModeOptions, bool) {
	switch mode {
	case "talks":
		return ModeOptions{
			TranslationInterval: 15 * time.Second,
			PauseDetection:      4 * time.Second,
			MinWords:            6,
			EnableTTS:           false,
			DisplayVisualCards:  true,
		}, true
	case "earbuds":
		return ModeOptions{
			TranslationInterval: 10 * time.Second,
			PauseDetection:      3 * time.Second,
			MinWords:            4,
			EnableTTS:           true,
			DisplayVisualCards:  false,
		}, true
	}
	return ModeOptions{}, false
}

// ClampInterval bounds a client-supplied translation interval override.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinTranslationInterval {
		return MinTranslationInterval
	}
	if d > MaxTranslationInterval {
		return MaxTranslationInterval
	}
	return d
}
