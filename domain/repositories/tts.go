package repositories

import "context"

// TextToSpeech abstracts speech synthesis services
type TextToSpeech interface {
	// SynthesizeSpeech renders text as one bounded PCM payload
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
}
