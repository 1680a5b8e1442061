// Package tts provides text-to-speech functionality.
package tts

import (
	"context"
	"time"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Provider voice identifier
	Speed      float64 // Speed multiplier (0.6-1.5, default 1.0)
	Volume     float64 // Volume multiplier (0.5-2.0, default 1.0)
	Emotion    string  // Emotion hint (neutral, happy, sad, etc.)
	Language   string  // Language code
	Format     string  // Output format: "wav", "mp3", or "pcm"
	SampleRate int     // Sample rate: 8000, 16000, 22050, 24000, 44100, 48000
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio    []byte  // Audio data
	Format   string  // Audio format
	Duration float64 // Duration in seconds (estimated when the provider omits it)
	Provider string  // Name of the provider that produced the audio
}

// ContentType maps Format to a MIME type.
func (s *Synthesis) ContentType() string {
	switch s.Format {
	case "mp3":
		return "audio/mpeg"
	case "pcm", "raw":
		return "audio/L16"
	default:
		return "audio/wav"
	}
}

const mp3BitRate = 128000

// EstimateDuration derives playback length from the encoded size.
func EstimateDuration(audio []byte, format string, sampleRate int) time.Duration {
	if len(audio) == 0 {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	var seconds float64
	switch format {
	case "mp3":
		seconds = float64(len(audio)*8) / mp3BitRate
	case "pcm", "raw":
		seconds = float64(len(audio)) / float64(2*sampleRate)
	default:
		n := len(audio) - 44
		if n < 0 {
			n = 0
		}
		seconds = float64(n) / float64(2*sampleRate)
	}
	return time.Duration(seconds * float64(time.Second))
}

func getFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}
