package domain

import "context"

// Synthesizer renders text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
