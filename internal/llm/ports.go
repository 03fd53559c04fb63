// Package llm holds the narrow ports to the embedding/description/vision
// provider and their OpenAI-backed implementation.
package llm

import "context"

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Describer rewrites a raw description document into polished natural
// language, bounded in length.
type Describer interface {
	Describe(ctx context.Context, document string) (string, error)
}

// Vision produces a short caption for an image.
type Vision interface {
	DescribeImage(ctx context.Context, data []byte, mime string) (string, error)
}
