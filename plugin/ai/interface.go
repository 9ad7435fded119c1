// Package ai wraps the external embedding and completion services
// behind narrow interfaces. The memory subsystem only ever sees these
// contracts, never a concrete API client.
package ai

import "context"

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// EmbeddingService turns text into fixed-length numeric vectors.
type EmbeddingService interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length this service produces.
	Dimensions() int
}

// LLMService performs short free-text completions. The memory subsystem
// uses it only for profile extraction and session summarization.
type LLMService interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
