package creditledger

import "context"

// Generator is the interface that generative model adapters must implement.
type Generator interface {
	// Model returns the model identifier used for pricing and metrics.
	Model() string

	// Generate performs a synchronous generation.
	Generate(ctx context.Context, req GeneratorRequest) (GeneratorResponse, error)

	// GenerateStream performs a streaming generation.
	GenerateStream(ctx context.Context, req GeneratorRequest) (GenerationStream, error)
}

// GeneratorRequest is the request sent to a generator adapter.
type GeneratorRequest struct {
	Action  Action
	Payload Payload

	// MaxOutputTokens and ThinkingBudget bound the call to the sizes the
	// reservation was computed from.
	MaxOutputTokens int64
	ThinkingBudget  int64
}

// GeneratorResponse is the result of a synchronous generation. Usage is nil
// when the model did not report usage metadata.
type GeneratorResponse struct {
	Text     string
	Thoughts string
	Usage    *Usage
}

// StreamChunk is one increment of a streamed generation. The final chunk
// usually carries Usage.
type StreamChunk struct {
	Thought string
	Output  string
	Usage   *Usage
}

// GenerationStream is the interface for streaming responses.
type GenerationStream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (StreamChunk, error)

	// Close releases resources.
	Close() error
}
