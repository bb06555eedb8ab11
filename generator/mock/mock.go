package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ronitervo/creditledger"
)

// Generator is a mock generator for testing.
type Generator struct {
	model        string
	latency      time.Duration
	chunkDelay   time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	streamErr    error
	usage        *creditledger.Usage
	responseFunc func(creditledger.GeneratorRequest) (creditledger.GeneratorResponse, error)
}

var _ creditledger.Generator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{
		model: "mock-model",
		usage: &creditledger.Usage{
			InputTokens:   1000,
			OutputTokens:  2000,
			ThoughtTokens: 500,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithChunkDelay delays every stream chunk by d.
func WithChunkDelay(d time.Duration) Option {
	return func(g *Generator) { g.chunkDelay = d }
}

// WithFailAfter makes the generator fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Generator) { g.failAfter = n }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithStreamError makes streams fail with err after the first chunk.
func WithStreamError(err error) Option {
	return func(g *Generator) { g.streamErr = err }
}

// WithUsage sets the usage reported by the mock.
func WithUsage(u creditledger.Usage) Option {
	return func(g *Generator) { g.usage = &u }
}

// WithoutUsage makes the mock omit usage metadata.
func WithoutUsage() Option {
	return func(g *Generator) { g.usage = nil }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditledger.GeneratorRequest) (creditledger.GeneratorResponse, error)) Option {
	return func(g *Generator) { g.responseFunc = fn }
}

func (g *Generator) Model() string { return g.model }

func (g *Generator) Generate(ctx context.Context, req creditledger.GeneratorRequest) (creditledger.GeneratorResponse, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return creditledger.GeneratorResponse{}, ctx.Err()
		}
	}

	count := g.callCount.Add(1)

	if g.staticErr != nil {
		return creditledger.GeneratorResponse{}, g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return creditledger.GeneratorResponse{}, creditledger.ErrGeneratorUnavailable
	}

	if g.responseFunc != nil {
		return g.responseFunc(req)
	}

	var usage *creditledger.Usage
	if g.usage != nil {
		u := *g.usage
		usage = &u
	}
	return creditledger.GeneratorResponse{
		Text:     "Hello from mock generator",
		Thoughts: "Considering the request",
		Usage:    usage,
	}, nil
}

func (g *Generator) GenerateStream(ctx context.Context, req creditledger.GeneratorRequest) (creditledger.GenerationStream, error) {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	s := &mockStream{
		ctx:   ctx,
		delay: g.chunkDelay,
		chunks: []creditledger.StreamChunk{
			{Thought: resp.Thoughts},
			{Output: resp.Text},
			{Usage: resp.Usage},
		},
	}
	if g.streamErr != nil {
		s.chunks = s.chunks[:1]
		s.err = g.streamErr
	}
	return s, nil
}

// CallCount returns the number of calls made to the generator.
func (g *Generator) CallCount() int64 { return g.callCount.Load() }

type mockStream struct {
	ctx    context.Context
	delay  time.Duration
	chunks []creditledger.StreamChunk
	index  int
	err    error
	closed atomic.Bool
}

func (s *mockStream) Next() (creditledger.StreamChunk, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return creditledger.StreamChunk{}, s.ctx.Err()
		}
	}
	if s.closed.Load() {
		return creditledger.StreamChunk{}, io.ErrClosedPipe
	}
	if s.index >= len(s.chunks) {
		if s.err != nil {
			return creditledger.StreamChunk{}, s.err
		}
		return creditledger.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.closed.Store(true)
	return nil
}
