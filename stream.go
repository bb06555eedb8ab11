package creditledger

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// StreamEventType is the kind of a stream event.
type StreamEventType string

const (
	StreamStatus    StreamEventType = "status"
	StreamThought   StreamEventType = "thought"
	StreamOutput    StreamEventType = "output"
	StreamComplete  StreamEventType = "complete"
	StreamError     StreamEventType = "error"
	StreamKeepAlive StreamEventType = "keepalive"
)

// StreamEvent is one event of a streamed generation.
type StreamEvent struct {
	Type   StreamEventType  `json:"type"`
	Status string           `json:"status,omitempty"`
	Text   string           `json:"text,omitempty"`
	Result *GenerateResult  `json:"result,omitempty"`
	Error  *StreamErrorInfo `json:"error,omitempty"`
}

// StreamErrorInfo describes the failure carried by an error event.
type StreamErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Status values carried by status events.
const (
	StatusReserved   = "reserved"
	StatusGenerating = "generating"
	StatusSettling   = "settling"
)

type chunkResult struct {
	chunk StreamChunk
	err   error
}

// StreamGenerate runs one metered action, pushing incremental output to emit.
// Errors before the reservation are returned without emitting anything. Once
// credits are reserved, a failure rolls the reservation back, emits an error
// event and is returned. emit is only ever called from the calling goroutine.
func (g *Gateway) StreamGenerate(ctx context.Context, userID string, action Action, sessionID string, payload Payload, emit func(StreamEvent) error) error {
	res, est, err := g.reserve(ctx, userID, action, sessionID, payload)
	if err != nil {
		return err
	}

	fail := func(cause error, generatorFault bool) error {
		if generatorFault {
			g.health.RecordFailure(g.generator.Model())
		}
		err := g.rollback(ctx, res, cause)
		_ = emit(errorEvent(err))
		return err
	}

	if err := emit(StreamEvent{Type: StreamStatus, Status: StatusReserved}); err != nil {
		return fail(err, false)
	}

	start := time.Now()
	stream, err := g.generator.GenerateStream(ctx, g.request(action, payload))
	if err != nil {
		g.meter.OnGenerate(GenerateEvent{
			Model:    g.generator.Model(),
			Action:   action,
			Stream:   true,
			Success:  false,
			Duration: time.Since(start),
			Error:    err,
		})
		return fail(err, true)
	}

	if err := emit(StreamEvent{Type: StreamStatus, Status: StatusGenerating}); err != nil {
		_ = stream.Close()
		return fail(err, false)
	}

	var (
		text, thoughts strings.Builder
		usage          *Usage
		streamErr      error
		generatorFault bool
	)

	done := make(chan struct{})
	chunks := make(chan chunkResult)
	go func() {
		defer close(chunks)
		for {
			c, err := stream.Next()
			select {
			case chunks <- chunkResult{chunk: c, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop

		case <-ticker.C:
			if err := emit(StreamEvent{Type: StreamKeepAlive}); err != nil {
				streamErr = err
				break loop
			}

		case r, ok := <-chunks:
			if !ok || errors.Is(r.err, io.EOF) {
				break loop
			}
			if r.err != nil {
				streamErr, generatorFault = r.err, true
				break loop
			}
			if r.chunk.Usage != nil {
				u := *r.chunk.Usage
				usage = &u
			}
			if r.chunk.Thought != "" {
				thoughts.WriteString(r.chunk.Thought)
				if err := emit(StreamEvent{Type: StreamThought, Text: r.chunk.Thought}); err != nil {
					streamErr = err
					break loop
				}
			}
			if r.chunk.Output != "" {
				text.WriteString(r.chunk.Output)
				if err := emit(StreamEvent{Type: StreamOutput, Text: r.chunk.Output}); err != nil {
					streamErr = err
					break loop
				}
			}
		}
	}
	close(done)
	_ = stream.Close()
	duration := time.Since(start)

	if streamErr != nil {
		g.meter.OnGenerate(GenerateEvent{
			Model:    g.generator.Model(),
			Action:   action,
			Stream:   true,
			Success:  false,
			Duration: duration,
			Error:    streamErr,
		})
		return fail(streamErr, generatorFault)
	}
	g.health.RecordSuccess(g.generator.Model())

	final, estimated := est, true
	if usage != nil {
		final, estimated = *usage, false
	} else {
		g.logger.Warn("stream ended without usage metadata, settling on estimate",
			"uid", userID,
			"session", sessionID,
			"action", action,
		)
	}
	g.meter.OnGenerate(GenerateEvent{
		Model:          g.generator.Model(),
		Action:         action,
		Stream:         true,
		Success:        true,
		UsageEstimated: estimated,
		Duration:       duration,
		Usage:          final,
	})

	_ = emit(StreamEvent{Type: StreamStatus, Status: StatusSettling})

	result, err := g.settle(ctx, res, final, estimated)
	if err != nil {
		_ = emit(errorEvent(err))
		return err
	}
	result.Text = text.String()
	result.Thoughts = thoughts.String()
	return emit(StreamEvent{Type: StreamComplete, Result: &result})
}

func errorEvent(err error) StreamEvent {
	return StreamEvent{
		Type: StreamError,
		Error: &StreamErrorInfo{
			Code:    CodeName(err),
			Message: MessageOf(err),
		},
	}
}
