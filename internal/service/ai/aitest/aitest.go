// Package aitest provides in-memory generators for tests of code that calls
// into ai.Generator.
package aitest

import (
	"context"
	"io"
	"strings"

	"agentdesk/internal/service/ai"
)

// ChunkStream replays fixed chunks.
type ChunkStream struct {
	Chunks []string
	Final  ai.Result
	Err    error // returned after the chunks instead of io.EOF

	pos    int
	closed bool
}

func (s *ChunkStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.Chunks) {
		chunk := s.Chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	if s.Final.Content == "" {
		s.Final.Content = strings.Join(s.Chunks, "")
	}
	return "", io.EOF
}

func (s *ChunkStream) Result() ai.Result { return s.Final }

func (s *ChunkStream) Close() { s.closed = true }

// GeneratorFunc adapts a function to ai.Generator.
type GeneratorFunc func(ctx context.Context, req ai.Request) (ai.Stream, error)

func (f GeneratorFunc) Generate(ctx context.Context, req ai.Request) (ai.Stream, error) {
	return f(ctx, req)
}

// Reply returns a generator that answers every request with chunks.
func Reply(chunks ...string) GeneratorFunc {
	return func(context.Context, ai.Request) (ai.Stream, error) {
		return &ChunkStream{Chunks: chunks}, nil
	}
}
