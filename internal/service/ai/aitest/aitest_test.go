package aitest

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/service/ai"
)

func TestCompleteJoinsChunks(t *testing.T) {
	res, err := ai.Complete(context.Background(), Reply("Hello", ", ", "world"), ai.Request{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", res.Content)
}

func TestChunkStreamReturnsErrAfterChunks(t *testing.T) {
	boom := errors.New("provider down")
	s := &ChunkStream{Chunks: []string{"partial"}, Err: boom}
	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = ai.Complete(context.Background(), GeneratorFunc(func(context.Context, ai.Request) (ai.Stream, error) {
		return &ChunkStream{Chunks: []string{"partial"}, Err: boom}, nil
	}), ai.Request{})
	assert.ErrorIs(t, err, boom)
}

func TestChunkStreamStopsOnCancelAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &ChunkStream{Chunks: []string{"a"}}
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	s.Close()
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
