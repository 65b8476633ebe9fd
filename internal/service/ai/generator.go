package ai

import (
	"context"
	"errors"
	"io"
	"strings"

	"agentdesk/internal/models"
)

// Request is one generation call made on behalf of an agent.
type Request struct {
	ProjectID      int64
	ConversationID string
	Provider       string // empty selects the configured default
	Instructions   string
	Model          string   // empty selects the provider default
	Tools          []string // nil allows every tool, empty allows none
	History        []*models.Message
	Prompt         string
	Attachments    []models.Attachment
}

// Result is what a finished generation produced besides its text chunks.
type Result struct {
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Usage       *models.Usage
	Meta        models.Meta
}

// Stream is a finite, non-restartable sequence of text chunks.
// Next returns io.EOF once the generation completed; Result is only
// meaningful after that. Cancelling ctx stops the sequence between chunks.
type Stream interface {
	Next(ctx context.Context) (string, error)
	Result() Result
	Close()
}

// Generator is the opaque model capability agents and the moderator call into.
type Generator interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Complete drains a generation and returns its final result.
func Complete(ctx context.Context, g Generator, req Request) (Result, error) {
	stream, err := g.Generate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	var content strings.Builder
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		content.WriteString(chunk)
	}
	res := stream.Result()
	if res.Content == "" {
		res.Content = content.String()
	}
	return res, nil
}
