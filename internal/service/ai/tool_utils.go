package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/models"
)

const (
	AttachmentChunkSizeDefault = 1000
	AttachmentChunkSizeMin     = 500
	AttachmentChunkSizeMax     = 2000
	AttachmentRateLimit        = 3
	AttachmentRateWindow       = time.Minute
	WebSearchHTTPTimeout       = 10 * time.Second
)

type attachmentsContextKey struct{}
type toolScopeContextKey struct{}

type toolScope struct {
	ProjectID      int64
	ConversationID string
}

// toolRateLimiter is a sliding-window counter per key.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	queue := l.hits[key]
	idx := 0
	for idx < len(queue) && !queue[idx].After(cutoff) {
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// WithAttachments exposes the turn's attachments to the attachment_reader tool.
func WithAttachments(ctx context.Context, attachments []models.Attachment) context.Context {
	if len(attachments) == 0 {
		return ctx
	}
	copied := append([]models.Attachment(nil), attachments...)
	return context.WithValue(ctx, attachmentsContextKey{}, copied)
}

func AttachmentsFromContext(ctx context.Context) []models.Attachment {
	attachments, _ := ctx.Value(attachmentsContextKey{}).([]models.Attachment)
	return attachments
}

// WithToolScope records which conversation tool calls are made for.
func WithToolScope(ctx context.Context, projectID int64, conversationID string) context.Context {
	if projectID <= 0 || conversationID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolScopeContextKey{}, toolScope{ProjectID: projectID, ConversationID: conversationID})
}

func ToolScopeFromContext(ctx context.Context) (int64, string, bool) {
	scope, ok := ctx.Value(toolScopeContextKey{}).(toolScope)
	if !ok {
		return 0, "", false
	}
	return scope.ProjectID, scope.ConversationID, true
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "agentdesk-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
