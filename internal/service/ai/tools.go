package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"agentdesk/internal/models"
)

const (
	webSearchName        = "web_search"
	attachmentReaderName = "attachment_reader"
)

// InitToolsChain builds every tool an agent may be granted.
func InitToolsChain() []tool.InvokableTool {
	var tools []tool.InvokableTool
	if ws := InitWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	if ar := initAttachmentReader(); ar != nil {
		tools = append(tools, ar)
	}
	return tools
}

func toolName(ctx context.Context, t tool.BaseTool) string {
	info, err := t.Info(ctx)
	if err != nil || info == nil {
		return ""
	}
	return info.Name
}

// filterTools applies an agent's tool restriction. nil allows everything.
func filterTools(ctx context.Context, tools []tool.InvokableTool, allowed []string) []tool.InvokableTool {
	if allowed == nil {
		return tools
	}
	permit := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permit[name] = true
	}
	var out []tool.InvokableTool
	for _, t := range tools {
		if permit[toolName(ctx, t)] {
			out = append(out, t)
		}
	}
	return out
}

func hasTool(ctx context.Context, tools []tool.InvokableTool, name string) bool {
	for _, t := range tools {
		if toolName(ctx, t) == name {
			return true
		}
	}
	return false
}

// toolRecorder collects the calls and results of one generation.
type toolRecorder struct {
	mu      sync.Mutex
	calls   []models.ToolCall
	results []models.ToolResult
}

func (r *toolRecorder) add(call models.ToolCall, result models.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.results = append(r.results, result)
}

func (r *toolRecorder) snapshot() ([]models.ToolCall, []models.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := append([]models.ToolCall(nil), r.calls...)
	results := append([]models.ToolResult(nil), r.results...)
	return calls, results
}

// recordingTool reports every invocation to a recorder. Tool failures are
// handed back to the model as text so one bad call does not end the turn.
type recordingTool struct {
	inner tool.InvokableTool
	rec   *toolRecorder
}

func recordTools(tools []tool.InvokableTool, rec *toolRecorder) []tool.BaseTool {
	out := make([]tool.BaseTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, &recordingTool{inner: t, rec: rec})
	}
	return out
}

func (t *recordingTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.inner.Info(ctx)
}

func (t *recordingTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	name := toolName(ctx, t.inner)
	callID := compose.GetToolCallID(ctx)
	out, err := t.inner.InvokableRun(ctx, argumentsInJSON, opts...)

	result := models.ToolResult{CallID: callID, Name: name, Content: out}
	if err != nil {
		result.Error = err.Error()
		out = fmt.Sprintf("tool %s failed: %v", name, err)
	}
	t.rec.add(models.ToolCall{ID: callID, Name: name, Arguments: argumentsInJSON}, result)
	return out, nil
}

// InitWebSearch combines google and duckduckgo search behind one tool.
func InitWebSearch() tool.InvokableTool {
	googleTool := InitGooglesearch()
	duckTool := InitDDGsearch()
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}
	info := &schema.ToolInfo{
		Name: webSearchName,
		Desc: "Search the web for current information. Falls back to another provider if one fails. " +
			"Pass a URL to fetch that page instead.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		log.Printf("web search: url fetch failed: %v", err)
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	for _, provider := range []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}} {
		if provider.tool == nil {
			continue
		}
		result, err := provider.tool.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		log.Printf("web search: %s failed: %v", provider.name, err)
	}
	return "", errors.New("no search provider succeeded")
}

// attachmentReader reads uploaded attachments of the current turn in chunks.
type attachmentReader struct {
	loader  document.Loader
	limiter *toolRateLimiter
}

type attachmentReaderParams struct {
	FileID     int64 `json:"file_id"`
	ChunkIndex int   `json:"chunk_index,omitempty"`
	ChunkSize  int   `json:"chunk_size,omitempty"`
}

func newAttachmentReader() (*attachmentReader, error) {
	ctx := context.Background()
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, err
	}
	return &attachmentReader{
		loader:  loader,
		limiter: newToolRateLimiter(AttachmentRateLimit, AttachmentRateWindow),
	}, nil
}

func initAttachmentReader() tool.InvokableTool {
	reader, err := newAttachmentReader()
	if err != nil {
		log.Printf("attachment reader disabled: %v", err)
		return nil
	}
	info := &schema.ToolInfo{
		Name: attachmentReaderName,
		Desc: fmt.Sprintf("Read files the user attached to this message, one chunk at a time. "+
			"Give the file_id from the instructions and optionally chunk_index and chunk_size. "+
			"Limited to %d calls per minute per conversation.", AttachmentRateLimit),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"file_id": {
				Desc:     "ID of the attached file.",
				Type:     schema.Integer,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: fmt.Sprintf("Characters per chunk (%d-%d, default %d).", AttachmentChunkSizeMin, AttachmentChunkSizeMax, AttachmentChunkSizeDefault),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (r *attachmentReader) run(ctx context.Context, params *attachmentReaderParams) (string, error) {
	if params == nil || params.FileID <= 0 {
		return "", errors.New("file_id is required")
	}
	var target *models.Attachment
	for _, a := range AttachmentsFromContext(ctx) {
		if a.ID == params.FileID {
			target = &a
			break
		}
	}
	if target == nil {
		return "", errors.New("file is not attached to this message")
	}
	key := fmt.Sprintf("file:%d", params.FileID)
	if projectID, conversationID, ok := ToolScopeFromContext(ctx); ok {
		key = fmt.Sprintf("project:%d:conversation:%s", projectID, conversationID)
	}
	if !r.limiter.Allow(key) {
		return "", errors.New("attachment reader rate limit exceeded, retry in a minute")
	}

	docs, err := r.loader.Load(ctx, document.Source{URI: target.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	runes := []rune(strings.TrimSpace(builder.String()))
	if len(runes) == 0 {
		return fmt.Sprintf("File: %s has no readable text content.", target.FileName), nil
	}

	chunkSize := params.ChunkSize
	switch {
	case chunkSize <= 0 || chunkSize > AttachmentChunkSizeMax:
		chunkSize = AttachmentChunkSizeDefault
	case chunkSize < AttachmentChunkSizeMin:
		chunkSize = AttachmentChunkSizeMin
	}
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	chunkIndex := min(max(params.ChunkIndex, 0), totalChunks-1)
	start := chunkIndex * chunkSize
	end := min(start+chunkSize, len(runes))
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", target.FileName, chunkIndex+1, totalChunks, string(runes[start:end])), nil
}

// InitDDGsearch builds the keyless DuckDuckGo search tool.
func InitDDGsearch() tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Printf("duckduckgo search disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch builds the Google custom search tool when credentials are set.
func InitGooglesearch() tool.InvokableTool {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search disabled: %v", err)
		return nil
	}
	return googleTool
}
