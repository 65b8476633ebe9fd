package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"agentdesk/internal/config"
	"agentdesk/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// KeyResolver returns the project-level API key for a provider, or "" when
// the project has none and the configured key should be used.
type KeyResolver interface {
	ProviderKey(ctx context.Context, projectID int64, provider string) (string, error)
}

// chatModelFactory builds the provider chat model. Tests replace it.
var chatModelFactory = newChatModel

const reactMaxStep = 8

// Service implements Generator on top of eino chat models.
type Service struct {
	cfg   *config.Config
	keys  KeyResolver
	tools []tool.InvokableTool
}

// NewService wires the configured providers and the shared tool chain. keys may be nil.
func NewService(cfg *config.Config, keys KeyResolver) *Service {
	return &Service{cfg: cfg, keys: keys, tools: InitToolsChain()}
}

func newChatModel(ctx context.Context, provider string, prov config.ProviderConfig, modelName, apiKey string) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if prov.BaseURL != "" {
			baseURL = &prov.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Generate starts a streaming generation. Tools allowed for the request are
// run through a react agent; otherwise the chat model streams directly.
func (s *Service) Generate(ctx context.Context, req Request) (Stream, error) {
	provider := req.Provider
	if provider == "" {
		provider = s.cfg.BasicConfig.DefaultProvider
	}
	prov, ok := s.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := req.Model
	if modelName == "" {
		modelName = prov.Model
	}
	apiKey, err := s.apiKey(ctx, req.ProjectID, provider, prov)
	if err != nil {
		return nil, err
	}

	chatModel, err := chatModelFactory(ctx, provider, prov, modelName, apiKey)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}

	rec := &toolRecorder{}
	allowed := filterTools(ctx, s.tools, req.Tools)
	input := buildMessages(req, hasTool(ctx, allowed, attachmentReaderName))

	ctx = WithAttachments(ctx, req.Attachments)
	ctx = WithToolScope(ctx, req.ProjectID, req.ConversationID)

	var reader *schema.StreamReader[*schema.Message]
	if len(allowed) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig:      compose.ToolsNodeConfig{Tools: recordTools(allowed, rec)},
			MaxStep:          reactMaxStep,
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		reader, err = agent.Stream(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("generate stream: %w", err)
		}
	} else {
		reader, err = chatModel.Stream(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("generate stream: %w", err)
		}
	}

	return &einoStream{
		reader: reader,
		tools:  rec,
		meta:   models.Meta{"provider": provider, "model": modelName},
	}, nil
}

func (s *Service) apiKey(ctx context.Context, projectID int64, provider string, prov config.ProviderConfig) (string, error) {
	if s.keys != nil && projectID > 0 {
		key, err := s.keys.ProviderKey(ctx, projectID, provider)
		if err != nil {
			return "", fmt.Errorf("resolve %s key: %w", provider, err)
		}
		if key != "" {
			return key, nil
		}
	}
	if prov.APIKey != "" {
		return prov.APIKey, nil
	}
	return "", fmt.Errorf("no api key for provider %s", provider)
}

// buildMessages renders instructions, history and the new prompt for the model.
func buildMessages(req Request, canReadAttachments bool) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+2)

	system := strings.TrimSpace(req.Instructions)
	if canReadAttachments && len(req.Attachments) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nThe user attached these files. Read them with the attachment_reader tool using file_id:\n")
		for _, a := range req.Attachments {
			fmt.Fprintf(&b, "- file_id=%d %s (%s, %d bytes)\n", a.ID, a.FileName, a.MimeType, a.Size)
		}
		system = strings.TrimSpace(b.String())
	}
	if system != "" {
		messages = append(messages, schema.SystemMessage(system))
	}

	for _, msg := range req.History {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		case models.RoleSystem:
			messages = append(messages, schema.SystemMessage(msg.Content))
		default:
			messages = append(messages, schema.UserMessage(msg.Content))
		}
	}
	messages = append(messages, schema.UserMessage(req.Prompt))
	return messages
}

// einoStream adapts an eino stream reader to Stream.
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
	tools  *toolRecorder
	meta   models.Meta

	content strings.Builder
	usage   *models.Usage
	once    sync.Once
}

func (s *einoStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("receive chunk: %w", err)
		}
		if msg == nil {
			continue
		}
		if msg.ResponseMeta != nil {
			if u := msg.ResponseMeta.Usage; u != nil {
				s.usage = &models.Usage{
					PromptTokens:     u.PromptTokens,
					CompletionTokens: u.CompletionTokens,
					TotalTokens:      u.TotalTokens,
				}
			}
			if msg.ResponseMeta.FinishReason != "" {
				s.meta["finish_reason"] = msg.ResponseMeta.FinishReason
			}
		}
		if msg.Content == "" {
			continue
		}
		s.content.WriteString(msg.Content)
		return msg.Content, nil
	}
}

func (s *einoStream) Result() Result {
	calls, results := s.tools.snapshot()
	return Result{
		Content:     s.content.String(),
		ToolCalls:   calls,
		ToolResults: results,
		Usage:       s.usage,
		Meta:        s.meta,
	}
}

func (s *einoStream) Close() {
	s.once.Do(s.reader.Close)
}
