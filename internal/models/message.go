package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation transcript. AgentID is nil for user messages.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	ProjectID      int64        `json:"project_id"`
	UserID         int64        `json:"user_id"`
	Role           Role         `json:"role"`
	AgentID        *int64       `json:"agent_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	Usage          *Usage       `json:"usage,omitempty"`
	Meta           Meta         `json:"meta,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ToolCall records a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult records what a tool returned for a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Meta map[string]any
