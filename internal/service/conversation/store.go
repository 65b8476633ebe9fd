package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/models"
)

// Store is the durable log of conversations and their messages.
// Every call carries its project and agent explicitly so one Store can be
// shared by concurrent agent turns.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	last time.Time
}

// UserMessage is the payload for AppendUserMessage.
type UserMessage struct {
	ConversationID string
	ProjectID      int64
	UserID         int64
	Content        string
	Attachments    []models.Attachment
}

// AssistantMessage is the payload for AppendAssistantMessage.
type AssistantMessage struct {
	ConversationID string
	ProjectID      int64
	UserID         int64
	AgentID        int64
	Content        string
	ToolCalls      []models.ToolCall
	ToolResults    []models.ToolResult
	Usage          *models.Usage
	Meta           models.Meta
}

// NewStore constructs a Store over db. The schema comes from storage.Migrate.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// stamp returns a fresh id and a strictly increasing UTC timestamp. Both are
// taken under one lock so id order and creation order always agree.
func (s *Store) stamp() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate id: %w", err)
	}
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return id.String(), t, nil
}

// CreateConversation inserts a new conversation and returns it. An empty
// title is replaced by one stamped with the creation time.
func (s *Store) CreateConversation(ctx context.Context, projectID, userID int64, title string) (*models.Conversation, error) {
	if projectID <= 0 || userID <= 0 {
		return nil, errors.New("project_id and user_id are required")
	}
	id, now, err := s.stamp()
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Conversation " + now.Format("2006-01-02 15:04")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, projectID, userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation returns sql.ErrNoRows when the conversation does not belong to the project and user.
func (s *Store) GetConversation(ctx context.Context, projectID, userID int64, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND project_id = ? AND user_id = ?`,
		id, projectID, userID,
	).Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// LatestConversationID returns the most recently active conversation, or "" when there is none.
func (s *Store) LatestConversationID(ctx context.Context, projectID, userID int64) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE project_id = ? AND user_id = ? ORDER BY updated_at DESC, id DESC LIMIT 1`,
		projectID, userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest conversation: %w", err)
	}
	return id, nil
}

// ListConversations returns the user's conversations in a project ordered by last activity.
func (s *Store) ListConversations(ctx context.Context, projectID, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, title, created_at, updated_at FROM conversations
		 WHERE project_id = ? AND user_id = ? ORDER BY updated_at DESC, id DESC`,
		projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns the conversation transcript in creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, project_id, user_id, role, agent_id, content,
		        attachments, tool_calls, tool_results, usage_stats, meta, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var agentID sql.NullInt64
		var attachments, calls, results, usage, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ProjectID, &m.UserID, &m.Role, &agentID, &m.Content,
			&attachments, &calls, &results, &usage, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if agentID.Valid {
			id := agentID.Int64
			m.AgentID = &id
		}
		if err := decodeColumns(&m, attachments, calls, results, usage, meta); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AppendUserMessage records the triggering user message of a turn.
func (s *Store) AppendUserMessage(ctx context.Context, in UserMessage) (*models.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("message content is empty")
	}
	msg := &models.Message{
		ConversationID: in.ConversationID,
		ProjectID:      in.ProjectID,
		UserID:         in.UserID,
		Role:           models.RoleUser,
		Content:        in.Content,
		Attachments:    in.Attachments,
	}
	if err := s.insert(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// StartConversation creates a conversation together with its first user
// message. Either both rows exist afterwards or neither does.
func (s *Store) StartConversation(ctx context.Context, in UserMessage) (*models.Conversation, *models.Message, error) {
	if in.ProjectID <= 0 || in.UserID <= 0 {
		return nil, nil, errors.New("project_id and user_id are required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil, errors.New("message content is empty")
	}
	convID, now, err := s.stamp()
	if err != nil {
		return nil, nil, err
	}
	conv := &models.Conversation{
		ID:        convID,
		ProjectID: in.ProjectID,
		UserID:    in.UserID,
		Title:     "Conversation " + now.Format("2006-01-02 15:04"),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.ProjectID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("create conversation: %w", err)
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		ProjectID:      in.ProjectID,
		UserID:         in.UserID,
		Role:           models.RoleUser,
		Content:        in.Content,
		Attachments:    in.Attachments,
	}
	id, created, err := s.insertTx(ctx, tx, msg)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit conversation: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = created
	conv.UpdatedAt = created
	return conv, msg, nil
}

// AppendAssistantMessage records one agent's completed reply.
func (s *Store) AppendAssistantMessage(ctx context.Context, in AssistantMessage) (*models.Message, error) {
	if in.AgentID <= 0 {
		return nil, errors.New("assistant message requires an agent")
	}
	agentID := in.AgentID
	msg := &models.Message{
		ConversationID: in.ConversationID,
		ProjectID:      in.ProjectID,
		UserID:         in.UserID,
		Role:           models.RoleAssistant,
		AgentID:        &agentID,
		Content:        in.Content,
		ToolCalls:      in.ToolCalls,
		ToolResults:    in.ToolResults,
		Usage:          in.Usage,
		Meta:           in.Meta,
	}
	if err := s.insert(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) insert(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	id, now, err := s.insertTx(ctx, tx, msg)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// insertTx writes msg and bumps the conversation's updated_at inside tx.
func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, msg *models.Message) (string, time.Time, error) {
	if msg.ConversationID == "" || msg.ProjectID <= 0 || msg.UserID <= 0 {
		return "", time.Time{}, errors.New("conversation, project and user are required")
	}
	attachments, err := encodeColumn(msg.Attachments)
	if err != nil {
		return "", time.Time{}, err
	}
	calls, err := encodeColumn(msg.ToolCalls)
	if err != nil {
		return "", time.Time{}, err
	}
	results, err := encodeColumn(msg.ToolResults)
	if err != nil {
		return "", time.Time{}, err
	}
	usage, err := encodeColumn(msg.Usage)
	if err != nil {
		return "", time.Time{}, err
	}
	meta, err := encodeColumn(msg.Meta)
	if err != nil {
		return "", time.Time{}, err
	}
	var agentID sql.NullInt64
	if msg.AgentID != nil {
		agentID = sql.NullInt64{Int64: *msg.AgentID, Valid: true}
	}

	id, now, err := s.stamp()
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, project_id, user_id, role, agent_id, content,
		  attachments, tool_calls, tool_results, usage_stats, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ConversationID, msg.ProjectID, msg.UserID, msg.Role, agentID, msg.Content,
		attachments, calls, results, usage, meta, now,
	); err != nil {
		return "", time.Time{}, fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND project_id = ?`,
		now, msg.ConversationID, msg.ProjectID,
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", time.Time{}, fmt.Errorf("touch conversation %s: %w", msg.ConversationID, sql.ErrNoRows)
	}
	return id, now, nil
}

// encodeColumn stores empty values as NULL.
func encodeColumn(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []models.Attachment:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ToolCall:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ToolResult:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case *models.Usage:
		if val == nil {
			return sql.NullString{}, nil
		}
	case models.Meta:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode column: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeColumns(m *models.Message, attachments, calls, results, usage, meta sql.NullString) error {
	targets := []struct {
		col sql.NullString
		dst any
	}{
		{attachments, &m.Attachments},
		{calls, &m.ToolCalls},
		{results, &m.ToolResults},
		{usage, &m.Usage},
		{meta, &m.Meta},
	}
	for _, t := range targets {
		if !t.col.Valid || t.col.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(t.col.String), t.dst); err != nil {
			return err
		}
	}
	return nil
}
