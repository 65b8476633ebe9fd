package conversation

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/config"
	"agentdesk/internal/models"
	"agentdesk/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (1, 'owner', '', ?)`, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO projects (id, owner_id, name, created_at) VALUES (10, 1, 'demo', ?)`, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO agents (id, project_id, type, name, instructions, is_default, is_active, created_at, updated_at)
		VALUES (7, 10, 'architect', 'Architect', 'design', 1, 1, ?, ?)`, now, now)
	require.NoError(t, err)
	return NewStore(db), db
}

func TestCreateConversationAndLatest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestConversationID(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, latest)

	first, err := store.CreateConversation(ctx, 10, 1, "")
	require.NoError(t, err)
	assert.Contains(t, first.Title, "Conversation ")
	second, err := store.CreateConversation(ctx, 10, 1, "Schema review")
	require.NoError(t, err)
	assert.Equal(t, "Schema review", second.Title)
	assert.Less(t, first.ID, second.ID, "ids must sort by creation time")

	latest, err = store.LatestConversationID(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest)

	// Appending to the older conversation makes it the latest again.
	_, err = store.AppendUserMessage(ctx, UserMessage{ConversationID: first.ID, ProjectID: 10, UserID: 1, Content: "hi"})
	require.NoError(t, err)
	latest, err = store.LatestConversationID(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest)

	_, err = store.GetConversation(ctx, 10, 2, first.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestAppendMessagesKeepsOrderAndPayloads(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, 10, 1, "")
	require.NoError(t, err)

	user, err := store.AppendUserMessage(ctx, UserMessage{
		ConversationID: conv.ID,
		ProjectID:      10,
		UserID:         1,
		Content:        "Should I use PostgreSQL or MySQL?",
		Attachments:    []models.Attachment{{ID: 3, FileName: "schema.sql", MimeType: "text/plain", Size: 12}},
	})
	require.NoError(t, err)

	reply, err := store.AppendAssistantMessage(ctx, AssistantMessage{
		ConversationID: conv.ID,
		ProjectID:      10,
		UserID:         1,
		AgentID:        7,
		Content:        "PostgreSQL.",
		ToolCalls:      []models.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"pg vs mysql"}`}},
		ToolResults:    []models.ToolResult{{CallID: "c1", Name: "web_search", Content: "results"}},
		Usage:          &models.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		Meta:           models.Meta{"model": "gpt-4o-mini"},
	})
	require.NoError(t, err)
	assert.True(t, reply.CreatedAt.After(user.CreatedAt))
	assert.Less(t, user.ID, reply.ID)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Nil(t, msgs[0].AgentID)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "schema.sql", msgs[0].Attachments[0].FileName)

	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.NotNil(t, msgs[1].AgentID)
	assert.Equal(t, int64(7), *msgs[1].AgentID)
	assert.Equal(t, "PostgreSQL.", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "web_search", msgs[1].ToolCalls[0].Name)
	require.NotNil(t, msgs[1].Usage)
	assert.Equal(t, 12, msgs[1].Usage.TotalTokens)
	assert.Equal(t, "gpt-4o-mini", msgs[1].Meta["model"])
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendUserMessage(ctx, UserMessage{ConversationID: "missing", ProjectID: 10, UserID: 1, Content: "hi"})
	assert.Error(t, err)

	conv, err := store.CreateConversation(ctx, 10, 1, "")
	require.NoError(t, err)
	_, err = store.AppendUserMessage(ctx, UserMessage{ConversationID: conv.ID, ProjectID: 10, UserID: 1, Content: "   "})
	assert.Error(t, err)
	_, err = store.AppendAssistantMessage(ctx, AssistantMessage{ConversationID: conv.ID, ProjectID: 10, UserID: 1, Content: "x"})
	assert.Error(t, err)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConcurrentAppendsAreOrdered(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, 10, 1, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendAssistantMessage(ctx, AssistantMessage{
				ConversationID: conv.ID, ProjectID: 10, UserID: 1, AgentID: 7, Content: "reply",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "created_at must be strictly increasing")
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID, "ids must follow creation order")
	}
}

func TestStartConversationWritesConversationAndMessageTogether(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, msg, err := store.StartConversation(ctx, UserMessage{ProjectID: 10, UserID: 1, Content: "Kick off the billing project"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conv.Title, "Conversation "))
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.Equal(t, msg.CreatedAt, conv.UpdatedAt)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	latest, err := store.LatestConversationID(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, latest)
}

func TestStartConversationLeavesNothingOnFailure(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.StartConversation(ctx, UserMessage{ProjectID: 10, UserID: 1, Content: "   "})
	require.Error(t, err)
	_, _, err = store.StartConversation(ctx, UserMessage{ProjectID: 999, UserID: 1, Content: "orphan"})
	require.Error(t, err)

	latest, err := store.LatestConversationID(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, latest)
	list, err := store.ListConversations(ctx, 999, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}
