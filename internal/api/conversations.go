package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdesk/internal/models"
	"agentdesk/internal/stream"
)

func (h *Handler) listConversations(c *gin.Context) {
	userID, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	list, err := h.store.ListConversations(c.Request.Context(), projectID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) ownedConversation(c *gin.Context) (*models.Conversation, bool) {
	userID, projectID, ok := h.projectScope(c)
	if !ok {
		return nil, false
	}
	conv, err := h.store.GetConversation(c.Request.Context(), projectID, userID, c.Param("conversation_id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return conv, true
}

func (h *Handler) conversationMessages(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

// conversationEvents streams messages persisted to a conversation while the
// client stays connected.
func (h *Handler) conversationEvents(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	out, err := stream.NewSSEWriter(ctx, c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	feed, _ := h.feed.Subscribe(ctx, conv.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-feed:
			if !open {
				return
			}
			if err := out.Emit(stream.MessageEvent{Message: msg}); err != nil {
				return
			}
		}
	}
}
