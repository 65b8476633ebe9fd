package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdesk/internal/models"
	"agentdesk/internal/service/agents"
	"agentdesk/internal/service/moderator"
	"agentdesk/internal/service/workspace"
	"agentdesk/internal/stream"
	"agentdesk/internal/worker"
)

type chatRequest struct {
	Message        string  `json:"message"`
	AgentIDs       []int64 `json:"agentIds"`
	ConversationID *string `json:"conversationId"`
	AttachmentIDs  []int64 `json:"attachmentIds"`
}

func (r chatRequest) conversationID() string {
	if r.ConversationID == nil {
		return ""
	}
	return *r.ConversationID
}

// prepareTurn validates a chat request before any event is streamed, so
// every failure here is still a plain JSON response.
func (h *Handler) prepareTurn(c *gin.Context, req chatRequest) (worker.Turn, bool) {
	userID, projectID, ok := h.projectScope(c)
	if !ok {
		return worker.Turn{}, false
	}
	ctx := c.Request.Context()
	message, err := moderator.ValidateMessage(req.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return worker.Turn{}, false
	}
	turn := worker.Turn{
		ProjectID:      projectID,
		UserID:         userID,
		ConversationID: req.conversationID(),
		Message:        message,
	}

	if turn.ConversationID != "" {
		if _, err := h.store.GetConversation(ctx, projectID, userID, turn.ConversationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return worker.Turn{}, false
			}
			log.Printf("chat: get conversation: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open the conversation"})
			return worker.Turn{}, false
		}
	}

	if len(req.AttachmentIDs) > 0 {
		attachments, err := h.workspace.AttachmentsByIDs(ctx, projectID, userID, req.AttachmentIDs)
		if err != nil {
			if errors.Is(err, workspace.ErrAttachmentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return worker.Turn{}, false
			}
			log.Printf("chat: load attachments: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load attachments"})
			return worker.Turn{}, false
		}
		turn.Attachments = attachments
	}

	if len(req.AgentIDs) > 0 {
		selected, err := h.agents.ByIDs(ctx, projectID, req.AgentIDs)
		if err != nil {
			if errors.Is(err, agents.ErrAgentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return worker.Turn{}, false
			}
			log.Printf("chat: resolve agents: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load agents"})
			return worker.Turn{}, false
		}
		refs := make([]stream.AgentRef, 0, len(selected))
		for _, a := range selected {
			if a.Type == models.AgentModerator {
				c.JSON(http.StatusBadRequest, gin.H{"error": "the moderator cannot answer messages"})
				return worker.Turn{}, false
			}
			refs = append(refs, stream.RefOf(a))
		}
		turn.Agents = selected
		turn.Routing = &stream.RoutingEvent{Agents: refs, Reasoning: "selected by user"}
	}
	return turn, true
}

// chat streams one turn. Without explicit agentIds the moderator routes the
// message, and an ambiguous verdict ends the stream with a routing poll.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	turn, ok := h.prepareTurn(c, req)
	if !ok {
		return
	}

	out, err := stream.NewSSEWriter(c.Request.Context(), c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(turn.Agents) == 0 {
		if !h.route(c, &turn, out) {
			return
		}
	}
	if _, err := h.dispatcher.Run(c.Request.Context(), turn, out); err != nil && !errors.Is(err, stream.ErrClientGone) {
		log.Printf("chat: project %d: %v", turn.ProjectID, err)
	}
}

// route asks the moderator for agents. It returns false when the stream was
// already finished, either by a failure or by a routing poll.
func (h *Handler) route(c *gin.Context, turn *worker.Turn, out stream.Emitter) bool {
	ctx := c.Request.Context()
	list, err := h.agents.AgentsForProject(ctx, turn.ProjectID)
	if err != nil {
		log.Printf("route: load agents: %v", err)
		stream.Fail(out, "could not load agents")
		return false
	}
	result, err := h.moderator.Classify(ctx, turn.ProjectID, turn.Message, moderator.ValidTypes(list))
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Printf("route: project %d: %v", turn.ProjectID, err)
		stream.Fail(out, "could not route your message")
		return false
	}

	decision := h.gate.Decide(moderator.Resolve(result, list))
	if decision.Ambiguous {
		candidates := make([]stream.Candidate, 0, len(decision.Candidates))
		for _, r := range decision.Candidates {
			candidates = append(candidates, stream.Candidate{AgentRef: stream.RefOf(r.Agent), Confidence: r.Confidence})
		}
		if out.Emit(stream.RoutingPollEvent{Reasoning: result.Reasoning, Candidates: candidates}) == nil {
			_ = out.Emit(stream.DoneEvent{})
		}
		return false
	}

	refs := make([]stream.AgentRef, 0, len(decision.Selected))
	for _, r := range decision.Selected {
		turn.Agents = append(turn.Agents, r.Agent)
		refs = append(refs, stream.RefOf(r.Agent))
	}
	turn.Routing = &stream.RoutingEvent{Agents: refs, Reasoning: result.Reasoning}
	return true
}

// chatSelect answers with agents the user picked after a routing poll. It
// runs the turn to completion and returns the recorded events as JSON.
func (h *Handler) chatSelect(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.AgentIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentIds must name at least one agent"})
		return
	}
	turn, ok := h.prepareTurn(c, req)
	if !ok {
		return
	}
	if turn.ConversationID == "" {
		latest, err := h.store.LatestConversationID(c.Request.Context(), turn.ProjectID, turn.UserID)
		if err != nil {
			log.Printf("chat select: latest conversation: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open the conversation"})
			return
		}
		turn.ConversationID = latest
	}

	var rec stream.Recorder
	summary, err := h.dispatcher.Run(c.Request.Context(), turn, &rec)
	if err != nil {
		if errors.Is(err, stream.ErrClientGone) {
			return
		}
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events := make([]json.RawMessage, 0, len(rec.Events()))
	for _, e := range rec.Events() {
		data, err := stream.Encode(e)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		events = append(events, data)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": summary.ConversationID,
		"isNew":          summary.IsNew,
		"userMessageId":  summary.UserMessageID,
		"replies":        summary.Replies,
		"events":         events,
	})
}
