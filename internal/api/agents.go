package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdesk/internal/models"
	"agentdesk/internal/service/agents"
)

func agentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agents.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, agents.ErrInvalidAgent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("agent request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent request failed"})
	}
}

func (h *Handler) listAgents(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	includeDeleted := c.Query("include_deleted") == "true"
	list, err := h.agents.AllAgents(c.Request.Context(), projectID, includeDeleted)
	if err != nil {
		agentError(c, err)
		return
	}
	if list == nil {
		list = []*models.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

func (h *Handler) createAgent(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	var req agents.NewAgent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.Create(c.Request.Context(), projectID, req)
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

func (h *Handler) updateAgent(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "agent_id")
	if !ok {
		return
	}
	var patch models.AgentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.Update(c.Request.Context(), projectID, agentID, patch)
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *Handler) deleteAgent(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "agent_id")
	if !ok {
		return
	}
	if err := h.agents.SoftDelete(c.Request.Context(), projectID, agentID); err != nil {
		agentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) restoreAgent(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "agent_id")
	if !ok {
		return
	}
	agent, err := h.agents.Restore(c.Request.Context(), projectID, agentID)
	if err != nil {
		agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}
