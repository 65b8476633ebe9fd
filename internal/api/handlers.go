package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentdesk/internal/auth"
	"agentdesk/internal/service/agents"
	"agentdesk/internal/service/conversation"
	"agentdesk/internal/service/moderator"
	"agentdesk/internal/service/workspace"
	"agentdesk/internal/stream"
	"agentdesk/internal/worker"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Workspace  *workspace.Service
	Auth       *auth.Service
	Agents     *agents.Registry
	Store      *conversation.Store
	Moderator  *moderator.Moderator
	Gate       moderator.Gate
	Dispatcher *worker.Dispatcher
	Feed       *stream.Broadcaster
	FileBase   string
	FileTTL    time.Duration
}

// Handler wires HTTP routes to the workspace, agent and chat services.
type Handler struct {
	workspace  *workspace.Service
	auth       *auth.Service
	agents     *agents.Registry
	store      *conversation.Store
	moderator  *moderator.Moderator
	gate       moderator.Gate
	dispatcher *worker.Dispatcher
	feed       *stream.Broadcaster
	fileBase   string
	fileTTL    time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	if d.Feed == nil {
		d.Feed = stream.NewBroadcaster()
	}
	if d.FileTTL <= 0 {
		d.FileTTL = workspace.DefaultAttachmentTTL
	}
	return &Handler{
		workspace:  d.Workspace,
		auth:       d.Auth,
		agents:     d.Agents,
		store:      d.Store,
		moderator:  d.Moderator,
		gate:       d.Gate,
		dispatcher: d.Dispatcher,
		feed:       d.Feed,
		fileBase:   d.FileBase,
		fileTTL:    d.FileTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)
	authed.GET("/projects", h.listProjects)
	authed.POST("/projects", h.createProject)

	project := authed.Group("/projects/:project_id")
	project.Use(auth.ProjectMiddleware(h.workspace.OwnsProject))
	project.GET("/agents", h.listAgents)
	project.POST("/agents", h.createAgent)
	project.PATCH("/agents/:agent_id", h.updateAgent)
	project.DELETE("/agents/:agent_id", h.deleteAgent)
	project.POST("/agents/:agent_id/restore", h.restoreAgent)
	project.GET("/provider-keys", h.listProviderKeys)
	project.PUT("/provider-keys/:provider", h.setProviderKey)
	project.DELETE("/provider-keys/:provider", h.deleteProviderKey)
	project.POST("/uploads", h.uploadAttachment)
	project.GET("/conversations", h.listConversations)
	project.GET("/conversations/:conversation_id/messages", h.conversationMessages)
	project.GET("/conversations/:conversation_id/events", h.conversationEvents)
	project.POST("/chat", h.chat)
	project.POST("/chat/select", h.chatSelect)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// projectScope returns the caller and the project resolved by ProjectMiddleware.
func (h *Handler) projectScope(c *gin.Context) (int64, int64, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return 0, 0, false
	}
	projectID, ok := auth.ProjectIDFromContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, 0, false
	}
	return userID, projectID, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + strings.ReplaceAll(name, "_", " ")})
		return 0, false
	}
	return id, true
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.workspace.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, workspace.ErrCredentialsRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Printf("register user: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.workspace.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, workspace.ErrInvalidCredentials) || errors.Is(err, workspace.ErrCredentialsRequired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Printf("login: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.auth.SetSessionCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.workspace.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

// Projects

func (h *Handler) listProjects(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	projects, err := h.workspace.ListProjects(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) createProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, seeded, err := h.workspace.CreateProject(c.Request.Context(), userID, req.Name)
	if err != nil {
		if errors.Is(err, workspace.ErrProjectNameRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("create project: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create project failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"project": project,
		"agents":  seeded,
	})
}

// Provider keys

func (h *Handler) listProviderKeys(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	keys, err := h.workspace.ListProviderKeys(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) setProviderKey(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.workspace.SetProviderKey(c.Request.Context(), projectID, c.Param("provider"), req.Key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProviderKey(c *gin.Context) {
	_, projectID, ok := h.projectScope(c)
	if !ok {
		return
	}
	if err := h.workspace.DeleteProviderKey(c.Request.Context(), projectID, c.Param("provider")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
