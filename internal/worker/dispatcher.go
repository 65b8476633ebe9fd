package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/models"
	"agentdesk/internal/redis"
	"agentdesk/internal/service/ai"
	"agentdesk/internal/service/conversation"
	"agentdesk/internal/stream"
)

// ConversationStore is the persistence the dispatcher writes through.
type ConversationStore interface {
	StartConversation(ctx context.Context, in conversation.UserMessage) (*models.Conversation, *models.Message, error)
	GetConversation(ctx context.Context, projectID, userID int64, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	AppendUserMessage(ctx context.Context, in conversation.UserMessage) (*models.Message, error)
	AppendAssistantMessage(ctx context.Context, in conversation.AssistantMessage) (*models.Message, error)
}

type DispatcherConfig struct {
	MinWorkers     int
	MaxWorkers     int
	QueueSize      int
	IdleTimeout    time.Duration
	RequestTimeout time.Duration // zero disables the per-request deadline
	Provider       string
}

// Turn is one user message and the agents chosen to answer it.
type Turn struct {
	ProjectID      int64
	UserID         int64
	ConversationID string // empty starts a new conversation
	Message        string
	Attachments    []models.Attachment
	Agents         []*models.Agent
	Routing        *stream.RoutingEvent // emitted before the agents start when set
}

// Summary describes what a turn produced.
type Summary struct {
	ConversationID string  `json:"conversationId"`
	IsNew          bool    `json:"isNew"`
	UserMessageID  string  `json:"userMessageId,omitempty"`
	Replies        []Reply `json:"replies"`
}

// Reply is the outcome of one agent. Exactly one of MessageID and Error is set.
type Reply struct {
	AgentID   int64  `json:"agentId"`
	Name      string `json:"name"`
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ErrorKind string

const (
	ErrGeneration ErrorKind = "generation"
	ErrStorage    ErrorKind = "storage"
	ErrBusy       ErrorKind = "busy"
)

// AgentError is the failure of a single agent. Other agents of the turn are unaffected.
type AgentError struct {
	AgentID int64
	Kind    ErrorKind
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %d %s error: %v", e.AgentID, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Message is the text sent to the client.
func (e *AgentError) Message() string {
	switch e.Kind {
	case ErrStorage:
		return "the reply could not be saved"
	case ErrBusy:
		return "too many requests in flight, try again shortly"
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "the agent timed out"
	}
	return "generation failed: " + e.Err.Error()
}

var errNoAgents = errors.New("no agents selected")

// Dispatcher runs a turn: it persists the user message, fans the message out
// to the selected agents on the worker pool and streams their replies.
type Dispatcher struct {
	store   ConversationStore
	gen     ai.Generator
	cfg     DispatcherConfig
	sched   *scheduler
	history *historyCache
	feed    *stream.Broadcaster
}

// NewDispatcher starts the worker pool. cache and feed may be nil.
func NewDispatcher(store ConversationStore, gen ai.Generator, cfg DispatcherConfig, cache *redis.Client, feed *stream.Broadcaster) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gen:     gen,
		cfg:     cfg,
		sched:   newScheduler(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout),
		history: newHistoryCache(cache),
		feed:    feed,
	}
}

// Listen follows history invalidations from other instances until ctx is done.
func (d *Dispatcher) Listen(ctx context.Context) error {
	return d.history.listen(ctx)
}

// Close finishes queued jobs and stops the workers.
func (d *Dispatcher) Close() {
	d.sched.close()
}

// Run executes turn and writes its events to out. The returned error is set
// only for request-level failures, which have already been reported on out.
func (d *Dispatcher) Run(ctx context.Context, turn Turn, out stream.Emitter) (*Summary, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.cfg.RequestTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer stop()
	}
	emit := &guardedEmitter{out: out, parent: parent, cancel: cancel}
	summary := &Summary{ConversationID: turn.ConversationID, Replies: []Reply{}}

	if len(turn.Agents) == 0 {
		return summary, d.abort(emit, errNoAgents, errNoAgents.Error())
	}

	var (
		conv    *models.Conversation
		userMsg *models.Message
		history []*models.Message
		err     error
	)
	in := conversation.UserMessage{
		ConversationID: turn.ConversationID,
		ProjectID:      turn.ProjectID,
		UserID:         turn.UserID,
		Content:        turn.Message,
		Attachments:    turn.Attachments,
	}
	isNew := turn.ConversationID == ""
	if isNew {
		if emit.gone() {
			return summary, stream.ErrClientGone
		}
		// the conversation only exists once its first message does
		conv, userMsg, err = d.store.StartConversation(context.WithoutCancel(ctx), in)
		if err != nil {
			return summary, d.abort(emit, fmt.Errorf("start conversation: %w", err), "could not save your message")
		}
	} else {
		conv, err = d.store.GetConversation(ctx, turn.ProjectID, turn.UserID, turn.ConversationID)
		if err != nil {
			err = fmt.Errorf("get conversation %s: %w", turn.ConversationID, err)
			if errors.Is(err, sql.ErrNoRows) {
				return summary, d.abort(emit, err, "conversation not found")
			}
			return summary, d.abort(emit, err, "could not open the conversation")
		}
		history, err = d.history.load(ctx, conv.ID, d.store.ListMessages)
		if err != nil {
			return summary, d.abort(emit, fmt.Errorf("load history: %w", err), "could not load the conversation history")
		}
		if emit.gone() {
			return summary, stream.ErrClientGone
		}
		userMsg, err = d.store.AppendUserMessage(context.WithoutCancel(ctx), in)
		if err != nil {
			return summary, d.abort(emit, fmt.Errorf("save user message: %w", err), "could not save your message")
		}
	}
	summary.ConversationID = conv.ID
	summary.IsNew = isNew
	summary.UserMessageID = userMsg.ID
	d.publish(userMsg)

	if isNew {
		if err := emit.Emit(stream.ConversationEvent{ID: conv.ID, IsNew: true}); err != nil {
			return summary, err
		}
	}
	if turn.Routing != nil {
		if err := emit.Emit(*turn.Routing); err != nil {
			return summary, err
		}
	}

	replies := make([]Reply, len(turn.Agents))
	var wg sync.WaitGroup
	for i, agent := range turn.Agents {
		wg.Add(1)
		job := Job{
			Type:      Generate,
			ProjectID: turn.ProjectID,
			AgentID:   agent.ID,
			Run: func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						replies[i] = d.agentFailed(emit, agent, ErrGeneration, fmt.Errorf("panic: %v", r))
					}
				}()
				replies[i] = d.runAgent(ctx, emit, turn, conv.ID, history, agent)
			},
		}
		if err := d.sched.submit(job); err != nil {
			wg.Done()
			if emit.Emit(stream.AgentStartEvent{AgentID: agent.ID, Name: agent.Name}) == nil {
				replies[i] = d.agentFailed(emit, agent, ErrBusy, err)
			} else {
				replies[i] = Reply{AgentID: agent.ID, Name: agent.Name, Error: stream.ErrClientGone.Error()}
			}
		}
	}
	wg.Wait()
	summary.Replies = replies

	if emit.gone() {
		debugLog("[dispatcher] client left conversation %s before done", conv.ID)
		return summary, stream.ErrClientGone
	}
	_ = emit.Emit(stream.DoneEvent{})
	return summary, nil
}

// runAgent streams one agent's reply and persists it once the generation completed.
func (d *Dispatcher) runAgent(ctx context.Context, emit *guardedEmitter, turn Turn, conversationID string, history []*models.Message, agent *models.Agent) Reply {
	abandoned := Reply{AgentID: agent.ID, Name: agent.Name, Error: stream.ErrClientGone.Error()}
	if err := emit.Emit(stream.AgentStartEvent{AgentID: agent.ID, Name: agent.Name}); err != nil {
		return abandoned
	}

	gen, err := d.gen.Generate(ctx, ai.Request{
		ProjectID:      turn.ProjectID,
		ConversationID: conversationID,
		Provider:       d.cfg.Provider,
		Instructions:   agent.Instructions,
		Model:          agent.Model,
		Tools:          agent.Tools,
		History:        history,
		Prompt:         turn.Message,
		Attachments:    turn.Attachments,
	})
	if err != nil {
		return d.agentFailed(emit, agent, ErrGeneration, err)
	}
	defer gen.Close()

	var content strings.Builder
	for {
		chunk, err := gen.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.agentFailed(emit, agent, ErrGeneration, err)
		}
		if chunk == "" {
			continue
		}
		content.WriteString(chunk)
		if err := emit.Emit(stream.ChunkEvent{AgentID: agent.ID, Text: chunk}); err != nil {
			return abandoned
		}
	}
	if emit.gone() {
		return abandoned
	}

	res := gen.Result()
	meta := models.Meta{}
	for k, v := range res.Meta {
		meta[k] = v
	}
	meta["agent_type"] = string(agent.Type)
	meta["agent_name"] = agent.Name

	msg, err := d.store.AppendAssistantMessage(context.WithoutCancel(ctx), conversation.AssistantMessage{
		ConversationID: conversationID,
		ProjectID:      turn.ProjectID,
		UserID:         turn.UserID,
		AgentID:        agent.ID,
		Content:        content.String(),
		ToolCalls:      res.ToolCalls,
		ToolResults:    res.ToolResults,
		Usage:          res.Usage,
		Meta:           meta,
	})
	if err != nil {
		return d.agentFailed(emit, agent, ErrStorage, err)
	}
	d.publish(msg)

	reply := Reply{AgentID: agent.ID, Name: agent.Name, MessageID: msg.ID, Content: msg.Content}
	if err := emit.Emit(stream.AgentDoneEvent{AgentID: agent.ID, MessageID: msg.ID}); err != nil {
		debugLog("[dispatcher] agent %d reply %s saved after client left", agent.ID, msg.ID)
	}
	return reply
}

// agentFailed reports a per-agent failure unless the client already left.
func (d *Dispatcher) agentFailed(emit *guardedEmitter, agent *models.Agent, kind ErrorKind, err error) Reply {
	if emit.gone() {
		return Reply{AgentID: agent.ID, Name: agent.Name, Error: stream.ErrClientGone.Error()}
	}
	aerr := &AgentError{AgentID: agent.ID, Kind: kind, Err: err}
	log.Printf("dispatcher: %v", aerr)
	reply := Reply{AgentID: agent.ID, Name: agent.Name, Error: aerr.Message()}
	_ = emit.Emit(stream.AgentErrorEvent{AgentID: agent.ID, Message: reply.Error})
	return reply
}

func (d *Dispatcher) abort(emit *guardedEmitter, err error, message string) error {
	log.Printf("dispatcher: %v", err)
	stream.Fail(emit, message)
	return err
}

func (d *Dispatcher) publish(msg *models.Message) {
	d.history.append(msg)
	if d.feed != nil {
		d.feed.Publish(msg.ConversationID, msg)
	}
}

// guardedEmitter cancels the turn on the first failed write to a departed client.
type guardedEmitter struct {
	out    stream.Emitter
	parent context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	lost bool
}

func (g *guardedEmitter) Emit(e stream.Event) error {
	err := g.out.Emit(e)
	if errors.Is(err, stream.ErrClientGone) {
		g.mu.Lock()
		g.lost = true
		g.mu.Unlock()
		g.cancel()
	}
	return err
}

func (g *guardedEmitter) gone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lost || g.parent.Err() != nil
}
