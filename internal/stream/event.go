package stream

import (
	"encoding/json"
	"fmt"

	"agentdesk/internal/models"
)

// Kind is the wire tag of an event, sent as the SSE event name and as "type" in the payload.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindRouting      Kind = "routing"
	KindAgentStart   Kind = "agent_start"
	KindChunk        Kind = "chunk"
	KindAgentDone    Kind = "agent_done"
	KindRoutingPoll  Kind = "routing_poll"
	KindAgentError   Kind = "agent_error"
	KindError        Kind = "error"
	KindDone         Kind = "done"

	// KindMessage is only sent on the conversation feed, never on a chat stream.
	KindMessage Kind = "message"
)

// Event is the closed set of payloads a chat stream carries.
type Event interface {
	Kind() Kind
}

// AgentRef identifies an agent on the wire.
type AgentRef struct {
	ID   int64            `json:"id"`
	Name string           `json:"name"`
	Type models.AgentType `json:"type"`
}

// Candidate is an agent offered to the user when routing is ambiguous.
type Candidate struct {
	AgentRef
	Confidence float64 `json:"confidence"`
}

func RefOf(a *models.Agent) AgentRef {
	return AgentRef{ID: a.ID, Name: a.Name, Type: a.Type}
}

type ConversationEvent struct {
	ID    string `json:"id"`
	IsNew bool   `json:"isNew"`
}

type RoutingEvent struct {
	Agents    []AgentRef `json:"agents"`
	Reasoning string     `json:"reasoning"`
}

type AgentStartEvent struct {
	AgentID int64  `json:"agentId"`
	Name    string `json:"name"`
}

type ChunkEvent struct {
	AgentID int64  `json:"agentId"`
	Text    string `json:"text"`
}

type AgentDoneEvent struct {
	AgentID   int64  `json:"agentId"`
	MessageID string `json:"messageId"`
}

type RoutingPollEvent struct {
	Reasoning  string      `json:"reasoning"`
	Candidates []Candidate `json:"candidates"`
}

type AgentErrorEvent struct {
	AgentID int64  `json:"agentId"`
	Message string `json:"message"`
}

// ErrorEvent is a request-level failure. It is always followed by DoneEvent.
type ErrorEvent struct {
	Message string `json:"message"`
}

// DoneEvent terminates every stream.
type DoneEvent struct{}

// MessageEvent carries a persisted message to feed subscribers.
type MessageEvent struct {
	*models.Message
}

func (ConversationEvent) Kind() Kind { return KindConversation }
func (RoutingEvent) Kind() Kind      { return KindRouting }
func (AgentStartEvent) Kind() Kind   { return KindAgentStart }
func (ChunkEvent) Kind() Kind        { return KindChunk }
func (AgentDoneEvent) Kind() Kind    { return KindAgentDone }
func (RoutingPollEvent) Kind() Kind  { return KindRoutingPoll }
func (AgentErrorEvent) Kind() Kind   { return KindAgentError }
func (ErrorEvent) Kind() Kind        { return KindError }
func (DoneEvent) Kind() Kind         { return KindDone }
func (MessageEvent) Kind() Kind      { return KindMessage }

// Encode renders the JSON payload of e with its "type" tag first.
func Encode(e Event) ([]byte, error) {
	switch v := e.(type) {
	case RoutingEvent:
		if v.Agents == nil {
			v.Agents = []AgentRef{}
		}
		e = v
	case RoutingPollEvent:
		if v.Candidates == nil {
			v.Candidates = []Candidate{}
		}
		e = v
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	tag, err := json.Marshal(e.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+8)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Emitter receives the events of one chat request in order.
type Emitter interface {
	Emit(e Event) error
}

// Fail reports a request-level error and closes the stream.
func Fail(out Emitter, message string) {
	if err := out.Emit(ErrorEvent{Message: message}); err != nil {
		return
	}
	_ = out.Emit(DoneEvent{})
}
