package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"agentdesk/internal/models"
	"agentdesk/internal/service/agents"
	"agentdesk/internal/service/ai"
)

// MaxMessageLength bounds the text a user can send, in characters.
const MaxMessageLength = 10000

// Score is one classifier verdict for an agent type.
type Score struct {
	Type       models.AgentType `json:"type"`
	Confidence float64          `json:"confidence"`
}

// RoutingResult is the validated classifier output, sorted by descending confidence.
type RoutingResult struct {
	Scores    []Score
	Reasoning string
}

// ClassificationError reports classifier output that could not be used.
type ClassificationError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
	}
	return "classification failed: " + e.Reason
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Moderator scores the project's agent types against a message.
type Moderator struct {
	gen      ai.Generator
	provider string
	model    string
}

func New(gen ai.Generator, provider, model string) *Moderator {
	return &Moderator{gen: gen, provider: provider, model: model}
}

// ValidTypes lists the routable types among the project's agents in
// declaration order. The moderator itself is never a routing target.
func ValidTypes(list []*models.Agent) []models.AgentType {
	present := make(map[models.AgentType]bool)
	for _, a := range list {
		if a.IsActive && a.DeletedAt == nil && a.Type != models.AgentModerator {
			present[a.Type] = true
		}
	}
	var out []models.AgentType
	for _, t := range models.AgentTypes {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}

// Classify asks the generation capability to score message against valid.
// Any failure of the call or of its output is a *ClassificationError.
func (m *Moderator) Classify(ctx context.Context, projectID int64, message string, valid []models.AgentType) (*RoutingResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &ClassificationError{Reason: "message is empty"}
	}
	if len(valid) == 0 {
		return nil, &ClassificationError{Reason: "project has no routable agents"}
	}

	res, err := ai.Complete(ctx, m.gen, ai.Request{
		ProjectID:    projectID,
		Provider:     m.provider,
		Model:        m.model,
		Instructions: classificationPrompt(valid),
		Tools:        []string{},
		Prompt:       message,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClassificationError{Reason: "classifier call failed", Err: err}
	}
	return Parse(res.Content, valid)
}

func classificationPrompt(valid []models.AgentType) string {
	names := make([]string, len(valid))
	for i, t := range valid {
		names[i] = string(t)
	}
	return "You route messages in a project-management workspace to specialist agents.\n" +
		"Available agent types: " + strings.Join(names, ", ") + ".\n" +
		"Score how well each relevant type fits the user's message with a confidence between 0 and 1. " +
		"Omit types that clearly do not apply.\n" +
		"Reply with JSON only, no prose, in exactly this shape:\n" +
		`{"agents":[{"type":"<agent type>","confidence":0.0}],"reasoning":"<one sentence>"}`
}

type rawScore struct {
	Type       *string  `json:"type"`
	Confidence *float64 `json:"confidence"`
}

type rawResult struct {
	Agents    *[]rawScore `json:"agents"`
	Reasoning *string     `json:"reasoning"`
}

// Parse validates classifier output. Entries must carry a type and a
// confidence; unknown or non-routable types are dropped, confidence is
// clamped to [0,1] and duplicates keep their highest score.
func Parse(raw string, valid []models.AgentType) (*RoutingResult, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, &ClassificationError{Reason: "empty classifier output", Raw: raw}
	}

	var parsed rawResult
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&parsed); err != nil {
		return nil, &ClassificationError{Reason: "output is not valid JSON", Raw: raw, Err: err}
	}
	if parsed.Agents == nil {
		return nil, &ClassificationError{Reason: `missing "agents" array`, Raw: raw}
	}
	if parsed.Reasoning == nil {
		return nil, &ClassificationError{Reason: `missing "reasoning" string`, Raw: raw}
	}

	allowed := make(map[models.AgentType]bool, len(valid))
	for _, t := range valid {
		allowed[t] = true
	}

	best := make(map[models.AgentType]float64)
	for i, entry := range *parsed.Agents {
		if entry.Type == nil || entry.Confidence == nil {
			return nil, &ClassificationError{Reason: fmt.Sprintf("agents[%d] needs type and confidence", i), Raw: raw}
		}
		t, ok := models.ParseAgentType(*entry.Type)
		if !ok || !allowed[t] {
			continue
		}
		c := clamp(*entry.Confidence)
		if prev, seen := best[t]; !seen || c > prev {
			best[t] = c
		}
	}

	scores := make([]Score, 0, len(best))
	for t, c := range best {
		scores = append(scores, Score{Type: t, Confidence: c})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Type.Rank() < scores[j].Type.Rank()
	})
	return &RoutingResult{Scores: scores, Reasoning: strings.TrimSpace(*parsed.Reasoning)}, nil
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// stripFence removes a surrounding markdown code fence some models add.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// Resolved pairs a configured agent with the confidence its type received.
type Resolved struct {
	Agent      *models.Agent
	Confidence float64
}

// Resolve maps scored types to the project's agents. Types without a
// configured agent are dropped silently.
func Resolve(result *RoutingResult, list []*models.Agent) []Resolved {
	if result == nil {
		return nil
	}
	out := make([]Resolved, 0, len(result.Scores))
	for _, s := range result.Scores {
		if a, ok := agents.ByType(list, s.Type); ok {
			out = append(out, Resolved{Agent: a, Confidence: s.Confidence})
		}
	}
	return out
}

// ErrEmptyMessage is returned by ValidateMessage for blank input.
var ErrEmptyMessage = errors.New("message is required")

// ValidateMessage trims message and enforces the 1..MaxMessageLength bound.
func ValidateMessage(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if n := len([]rune(message)); n > MaxMessageLength {
		return "", fmt.Errorf("message is %d characters, limit is %d", n, MaxMessageLength)
	}
	return message, nil
}
