package moderator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/models"
	"agentdesk/internal/service/ai"
	"agentdesk/internal/service/ai/aitest"
)

func projectAgents() []*models.Agent {
	return []*models.Agent{
		{ID: 1, Type: models.AgentModerator, Name: "Moderator", IsDefault: true, IsActive: true},
		{ID: 2, Type: models.AgentArchitect, Name: "Architect", IsDefault: true, IsActive: true},
		{ID: 3, Type: models.AgentAnalyst, Name: "Business Analyst", IsDefault: true, IsActive: true},
		{ID: 4, Type: models.AgentPM, Name: "Project Manager", IsDefault: true, IsActive: true},
	}
}

func cannedGenerator(reply string, seen *ai.Request) ai.Generator {
	return aitest.GeneratorFunc(func(_ context.Context, req ai.Request) (ai.Stream, error) {
		if seen != nil {
			*seen = req
		}
		return &aitest.ChunkStream{Chunks: []string{reply}}, nil
	})
}

func TestValidTypesExcludesModeratorAndInactive(t *testing.T) {
	list := projectAgents()
	list = append(list, &models.Agent{ID: 5, Type: models.AgentTechnical, IsActive: false})
	assert.Equal(t, []models.AgentType{models.AgentArchitect, models.AgentAnalyst, models.AgentPM}, ValidTypes(list))
}

func TestParseClampsSortsAndDropsUnknown(t *testing.T) {
	valid := []models.AgentType{models.AgentArchitect, models.AgentAnalyst, models.AgentPM}
	raw := "```json\n" + `{"agents":[
		{"type":"pm","confidence":0.6},
		{"type":"Architect","confidence":1.7},
		{"type":"analyst","confidence":-0.2},
		{"type":"wizard","confidence":0.9},
		{"type":"technical","confidence":0.9},
		{"type":"pm","confidence":0.3}
	],"reasoning":" mixed "}` + "\n```"

	res, err := Parse(raw, valid)
	require.NoError(t, err)
	assert.Equal(t, "mixed", res.Reasoning)
	assert.Equal(t, []Score{
		{Type: models.AgentArchitect, Confidence: 1},
		{Type: models.AgentPM, Confidence: 0.6},
		{Type: models.AgentAnalyst, Confidence: 0},
	}, res.Scores)
	for i := 1; i < len(res.Scores); i++ {
		assert.GreaterOrEqual(t, res.Scores[i-1].Confidence, res.Scores[i].Confidence)
	}
}

func TestParseBreaksTiesByDeclarationOrder(t *testing.T) {
	valid := []models.AgentType{models.AgentArchitect, models.AgentAnalyst, models.AgentPM, models.AgentTechnical}
	res, err := Parse(`{"agents":[{"type":"technical","confidence":0.5},{"type":"analyst","confidence":0.5},{"type":"pm","confidence":0.5}],"reasoning":""}`, valid)
	require.NoError(t, err)
	require.Len(t, res.Scores, 3)
	assert.Equal(t, models.AgentAnalyst, res.Scores[0].Type)
	assert.Equal(t, models.AgentPM, res.Scores[1].Type)
	assert.Equal(t, models.AgentTechnical, res.Scores[2].Type)
}

func TestParseRejectsMalformedOutput(t *testing.T) {
	valid := []models.AgentType{models.AgentArchitect}
	cases := map[string]string{
		"prose":             "I think the architect should answer.",
		"empty":             "  ",
		"missing agents":    `{"reasoning":"x"}`,
		"missing reasoning": `{"agents":[]}`,
		"agents not array":  `{"agents":{"type":"architect"},"reasoning":"x"}`,
		"entry w/o conf":    `{"agents":[{"type":"architect"}],"reasoning":"x"}`,
		"confidence string": `{"agents":[{"type":"architect","confidence":"high"}],"reasoning":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw, valid)
			var cerr *ClassificationError
			require.ErrorAs(t, err, &cerr)
		})
	}
}

func TestClassifyArchitectScenario(t *testing.T) {
	var seen ai.Request
	gen := cannedGenerator(`{"agents":[{"type":"architect","confidence":0.95}],"reasoning":"architecture question"}`, &seen)
	m := New(gen, "openai", "gpt-4o-mini")
	list := projectAgents()

	res, err := m.Classify(context.Background(), 10, "Should I use PostgreSQL or MySQL?", ValidTypes(list))
	require.NoError(t, err)
	assert.Equal(t, "architecture question", res.Reasoning)
	assert.NotNil(t, seen.Tools)
	assert.Empty(t, seen.Tools, "classification runs without tools")
	assert.True(t, strings.Contains(seen.Instructions, "architect, analyst, pm"))

	resolved := Resolve(res, list)
	require.Len(t, resolved, 1)
	assert.Equal(t, int64(2), resolved[0].Agent.ID)

	d := Gate{Threshold: 0.8, ClusterMargin: 0.05}.Decide(resolved)
	assert.False(t, d.Ambiguous)
	require.Len(t, d.Selected, 1)
	assert.Equal(t, int64(2), d.Selected[0].Agent.ID)
}

func TestClassifyAmbiguousScenario(t *testing.T) {
	gen := cannedGenerator(`{"agents":[{"type":"analyst","confidence":0.5},{"type":"architect","confidence":0.4}],"reasoning":"ambiguous"}`, nil)
	m := New(gen, "", "")
	list := projectAgents()

	res, err := m.Classify(context.Background(), 10, "What next?", ValidTypes(list))
	require.NoError(t, err)
	d := Gate{Threshold: 0.8, ClusterMargin: 0.05}.Decide(Resolve(res, list))
	assert.True(t, d.Ambiguous)
	assert.Empty(t, d.Selected)
	require.Len(t, d.Candidates, 2)
	assert.Equal(t, models.AgentAnalyst, d.Candidates[0].Agent.Type)
	assert.Equal(t, 0.5, d.Candidates[0].Confidence)
}

func TestClassifyFailureIsClassificationError(t *testing.T) {
	failing := aitest.GeneratorFunc(func(context.Context, ai.Request) (ai.Stream, error) {
		return nil, errors.New("rate limited")
	})
	_, err := New(failing, "", "").Classify(context.Background(), 10, "hi", []models.AgentType{models.AgentPM})
	var cerr *ClassificationError
	require.ErrorAs(t, err, &cerr)

	_, err = New(cannedGenerator("not json", nil), "", "").Classify(context.Background(), 10, "hi", []models.AgentType{models.AgentPM})
	require.ErrorAs(t, err, &cerr)

	_, err = New(cannedGenerator("{}", nil), "", "").Classify(context.Background(), 10, "hi", nil)
	require.ErrorAs(t, err, &cerr, "no routable agents")
}

func TestResolveDropsUnconfiguredTypes(t *testing.T) {
	res := &RoutingResult{Scores: []Score{
		{Type: models.AgentTechnical, Confidence: 0.9},
		{Type: models.AgentPM, Confidence: 0.85},
	}}
	resolved := Resolve(res, projectAgents())
	require.Len(t, resolved, 1)
	assert.Equal(t, models.AgentPM, resolved[0].Agent.Type)
}

func TestGateBoundaries(t *testing.T) {
	a := &models.Agent{ID: 1}
	b := &models.Agent{ID: 2}
	c := &models.Agent{ID: 3}
	gate := Gate{Threshold: 0.8, ClusterMargin: 0.05}

	cases := []struct {
		name      string
		in        []Resolved
		ambiguous bool
		selected  int
	}{
		{"exactly threshold auto-routes", []Resolved{{a, 0.8}}, false, 1},
		{"two above threshold", []Resolved{{a, 0.9}, {b, 0.85}}, false, 2},
		{"runner-up far below", []Resolved{{a, 0.9}, {b, 0.3}}, false, 1},
		{"clear leader ignores near-miss runner-up", []Resolved{{a, 0.95}, {b, 0.78}}, false, 1},
		{"leader and runner-up cluster at threshold", []Resolved{{a, 0.82}, {b, 0.78}}, true, 0},
		{"two routed, third near miss", []Resolved{{a, 0.9}, {b, 0.85}, {c, 0.76}}, false, 2},
		{"top below threshold", []Resolved{{a, 0.79}}, true, 0},
		{"nothing scored", nil, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Decide(tc.in)
			assert.Equal(t, tc.ambiguous, d.Ambiguous)
			assert.Len(t, d.Selected, tc.selected)
		})
	}
}

func TestValidateMessage(t *testing.T) {
	msg, err := ValidateMessage("  hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)

	_, err = ValidateMessage(" \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = ValidateMessage(strings.Repeat("é", MaxMessageLength))
	assert.NoError(t, err)
	_, err = ValidateMessage(strings.Repeat("a", MaxMessageLength+1))
	assert.Error(t, err)
}
