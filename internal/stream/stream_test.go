package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/models"
)

func TestEncodeTagsPayload(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{ConversationEvent{ID: "c1", IsNew: true}, `{"type":"conversation","id":"c1","isNew":true}`},
		{RoutingEvent{Reasoning: "none"}, `{"type":"routing","agents":[],"reasoning":"none"}`},
		{AgentStartEvent{AgentID: 7, Name: "Architect"}, `{"type":"agent_start","agentId":7,"name":"Architect"}`},
		{ChunkEvent{AgentID: 7, Text: "hi"}, `{"type":"chunk","agentId":7,"text":"hi"}`},
		{AgentDoneEvent{AgentID: 7, MessageID: "m1"}, `{"type":"agent_done","agentId":7,"messageId":"m1"}`},
		{RoutingPollEvent{Reasoning: "?", Candidates: []Candidate{{AgentRef: AgentRef{ID: 3, Name: "BA", Type: models.AgentAnalyst}, Confidence: 0.5}}},
			`{"type":"routing_poll","reasoning":"?","candidates":[{"id":3,"name":"BA","type":"analyst","confidence":0.5}]}`},
		{AgentErrorEvent{AgentID: 7, Message: "boom"}, `{"type":"agent_error","agentId":7,"message":"boom"}`},
		{ErrorEvent{Message: "bad"}, `{"type":"error","message":"bad"}`},
		{DoneEvent{}, `{"type":"done"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.event.Kind()), func(t *testing.T) {
			got, err := Encode(tc.event)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
			assert.True(t, strings.HasPrefix(string(got), `{"type":"`+string(tc.event.Kind())+`"`))
		})
	}
}

func TestSSEWriterFramesAndCloses(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(ChunkEvent{AgentID: 1, Text: "a"}))
	require.NoError(t, w.Emit(DoneEvent{}))
	assert.ErrorIs(t, w.Emit(ChunkEvent{AgentID: 1, Text: "late"}), ErrStreamClosed)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"event: chunk\ndata: {\"type\":\"chunk\",\"agentId\":1,\"text\":\"a\"}\n\n"+
			"event: done\ndata: {\"type\":\"done\"}\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSSEWriterDetectsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(AgentStartEvent{AgentID: 1, Name: "A"}))
	cancel()
	assert.ErrorIs(t, w.Emit(ChunkEvent{AgentID: 1, Text: "x"}), ErrClientGone)
	assert.ErrorIs(t, w.Emit(DoneEvent{}), ErrClientGone)
	assert.True(t, w.Gone())
	assert.NotContains(t, rec.Body.String(), "event: done")
}

func TestSSEWriterConcurrentFramesDoNotInterleave(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(context.Background(), rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for agent := int64(1); agent <= 4; agent++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, w.Emit(ChunkEvent{AgentID: agent, Text: "token"}))
			}
		}()
	}
	wg.Wait()

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	assert.Len(t, frames, 200)
	for _, f := range frames {
		lines := strings.Split(f, "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "event: chunk", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "data: {"))
	}
}

func TestFailEmitsErrorThenDone(t *testing.T) {
	var r Recorder
	Fail(&r, "routing failed")
	assert.Equal(t, []Kind{KindError, KindDone}, r.Kinds())
	assert.ErrorIs(t, r.Emit(ChunkEvent{}), ErrStreamClosed)
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch1, _ := b.Subscribe(ctx, "conv")
	ch2, sub2 := b.Subscribe(context.Background(), "conv")
	assert.Equal(t, 2, b.Subscribers("conv"))

	b.Publish("conv", &models.Message{ID: "m1"})
	b.Publish("other", &models.Message{ID: "m2"})

	for _, ch := range []<-chan *models.Message{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "m1", msg.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
		select {
		case msg := <-ch:
			t.Fatalf("message of another conversation delivered: %v", msg)
		default:
		}
	}

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers("conv") == 1 }, time.Second, 10*time.Millisecond)
	_, open := <-ch1
	assert.False(t, open)

	b.Unsubscribe("conv", sub2)
	assert.Zero(t, b.Subscribers("conv"))
	_, open = <-ch2
	assert.False(t, open)
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	ch, _ := b.Subscribe(context.Background(), "conv")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("conv", &models.Message{ID: "m"})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestEncodeMessageEventFlattensMessage(t *testing.T) {
	agentID := int64(7)
	got, err := Encode(MessageEvent{Message: &models.Message{ID: "m1", ConversationID: "c1", Role: models.RoleAssistant, AgentID: &agentID, Content: "hi"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(got), `{"type":"message","id":"m1"`))
	assert.Contains(t, string(got), `"agent_id":7`)
	assert.Contains(t, string(got), `"content":"hi"`)
}
