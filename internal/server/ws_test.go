package server_test

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
)

func (e *env) dialWS(t *testing.T, token, topicID string, since int64) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if topicID != "" {
		q.Set("topicId", topicID)
	}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev model.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestWSSendsConnectedThenLiveEvents(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	conn, _, err := e.dialWS(t, e.token, topic.ID, 0)
	require.NoError(t, err)

	hello := readEvent(t, conn)
	assert.Equal(t, "connected", hello.Summary)
	assert.Equal(t, orchestrator.SessionRunID, hello.RunID)
	details, ok := hello.Payload.(model.Details)
	require.True(t, ok)
	assert.Equal(t, testUser, details["user"])

	resp, body := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/agents/review/messages", model.CreateMessageRequest{Content: "ping"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	assert.Equal(t, model.KindMessageCreated, first.Kind)
	assert.Equal(t, model.KindMessageCreated, second.Kind)
	assert.LessOrEqual(t, first.TS, second.TS)
}

func TestWSSinceReplaysBacklog(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	resp, _ := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/agents/ideation/messages", model.CreateMessageRequest{Content: "early"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	conn, _, err := e.dialWS(t, e.token, topic.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, "connected", readEvent(t, conn).Summary)
	for range 2 {
		ev := readEvent(t, conn)
		assert.Equal(t, model.KindMessageCreated, ev.Kind)
		assert.Equal(t, topic.ID, ev.TopicID)
	}
}

func TestWSSinceReplaysLongBacklogFromTheStart(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)
	ctx := context.Background()

	const n = model.MaxSnapshotLimit + 100
	for i := range n {
		require.NoError(t, e.store.AppendEvent(ctx, model.Event{
			EventID:  model.NewID(),
			TS:       1000 + int64(i),
			TopicID:  topic.ID,
			RunID:    orchestrator.SessionRunID,
			AgentID:  model.AgentReview,
			Kind:     model.KindEventEmitted,
			Severity: model.SeverityInfo,
			Summary:  "tick",
		}))
	}

	conn, _, err := e.dialWS(t, e.token, topic.ID, 1000)
	require.NoError(t, err)
	conn.SetReadLimit(1 << 20)

	assert.Equal(t, "connected", readEvent(t, conn).Summary)
	for i := range n {
		ev := readEvent(t, conn)
		require.Equal(t, int64(1000+i), ev.TS, "replay must not skip event %d", i)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	for _, token := range []string{"", "garbage"} {
		conn, _, err := e.dialWS(t, token, topic.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, conn))
	}
}

func TestWSUnknownTopic(t *testing.T) {
	e := newEnv(t)

	_, resp, err := e.dialWS(t, e.token, "missing", 0)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = e.dialWS(t, e.token, "", 0)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSClosesOnMalformedFrame(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	tests := []struct {
		name string
		typ  websocket.MessageType
		data string
	}{
		{"binary", websocket.MessageBinary, "\x00\x01"},
		{"not json", websocket.MessageText, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := e.dialWS(t, e.token, topic.ID, 0)
			require.NoError(t, err)
			readEvent(t, conn)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, conn.Write(ctx, tt.typ, []byte(tt.data)))
			assert.Equal(t, websocket.StatusUnsupportedData, readClose(t, conn))
		})
	}
}

func TestWSIgnoresClientJSON(t *testing.T) {
	e := newEnv(t)
	topic := e.createTopic(t)

	conn, _, err := e.dialWS(t, e.token, topic.ID, 0)
	require.NoError(t, err)
	readEvent(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "hello"}))

	resp, _ := e.do(t, http.MethodPost, "/topics/"+topic.ID+"/agents/review/messages", model.CreateMessageRequest{Content: "still here"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.KindMessageCreated, readEvent(t, conn).Kind)
}
