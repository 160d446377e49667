package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/artifacts"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/service/stages"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage/sqlite"
	"github.com/ashita-ai/kansoku/internal/storage/storagetest"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

type fixture struct {
	srv   *Server
	store *sqlite.Store
	topic model.Topic
}

func newFixture(t *testing.T, autoStart bool) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "mcp.db"), logger)
	require.NoError(t, err)
	fs, err := artifacts.New(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	log := eventlog.New(store, eventlog.NewHub(0, logger, nil), logger)
	orch := orchestrator.New(store, log, fs, stages.NewTemplateExecutor(),
		orchestrator.Config{MaxFeedbackIterations: 1, AutoStart: autoStart}, logger, nil)
	t.Cleanup(func() {
		_ = orch.Close(ctx)
		store.Close(ctx)
	})

	return &fixture{
		srv:   New(store, orch, snapshot.New(store, log, logger), logger, "test"),
		store: store,
		topic: storagetest.NewTopic(t, store),
	}
}

func userCtx() context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeResult[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, parseToolText(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &v))
	return v
}

func TestHandleListTopics(t *testing.T) {
	f := newFixture(t, false)
	storagetest.NewTopic(t, f.store)

	result, err := f.srv.handleListTopics(context.Background(), toolRequest("kansoku_list_topics", map[string]any{"limit": 1}))
	require.NoError(t, err)
	list := decodeResult[model.TopicList](t, result)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 1)
}

func TestHandleCreateRunAndSnapshot(t *testing.T) {
	f := newFixture(t, false)
	ctx := userCtx()

	result, err := f.srv.handleCreateRun(ctx, toolRequest("kansoku_create_run", map[string]any{
		"topic_id": f.topic.ID, "note": "from an agent",
	}))
	require.NoError(t, err)
	created := decodeResult[model.RunCreated](t, result)
	assert.Equal(t, model.RunStatusQueued, created.Status)

	run, err := f.store.GetRun(ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, "mcp", run.Trigger)
	assert.Equal(t, "from an agent", run.Note)

	result, err = f.srv.handleSnapshot(ctx, toolRequest("kansoku_snapshot", map[string]any{"topic_id": f.topic.ID}))
	require.NoError(t, err)
	compact := decodeResult[map[string]any](t, result)
	assert.Equal(t, string(model.TopicStatusQueued), compact["status"])
	assert.Equal(t, created.RunID, compact["run_id"])
	assert.Len(t, compact["agents"], 3)
	assert.Contains(t, compact["summary"], "is queued")

	result, err = f.srv.handleSnapshot(ctx, toolRequest("kansoku_snapshot", map[string]any{"topic_id": f.topic.ID, "format": "full"}))
	require.NoError(t, err)
	full := decodeResult[model.Snapshot](t, result)
	assert.Equal(t, f.topic.ID, full.Topic.ID)
}

func TestHandleCommandRunsPipeline(t *testing.T) {
	f := newFixture(t, false)
	ctx := userCtx()

	result, err := f.srv.handleCreateRun(ctx, toolRequest("kansoku_create_run", map[string]any{"topic_id": f.topic.ID}))
	require.NoError(t, err)
	created := decodeResult[model.RunCreated](t, result)

	result, err = f.srv.handleCommand(ctx, toolRequest("kansoku_command", map[string]any{
		"topic_id": f.topic.ID, "agent_id": "review", "command": "start",
	}))
	require.NoError(t, err)
	receipt := decodeResult[model.CommandReceipt](t, result)
	assert.Equal(t, created.RunID, receipt.RunID)

	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(ctx, created.RunID)
		return err == nil && run.Status == model.RunStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	result, err = f.srv.handleTrace(ctx, toolRequest("kansoku_trace", map[string]any{"topic_id": f.topic.ID}))
	require.NoError(t, err)
	view := decodeResult[model.TraceView](t, result)
	assert.Equal(t, created.RunID, view.RunID)
	assert.NotEmpty(t, view.Items)
}

func TestHandleCommandErrors(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing topic", map[string]any{"agent_id": "review", "command": "start"}},
		{"unknown agent", map[string]any{"topic_id": f.topic.ID, "agent_id": "writer", "command": "start"}},
		{"no runs", map[string]any{"topic_id": f.topic.ID, "agent_id": "review", "command": "stop"}},
		{"unknown command", map[string]any{"topic_id": f.topic.ID, "agent_id": "review", "command": "explode"}},
		{"unknown topic", map[string]any{"topic_id": "missing", "agent_id": "review", "text": "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleCommand(context.Background(), toolRequest("kansoku_command", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestHandlePostMessage(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handlePostMessage(context.Background(), toolRequest("kansoku_post_message", map[string]any{
		"topic_id": f.topic.ID, "agent_id": "ideation", "content": "try BM25 first",
	}))
	require.NoError(t, err)
	list := decodeResult[model.MessageList](t, result)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "try BM25 first", list.Messages[0].Content)

	result, err = f.srv.handlePostMessage(context.Background(), toolRequest("kansoku_post_message", map[string]any{
		"topic_id": f.topic.ID, "agent_id": "ideation", "content": "  ",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSnapshotUnknownTopic(t *testing.T) {
	f := newFixture(t, false)

	for _, args := range []map[string]any{{}, {"topic_id": "missing"}} {
		result, err := f.srv.handleSnapshot(context.Background(), toolRequest("kansoku_snapshot", args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}
