package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/snapshot"
)

var agentIDs = []string{string(model.AgentReview), string(model.AgentIdeation), string(model.AgentExperiment)}

func (s *Server) registerTools() {
	// kansoku_list_topics: discover topics and their latest run status.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_list_topics",
			mcplib.WithDescription(`List research topics, most recently updated first.

Each topic carries the status of its latest run (idle, queued, running,
completed, failed, stopped, superseded) and the id of its active run, if any.
Use the topic_id from here with every other kansoku tool.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of topics to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Number of topics to skip"),
				mcplib.Min(0),
			),
		),
		s.handleListTopics,
	)

	// kansoku_snapshot: the current state of one topic.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_snapshot",
			mcplib.WithDescription(`Read the current state of a topic: the three pipeline agents
(review, ideation, experiment) with status and progress, the most recent
events, and the artifacts produced so far.

WHEN TO USE: before issuing a command, and to check on a run you started.
The compact format (default) includes a one-line summary that says which
agents are running or failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id", mcplib.Description("Topic identifier"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Optional: restrict events and artifacts to one run")),
			mcplib.WithNumber("limit",
				mcplib.Description("Number of recent events to include"),
				mcplib.Min(1),
				mcplib.Max(model.MaxSnapshotLimit),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithString("format",
				mcplib.Description("compact (default) or full"),
				mcplib.Enum("compact", "full"),
			),
		),
		s.handleSnapshot,
	)

	// kansoku_create_run: start a new run, superseding the active one.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_create_run",
			mcplib.WithDescription(`Create a new run for a topic. Any queued or running run on the
topic is superseded and stops at its next step boundary.

Depending on server configuration the run starts immediately or waits
in the queued state for a start command (kansoku_command with command="start").`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id", mcplib.Description("Topic identifier"), mcplib.Required()),
			mcplib.WithString("note", mcplib.Description("Optional note recorded with the run")),
		),
		s.handleCreateRun,
	)

	// kansoku_command: control a run or speak to an agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_command",
			mcplib.WithDescription(`Send a control command to a topic's run, or free text to an agent.

Commands: start (queued run), pause and resume (between steps), stop,
retry (the failed agent of a failed run). Omit command and pass text to
record user input for the agent without changing the run.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id", mcplib.Description("Topic identifier"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Target agent"), mcplib.Required(), mcplib.Enum(agentIDs...)),
			mcplib.WithString("command",
				mcplib.Description("Control command"),
				mcplib.Enum(string(model.CommandStart), string(model.CommandPause), string(model.CommandResume),
					string(model.CommandStop), string(model.CommandRetry)),
			),
			mcplib.WithString("text", mcplib.Description("Free text for the agent when no command is given")),
			mcplib.WithString("run_id", mcplib.Description("Optional: target run; defaults to the topic's latest run")),
		),
		s.handleCommand,
	)

	// kansoku_post_message: chat with an agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_post_message",
			mcplib.WithDescription(`Post a message to an agent's conversation. Recent messages are
given to the agent's next step as guidance.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id", mcplib.Description("Topic identifier"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Target agent"), mcplib.Required(), mcplib.Enum(agentIDs...)),
			mcplib.WithString("content", mcplib.Description("Message text"), mcplib.Required()),
		),
		s.handlePostMessage,
	)

	// kansoku_trace: the display timeline of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_trace",
			mcplib.WithDescription(`Read the timeline of a topic: messages, artifacts, status
changes, and events in order. Defaults to the topic's latest run.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("topic_id", mcplib.Description("Topic identifier"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Optional run identifier")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of items"),
				mcplib.Min(1),
				mcplib.Max(model.MaxSnapshotLimit),
				mcplib.DefaultNumber(100),
			),
		),
		s.handleTrace,
	)
}

func (s *Server) handleListTopics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	offset := request.GetInt("offset", 0)

	topics, total, err := s.store.ListTopics(ctx, limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list topics failed: %v", err)), nil
	}
	return jsonResult(model.TopicList{Items: topics, Total: total})
}

func (s *Server) handleSnapshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	if topicID == "" {
		return errorResult("topic_id is required"), nil
	}

	snap, err := s.snapshots.Build(ctx, topicID, snapshot.Options{
		Limit: request.GetInt("limit", 20),
		RunID: request.GetString("run_id", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("snapshot failed: %v", err)), nil
	}
	if request.GetString("format", "compact") == "full" {
		return jsonResult(snap)
	}
	return jsonResult(compactSnapshot(snap))
}

func (s *Server) handleCreateRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	if topicID == "" {
		return errorResult("topic_id is required"), nil
	}

	initiator := ctxutil.Subject(ctx)
	if initiator == "" {
		initiator = "mcp"
	}
	run, err := s.orch.CreateRun(ctx, topicID, model.CreateRunRequest{
		Trigger:   "mcp",
		Initiator: initiator,
		Note:      request.GetString("note", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("create run failed: %v", err)), nil
	}
	s.logger.Info("mcp: run created", "topic_id", topicID, "run_id", run.ID, "initiator", initiator)
	return jsonResult(model.RunCreated{
		RunID:     run.ID,
		TopicID:   run.TopicID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		StartedAt: run.StartedAt,
	})
}

func (s *Server) handleCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	agentID, err := model.ParseAgentID(request.GetString("agent_id", ""))
	if topicID == "" || err != nil {
		return errorResult("topic_id and a valid agent_id are required"), nil
	}

	receipt, err := s.orch.IssueCommand(ctx, topicID, agentID, model.CommandRequest{
		Command: model.CommandName(request.GetString("command", "")),
		Text:    request.GetString("text", ""),
		RunID:   request.GetString("run_id", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("command failed: %v", err)), nil
	}
	return jsonResult(receipt)
}

func (s *Server) handlePostMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	agentID, err := model.ParseAgentID(request.GetString("agent_id", ""))
	if topicID == "" || err != nil {
		return errorResult("topic_id and a valid agent_id are required"), nil
	}

	msgs, err := s.orch.PostMessage(ctx, topicID, agentID, model.CreateMessageRequest{
		Content: request.GetString("content", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("post message failed: %v", err)), nil
	}
	return jsonResult(model.MessageList{Messages: msgs})
}

func (s *Server) handleTrace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topicID := request.GetString("topic_id", "")
	if topicID == "" {
		return errorResult("topic_id is required"), nil
	}

	view, err := s.snapshots.Trace(ctx, topicID, request.GetString("run_id", ""), request.GetInt("limit", 100))
	if err != nil {
		return errorResult(fmt.Sprintf("trace failed: %v", err)), nil
	}
	return jsonResult(view)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
