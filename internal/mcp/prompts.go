package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
)

func (s *Server) registerPrompts() {
	// run-status: walks the agent through reading and reporting on a topic.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-status",
			mcplib.WithPromptDescription("Check on a topic's run and report where each pipeline agent stands"),
			mcplib.WithArgument("topic_id",
				mcplib.ArgumentDescription("The topic to report on"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunStatusPrompt,
	)

	// steer-agent: guides the agent through giving one pipeline agent direction.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("steer-agent",
			mcplib.WithPromptDescription("Give one pipeline agent guidance for its next step"),
			mcplib.WithArgument("topic_id",
				mcplib.ArgumentDescription("The topic the agent works on"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("review, ideation, or experiment"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleSteerAgentPrompt,
	)
}

func (s *Server) handleRunStatusPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topicID := request.Params.Arguments["topic_id"]
	if topicID == "" {
		return nil, fmt.Errorf("topic_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Report on topic %s", topicID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Report on the research run for topic %s:

1. CALL kansoku_snapshot with topic_id="%s".

2. DESCRIBE the run status and, for each agent (review, ideation,
   experiment), its status, progress, and latest summary.

3. If an agent failed, show the most recent warning or error events and
   suggest kansoku_command with command="retry" for that agent.

4. LIST the artifacts produced so far by name.`, topicID, topicID),
				},
			},
		},
	}, nil
}

func (s *Server) handleSteerAgentPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topicID := request.Params.Arguments["topic_id"]
	agentID, err := model.ParseAgentID(request.Params.Arguments["agent_id"])
	if topicID == "" || err != nil {
		return nil, fmt.Errorf("topic_id and a valid agent_id are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Steer the %s agent on topic %s", agentID, topicID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Give the %[2]s agent direction on topic %[1]s:

1. CALL kansoku_snapshot with topic_id="%[1]s" to see what %[2]s has done.

2. CALL kansoku_trace with topic_id="%[1]s" if you need the full timeline.

3. WRITE your guidance with kansoku_post_message (topic_id="%[1]s",
   agent_id="%[2]s"). The agent reads recent messages at its next step.

4. If the run is paused, resume it with kansoku_command command="resume".`, topicID, agentID),
				},
			},
		},
	}, nil
}
