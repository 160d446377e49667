package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// maxSummaryLen bounds event summaries in compact output.
const maxSummaryLen = 160

// compactSnapshot reduces a snapshot to the fields an agent needs to decide
// what to do next. Payloads and artifact paths are dropped.
func compactSnapshot(snap model.Snapshot) map[string]any {
	agents := make([]map[string]any, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		agents = append(agents, compactAgent(a))
	}
	events := make([]map[string]any, 0, len(snap.Events))
	for _, e := range snap.Events {
		events = append(events, compactEvent(e))
	}
	artifacts := make([]map[string]any, 0, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		artifacts = append(artifacts, map[string]any{
			"name":         a.Name,
			"uri":          a.URI,
			"content_type": a.ContentType,
		})
	}

	out := map[string]any{
		"topic_id":  snap.Topic.ID,
		"title":     snap.Topic.Title,
		"status":    snap.Topic.Status,
		"agents":    agents,
		"events":    events,
		"artifacts": artifacts,
		"summary":   statusSummary(snap),
	}
	if snap.RunID != "" {
		out["run_id"] = snap.RunID
	}
	return out
}

func compactAgent(a model.AgentState) map[string]any {
	m := map[string]any{
		"agent_id": a.AgentID,
		"status":   a.Status,
		"progress": a.Progress,
	}
	if a.LastSummary != "" {
		m["summary"] = truncate(a.LastSummary, maxSummaryLen)
	}
	if n := len(a.Subtasks); n > 0 {
		done := 0
		for _, st := range a.Subtasks {
			if st.Status == model.SubtaskCompleted {
				done++
			}
		}
		m["subtasks"] = fmt.Sprintf("%d/%d", done, n)
	}
	return m
}

func compactEvent(e model.Event) map[string]any {
	m := map[string]any{
		"ts":       e.TS,
		"agent_id": e.AgentID,
		"kind":     e.Kind,
		"summary":  truncate(e.Summary, maxSummaryLen),
	}
	if e.Severity != "" && e.Severity != model.SeverityInfo {
		m["severity"] = e.Severity
	}
	return m
}

// statusSummary renders a one-line description of where the topic stands.
func statusSummary(snap model.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic %q is %s.", snap.Topic.Title, snap.Topic.Status)

	var running, failed []string
	for _, a := range snap.Agents {
		switch a.Status {
		case model.AgentStatusRunning:
			running = append(running, string(a.AgentID))
		case model.AgentStatusFailed:
			failed = append(failed, string(a.AgentID))
		}
	}
	if len(running) > 0 {
		fmt.Fprintf(&b, " Running: %s.", strings.Join(running, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, " Failed: %s; send a retry command to the failed agent to resume.", strings.Join(failed, ", "))
	}
	if n := len(snap.Artifacts); n > 0 {
		fmt.Fprintf(&b, " %d artifact(s) available.", n)
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
