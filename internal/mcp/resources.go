package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/snapshot"
)

const (
	topicsURI      = "kansoku://topics"
	topicURIPrefix = "kansoku://topics/"
	snapshotSuffix = "/snapshot"
)

func (s *Server) registerResources() {
	// kansoku://topics: recently updated topics.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			topicsURI,
			"Topics",
			mcplib.WithResourceDescription("Recently updated research topics with their latest run status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTopicsResource,
	)

	// kansoku://topics/{id}/snapshot: compact snapshot of one topic.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			topicURIPrefix+"{id}"+snapshotSuffix,
			"Topic Snapshot",
			mcplib.WithTemplateDescription("Agents, recent events, and artifacts for a topic"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSnapshotResource,
	)
}

func (s *Server) handleTopicsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	topics, total, err := s.store.ListTopics(ctx, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list topics: %w", err)
	}
	return jsonContents(topicsURI, model.TopicList{Items: topics, Total: total})
}

func (s *Server) handleSnapshotResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	topicID, ok := parseSnapshotURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid snapshot URI: %s", uri)
	}

	snap, err := s.snapshots.Build(ctx, topicID, snapshot.Options{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: snapshot: %w", err)
	}
	return jsonContents(uri, compactSnapshot(snap))
}

// parseSnapshotURI extracts the topic id from kansoku://topics/{id}/snapshot.
func parseSnapshotURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, topicURIPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, snapshotSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
