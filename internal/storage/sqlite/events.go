package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

const eventColumns = `event_id, ts, topic_id, run_id, agent_id, kind, severity, summary, payload, artifacts, trace_id`

func (s *Store) AppendEvent(ctx context.Context, e model.Event) error {
	payload, artifacts, err := storage.EncodeEventBody(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.TS, e.TopicID, e.RunID, string(e.AgentID), string(e.Kind), string(e.Severity),
		e.Summary, nullBytes(payload), nullBytes(artifacts), nullString(e.TraceID),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return nil
}

func (s *Store) LastEventTS(ctx context.Context, topicID string) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM events WHERE topic_id = ?`, topicID,
	).Scan(&ts); err != nil {
		return 0, fmt.Errorf("sqlite: last event ts: %w", err)
	}
	return ts, nil
}

func (s *Store) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
			SELECT seq, `+eventColumns+` FROM events
			WHERE topic_id = ? AND (? = '' OR run_id = ?) AND (? <= 0 OR ts >= ?)
			ORDER BY seq DESC
			LIMIT ?
		 ) ORDER BY seq ASC`,
		f.TopicID, f.RunID, f.RunID, f.Since, f.Since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []model.Event{}
	for rows.Next() {
		var (
			e                       model.Event
			agentID, kind, severity string
			payload, artifacts      sql.NullString
			traceID                 sql.NullString
		)
		if err := rows.Scan(
			&e.EventID, &e.TS, &e.TopicID, &e.RunID, &agentID, &kind, &severity,
			&e.Summary, &payload, &artifacts, &traceID,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.AgentID = model.AgentID(agentID)
		e.Kind = model.EventKind(kind)
		e.Severity = model.Severity(severity)
		e.TraceID = traceID.String
		if err := storage.DecodeEventBody(&e, []byte(payload.String), []byte(artifacts.String)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, topic_id, run_id, agent_id, role, content, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.TopicID, m.RunID, string(m.AgentID), string(m.Role), m.Content, m.TS,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error) {
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	agentID := string(f.AgentID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, topic_id, run_id, agent_id, role, content, ts FROM (
			SELECT message_id, topic_id, run_id, agent_id, role, content, ts FROM messages
			WHERE topic_id = ?
			  AND (? = '' OR agent_id = ?)
			  AND (? = '' OR run_id = ?)
			ORDER BY ts DESC, message_id DESC
			LIMIT ?
		 ) ORDER BY ts ASC, message_id ASC`,
		f.TopicID, agentID, agentID, f.RunID, f.RunID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m           model.Message
			agent, role string
		)
		if err := rows.Scan(&m.MessageID, &m.TopicID, &m.RunID, &agent, &role, &m.Content, &m.TS); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.AgentID = model.AgentID(agent)
		m.Role = model.MessageRole(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) SaveArtifact(ctx context.Context, a model.ArtifactRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, topic_id, run_id, name, uri, content_type, path, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (artifact_id) DO UPDATE SET
			name = excluded.name, uri = excluded.uri, content_type = excluded.content_type,
			path = excluded.path, size = excluded.size`,
		a.ArtifactID, a.TopicID, a.RunID, a.Name, a.URI, a.ContentType, a.Path, a.Size, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save artifact: %w", err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, topicID, artifactID string) (model.ArtifactRecord, error) {
	var a model.ArtifactRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact_id, topic_id, run_id, name, uri, content_type, path, size, created_at
		 FROM artifacts WHERE topic_id = ? AND artifact_id = ?`,
		topicID, artifactID,
	).Scan(&a.ArtifactID, &a.TopicID, &a.RunID, &a.Name, &a.URI, &a.ContentType, &a.Path, &a.Size, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ArtifactRecord{}, fmt.Errorf("%w: artifact %s", storage.ErrNotFound, artifactID)
		}
		return model.ArtifactRecord{}, fmt.Errorf("sqlite: get artifact: %w", err)
	}
	return a, nil
}
