package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

const eventColumns = `event_id, ts, topic_id, run_id, agent_id, kind, severity, summary, payload, artifacts, trace_id`

// AppendEvent inserts one event. The seq column orders events with equal ts
// in append order.
func (db *DB) AppendEvent(ctx context.Context, e model.Event) error {
	payload, artifacts, err := EncodeEventBody(e)
	if err != nil {
		return err
	}
	var traceID *string
	if e.TraceID != "" {
		traceID = &e.TraceID
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.EventID, e.TS, e.TopicID, e.RunID, string(e.AgentID), string(e.Kind), string(e.Severity),
		e.Summary, nullableJSON(payload), nullableJSON(artifacts), traceID,
	)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// LastEventTS returns the largest ts recorded for a topic, or 0.
func (db *DB) LastEventTS(ctx context.Context, topicID string) (int64, error) {
	var ts int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM events WHERE topic_id = $1`, topicID,
	).Scan(&ts); err != nil {
		return 0, fmt.Errorf("storage: last event ts: %w", err)
	}
	return ts, nil
}

// ListEvents returns a topic's events, optionally restricted to one run.
func (db *DB) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM (
			SELECT seq, `+eventColumns+` FROM events
			WHERE topic_id = $1 AND ($2 = '' OR run_id = $2) AND ($3::bigint <= 0 OR ts >= $3)
			ORDER BY seq DESC
			LIMIT $4
		 ) recent ORDER BY seq ASC`,
		f.TopicID, f.RunID, f.Since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var (
		e                       model.Event
		agentID, kind, severity string
		payload, artifacts      []byte
		traceID                 *string
	)
	if err := row.Scan(
		&e.EventID, &e.TS, &e.TopicID, &e.RunID, &agentID, &kind, &severity,
		&e.Summary, &payload, &artifacts, &traceID,
	); err != nil {
		return model.Event{}, fmt.Errorf("storage: scan event: %w", err)
	}
	e.AgentID = model.AgentID(agentID)
	e.Kind = model.EventKind(kind)
	e.Severity = model.Severity(severity)
	if traceID != nil {
		e.TraceID = *traceID
	}
	if err := DecodeEventBody(&e, payload, artifacts); err != nil {
		return model.Event{}, err
	}
	return e, nil
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
