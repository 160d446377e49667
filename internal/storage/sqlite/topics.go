package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

const topicColumns = `id, title, description, objective, tags, status, active_run_id, last_run_id, created_at, updated_at`

func (s *Store) CreateTopic(ctx context.Context, t model.Topic) error {
	tags, err := storage.EncodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO topics (id, title, description, objective, tags, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Objective, string(tags), string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create topic: %w", err)
	}
	return nil
}

func (s *Store) GetTopic(ctx context.Context, id string) (model.Topic, error) {
	return getTopic(ctx, s.db, id)
}

func getTopic(ctx context.Context, q querier, id string) (model.Topic, error) {
	t, err := scanTopic(q.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Topic{}, fmt.Errorf("%w: topic %s", storage.ErrNotFound, id)
		}
		return model.Topic{}, fmt.Errorf("sqlite: get topic: %w", err)
	}
	return t, nil
}

func (s *Store) ListTopics(ctx context.Context, limit, offset int) ([]model.Topic, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count topics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	topics := []model.Topic{}
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, total, rows.Err()
}

func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	in, args := inClause(model.NonTerminalRunStatuses)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM topics WHERE id = ?
		 AND NOT EXISTS (SELECT 1 FROM runs WHERE topic_id = ? AND status IN (`+in+`))`,
		append([]any{id, id}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetTopic(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: topic %s has an active run", storage.ErrConflict, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (model.Topic, error) {
	var (
		t                 model.Topic
		tags, status      string
		activeRun, latest sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Objective, &tags, &status,
		&activeRun, &latest, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return model.Topic{}, err
	}
	t.Status = model.TopicStatus(status)
	if activeRun.Valid {
		t.ActiveRunID = &activeRun.String
	}
	if latest.Valid {
		t.LastRunID = &latest.String
	}
	decoded, err := storage.DecodeTags([]byte(tags))
	if err != nil {
		return model.Topic{}, err
	}
	t.Tags = decoded
	return t, nil
}
