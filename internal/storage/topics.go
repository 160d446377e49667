package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

const topicColumns = `id, title, description, objective, tags, status, active_run_id, last_run_id, created_at, updated_at`

// CreateTopic inserts a new topic.
func (db *DB) CreateTopic(ctx context.Context, t model.Topic) error {
	tags, err := EncodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO topics (id, title, description, objective, tags, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Title, t.Description, t.Objective, string(tags), string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create topic: %w", err)
	}
	return nil
}

// GetTopic retrieves a topic by ID.
func (db *DB) GetTopic(ctx context.Context, id string) (model.Topic, error) {
	t, err := scanTopic(db.pool.QueryRow(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Topic{}, fmt.Errorf("%w: topic %s", ErrNotFound, id)
		}
		return model.Topic{}, fmt.Errorf("storage: get topic: %w", err)
	}
	return t, nil
}

// ListTopics returns topics ordered by most recent update, and the total count.
func (db *DB) ListTopics(ctx context.Context, limit, offset int) ([]model.Topic, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM topics`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count topics: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY updated_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list topics: %w", err)
	}
	defer rows.Close()

	topics := []model.Topic{}
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, total, rows.Err()
}

// DeleteTopic removes a topic unless it has a non-terminal run. Runs,
// events, messages and artifact records cascade.
func (db *DB) DeleteTopic(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM topics WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM runs WHERE topic_id = $1 AND status = ANY($2))`,
		id, StatusStrings(model.NonTerminalRunStatuses),
	)
	if err != nil {
		return fmt.Errorf("storage: delete topic: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := db.GetTopic(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: topic %s has an active run", ErrConflict, id)
}

func scanTopic(row pgx.Row) (model.Topic, error) {
	var (
		t      model.Topic
		tags   []byte
		status string
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Objective, &tags, &status,
		&t.ActiveRunID, &t.LastRunID, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return model.Topic{}, err
	}
	t.Status = model.TopicStatus(status)
	decoded, err := DecodeTags(tags)
	if err != nil {
		return model.Topic{}, err
	}
	t.Tags = decoded
	return t, nil
}
