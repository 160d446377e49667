package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// SaveArtifact records where an artifact's bytes live. Saving the same id
// again replaces the record.
func (db *DB) SaveArtifact(ctx context.Context, a model.ArtifactRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (artifact_id, topic_id, run_id, name, uri, content_type, path, size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (artifact_id) DO UPDATE SET
			name = EXCLUDED.name, uri = EXCLUDED.uri, content_type = EXCLUDED.content_type,
			path = EXCLUDED.path, size = EXCLUDED.size`,
		a.ArtifactID, a.TopicID, a.RunID, a.Name, a.URI, a.ContentType, a.Path, a.Size, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact record scoped to a topic.
func (db *DB) GetArtifact(ctx context.Context, topicID, artifactID string) (model.ArtifactRecord, error) {
	var a model.ArtifactRecord
	err := db.pool.QueryRow(ctx,
		`SELECT artifact_id, topic_id, run_id, name, uri, content_type, path, size, created_at
		 FROM artifacts WHERE topic_id = $1 AND artifact_id = $2`,
		topicID, artifactID,
	).Scan(&a.ArtifactID, &a.TopicID, &a.RunID, &a.Name, &a.URI, &a.ContentType, &a.Path, &a.Size, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ArtifactRecord{}, fmt.Errorf("%w: artifact %s", ErrNotFound, artifactID)
		}
		return model.ArtifactRecord{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	return a, nil
}
