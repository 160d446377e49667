package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

const runColumns = `id, topic_id, status, stage, iteration, trigger, note, error, created_at, started_at, ended_at`

// CreateRun supersedes the topic's open runs and inserts run as the new
// active run, all in one transaction holding the topic row lock.
func (db *DB) CreateRun(ctx context.Context, run model.Run) ([]string, error) {
	var superseded []string
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		superseded = nil
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin create run: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var topicID string
		if err := tx.QueryRow(ctx, `SELECT id FROM topics WHERE id = $1 FOR UPDATE`, run.TopicID).Scan(&topicID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: topic %s", ErrNotFound, run.TopicID)
			}
			return fmt.Errorf("storage: lock topic: %w", err)
		}

		rows, err := tx.Query(ctx,
			`UPDATE runs SET status = $2, ended_at = $3
			 WHERE topic_id = $1 AND status = ANY($4)
			 RETURNING id`,
			run.TopicID, string(model.RunStatusSuperseded), run.CreatedAt, StatusStrings(model.NonTerminalRunStatuses),
		)
		if err != nil {
			return fmt.Errorf("storage: supersede runs: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("storage: collect superseded runs: %w", err)
		}
		superseded = ids

		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, topic_id, status, stage, iteration, trigger, note, error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, run.TopicID, string(run.Status), string(run.Stage), run.Iteration,
			run.Trigger, run.Note, run.Error, run.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE topics SET active_run_id = $2, last_run_id = $2, status = $3, updated_at = $4 WHERE id = $1`,
			run.TopicID, run.ID, string(model.TopicStatusFor(run.Status)), run.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: activate run: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently created run of a topic.
func (db *DB) LatestRun(ctx context.Context, topicID string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE topic_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, topicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: no runs for topic %s", ErrNotFound, topicID)
		}
		return model.Run{}, fmt.Errorf("storage: latest run: %w", err)
	}
	return r, nil
}

// ListOpenRuns returns every queued or running run.
func (db *DB) ListOpenRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ANY($1) ORDER BY created_at`,
		StatusStrings(model.NonTerminalRunStatuses),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list open runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRun applies a conditional status transition and mirrors it onto
// the topic when the run is the topic's latest.
func (db *DB) UpdateRun(ctx context.Context, id string, upd model.RunUpdate) (model.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin update run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stage *string
	if upd.Stage != nil {
		s := string(*upd.Stage)
		stage = &s
	}
	r, err := scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET
			status = $2,
			stage = COALESCE($3, stage),
			iteration = COALESCE($4, iteration),
			error = COALESCE($5, error),
			started_at = COALESCE($6, started_at),
			ended_at = COALESCE($7, ended_at)
		 WHERE id = $1 AND status = ANY($8)
		 RETURNING `+runColumns,
		id, string(upd.Status), stage, upd.Iteration, upd.Error, upd.StartedAt, upd.EndedAt,
		StatusStrings(upd.From),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := db.GetRun(ctx, id); gerr != nil {
				return model.Run{}, gerr
			}
			return model.Run{}, fmt.Errorf("%w: run %s is not in %v", ErrConflict, id, upd.From)
		}
		return model.Run{}, fmt.Errorf("storage: update run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE topics SET
			status = $3,
			updated_at = $4,
			active_run_id = CASE WHEN $5 THEN NULL ELSE $2 END
		 WHERE id = $1 AND last_run_id = $2`,
		r.TopicID, r.ID, string(model.TopicStatusFor(r.Status)), model.NowMillis(), r.Status.Terminal(),
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: mirror run status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit update run: %w", err)
	}
	return r, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r             model.Run
		status, stage string
	)
	if err := row.Scan(
		&r.ID, &r.TopicID, &status, &stage, &r.Iteration, &r.Trigger, &r.Note, &r.Error,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt,
	); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.Stage = model.AgentID(stage)
	return r, nil
}
