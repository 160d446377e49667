package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

const runColumns = `id, topic_id, status, stage, iteration, trigger, note, error, created_at, started_at, ended_at`

func (s *Store) CreateRun(ctx context.Context, run model.Run) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getTopic(ctx, tx, run.TopicID); err != nil {
		return nil, err
	}

	in, args := inClause(model.NonTerminalRunStatuses)
	rows, err := tx.QueryContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?
		 WHERE topic_id = ? AND status IN (`+in+`)
		 RETURNING id`,
		append([]any{string(model.RunStatusSuperseded), run.CreatedAt, run.TopicID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: supersede runs: %w", err)
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan superseded run: %w", err)
		}
		superseded = append(superseded, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("sqlite: supersede runs: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, topic_id, status, stage, iteration, trigger, note, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TopicID, string(run.Status), string(run.Stage), run.Iteration,
		run.Trigger, run.Note, run.Error, run.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("sqlite: insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE topics SET active_run_id = ?, last_run_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		run.ID, run.ID, string(model.TopicStatusFor(run.Status)), run.CreatedAt, run.TopicID,
	); err != nil {
		return nil, fmt.Errorf("sqlite: activate run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit create run: %w", err)
	}
	return superseded, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	return getRun(ctx, s.db, id)
}

func getRun(ctx context.Context, q querier, id string) (model.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

func (s *Store) LatestRun(ctx context.Context, topicID string) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE topic_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, topicID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: no runs for topic %s", storage.ErrNotFound, topicID)
		}
		return model.Run{}, fmt.Errorf("sqlite: latest run: %w", err)
	}
	return r, nil
}

func (s *Store) ListOpenRuns(ctx context.Context) ([]model.Run, error) {
	in, args := inClause(model.NonTerminalRunStatuses)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (`+in+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, id string, upd model.RunUpdate) (model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: begin update run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stage sql.NullString
	if upd.Stage != nil {
		stage = sql.NullString{String: string(*upd.Stage), Valid: true}
	}
	var errText sql.NullString
	if upd.Error != nil {
		errText = sql.NullString{String: *upd.Error, Valid: true}
	}
	in, args := inClause(upd.From)
	r, err := scanRun(tx.QueryRowContext(ctx,
		`UPDATE runs SET
			status = ?,
			stage = COALESCE(?, stage),
			iteration = COALESCE(?, iteration),
			error = COALESCE(?, error),
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		 WHERE id = ? AND status IN (`+in+`)
		 RETURNING `+runColumns,
		append([]any{string(upd.Status), stage, upd.Iteration, errText, upd.StartedAt, upd.EndedAt, id}, args...)...,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := getRun(ctx, tx, id); gerr != nil {
				return model.Run{}, gerr
			}
			return model.Run{}, fmt.Errorf("%w: run %s is not in %v", storage.ErrConflict, id, upd.From)
		}
		return model.Run{}, fmt.Errorf("sqlite: update run: %w", err)
	}

	var active sql.NullString
	if !r.Status.Terminal() {
		active = sql.NullString{String: r.ID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE topics SET status = ?, updated_at = ?, active_run_id = ? WHERE id = ? AND last_run_id = ?`,
		string(model.TopicStatusFor(r.Status)), model.NowMillis(), active, r.TopicID, r.ID,
	); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: mirror run status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: commit update run: %w", err)
	}
	return r, nil
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r              model.Run
		status, stage  string
		started, ended sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.TopicID, &status, &stage, &r.Iteration, &r.Trigger, &r.Note, &r.Error,
		&r.CreatedAt, &started, &ended,
	); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.Stage = model.AgentID(stage)
	if started.Valid {
		r.StartedAt = &started.Int64
	}
	if ended.Valid {
		r.EndedAt = &ended.Int64
	}
	return r, nil
}
