package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// ErrRunFinalized is returned when saving a run whose stored row is already terminal.
var ErrRunFinalized = errors.New("processing run already finished")

// CreateRun inserts a new processing run.
func (s *Store) CreateRun(ctx context.Context, r *model.ProcessingRun) error {
	stages, err := json.Marshal(r.StageTimes)
	if err != nil {
		return fmt.Errorf("encode stage times: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_runs (id, document_id, user_id, status, started_at, stage_times, extracted, stored, error_detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DocumentID, r.UserID, r.Status, r.StartedAt, string(stages), r.Extracted, r.Stored, r.ErrorDetail,
	)
	return err
}

// SaveRun updates a run. Rows already in a terminal state are never rewritten.
func (s *Store) SaveRun(ctx context.Context, r *model.ProcessingRun) error {
	stages, err := json.Marshal(r.StageTimes)
	if err != nil {
		return fmt.Errorf("encode stage times: %w", err)
	}
	var finished sql.NullTime
	if r.FinishedAt != nil {
		finished = sql.NullTime{Time: *r.FinishedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_runs SET status = ?, stage_times = ?, finished_at = ?, extracted = ?, stored = ?, error_detail = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		r.Status, string(stages), finished, r.Extracted, r.Stored, r.ErrorDetail,
		r.ID, model.StatusCompleted, model.StatusFailed,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, r.ID); err != nil {
			return err
		}
		return ErrRunFinalized
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.ProcessingRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM processing_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRun(rows)
}

// ListRuns returns a document's runs, newest first, scoped to its owner.
func (s *Store) ListRuns(ctx context.Context, documentID, userID string) ([]model.ProcessingRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM processing_runs WHERE document_id = ? AND user_id = ?
		 ORDER BY started_at DESC`, documentID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProcessingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const runColumns = `id, document_id, user_id, status, started_at, stage_times, finished_at, extracted, stored, error_detail`

func scanRun(rows *sql.Rows) (*model.ProcessingRun, error) {
	var r model.ProcessingRun
	var stages string
	var finished sql.NullTime
	if err := rows.Scan(&r.ID, &r.DocumentID, &r.UserID, &r.Status, &r.StartedAt, &stages,
		&finished, &r.Extracted, &r.Stored, &r.ErrorDetail); err != nil {
		return nil, err
	}
	r.StageTimes = make(map[model.Stage]time.Time)
	if err := json.Unmarshal([]byte(stages), &r.StageTimes); err != nil {
		return nil, fmt.Errorf("decode stage times: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
