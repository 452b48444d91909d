package store

import (
	"context"
	"database/sql"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// InsertQuestion stores a question record.
func (s *Store) InsertQuestion(ctx context.Context, q model.StoredQuestion) error {
	var subjectID sql.NullInt64
	if q.SubjectID != nil {
		subjectID = sql.NullInt64{Int64: *q.SubjectID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (id, pdf_id, user_id, subject_id, question_text,
			option_a, option_b, option_c, option_d, correct_answer, explanation,
			subject, difficulty_level, confidence_score, page_number, question_type, provenance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.DocumentID, q.UserID, subjectID, q.Text,
		q.OptionA, q.OptionB, q.OptionC, q.OptionD, q.Correct, q.Explanation,
		q.Subject, q.Difficulty, q.Confidence, q.SourcePage, q.Type, q.Provenance, q.CreatedAt,
	)
	return err
}

const questionColumns = `id, pdf_id, user_id, subject_id, question_text,
	option_a, option_b, option_c, option_d, correct_answer, explanation,
	subject, difficulty_level, confidence_score, page_number, question_type, provenance, created_at`

func scanQuestion(rows *sql.Rows) (model.StoredQuestion, error) {
	var q model.StoredQuestion
	var subjectID sql.NullInt64
	err := rows.Scan(&q.ID, &q.DocumentID, &q.UserID, &subjectID, &q.Text,
		&q.OptionA, &q.OptionB, &q.OptionC, &q.OptionD, &q.Correct, &q.Explanation,
		&q.Subject, &q.Difficulty, &q.Confidence, &q.SourcePage, &q.Type, &q.Provenance, &q.CreatedAt)
	if subjectID.Valid {
		q.SubjectID = &subjectID.Int64
	}
	return q, err
}

// ListQuestions returns a document's questions in insertion order, scoped to its owner.
func (s *Store) ListQuestions(ctx context.Context, documentID, userID string) ([]model.StoredQuestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE pdf_id = ? AND user_id = ? ORDER BY created_at, rowid`, documentID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StoredQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// QuestionCount returns the number of questions stored for a document.
func (s *Store) QuestionCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE pdf_id = ?`, documentID).Scan(&count)
	return count, err
}

// QuestionStats summarizes a user's questions by subject, difficulty and document.
func (s *Store) QuestionStats(ctx context.Context, userID string) (*model.QuestionStats, error) {
	stats := &model.QuestionStats{
		BySubject:    make(map[string]int),
		ByDifficulty: make(map[string]int),
		ByDocument:   make(map[string]int),
	}
	groups := []struct {
		column string
		into   map[string]int
	}{
		{"subject", stats.BySubject},
		{"difficulty_level", stats.ByDifficulty},
		{"pdf_id", stats.ByDocument},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+g.column+`, COUNT(*) FROM questions WHERE user_id = ? GROUP BY `+g.column, userID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			g.into[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	for _, n := range stats.BySubject {
		stats.Total += n
	}
	return stats, nil
}
