package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/pdfquiz/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for a missing record or one owned by another user.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !strings.HasPrefix(dbPath, ":memory:") {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a :memory:
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subjects (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'received',
		total_questions INTEGER NOT NULL DEFAULT 0,
		extracted_text TEXT NOT NULL DEFAULT '',
		error_details TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		pdf_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		subject_id INTEGER,
		question_text TEXT NOT NULL,
		option_a TEXT NOT NULL,
		option_b TEXT NOT NULL,
		option_c TEXT NOT NULL,
		option_d TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		difficulty_level TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		page_number INTEGER NOT NULL DEFAULT 0,
		question_type TEXT NOT NULL DEFAULT 'multiple_choice',
		provenance TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (pdf_id) REFERENCES documents(id),
		FOREIGN KEY (subject_id) REFERENCES subjects(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_pdf ON questions(pdf_id, user_id);

	CREATE TABLE IF NOT EXISTS processing_runs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		stage_times TEXT NOT NULL DEFAULT '{}',
		finished_at DATETIME,
		extracted INTEGER NOT NULL DEFAULT 0,
		stored INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	for i, subj := range model.Subjects {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO subjects (id, name) VALUES (?, ?)`, i+1, subj); err != nil {
			return fmt.Errorf("seed subjects: %w", err)
		}
	}
	return nil
}

// ListSubjects returns the subject name to id mapping.
func (s *Store) ListSubjects(ctx context.Context) (map[model.Subject]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM subjects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.Subject]int64)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[model.Subject(name)] = id
	}
	return out, rows.Err()
}

// EnsureDocument registers a document for a user if it does not exist yet.
// It returns ErrNotFound when the id already belongs to another user.
func (s *Store) EnsureDocument(ctx context.Context, id, userID, title string, pageCount int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, title, page_count, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, userID, title, pageCount, model.StatusReceived, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	var owner string
	if err := s.db.QueryRowContext(ctx, `SELECT user_id FROM documents WHERE id = ?`, id).Scan(&owner); err != nil {
		return fmt.Errorf("read document owner: %w", err)
	}
	if owner != userID {
		return ErrNotFound
	}
	if pageCount > 0 {
		_, err = s.db.ExecContext(ctx, `UPDATE documents SET page_count = ? WHERE id = ?`, pageCount, id)
	}
	return err
}

// UpdateDocumentStatus writes a status update. Nil counts and excerpts leave
// the stored values unchanged.
func (s *Store) UpdateDocumentStatus(ctx context.Context, u model.StatusUpdate) error {
	var total, excerpt any
	if u.TotalQuestions != nil {
		total = *u.TotalQuestions
	}
	if u.Excerpt != nil {
		excerpt = *u.Excerpt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET
			status = ?,
			total_questions = COALESCE(?, total_questions),
			extracted_text = COALESCE(?, extracted_text),
			error_details = ?,
			updated_at = ?
		 WHERE id = ?`,
		u.Status, total, excerpt, u.ErrorDetail, time.Now().UTC(), u.DocumentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocumentStatus returns a document's status scoped to its owner.
func (s *Store) GetDocumentStatus(ctx context.Context, id, userID string) (*model.DocumentStatus, error) {
	var ds model.DocumentStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, total_questions, error_details, created_at, updated_at
		 FROM documents WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&ds.DocumentID, &ds.UserID, &ds.Title, &ds.Status, &ds.TotalQuestions, &ds.ErrorDetail, &ds.CreatedAt, &ds.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetExtractedText returns the stored text excerpt for a document.
func (s *Store) GetExtractedText(ctx context.Context, id, userID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT extracted_text FROM documents WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return text, err
}
