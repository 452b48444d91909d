package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// ExportDocument builds an export-ready view of a document and its questions.
func (s *Store) ExportDocument(ctx context.Context, documentID, userID string) (*model.QuestionExport, error) {
	ds, err := s.GetDocumentStatus(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}

	qs, err := s.ListQuestions(ctx, documentID, userID)
	if err != nil {
		return nil, fmt.Errorf("list questions for %s: %w", documentID, err)
	}

	out := &model.QuestionExport{
		DocumentID:   ds.DocumentID,
		UserID:       ds.UserID,
		Status:       ds.Status,
		ExportedAt:   time.Now().UTC(),
		NumQuestions: len(qs),
		Questions:    make([]model.ExportQuestion, 0, len(qs)),
	}
	for _, q := range qs {
		out.Questions = append(out.Questions, model.NewExportQuestion(q))
	}
	return out, nil
}
