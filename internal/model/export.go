package model

import "time"

// QuestionExport is the top-level JSON structure for exporting a document's questions.
type QuestionExport struct {
	DocumentID   string           `json:"pdf_id"`
	UserID       string           `json:"user_id"`
	Status       ProcessingStatus `json:"status"`
	ExportedAt   time.Time        `json:"exported_at"`
	NumQuestions int              `json:"num_questions"`
	Questions    []ExportQuestion `json:"questions"`
}

// ExportQuestion holds per-question data for export.
type ExportQuestion struct {
	ID          string     `json:"id"`
	Text        string     `json:"question_text"`
	Options     []string   `json:"options"`
	Correct     Option     `json:"correct_answer"`
	Explanation string     `json:"explanation,omitempty"`
	Subject     Subject    `json:"subject"`
	Difficulty  Difficulty `json:"difficulty_level"`
	SourcePage  int        `json:"page_number,omitempty"`
	Provenance  Provenance `json:"provenance,omitempty"`
}

// NewExportQuestion flattens a stored question for export.
func NewExportQuestion(q StoredQuestion) ExportQuestion {
	opts := q.OptionTexts()
	return ExportQuestion{
		ID:          q.ID,
		Text:        q.Text,
		Options:     opts[:],
		Correct:     q.Correct,
		Explanation: q.Explanation,
		Subject:     q.Subject,
		Difficulty:  q.Difficulty,
		SourcePage:  q.SourcePage,
		Provenance:  q.Provenance,
	}
}
