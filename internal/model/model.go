package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MediaTypePDF is the only document type the pipeline accepts.
const MediaTypePDF = "application/pdf"

// Subject is the closed set of subjects a question can be classified under.
type Subject string

const (
	SubjectPhysics     Subject = "Physics"
	SubjectChemistry   Subject = "Chemistry"
	SubjectMathematics Subject = "Mathematics"
	SubjectBiology     Subject = "Biology"
)

// Subjects lists every valid subject. The extraction prompt ranges over this
// slice, so classification rubric and validation stay in sync.
var Subjects = []Subject{SubjectPhysics, SubjectChemistry, SubjectMathematics, SubjectBiology}

// Valid reports whether s is one of Subjects.
func (s Subject) Valid() bool {
	for _, v := range Subjects {
		if s == v {
			return true
		}
	}
	return false
}

// ParseSubject matches a subject name case-insensitively.
func ParseSubject(name string) (Subject, bool) {
	name = strings.TrimSpace(name)
	for _, v := range Subjects {
		if strings.EqualFold(name, string(v)) {
			return v, true
		}
	}
	return Subject(name), false
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Option identifies one of the four answer choices.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
)

// Options lists the answer choices in order.
var Options = []Option{OptionA, OptionB, OptionC, OptionD}

// Valid reports whether o is A, B, C or D.
func (o Option) Valid() bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Provenance records which parser tier produced a question.
type Provenance string

const (
	// ProvenanceJSON is a strict decode of the whole JSON array.
	ProvenanceJSON Provenance = "json"
	// ProvenancePartialJSON is an element-by-element decode of a truncated array.
	ProvenancePartialJSON Provenance = "json_partial"
	// ProvenanceLineScan is the heuristic fallback; treat with lower confidence.
	ProvenanceLineScan Provenance = "line_scan"
)

// SourceDocument is an uploaded document as received at the upload boundary.
type SourceDocument struct {
	Data      []byte
	MediaType string
	Size      int64
}

// PageImage is one rasterized, OCR-ready page.
type PageImage struct {
	PageNumber int    // 1-based
	Data       []byte // enhanced PNG, or the raw render if enhancement failed
	Path       string // on-disk raw render inside the run scratch dir
	Enhanced   bool
}

// RecognizedPage is the OCR result for one page. Confidence 0 and WordCount 0
// mean recognition failed for that page.
type RecognizedPage struct {
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	WordCount  int     `json:"word_count"`
}

// Usable reports whether the page passes the downstream quality threshold.
func (p RecognizedPage) Usable() bool {
	return p.Confidence > 0.3 && len(p.Text) > 20 && p.WordCount > 5
}

// CandidateQuestion is a multiple-choice question as produced by the extractor.
// JSON tags follow the response contract given to the generative service.
type CandidateQuestion struct {
	Text        string     `json:"question_text"`
	OptionA     string     `json:"option_a"`
	OptionB     string     `json:"option_b"`
	OptionC     string     `json:"option_c"`
	OptionD     string     `json:"option_d"`
	Correct     Option     `json:"correct_answer"`
	Explanation string     `json:"explanation,omitempty"`
	Subject     Subject    `json:"subject"`
	Difficulty  Difficulty `json:"difficulty_level"`
	Confidence  float64    `json:"confidence_score"`
	SourcePage  int        `json:"page_number,omitempty"`
	Provenance  Provenance `json:"provenance,omitempty"`
}

// OptionTexts returns the four option texts in A-D order.
func (q CandidateQuestion) OptionTexts() [4]string {
	return [4]string{q.OptionA, q.OptionB, q.OptionC, q.OptionD}
}

// ValidatedQuestion is a cleaned candidate that satisfies every question invariant.
// It is only constructed by the validate package.
type ValidatedQuestion struct {
	CandidateQuestion
}

// StoredQuestion is a validated question with its storage identifiers.
type StoredQuestion struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"pdf_id"`
	UserID     string    `json:"user_id"`
	SubjectID  *int64    `json:"subject_id"`
	Type       string    `json:"question_type"`
	CreatedAt  time.Time `json:"created_at"`
	ValidatedQuestion
}

// ProcessingStatus is the durable status consumers poll on a document.
type ProcessingStatus string

const (
	StatusReceived   ProcessingStatus = "received"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names a pipeline stage for timestamps and metrics.
type Stage string

const (
	StageRasterize Stage = "rasterize"
	StageRecognize Stage = "recognize"
	StageExtract   Stage = "extract"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
)

// ErrInvalidTransition is returned when a run is moved along an edge the
// received -> processing -> completed|failed machine does not have.
var ErrInvalidTransition = errors.New("invalid run state transition")

// ProcessingRun tracks one orchestrator invocation.
type ProcessingRun struct {
	ID          string              `json:"id"`
	DocumentID  string              `json:"document_id"`
	UserID      string              `json:"user_id"`
	Status      ProcessingStatus    `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	StageTimes  map[Stage]time.Time `json:"stage_times,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Extracted   int                 `json:"extracted"`
	Stored      int                 `json:"stored"`
	ErrorDetail string              `json:"error_detail,omitempty"`
}

// NewRun creates a run in the received state.
func NewRun(id, documentID, userID string, now time.Time) *ProcessingRun {
	return &ProcessingRun{
		ID:         id,
		DocumentID: documentID,
		UserID:     userID,
		Status:     StatusReceived,
		StartedAt:  now,
		StageTimes: make(map[Stage]time.Time),
	}
}

// Transition moves the run to next, rejecting edges outside the state machine.
func (r *ProcessingRun) Transition(next ProcessingStatus, now time.Time) error {
	ok := false
	switch r.Status {
	case StatusReceived:
		ok = next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		ok = next == StatusCompleted || next == StatusFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	if next.Terminal() {
		r.FinishedAt = &now
	}
	return nil
}

// MarkStage records when a stage started.
func (r *ProcessingRun) MarkStage(stage Stage, now time.Time) {
	if r.StageTimes == nil {
		r.StageTimes = make(map[Stage]time.Time)
	}
	r.StageTimes[stage] = now
}

// StatusUpdate is a write to a document's processing status record.
type StatusUpdate struct {
	DocumentID     string
	Status         ProcessingStatus
	TotalQuestions *int
	Excerpt        *string
	ErrorDetail    string
}

// DocumentStatus is what the status boundary returns.
type DocumentStatus struct {
	DocumentID     string           `json:"pdf_id"`
	UserID         string           `json:"-"`
	Title          string           `json:"title,omitempty"`
	Status         ProcessingStatus `json:"status"`
	TotalQuestions int              `json:"total_questions"`
	ErrorDetail    string           `json:"error_details,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// QuestionStats summarizes a user's stored questions.
type QuestionStats struct {
	Total        int            `json:"total"`
	BySubject    map[string]int `json:"by_subject"`
	ByDifficulty map[string]int `json:"by_difficulty"`
	ByDocument   map[string]int `json:"by_document"`
}
