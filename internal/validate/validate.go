// Package validate deduplicates candidate questions, drops the ones that
// break a question invariant and normalizes the text of the rest.
package validate

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pavelanni/pdfquiz/internal/model"
)

const (
	MinTextLen = 10
	MaxTextLen = 1000
	keyLen     = 100
)

// Reason explains why a candidate was dropped.
type Reason string

const (
	ReasonDuplicate     Reason = "duplicate"
	ReasonTextLength    Reason = "question text length out of range"
	ReasonEmptyOption   Reason = "empty option"
	ReasonSameOptions   Reason = "options not distinct"
	ReasonBadAnswer     Reason = "correct answer not A-D"
	ReasonBadSubject    Reason = "unknown subject"
	ReasonBadDifficulty Reason = "unknown difficulty"
	ReasonBadConfidence Reason = "confidence out of range"
	ReasonPlaceholder   Reason = "placeholder text"
)

// Rejection is one dropped candidate.
type Rejection struct {
	Question model.CandidateQuestion
	Reason   Reason
	Detail   string
}

// Report summarizes one Process call.
type Report struct {
	Input      int
	Duplicates int
	Rejected   []Rejection
	Output     int
}

var placeholderPhrases = []string{
	"sample question",
	"example question",
	"lorem ipsum",
	"question text here",
	"your question",
	"insert question",
	"placeholder",
}

var placeholderOptions = map[string]bool{
	"option a": true, "option b": true, "option c": true, "option d": true,
	"...": true, "n/a": true, "tbd": true, "xxx": true,
}

// Process removes duplicates, validates and cleans candidates. Every
// returned question satisfies Check. Cleaned questions are deduplicated again
// so that running Process on its own output removes nothing.
func Process(candidates []model.CandidateQuestion) ([]model.ValidatedQuestion, Report) {
	rep := Report{Input: len(candidates)}

	unique, dups := Dedupe(candidates)
	rep.Duplicates += len(dups)

	cleaned := make([]model.CandidateQuestion, 0, len(unique))
	for _, q := range unique {
		if reason, detail := Check(q); reason != "" {
			rep.reject(q, reason, detail)
			continue
		}
		cleaned = append(cleaned, Clean(q))
	}

	final, dups := Dedupe(cleaned)
	rep.Duplicates += len(dups)

	out := make([]model.ValidatedQuestion, 0, len(final))
	for _, q := range final {
		out = append(out, model.ValidatedQuestion{CandidateQuestion: q})
	}
	rep.Output = len(out)

	slog.Info("validated questions",
		"input", rep.Input, "duplicates", rep.Duplicates, "rejected", len(rep.Rejected), "output", rep.Output)
	return out, rep
}

func (r *Report) reject(q model.CandidateQuestion, reason Reason, detail string) {
	slog.Debug("dropping question", "reason", reason, "detail", detail, "text", truncate(q.Text, 80))
	r.Rejected = append(r.Rejected, Rejection{Question: q, Reason: reason, Detail: detail})
}

// Check validates a candidate against the question invariants. It returns
// an empty Reason when the candidate is valid. Text is judged in its cleaned
// form, so Check(q) and Check(Clean(q)) always agree.
func Check(q model.CandidateQuestion) (Reason, string) {
	q = Clean(q)
	n := utf8.RuneCountInString(strings.TrimSpace(q.Text))
	if n < MinTextLen || n > MaxTextLen {
		return ReasonTextLength, fmt.Sprintf("%d characters", n)
	}

	opts := q.OptionTexts()
	seen := make(map[string]model.Option, len(opts))
	for i, o := range opts {
		label := model.Options[i]
		if strings.TrimSpace(o) == "" {
			return ReasonEmptyOption, string(label)
		}
		k := optionKey(o)
		if prev, ok := seen[k]; ok {
			return ReasonSameOptions, fmt.Sprintf("%s and %s", prev, label)
		}
		seen[k] = label
	}

	if !q.Correct.Valid() {
		return ReasonBadAnswer, string(q.Correct)
	}
	if !q.Subject.Valid() {
		return ReasonBadSubject, string(q.Subject)
	}
	if !q.Difficulty.Valid() {
		return ReasonBadDifficulty, string(q.Difficulty)
	}
	if math.IsNaN(q.Confidence) || q.Confidence < 0 || q.Confidence > 1 {
		return ReasonBadConfidence, fmt.Sprintf("%v", q.Confidence)
	}

	lower := strings.ToLower(q.Text)
	for _, p := range placeholderPhrases {
		if strings.Contains(lower, p) {
			return ReasonPlaceholder, p
		}
	}
	for i, o := range opts {
		if placeholderOptions[strings.ToLower(strings.TrimSpace(o))] {
			return ReasonPlaceholder, "option " + string(model.Options[i])
		}
	}
	return "", ""
}

// optionKey compares options ignoring case and all whitespace.
func optionKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

// DedupKey normalizes question text: lowercase, punctuation stripped,
// whitespace collapsed, first 100 characters.
func DedupKey(text string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r):
			continue
		case unicode.IsSpace(r):
			space = sb.Len() > 0
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	return truncate(sb.String(), keyLen)
}

// Dedupe keeps the first question per DedupKey.
func Dedupe(qs []model.CandidateQuestion) (unique, dups []model.CandidateQuestion) {
	seen := make(map[string]bool, len(qs))
	for _, q := range qs {
		k := DedupKey(q.Text)
		if seen[k] {
			dups = append(dups, q)
			continue
		}
		seen[k] = true
		unique = append(unique, q)
	}
	return unique, dups
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
