package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/pdfquiz/internal/model"
)

var (
	// ErrRefused means the service declined the request instead of answering.
	ErrRefused = errors.New("generative service refused the request")
	// ErrUnparseable means neither parser tier found a question in the response.
	ErrUnparseable = errors.New("no questions could be parsed from response")
)

// lineScanConfidence marks questions recovered by the heuristic tier.
const lineScanConfidence = 0.5

var refusalPhrases = []string{
	"i am unable to",
	"i'm unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"i can't help with",
	"as a large language model",
	"as an ai language model",
}

var (
	fenceRegex  = regexp.MustCompile("```[A-Za-z]*")
	optionRegex = regexp.MustCompile(`^\(?([A-Da-d])[\.\):]\s*(.+)$`)
	labelRegex  = regexp.MustCompile(`(?i)^\s*(?:(?:correct\s+)?(?:option|answer|ans)\b\.?(?:\s*is)?)?\s*[:\-.]?\s*\(?([A-D])\)?[.:]?\s*$`)
	answerRegex = regexp.MustCompile(`(?i)^(?:correct\s+)?(?:answer|ans)\s*(?:is)?\s*[:\-.]?\s*\(?([A-D])\b`)
	numberRegex = regexp.MustCompile(`^(?:Q(?:uestion)?\s*)?\d+\s*[\.\):]\s*`)
)

// rawQuestion mirrors the response contract but tolerates loose typing.
type rawQuestion struct {
	Text        string    `json:"question_text"`
	OptionA     string    `json:"option_a"`
	OptionB     string    `json:"option_b"`
	OptionC     string    `json:"option_c"`
	OptionD     string    `json:"option_d"`
	Correct     string    `json:"correct_answer"`
	Explanation string    `json:"explanation"`
	Subject     string    `json:"subject"`
	Difficulty  string    `json:"difficulty_level"`
	Confidence  flexFloat `json:"confidence_score"`
	Page        int       `json:"page_number"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (r rawQuestion) candidate(prov model.Provenance) model.CandidateQuestion {
	subject, _ := model.ParseSubject(r.Subject)
	return model.CandidateQuestion{
		Text:        strings.TrimSpace(r.Text),
		OptionA:     strings.TrimSpace(r.OptionA),
		OptionB:     strings.TrimSpace(r.OptionB),
		OptionC:     strings.TrimSpace(r.OptionC),
		OptionD:     strings.TrimSpace(r.OptionD),
		Correct:     normalizeOption(r.Correct),
		Explanation: strings.TrimSpace(r.Explanation),
		Subject:     subject,
		Difficulty:  model.Difficulty(strings.ToLower(strings.TrimSpace(r.Difficulty))),
		Confidence:  clamp(float64(r.Confidence)),
		SourcePage:  r.Page,
		Provenance:  prov,
	}
}

// ParseResponse turns generated text into candidate questions using a
// two-tier parser. The JSON tier decodes the array span, salvaging complete
// elements when the output was truncated. The line-scan tier recovers
// plain-text questions and tags them with lower confidence.
// An empty JSON array is a valid result with no questions.
func ParseResponse(raw string) ([]model.CandidateQuestion, model.Provenance, error) {
	text := stripFences(raw)

	if !strings.Contains(text, "[") && isRefusal(text) {
		return nil, "", ErrRefused
	}

	if qs, prov, ok := parseJSON(text); ok {
		return qs, prov, nil
	}

	if qs := scanLines(text); len(qs) > 0 {
		return qs, model.ProvenanceLineScan, nil
	}
	if isRefusal(text) {
		return nil, "", ErrRefused
	}
	return nil, "", ErrUnparseable
}

// stripFences removes markdown code fences wherever they appear.
func stripFences(s string) string {
	return strings.TrimSpace(fenceRegex.ReplaceAllString(s, ""))
}

func isRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func parseJSON(text string) ([]model.CandidateQuestion, model.Provenance, bool) {
	start := strings.Index(text, "[")
	if start < 0 {
		return nil, "", false
	}

	if end := strings.LastIndex(text, "]"); end > start {
		var raws []rawQuestion
		if err := json.Unmarshal([]byte(text[start:end+1]), &raws); err == nil {
			return convert(raws, model.ProvenanceJSON), model.ProvenanceJSON, true
		}
	}

	raws, complete := salvage(text[start:])
	if complete {
		return convert(raws, model.ProvenanceJSON), model.ProvenanceJSON, true
	}
	if len(raws) == 0 {
		return nil, "", false
	}
	return convert(raws, model.ProvenancePartialJSON), model.ProvenancePartialJSON, true
}

// salvage decodes array elements one at a time and keeps every complete
// object before the first malformed or truncated one. complete reports that
// the array was closed, i.e. only trailing text defeated the strict decode.
func salvage(s string) (out []rawQuestion, complete bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('[') {
		return nil, false
	}
	for dec.More() {
		var r rawQuestion
		if err := dec.Decode(&r); err != nil {
			return out, false
		}
		out = append(out, r)
	}
	tok, err = dec.Token()
	return out, err == nil && tok == json.Delim(']')
}

func convert(raws []rawQuestion, prov model.Provenance) []model.CandidateQuestion {
	out := make([]model.CandidateQuestion, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.candidate(prov))
	}
	return out
}

// scanLines finds a question line ending in '?', followed by options A-D
// in order and an answer line. Questions without an answer line are skipped.
func scanLines(text string) []model.CandidateQuestion {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	var out []model.CandidateQuestion
	for i := 0; i < len(lines); i++ {
		if !strings.HasSuffix(lines[i], "?") {
			continue
		}
		q, next, ok := scanQuestion(lines, i)
		if !ok {
			continue
		}
		out = append(out, q)
		i = next - 1
	}
	return out
}

func scanQuestion(lines []string, i int) (model.CandidateQuestion, int, bool) {
	var opts [4]string
	j := i + 1
	for k, want := range model.Options {
		if j >= len(lines) {
			return model.CandidateQuestion{}, 0, false
		}
		m := optionRegex.FindStringSubmatch(lines[j])
		if m == nil || model.Option(strings.ToUpper(m[1])) != want {
			return model.CandidateQuestion{}, 0, false
		}
		opts[k] = strings.TrimSpace(m[2])
		j++
	}
	if j >= len(lines) {
		return model.CandidateQuestion{}, 0, false
	}
	m := answerRegex.FindStringSubmatch(lines[j])
	if m == nil {
		return model.CandidateQuestion{}, 0, false
	}

	text := numberRegex.ReplaceAllString(lines[i], "")
	q := model.CandidateQuestion{
		Text:       text,
		OptionA:    opts[0],
		OptionB:    opts[1],
		OptionC:    opts[2],
		OptionD:    opts[3],
		Correct:    model.Option(strings.ToUpper(m[1])),
		Subject:    guessSubject(text + " " + strings.Join(opts[:], " ")),
		Difficulty: model.DifficultyMedium,
		Confidence: lineScanConfidence,
		Provenance: model.ProvenanceLineScan,
	}
	return q, j + 1, true
}

var subjectKeywords = map[model.Subject][]string{
	model.SubjectPhysics:     {"force", "velocity", "acceleration", "energy", "current", "voltage", "momentum", "wave", "lens", "newton", "joule"},
	model.SubjectChemistry:   {"mole", "acid", "base", "reaction", "compound", "atom", "bond", "oxid", "element", "ph ", "molar"},
	model.SubjectMathematics: {"integral", "∫", "derivative", "equation", "matrix", "probability", "sin", "cos", "log", "polynomial", "triangle"},
	model.SubjectBiology:     {"cell", "gene", "dna", "protein", "enzyme", "organism", "plant", "species", "tissue", "chromosome"},
}

// guessSubject picks the subject with the most keyword hits, Physics when none match.
func guessSubject(text string) model.Subject {
	lower := strings.ToLower(text)
	best, bestHits := model.SubjectPhysics, 0
	for _, s := range model.Subjects {
		hits := 0
		for _, kw := range subjectKeywords[s] {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best, bestHits = s, hits
		}
	}
	return best
}

// normalizeOption accepts a bare letter with optional "option"/"answer"
// prefix and brackets. Anything else yields "" so the question is dropped.
func normalizeOption(s string) model.Option {
	m := labelRegex.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return model.Option(strings.ToUpper(m[1]))
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
