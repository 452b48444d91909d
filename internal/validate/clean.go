package validate

import (
	"regexp"
	"strings"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// symbolReplacer maps markup spellings of mathematical symbols that OCR and
// generative output produce. Every target is a single symbol no key matches,
// so applying it twice changes nothing.
var symbolReplacer = strings.NewReplacer(
	`\int`, "∫",
	`\sqrt`, "√",
	`\pi`, "π",
	`\Delta`, "Δ",
	`\delta`, "δ",
	`\alpha`, "α",
	`\beta`, "β",
	`\gamma`, "γ",
	`\theta`, "θ",
	`\lambda`, "λ",
	`\mu`, "μ",
	`\sigma`, "σ",
	`\omega`, "ω",
	`\Omega`, "Ω",
	`\infty`, "∞",
	`\times`, "×",
	`\pm`, "±",
	`\leq`, "≤",
	`\geq`, "≥",
	`\neq`, "≠",
	`\circ`, "°",
	"&pi;", "π",
	"&Delta;", "Δ",
	"&delta;", "δ",
	"&alpha;", "α",
	"&beta;", "β",
	"&theta;", "θ",
	"&lambda;", "λ",
	"&mu;", "μ",
	"&radic;", "√",
	"&int;", "∫",
	"&times;", "×",
	"&deg;", "°",
	"<=", "≤",
	">=", "≥",
	"!=", "≠",
)

var (
	sqrtRegex       = regexp.MustCompile(`\bsqrt\s*([(\d])`)
	rootSpaceRegex  = regexp.MustCompile(`√[ \t]+`)
	piRegex         = regexp.MustCompile(`(\d)\s*pi\b`)
	equalsRegex     = regexp.MustCompile(`[ \t]*=[ \t]*`)
	beforePunct     = regexp.MustCompile(`[ \t]+([,;?!])`)
	multiSpaceRegex = regexp.MustCompile(`[ \t\x{00A0}]+`)
)

// CleanText fixes OCR symbol artifacts and normalizes spacing. It is idempotent.
func CleanText(s string) string {
	s = symbolReplacer.Replace(s)
	s = sqrtRegex.ReplaceAllString(s, "√$1")
	s = rootSpaceRegex.ReplaceAllString(s, "√")
	s = piRegex.ReplaceAllString(s, "${1}π")
	s = equalsRegex.ReplaceAllString(s, " = ")
	s = beforePunct.ReplaceAllString(s, "$1")
	s = multiSpaceRegex.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// Clean applies CleanText to the question, options and explanation.
func Clean(q model.CandidateQuestion) model.CandidateQuestion {
	q.Text = CleanText(q.Text)
	q.OptionA = CleanText(q.OptionA)
	q.OptionB = CleanText(q.OptionB)
	q.OptionC = CleanText(q.OptionC)
	q.OptionD = CleanText(q.OptionD)
	q.Explanation = CleanText(q.Explanation)
	return q
}
