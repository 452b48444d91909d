package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/pavelanni/pdfquiz/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.txt
var Templates embed.FS

const extractFile = "templates/extract.txt"

var ocrTextTagRegex = regexp.MustCompile(`(?i)</?\s*ocr-text\b[^>]*>`)

// Correction is one OCR confusion the model is asked to fix.
type Correction struct {
	From string
	To   string
	Note string
}

// Corrections lists the symbol confusions common in scanned maths and science papers.
var Corrections = []Correction{
	{"f", "∫", "integral sign read as f or S before dx"},
	{"J", "∫", "integral sign read as J"},
	{"TT", "π", "pi read as TT, n or 7T"},
	{"V", "√", "square root read as V or v before a number"},
	{"A", "Δ", "delta read as A before a quantity, e.g. AH, At"},
	{"a", "α", "alpha in angles and coefficients"},
	{"B", "β", "beta in decay and angles"},
	{"0", "θ", "theta read as 0 or O in angles"},
	{"u", "μ", "mu read as u in units such as uF, um"},
	{"l", "λ", "lambda read as l or A in wavelengths"},
	{"x", "×", "multiplication sign"},
	{"-", "−", "minus sign split across lines"},
	{"^2", "²", "superscripts flattened by OCR"},
}

// Rubrics describes each subject for classification. Every value in
// model.Subjects must have an entry; Load fails otherwise.
var Rubrics = map[model.Subject]string{
	model.SubjectPhysics:     "mechanics, electricity, magnetism, optics, waves, thermodynamics, modern physics, units and measurement.",
	model.SubjectChemistry:   "atomic structure, bonding, stoichiometry, reactions, equilibrium, organic compounds, periodic table.",
	model.SubjectMathematics: "algebra, calculus, trigonometry, geometry, probability, statistics, vectors and matrices.",
	model.SubjectBiology:     "cells, genetics, evolution, human physiology, plants, ecology, microorganisms.",
}

// SubjectData is one subject line in the prompt.
type SubjectData struct {
	Name   model.Subject
	Rubric string
}

// ExtractData holds template data for the extraction prompt.
type ExtractData struct {
	Text         string
	Corrections  []Correction
	Subjects     []SubjectData
	SubjectNames string
}

var (
	loadOnce        sync.Once
	loadErr         error
	extractTemplate *template.Template
)

// Load parses the prompt templates from fsys.
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		for _, s := range model.Subjects {
			if Rubrics[s] == "" {
				loadErr = fmt.Errorf("no classification rubric for subject %q", s)
				return
			}
		}

		content, err := fs.ReadFile(fsys, extractFile)
		if err != nil {
			loadErr = errors.New("failed to read prompt file " + extractFile + ": " + err.Error())
			return
		}
		tmpl, err := template.New("extract").Parse(string(content))
		if err != nil {
			loadErr = errors.New("failed to parse prompt template " + extractFile + ": " + err.Error())
			return
		}
		extractTemplate = tmpl
	})
	return loadErr
}

// BuildExtractionPrompt renders the extraction prompt around one chunk of OCR text.
func BuildExtractionPrompt(text string) (string, error) {
	if extractTemplate == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}

	subjects := make([]SubjectData, 0, len(model.Subjects))
	names := make([]string, 0, len(model.Subjects))
	for _, s := range model.Subjects {
		subjects = append(subjects, SubjectData{Name: s, Rubric: Rubrics[s]})
		names = append(names, string(s))
	}

	data := ExtractData{
		Text:         sanitizeText(text),
		Corrections:  Corrections,
		Subjects:     subjects,
		SubjectNames: strings.Join(names, "|"),
	}

	var buf bytes.Buffer
	if err := extractTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeText strips delimiter tags so document text cannot close the
// OCR block early.
func sanitizeText(text string) string {
	return strings.TrimSpace(ocrTextTagRegex.ReplaceAllString(text, ""))
}
