package document

import (
	"bytes"
	"fmt"

	"github.com/pavelanni/pdfquiz/internal/model"
)

const (
	// MinSize rejects empty and near-empty uploads.
	MinSize = 1024
	// DefaultMaxSize is the upload cap (50 MiB).
	DefaultMaxSize = 50 << 20

	bytesPerPage = 100 << 10
)

var pdfSignature = []byte("%PDF")

// Check identifies which validation check a document failed.
// The values double as i18n message IDs.
type Check string

const (
	CheckOK        Check = "DocumentAccepted"
	CheckMediaType Check = "DocumentWrongType"
	CheckTooSmall  Check = "DocumentTooSmall"
	CheckTooLarge  Check = "DocumentTooLarge"
	CheckSignature Check = "DocumentBadSignature"
)

// Verdict is the result of validating an uploaded document.
type Verdict struct {
	Valid          bool
	Check          Check
	Message        string
	EstimatedPages int
}

// Validator checks uploads before any processing resources are allocated.
type Validator struct {
	MaxSize int64
}

// NewValidator creates a validator; maxSize <= 0 selects DefaultMaxSize.
func NewValidator(maxSize int64) Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return Validator{MaxSize: maxSize}
}

// Validate inspects the document bytes and declared media type. It has no side effects.
func (v Validator) Validate(doc model.SourceDocument) Verdict {
	maxSize := v.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	size := int64(len(doc.Data))
	if doc.Size > size {
		size = doc.Size
	}

	if doc.MediaType != model.MediaTypePDF {
		return reject(CheckMediaType, fmt.Sprintf("file must be a PDF (got %q)", doc.MediaType))
	}
	if size < MinSize {
		return reject(CheckTooSmall, fmt.Sprintf("file is too small to be a valid PDF (%d bytes)", size))
	}
	if size > maxSize {
		return reject(CheckTooLarge, fmt.Sprintf("file size must be at most %d MB", maxSize>>20))
	}
	if !bytes.HasPrefix(doc.Data, pdfSignature) {
		return reject(CheckSignature, "file does not start with a PDF signature")
	}

	pages := EstimatePages(size)
	return Verdict{
		Valid:          true,
		Check:          CheckOK,
		Message:        fmt.Sprintf("PDF is valid (about %d pages)", pages),
		EstimatedPages: pages,
	}
}

// EstimatePages guesses a page count from byte size, minimum 1.
func EstimatePages(size int64) int {
	n := int(size / bytesPerPage)
	if n < 1 {
		return 1
	}
	return n
}

func reject(check Check, msg string) Verdict {
	return Verdict{Check: check, Message: msg}
}
