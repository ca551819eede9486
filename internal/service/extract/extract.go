package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"docchat/internal/logger"
)

var (
	ErrNotPDF    = errors.New("file is not a PDF")
	ErrNoPages   = errors.New("PDF contains no pages")
	ErrEmptyText = errors.New("PDF text extraction returned empty content")
)

// Validate checks that data looks like a readable PDF document.
func Validate(data []byte) (err error) {
	if !isPDF(data) {
		return ErrNotPDF
	}
	// the parser panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNotPDF, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if r.NumPage() == 0 {
		return ErrNoPages
	}
	return nil
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// Extractor turns stored PDF files into plain text, one page per line block.
type Extractor struct {
	log *logger.Logger
}

func NewExtractor(log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.Nop()
	}
	return &Extractor{log: log.With("component", "extractor")}
}

func (e *Extractor) Extract(ctx context.Context, path string) (text string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	if !isPDF(data) {
		return "", ErrNotPDF
	}
	// the parser panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("failed to extract PDF text: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}
	total := r.NumPage()
	if total == 0 {
		return "", ErrNoPages
	}

	pages := make([]string, 0, total)
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		content, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("failed to extract text of page %d: %w", i, err)
		}
		pages = append(pages, collapseWhitespace(content))
	}

	text = strings.TrimSpace(strings.Join(pages, "\n"))
	if text == "" {
		return "", ErrEmptyText
	}
	e.log.Debug("pdf extracted", "path", path, "pages", total, "chars", len(text))
	return text, nil
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
