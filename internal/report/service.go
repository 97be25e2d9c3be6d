package report

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const defaultRenderTimeout = 30 * time.Second

// Renderer turns a Document into a downloadable file.
type Renderer struct {
	timeout time.Duration
	pdf     func(context.Context, string) ([]byte, error)
	docx    func(context.Context, string) ([]byte, error)
}

func NewRenderer(timeout time.Duration) *Renderer {
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &Renderer{timeout: timeout, pdf: renderPDF, docx: renderDOCX}
}

func (r *Renderer) Render(ctx context.Context, doc Document, format Format) (*Result, error) {
	html, err := RenderHTML(doc)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	base := Filename(doc.Progress.Title, doc.Progress.GeneratedAt)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := r.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := r.docx(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Filename builds a safe download name like "thesis-draft-report-2026-03-02".
func Filename(title string, at time.Time) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 50 {
			break
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "project"
	}
	return name + "-report-" + at.UTC().Format("2006-01-02")
}
