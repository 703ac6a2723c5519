package export

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service renders forms and manuals into downloadable documents.
type Service struct {
	printDelay time.Duration
	timeout    time.Duration
	pdf        func(ctx context.Context, html, title string) (*Result, error)
	docx       func(ctx context.Context, html, title string) (*Result, error)
}

// NewService creates an export service. printDelay is how long the HTML print
// page waits before opening the print dialog; timeout bounds PDF and DOCX
// conversion.
func NewService(printDelay, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		printDelay: printDelay,
		timeout:    timeout,
		pdf:        exportPDF,
		docx:       exportDOCX,
	}
}

// PrintForm renders stored form HTML. Blank content renders nothing.
func (s *Service) PrintForm(ctx context.Context, formName, content string, format Format) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrContentUnavailable
	}
	delay := time.Duration(0)
	if format == FormatHTML {
		delay = s.printDelay
	}
	page, err := RenderPrintHTML(formName, content, delay)
	if err != nil {
		return nil, fmt.Errorf("render print template: %w", err)
	}
	return s.convert(ctx, page, formName, format)
}

// Manual renders the branded manual.
func (s *Service) Manual(ctx context.Context, data ManualData, format Format) (*Result, error) {
	if len(data.Sections) == 0 {
		return nil, ErrContentUnavailable
	}
	page, err := RenderManualHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render manual template: %w", err)
	}
	return s.convert(ctx, page, data.AgencyName+" Policy Manual", format)
}

func (s *Service) convert(ctx context.Context, page, title string, format Format) (*Result, error) {
	switch format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.pdf(ctx, page, title)
	case FormatDOCX:
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.docx(ctx, page, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
