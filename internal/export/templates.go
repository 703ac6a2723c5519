package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	printTemplate  *template.Template
	manualTemplate *template.Template
)

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"inc": func(i int) int { return i + 1 },
	}
	printTemplate = template.Must(template.New("print.html").Funcs(funcMap).ParseFS(templateFS, "templates/print.html"))
	manualTemplate = template.Must(template.New("manual.html").Funcs(funcMap).ParseFS(templateFS, "templates/manual.html"))
}

// PrintData holds data for the standalone print document.
type PrintData struct {
	Title     string
	Content   template.HTML
	AutoPrint bool
	DelayMS   int64
}

// ManualData holds data for the branded manual.
type ManualData struct {
	AgencyName   string
	Tagline      string
	Logo         template.URL
	Jurisdiction string
	GeneratedAt  time.Time
	Sections     []ManualSection
}

// ManualSection is one branded section of the manual.
type ManualSection struct {
	Title    string
	Citation string
	Body     template.HTML
}

// RenderPrintHTML wraps generated form HTML in a standalone printable page.
// The content comes from the generation service and is trusted as HTML.
// With a positive delay the page asks the browser to print itself once
// layout has settled.
func RenderPrintHTML(title, content string, delay time.Duration) (string, error) {
	return renderPrint(PrintData{
		Title:     title,
		Content:   template.HTML(content),
		AutoPrint: delay > 0,
		DelayMS:   delay.Milliseconds(),
	})
}

func renderPrint(data PrintData) (string, error) {
	var buf bytes.Buffer
	if err := printTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderManualHTML renders the manual template.
func RenderManualHTML(data ManualData) (string, error) {
	var buf bytes.Buffer
	if err := manualTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LogoURL returns logo as a template URL when it is an http(s) or inline
// image reference, and empty otherwise.
func LogoURL(logo string) template.URL {
	logo = strings.TrimSpace(logo)
	lower := strings.ToLower(logo)
	switch {
	case strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "data:image/"):
		return template.URL(logo)
	default:
		return ""
	}
}
