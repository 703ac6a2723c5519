package search

// ResultType identifies the kind of catalog entry in a search result.
type ResultType string

const (
	ResultSection ResultType = "section"
	ResultForm    ResultType = "form"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	SectionID string     `json:"sectionId"`
	Citation  string     `json:"citation,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SectionRecord is the data we index for a policy section.
type SectionRecord struct {
	ID        string   `json:"id"`
	Citation  string   `json:"citation"`
	Title     string   `json:"title"`
	Gap       string   `json:"gap"`
	Text      string   `json:"text"`
	Rationale string   `json:"rationale"`
	Forms     []string `json:"forms"`
}

// FormRecord is the data we index for a form template. One record exists
// per (form, section) pair since forms may be shared between sections.
type FormRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SectionID    string `json:"sectionId"`
	SectionTitle string `json:"sectionTitle"`
	Citation     string `json:"citation"`
}

const defaultLimit = 20
