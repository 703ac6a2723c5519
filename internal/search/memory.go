package search

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Memory implements Searcher over records held in process. It is the
// fallback when Meilisearch is not configured or unhealthy.
type Memory struct {
	mu       sync.RWMutex
	sections []SectionRecord
	forms    []FormRecord
}

// NewMemory creates an in-process searcher over the given records.
func NewMemory(sections []SectionRecord, forms []FormRecord) *Memory {
	m := &Memory{}
	m.Load(sections, forms)
	return m
}

// Load replaces the searchable records.
func (m *Memory) Load(sections []SectionRecord, forms []FormRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections = append([]SectionRecord(nil), sections...)
	m.forms = append([]FormRecord(nil), forms...)
}

// Healthy always returns true.
func (m *Memory) Healthy() bool {
	return true
}

type weightedField struct {
	text   string
	weight int
}

type scored struct {
	result Result
	score  int
	order  int
}

// Search matches every query term against titles, citations, and body text.
// Title and citation hits rank above body hits; ties keep catalog order.
func (m *Memory) Search(q Query) ([]Result, int, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, 0, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []scored
	if q.FilterType == "" || q.FilterType == ResultSection {
		for i, rec := range m.sections {
			fields := []weightedField{
				{rec.Title, 3},
				{rec.Citation, 3},
				{rec.Gap, 2},
				{rec.Text, 1},
				{rec.Rationale, 1},
				{strings.Join(rec.Forms, " "), 1},
			}
			score, ok := scoreFields(fields, terms)
			if !ok {
				continue
			}
			hits = append(hits, scored{
				result: Result{
					Type:      ResultSection,
					ID:        rec.ID,
					Title:     rec.Title,
					Snippet:   snippet(firstMatching(terms, rec.Gap, rec.Text, rec.Rationale, rec.Title), terms),
					SectionID: rec.ID,
					Citation:  rec.Citation,
				},
				score: score,
				order: i,
			})
		}
	}
	if q.FilterType == "" || q.FilterType == ResultForm {
		for i, rec := range m.forms {
			fields := []weightedField{
				{rec.Name, 3},
				{rec.SectionTitle, 1},
				{rec.Citation, 1},
			}
			score, ok := scoreFields(fields, terms)
			if !ok {
				continue
			}
			hits = append(hits, scored{
				result: Result{
					Type:      ResultForm,
					ID:        rec.ID,
					Title:     rec.Name,
					Snippet:   snippet(rec.SectionTitle, terms),
					SectionID: rec.SectionID,
					Citation:  rec.Citation,
				},
				score: score,
				order: len(m.sections) + i,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Result{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]Result, 0, end-offset)
	for _, hit := range hits[offset:end] {
		out = append(out, hit.result)
	}
	return out, total, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// scoreFields requires every term to appear in at least one field.
func scoreFields(fields []weightedField, terms []string) (int, bool) {
	total := 0
	for _, term := range terms {
		best := 0
		for _, field := range fields {
			if field.weight > best && strings.Contains(strings.ToLower(field.text), term) {
				best = field.weight
			}
		}
		if best == 0 {
			return 0, false
		}
		total += best
	}
	return total, true
}

func firstMatching(terms []string, candidates ...string) string {
	for _, c := range candidates {
		lower := strings.ToLower(c)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return c
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

const snippetWords = 30

// snippet returns up to snippetWords words around the first term hit,
// wrapping matched words in <mark> like Meilisearch highlighting.
func snippet(text string, terms []string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	first := -1
	for i, w := range words {
		if matchesAny(w, terms) {
			first = i
			break
		}
	}
	start := 0
	if first > snippetWords/2 {
		start = first - snippetWords/2
	}
	end := start + snippetWords
	if end > len(words) {
		end = len(words)
	}

	parts := make([]string, 0, end-start+2)
	if start > 0 {
		parts = append(parts, "…")
	}
	for _, w := range words[start:end] {
		if matchesAny(w, terms) {
			w = "<mark>" + w + "</mark>"
		}
		parts = append(parts, w)
	}
	if end < len(words) {
		parts = append(parts, "…")
	}
	return strings.Join(parts, " ")
}

func matchesAny(word string, terms []string) bool {
	lower := strings.ToLower(word)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
