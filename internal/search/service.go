package search

import (
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// in-process index.
type Service struct {
	meili    *Meili
	fallback *Memory
	sections []SectionRecord
	forms    []FormRecord
}

// NewService creates a search service over the given records. meili may be
// nil if Meilisearch is not configured.
func NewService(meili *Meili, sections []SectionRecord, forms []FormRecord) *Service {
	s := &Service{
		meili:    meili,
		fallback: NewMemory(sections, forms),
		sections: sections,
		forms:    forms,
	}
	if meili != nil {
		meili.onRecover = s.Reindex
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to memory.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: memory error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex pushes every record to Meilisearch. Called at startup and after
// Meilisearch recovers from an outage.
func (s *Service) Reindex() {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexSections(s.sections); err != nil {
		log.Printf("search: reindex sections: %v", err)
	}
	if err := s.meili.IndexForms(s.forms); err != nil {
		log.Printf("search: reindex forms: %v", err)
	}
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
