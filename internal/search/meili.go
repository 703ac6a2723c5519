package search

import (
	"cmp"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const meiliHealthInterval = 10 * time.Second

// meiliIndex describes one index and the result type its hits map to.
type meiliIndex struct {
	uid        string
	kind       ResultType
	searchable []string
	filterable []string
	crop       []string
}

var meiliIndexes = []meiliIndex{
	{
		uid:        "careguide_sections",
		kind:       ResultSection,
		searchable: []string{"title", "citation", "gap", "text", "rationale", "forms"},
		filterable: []string{"citation"},
		crop:       []string{"text", "gap", "rationale"},
	},
	{
		uid:        "careguide_forms",
		kind:       ResultForm,
		searchable: []string{"name", "sectionTitle", "citation"},
		filterable: []string{"sectionId"},
	},
}

var errMeiliDown = errors.New("meilisearch unhealthy")

// Meili searches the catalog through Meilisearch. It watches the server in
// the background and reconfigures the indexes whenever it comes back.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	stop    chan struct{}

	// onRecover runs once the indexes are configured again after an outage.
	onRecover func()
}

// NewMeili connects to url. The client reports unhealthy until the server
// answers, so callers can start without Meilisearch.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		stop:   make(chan struct{}),
	}
	if err := m.checkHealth(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
	}
	go m.watch()
	return m
}

// checkHealth pings the server. The indexes are configured on every
// transition from down to up.
func (m *Meili) checkHealth() error {
	_, err := m.client.Health()
	up := err == nil
	if wasUp := m.healthy.Swap(up); up && !wasUp {
		m.ensureIndexes()
	}
	return err
}

func (m *Meili) watch() {
	ticker := time.NewTicker(meiliHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			wasUp := m.healthy.Load()
			if m.checkHealth() == nil && !wasUp {
				log.Println("search: meilisearch is back")
				if m.onRecover != nil {
					m.onRecover()
				}
			}
		}
	}
}

func (m *Meili) ensureIndexes() {
	for _, spec := range meiliIndexes {
		// CreateIndex fails harmlessly when the index exists.
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			log.Printf("search: create %s: %v", spec.uid, err)
		}
		index := m.client.Index(spec.uid)
		filterable := make([]interface{}, 0, len(spec.filterable))
		for _, attr := range spec.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: %s filterable attributes: %v", spec.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&spec.searchable); err != nil {
			log.Printf("search: %s searchable attributes: %v", spec.uid, err)
		}
	}
}

// Close stops the health watcher.
func (m *Meili) Close() {
	close(m.stop)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one multi-search over the indexes q selects. A failed request
// marks the client unhealthy until the next successful ping.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.Healthy() {
		return nil, 0, errMeiliDown
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	kinds := make(map[string]ResultType, len(meiliIndexes))
	var requests []*meili.SearchRequest
	for _, spec := range meiliIndexes {
		if q.FilterType != "" && q.FilterType != spec.kind {
			continue
		}
		kinds[spec.uid] = spec.kind
		requests = append(requests, &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 int64(limit),
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			AttributesToCrop:      spec.crop,
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		})
	}
	if len(requests) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: requests})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var (
		results []Result
		total   int
	)
	for _, page := range resp.Results {
		total += int(page.EstimatedTotalHits)
		for _, hit := range page.Hits {
			result, err := decodeHit(hit, kinds[page.IndexUID])
			if err != nil {
				log.Printf("search: skipping %s hit: %v", page.IndexUID, err)
				continue
			}
			results = append(results, result)
		}
	}
	return results, total, nil
}

// meiliHit holds the stored fields of both record types plus their
// highlighted copies. Array fields are left out of _formatted.
type meiliHit struct {
	ID           string `json:"id"`
	Citation     string `json:"citation"`
	SectionID    string `json:"sectionId"`
	Title        string `json:"title"`
	Gap          string `json:"gap"`
	Name         string `json:"name"`
	SectionTitle string `json:"sectionTitle"`
	Formatted    struct {
		Title        string `json:"title"`
		Gap          string `json:"gap"`
		Text         string `json:"text"`
		Name         string `json:"name"`
		SectionTitle string `json:"sectionTitle"`
	} `json:"_formatted"`
}

func decodeHit(hit meili.Hit, kind ResultType) (Result, error) {
	var h meiliHit
	if err := hit.DecodeInto(&h); err != nil {
		return Result{}, err
	}

	f := h.Formatted
	result := Result{Type: kind, ID: h.ID, Citation: h.Citation}
	switch kind {
	case ResultSection:
		result.SectionID = h.ID
		result.Title = cmp.Or(strings.TrimSpace(f.Title), h.Title)
		result.Snippet = cmp.Or(strings.TrimSpace(f.Gap), strings.TrimSpace(f.Text), h.Gap)
	case ResultForm:
		result.SectionID = h.SectionID
		result.Title = cmp.Or(strings.TrimSpace(f.Name), h.Name)
		result.Snippet = cmp.Or(strings.TrimSpace(f.SectionTitle), h.SectionTitle)
	}
	return result, nil
}

// IndexSections adds or replaces section records.
func (m *Meili) IndexSections(sections []SectionRecord) error {
	return m.add(ResultSection, sections, len(sections))
}

// IndexForms adds or replaces form records.
func (m *Meili) IndexForms(forms []FormRecord) error {
	return m.add(ResultForm, forms, len(forms))
}

func (m *Meili) add(kind ResultType, docs any, n int) error {
	if n == 0 {
		return nil
	}
	for _, spec := range meiliIndexes {
		if spec.kind == kind {
			_, err := m.client.Index(spec.uid).AddDocuments(docs, nil)
			return err
		}
	}
	return fmt.Errorf("no index for %s records", kind)
}
