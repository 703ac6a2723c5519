package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careguide/api/internal/catalog"
)

func catalogService(t *testing.T) *Service {
	t.Helper()
	sections, forms := Records(catalog.Default())
	return NewService(nil, sections, forms)
}

func TestRecordsFollowCatalogOrder(t *testing.T) {
	sections, forms := Records(catalog.Default())
	catalogSections := catalog.Sections()
	require.Len(t, sections, len(catalogSections))
	for i, section := range catalogSections {
		assert.Equal(t, section.ID, sections[i].ID)
	}

	want := 0
	for _, section := range catalogSections {
		want += len(section.FormNames)
	}
	assert.Len(t, forms, want)
}

func TestFormRecordIDIsIndexSafe(t *testing.T) {
	id := formRecordID("staffing", "Caregiver Orientation Checklist (v2)")
	assert.Equal(t, "staffing__caregiver-orientation-checklist-v2", id)
	for _, r := range id {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "unexpected rune %q in %s", r, id)
	}
}

func TestMemorySearchRanksTitleHitsFirst(t *testing.T) {
	m := NewMemory([]SectionRecord{
		{ID: "a", Title: "Client Rights", Text: "covers complaints"},
		{ID: "b", Title: "Complaints", Text: "handling"},
	}, nil)

	results, total, err := m.Search(Query{Text: "complaints"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "a", results[1].ID)
	assert.Contains(t, results[1].Snippet, "<mark>complaints</mark>")
}

func TestMemorySearchRequiresAllTerms(t *testing.T) {
	m := NewMemory([]SectionRecord{
		{ID: "a", Title: "Medication Services", Text: "administration by caregivers"},
		{ID: "b", Title: "Medication Storage", Text: "locked cabinet"},
	}, nil)

	results, total, err := m.Search(Query{Text: "medication caregivers"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestMemorySearchBlankQuery(t *testing.T) {
	m := NewMemory([]SectionRecord{{ID: "a", Title: "Anything"}}, nil)
	results, total, err := m.Search(Query{Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestMemorySearchFilterAndPaging(t *testing.T) {
	m := NewMemory(
		[]SectionRecord{{ID: "s", Title: "Intake"}},
		[]FormRecord{
			{ID: "f1", Name: "Intake Checklist", SectionID: "s"},
			{ID: "f2", Name: "Intake Consent", SectionID: "s"},
		},
	)

	results, total, err := m.Search(Query{Text: "intake", FilterType: ResultForm, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 1)
	assert.Equal(t, "f2", results[0].ID)
	assert.Equal(t, ResultForm, results[0].Type)
	assert.Equal(t, "s", results[0].SectionID)

	results, _, err = m.Search(Query{Text: "intake", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSnippetWindowsLongText(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "filler"
	}
	words[60] = "needle"
	got := snippet(strings.Join(words, " "), []string{"needle"})
	assert.True(t, strings.HasPrefix(got, "…"))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Contains(t, got, "<mark>needle</mark>")
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := catalogService(t)
	resp := svc.Search(Query{Text: "administrator"})
	assert.Equal(t, "administrator", resp.Query)
	assert.NotEmpty(t, resp.Results)
	assert.GreaterOrEqual(t, resp.Total, len(resp.Results))

	resp = svc.Search(Query{Text: "zzzzunmatched"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	assert.NotPanics(t, func() {
		svc.Reindex()
		svc.Close()
	})
}
