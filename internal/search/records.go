package search

import (
	"strings"

	"careguide/api/internal/catalog"
)

// Records flattens a catalog into index records in catalog order.
func Records(c *catalog.Catalog) ([]SectionRecord, []FormRecord) {
	sections := c.Sections()
	sectionRecords := make([]SectionRecord, 0, len(sections))
	var formRecords []FormRecord
	for _, section := range sections {
		sectionRecords = append(sectionRecords, SectionRecord{
			ID:        section.ID,
			Citation:  section.Citation,
			Title:     section.Title,
			Gap:       section.Gap,
			Text:      section.DefaultText,
			Rationale: section.Rationale,
			Forms:     section.FormNames,
		})
		for _, name := range section.FormNames {
			formRecords = append(formRecords, FormRecord{
				ID:           formRecordID(section.ID, name),
				Name:         name,
				SectionID:    section.ID,
				SectionTitle: section.Title,
				Citation:     section.Citation,
			})
		}
	}
	return sectionRecords, formRecords
}

// formRecordID builds a primary key Meilisearch accepts: [a-zA-Z0-9_-].
func formRecordID(sectionID, formName string) string {
	var b strings.Builder
	b.WriteString(sectionID)
	b.WriteString("__")
	lastDash := false
	for _, r := range strings.ToLower(formName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
