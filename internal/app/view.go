package app

import (
	"time"

	"careguide/api/internal/branding"
	"careguide/api/internal/catalog"
	"careguide/api/internal/review"
)

// SectionSummary is one row of the section progress list.
type SectionSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Citation string `json:"citation"`
	Accepted bool   `json:"accepted"`
}

// CurrentSection is the section under the cursor with its text branded for
// the session's agency.
type CurrentSection struct {
	Index         int               `json:"index"`
	ID            string            `json:"id"`
	Citation      string            `json:"citation"`
	Title         string            `json:"title"`
	Gap           string            `json:"gap,omitempty"`
	Rationale     string            `json:"rationale"`
	Text          string            `json:"text"`
	Changes       []branding.Change `json:"changes"`
	Accepted      bool              `json:"accepted"`
	ConcernThread []review.Message  `json:"concernThread"`
	FollowUps     []review.Exchange `json:"followUps"`
	Forms         []FormView        `json:"forms"`
}

type SessionView struct {
	ID            string               `json:"id"`
	Phase         review.Phase         `json:"phase"`
	Agency        branding.Identity    `json:"agency"`
	Jurisdiction  catalog.Jurisdiction `json:"jurisdiction"`
	ScanLog       []string             `json:"scanLog"`
	Cursor        int                  `json:"cursor"`
	Total         int                  `json:"total"`
	AcceptedCount int                  `json:"acceptedCount"`
	ConcernOpen   bool                 `json:"concernOpen"`
	LastResponse  string               `json:"lastResponse,omitempty"`
	Sections      []SectionSummary     `json:"sections"`
	Current       *CurrentSection      `json:"current,omitempty"`
	Forms         []FormView           `json:"forms"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

func (s *Service) view(sess *review.Session) SessionView {
	view := SessionView{
		ID:            sess.ID,
		Phase:         sess.Phase,
		Agency:        sess.Agency,
		Jurisdiction:  sess.Jurisdiction,
		ScanLog:       nonNilStrings(sess.ScanLog),
		Cursor:        sess.Cursor,
		Total:         len(sess.Sections),
		AcceptedCount: sess.AcceptedCount(),
		ConcernOpen:   sess.ConcernOpen,
		LastResponse:  sess.LastResponse,
		Sections:      make([]SectionSummary, 0, len(sess.Sections)),
		Forms:         make([]FormView, 0, sess.Forms.Len()),
		UpdatedAt:     sess.UpdatedAt,
	}

	for _, entry := range sess.Sections {
		section, _ := s.catalog.Lookup(entry.SectionID)
		view.Sections = append(view.Sections, SectionSummary{
			ID:       entry.SectionID,
			Title:    section.Title,
			Citation: section.Citation,
			Accepted: entry.Accepted,
		})
	}

	for _, name := range sess.Forms.Names() {
		view.Forms = append(view.Forms, formView(sess.Forms, name))
	}

	if sess.Phase == review.PhaseReview {
		if entry, ok := sess.Current(); ok {
			view.Current = s.currentSection(sess, entry)
		}
	}
	return view
}

func (s *Service) currentSection(sess *review.Session, entry review.SessionSection) *CurrentSection {
	section, ok := s.catalog.Lookup(entry.SectionID)
	if !ok {
		return nil
	}
	current := &CurrentSection{
		Index:         sess.Cursor,
		ID:            section.ID,
		Citation:      section.Citation,
		Title:         section.Title,
		Gap:           section.Gap,
		Rationale:     section.Rationale,
		Text:          branding.Brand(section.DefaultText, sess.Agency),
		Changes:       branding.Preview(section.DefaultText, sess.Agency),
		Accepted:      entry.Accepted,
		ConcernThread: entry.ConcernThread,
		FollowUps:     entry.FollowUps,
		Forms:         make([]FormView, 0, len(section.FormNames)),
	}
	if current.Changes == nil {
		current.Changes = []branding.Change{}
	}
	if current.ConcernThread == nil {
		current.ConcernThread = []review.Message{}
	}
	if current.FollowUps == nil {
		current.FollowUps = []review.Exchange{}
	}
	for _, name := range section.FormNames {
		current.Forms = append(current.Forms, formView(sess.Forms, name))
	}
	return current
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
