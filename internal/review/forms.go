package review

import (
	"sort"
	"time"
)

// FormStatus describes what a view of a form would show.
type FormStatus string

const (
	FormMissing FormStatus = ""
	FormPending FormStatus = "pending"
	FormReady   FormStatus = "ready"
	FormError   FormStatus = "error"
)

// FormEntry is the latest generated content stored for a form name.
type FormEntry struct {
	Name      string    `json:"name"`
	SectionID string    `json:"sectionId"`
	HTML      string    `json:"html"`
	Failed    bool      `json:"failed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FormRegistry maps form names to generated content. Names are global to the
// session, so sections that reference the same form share one entry. Writes
// are last-write-wins.
type FormRegistry struct {
	Entries  map[string]FormEntry `json:"entries"`
	InFlight map[string]int       `json:"inFlight"`
}

// NewFormRegistry returns an empty registry.
func NewFormRegistry() FormRegistry {
	return FormRegistry{
		Entries:  make(map[string]FormEntry),
		InFlight: make(map[string]int),
	}
}

// MarkInFlight records one more outstanding request for name.
func (r *FormRegistry) MarkInFlight(name string) {
	if r.InFlight == nil {
		r.InFlight = make(map[string]int)
	}
	r.InFlight[name]++
}

// Store saves the entry under its name and settles one outstanding request.
func (r *FormRegistry) Store(entry FormEntry) {
	if r.Entries == nil {
		r.Entries = make(map[string]FormEntry)
	}
	r.Entries[entry.Name] = entry
	r.settle(entry.Name)
}

// Abandon settles one outstanding request without storing content.
func (r *FormRegistry) Abandon(name string) {
	r.settle(name)
}

func (r *FormRegistry) settle(name string) {
	if r.InFlight == nil {
		return
	}
	if r.InFlight[name] <= 1 {
		delete(r.InFlight, name)
		return
	}
	r.InFlight[name]--
}

// View returns the stored entry, if any.
func (r FormRegistry) View(name string) (FormEntry, bool) {
	entry, ok := r.Entries[name]
	return entry, ok
}

// IsInFlight reports whether a request for name is outstanding.
func (r FormRegistry) IsInFlight(name string) bool {
	return r.InFlight[name] > 0
}

// Status summarizes name. Stored content wins over an in-flight marker so a
// regenerate request does not hide the previous result.
func (r FormRegistry) Status(name string) FormStatus {
	if entry, ok := r.Entries[name]; ok {
		if entry.Failed {
			return FormError
		}
		return FormReady
	}
	if r.IsInFlight(name) {
		return FormPending
	}
	return FormMissing
}

// Names lists stored form names alphabetically.
func (r FormRegistry) Names() []string {
	names := make([]string, 0, len(r.Entries))
	for name := range r.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of stored forms.
func (r FormRegistry) Len() int {
	return len(r.Entries)
}

func (r FormRegistry) clone() FormRegistry {
	out := NewFormRegistry()
	for name, entry := range r.Entries {
		out.Entries[name] = entry
	}
	for name, n := range r.InFlight {
		out.InFlight[name] = n
	}
	return out
}
