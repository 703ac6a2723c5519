// Package review holds the review session state machine. A Session is a plain
// serializable value; every change goes through the transition methods below
// and none of them perform I/O.
package review

import (
	"errors"
	"strings"
	"time"

	"careguide/api/internal/branding"
	"careguide/api/internal/catalog"
)

// Phase is the wizard phase.
type Phase string

const (
	PhaseLanding  Phase = "landing"
	PhaseScanning Phase = "scanning"
	PhaseReview   Phase = "review"
	PhaseDone     Phase = "done"
)

var (
	// ErrAgencyNameRequired rejects Begin without an agency name.
	ErrAgencyNameRequired = errors.New("agency name is required")
	// ErrInvalidTransition rejects an action the current phase does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidDelta rejects navigation by anything other than one step.
	ErrInvalidDelta = errors.New("navigation delta must be -1 or +1")
	// ErrEmptyCatalog rejects materializing a session without sections.
	ErrEmptyCatalog = errors.New("catalog has no sections")
	// ErrUnknownSection is returned when a section id is not part of the session.
	ErrUnknownSection = errors.New("section not in session")
)

// Submitter identifies who wrote a concern thread entry.
type Submitter string

const (
	SubmitterUser   Submitter = "user"
	SubmitterSystem Submitter = "system"
)

// Message is one concern thread entry.
type Message struct {
	Submitter Submitter `json:"submitter"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Exchange is one follow-up question and its answer.
type Exchange struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"at"`
}

// SessionSection is the mutable per-session state of one catalog section.
type SessionSection struct {
	SectionID     string     `json:"sectionId"`
	Accepted      bool       `json:"accepted"`
	ConcernThread []Message  `json:"concernThread"`
	FollowUps     []Exchange `json:"followUps"`
}

// Session is one run of the wizard.
type Session struct {
	ID           string               `json:"id"`
	RunID        string               `json:"runId,omitempty"`
	Phase        Phase                `json:"phase"`
	Agency       branding.Identity    `json:"agency"`
	Jurisdiction catalog.Jurisdiction `json:"jurisdiction"`
	Sections     []SessionSection     `json:"sections"`
	Cursor       int                  `json:"cursor"`
	Forms        FormRegistry         `json:"forms"`
	ConcernOpen  bool                 `json:"concernOpen"`
	LastResponse string               `json:"lastResponse,omitempty"`
	ScanLog      []string             `json:"scanLog,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// New returns a session in the landing phase.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Phase:     PhaseLanding,
		Forms:     NewFormRegistry(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Begin records the agency identity and jurisdiction and moves the session to
// scanning. runID tags the run so results of an earlier run are never merged
// into a later one.
func (s *Session) Begin(identity branding.Identity, jurisdiction catalog.Jurisdiction, runID string, scanSteps []string) error {
	if s.Phase != PhaseLanding {
		return ErrInvalidTransition
	}
	if strings.TrimSpace(identity.Name) == "" {
		return ErrAgencyNameRequired
	}
	s.Agency = identity
	s.Jurisdiction = jurisdiction.Normalize()
	s.RunID = runID
	s.ScanLog = append([]string(nil), scanSteps...)
	s.Phase = PhaseScanning
	return nil
}

// CompleteScan materializes one unaccepted SessionSection per catalog section,
// in catalog order, and enters review at the first section.
func (s *Session) CompleteScan(sections []catalog.PolicySection) error {
	if s.Phase != PhaseScanning {
		return ErrInvalidTransition
	}
	if len(sections) == 0 {
		return ErrEmptyCatalog
	}
	s.Sections = make([]SessionSection, len(sections))
	for i, section := range sections {
		s.Sections[i] = SessionSection{SectionID: section.ID}
	}
	s.Cursor = 0
	s.clearPresentation()
	s.Phase = PhaseReview
	return nil
}

// Accept marks the current section accepted and advances. Accepting the last
// section finishes the session when every section is accepted; otherwise the
// cursor moves to the first section still open.
func (s *Session) Accept() error {
	if s.Phase != PhaseReview {
		return ErrInvalidTransition
	}
	s.Sections[s.Cursor].Accepted = true
	s.clearPresentation()

	if s.Cursor < len(s.Sections)-1 {
		s.Cursor++
		return nil
	}
	if next := s.firstOpen(); next >= 0 {
		s.Cursor = next
		return nil
	}
	s.Phase = PhaseDone
	return nil
}

// Navigate moves the cursor one step, clamped to the section range. Leaving a
// section resets its visible concern state; the thread itself is kept.
func (s *Session) Navigate(delta int) error {
	if s.Phase != PhaseReview {
		return ErrInvalidTransition
	}
	if delta != -1 && delta != 1 {
		return ErrInvalidDelta
	}
	next := clamp(s.Cursor+delta, 0, len(s.Sections)-1)
	if next != s.Cursor {
		s.Cursor = next
		s.clearPresentation()
	}
	return nil
}

// OpenConcern shows the concern input for the current section.
func (s *Session) OpenConcern() error {
	if s.Phase != PhaseReview {
		return ErrInvalidTransition
	}
	s.ConcernOpen = true
	return nil
}

// Reset drops the whole run, identity included, and returns to landing.
func (s *Session) Reset() {
	s.RunID = ""
	s.Phase = PhaseLanding
	s.Agency = branding.Identity{}
	s.Jurisdiction = catalog.Jurisdiction{}
	s.Sections = nil
	s.Cursor = 0
	s.Forms = NewFormRegistry()
	s.ScanLog = nil
	s.clearPresentation()
}

// AppendConcern files a concern and its response on the section's thread.
// Both entries are appended together. When the section is on screen the
// response also becomes the visible last response.
func (s *Session) AppendConcern(sectionID, concern, response string, at time.Time) error {
	i, ok := s.Index(sectionID)
	if !ok {
		return ErrUnknownSection
	}
	s.Sections[i].ConcernThread = append(s.Sections[i].ConcernThread,
		Message{Submitter: SubmitterUser, Text: concern, At: at},
		Message{Submitter: SubmitterSystem, Text: response, At: at},
	)
	if s.Phase == PhaseReview && i == s.Cursor {
		s.LastResponse = response
	}
	return nil
}

// AppendFollowUp files a follow-up question and its answer.
func (s *Session) AppendFollowUp(sectionID, question, answer string, at time.Time) error {
	i, ok := s.Index(sectionID)
	if !ok {
		return ErrUnknownSection
	}
	s.Sections[i].FollowUps = append(s.Sections[i].FollowUps, Exchange{Question: question, Answer: answer, At: at})
	return nil
}

// Index returns the position of a section id.
func (s *Session) Index(sectionID string) (int, bool) {
	for i, section := range s.Sections {
		if section.SectionID == sectionID {
			return i, true
		}
	}
	return -1, false
}

// Current returns the section under the cursor.
func (s *Session) Current() (SessionSection, bool) {
	if len(s.Sections) == 0 || s.Cursor < 0 || s.Cursor >= len(s.Sections) {
		return SessionSection{}, false
	}
	return s.Sections[s.Cursor], true
}

// AcceptedCount is the number of accepted sections.
func (s *Session) AcceptedCount() int {
	count := 0
	for _, section := range s.Sections {
		if section.Accepted {
			count++
		}
	}
	return count
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := *s
	out.ScanLog = append([]string(nil), s.ScanLog...)
	if s.Sections != nil {
		out.Sections = make([]SessionSection, len(s.Sections))
		for i, section := range s.Sections {
			section.ConcernThread = append([]Message(nil), section.ConcernThread...)
			section.FollowUps = append([]Exchange(nil), section.FollowUps...)
			out.Sections[i] = section
		}
	}
	out.Forms = s.Forms.clone()
	return &out
}

func (s *Session) firstOpen() int {
	for i, section := range s.Sections {
		if !section.Accepted {
			return i
		}
	}
	return -1
}

func (s *Session) clearPresentation() {
	s.ConcernOpen = false
	s.LastResponse = ""
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
