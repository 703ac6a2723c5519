package app

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"careguide/api/internal/branding"
	"careguide/api/internal/catalog"
	"careguide/api/internal/config"
	"careguide/api/internal/email"
	"careguide/api/internal/export"
	"careguide/api/internal/gateway"
	"careguide/api/internal/metrics"
	"careguide/api/internal/review"
	"careguide/api/internal/search"
	"careguide/api/internal/session"
)

const (
	opGenerateSection = "generate-section"
	opGenerateForm    = "generate-form"
	opChat            = "chat"
)

// Searcher runs catalog searches.
type Searcher interface {
	Search(q search.Query) search.Response
}

// Exporter renders printable documents.
type Exporter interface {
	PrintForm(ctx context.Context, formName, content string, format export.Format) (*export.Result, error)
	Manual(ctx context.Context, data export.ManualData, format export.Format) (*export.Result, error)
}

// Mailer delivers the finished manual.
type Mailer interface {
	IsConfigured() bool
	SendManual(to string, data email.ManualData, manual email.Attachment) error
}

// Deps are the collaborators a Service is built from. Search, Export, Email
// and Metrics are optional.
type Deps struct {
	Catalog *catalog.Catalog
	Store   session.Store
	Gateway gateway.Gateway
	Search  Searcher
	Export  Exporter
	Email   Mailer
	Metrics *metrics.Metrics
}

type Service struct {
	cfg     config.Config
	catalog *catalog.Catalog
	store   session.Store
	gateway gateway.Gateway
	search  Searcher
	export  Exporter
	mail    Mailer
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string

	forms      singleflight.Group
	background sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// sessionLock serializes writes to one session. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg config.Config, deps Deps) *Service {
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	exp := deps.Export
	if exp == nil {
		exp = export.NewService(cfg.PrintDelay, cfg.ExportTimeout)
	}
	return &Service{
		cfg:     cfg,
		catalog: cat,
		store:   deps.Store,
		gateway: deps.Gateway,
		search:  deps.Search,
		export:  exp,
		mail:    deps.Email,
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		locks:   make(map[string]*sessionLock),
	}
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until background form generation has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// lockSession blocks until the caller holds id's lock and returns the
// function that releases it.
func (s *Service) lockSession(id string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sessionLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

func (s *Service) load(ctx context.Context, id string) (*review.Session, error) {
	sess, err := s.store.Load(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, translate(err)
	}
	return sess, nil
}

// mutate runs fn against the stored session under its lock and saves the
// result. Nothing is saved when fn fails.
func (s *Service) mutate(ctx context.Context, id string, fn func(*review.Session) error) (*review.Session, error) {
	id = strings.TrimSpace(id)
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, translate(err)
	}
	sess.UpdatedAt = s.now()
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Catalog

func (s *Service) Sections() []catalog.PolicySection {
	return s.catalog.Sections()
}

func (s *Service) Section(id string) (catalog.PolicySection, error) {
	section, ok := s.catalog.Lookup(id)
	if !ok {
		return catalog.PolicySection{}, ErrSectionNotFound
	}
	return section, nil
}

func (s *Service) Jurisdictions() map[string]any {
	return map[string]any{
		"regions": s.catalog.Regions(),
		"default": s.catalog.DefaultJurisdiction(),
	}
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Sessions

func (s *Service) CreateSession(ctx context.Context) (SessionView, error) {
	sess := review.New(s.newID(), s.now())
	if err := s.store.Save(ctx, sess); err != nil {
		return SessionView{}, fmt.Errorf("save session: %w", err)
	}
	return s.view(sess), nil
}

func (s *Service) GetSession(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	return s.view(sess), nil
}

// DeleteSession discards a session before its TTL runs out. Form results
// that arrive afterwards find nothing to update and are dropped.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock := s.lockSession(id)
	defer unlock()

	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type BeginInput struct {
	Agency       branding.Identity    `json:"agency"`
	Jurisdiction catalog.Jurisdiction `json:"jurisdiction"`
}

// Begin validates the agency and jurisdiction, then runs the scan and enters
// review at the first section. A blank region or classification takes the
// catalog default.
func (s *Service) Begin(ctx context.Context, id string, input BeginInput) (SessionView, error) {
	if strings.TrimSpace(input.Agency.Name) == "" {
		return SessionView{}, translate(review.ErrAgencyNameRequired)
	}
	jurisdiction := input.Jurisdiction.Normalize()
	fallback := s.catalog.DefaultJurisdiction()
	if jurisdiction.Region == "" {
		jurisdiction.Region = fallback.Region
	}
	if jurisdiction.Classification == "" {
		jurisdiction.Classification = fallback.Classification
	}
	if !s.catalog.ValidJurisdiction(jurisdiction) {
		return SessionView{}, invalidJurisdiction(jurisdiction.Region, jurisdiction.Classification)
	}

	sess, err := s.mutate(ctx, id, func(sess *review.Session) error {
		if err := sess.Begin(input.Agency, jurisdiction, s.newID(), s.catalog.ScanSteps()); err != nil {
			return err
		}
		return sess.CompleteScan(s.catalog.Sections())
	})
	if err != nil {
		return SessionView{}, err
	}
	s.metrics.IncSessionsBegun()
	return s.view(sess), nil
}

func (s *Service) Accept(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.mutate(ctx, id, func(sess *review.Session) error {
		return sess.Accept()
	})
	if err != nil {
		return SessionView{}, err
	}
	s.metrics.IncSectionsAccepted()
	if sess.Phase == review.PhaseDone {
		s.metrics.IncSessionsCompleted()
	}
	return s.view(sess), nil
}

func (s *Service) Navigate(ctx context.Context, id string, delta int) (SessionView, error) {
	sess, err := s.mutate(ctx, id, func(sess *review.Session) error {
		return sess.Navigate(delta)
	})
	if err != nil {
		return SessionView{}, err
	}
	return s.view(sess), nil
}

func (s *Service) OpenConcern(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.mutate(ctx, id, func(sess *review.Session) error {
		return sess.OpenConcern()
	})
	if err != nil {
		return SessionView{}, err
	}
	return s.view(sess), nil
}

func (s *Service) Reset(ctx context.Context, id string) (SessionView, error) {
	sess, err := s.mutate(ctx, id, func(sess *review.Session) error {
		sess.Reset()
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return s.view(sess), nil
}

// target resolves the section a concern or question is about. A blank id
// means the section under the cursor.
func (s *Service) target(sess *review.Session, sectionID string) (catalog.PolicySection, error) {
	sectionID = strings.TrimSpace(sectionID)
	if sectionID == "" {
		current, ok := sess.Current()
		if !ok {
			return catalog.PolicySection{}, ErrSectionNotFound
		}
		sectionID = current.SectionID
	}
	if _, ok := sess.Index(sectionID); !ok {
		return catalog.PolicySection{}, ErrSectionNotFound
	}
	section, ok := s.catalog.Lookup(sectionID)
	if !ok {
		return catalog.PolicySection{}, ErrSectionNotFound
	}
	return section, nil
}

// errRunSuperseded marks a gateway result that arrived after a reset.
var errRunSuperseded = errors.New("session run superseded")

type ConcernResult struct {
	SectionID string           `json:"sectionId"`
	Ignored   bool             `json:"ignored,omitempty"`
	Fallback  bool             `json:"fallback,omitempty"`
	Response  string           `json:"response,omitempty"`
	Thread    []review.Message `json:"thread"`
	Session   SessionView      `json:"session"`
}

// SubmitConcern asks the generation service to explain a section in light of
// the operator's concern and files the concern with its response on the
// section's thread. A blank concern is ignored without a network call, even
// when the section id does not resolve. When the service fails, a local
// explanation takes the response's place.
func (s *Service) SubmitConcern(ctx context.Context, id, sectionID, concern string) (ConcernResult, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return ConcernResult{}, err
	}
	if sess.Phase != review.PhaseReview {
		return ConcernResult{}, translate(review.ErrInvalidTransition)
	}
	concern = strings.TrimSpace(concern)
	if concern == "" {
		result := ConcernResult{SectionID: strings.TrimSpace(sectionID), Ignored: true, Thread: []review.Message{}, Session: s.view(sess)}
		if section, err := s.target(sess, sectionID); err == nil {
			result.SectionID = section.ID
			result.Thread = threadOf(sess, section.ID)
		}
		return result, nil
	}
	section, err := s.target(sess, sectionID)
	if err != nil {
		return ConcernResult{}, err
	}

	runID := sess.RunID
	response, err := s.gateway.GenerateSection(ctx, gateway.SectionRequest{
		SectionTitle:   section.Title,
		Citation:       section.Citation,
		CurrentText:    section.DefaultText,
		Concern:        concern,
		Classification: sess.Jurisdiction.Classification,
		State:          sess.Jurisdiction.Region,
	})
	s.metrics.ObserveGateway(opGenerateSection, err)
	fellBack := err != nil
	if fellBack {
		log.Printf("gateway: generate-section %s: %v", section.ID, err)
		response = sectionFallback(section, concern)
	}

	merged, err := s.mutate(ctx, id, func(sess *review.Session) error {
		if sess.RunID != runID {
			return errRunSuperseded
		}
		return sess.AppendConcern(section.ID, concern, response, s.now())
	})
	if errors.Is(err, errRunSuperseded) {
		log.Printf("app: dropping concern response for session %s: run was reset", id)
		return s.superseded(ctx, id, section.ID)
	}
	if err != nil {
		return ConcernResult{}, err
	}
	return ConcernResult{
		SectionID: section.ID,
		Fallback:  fellBack,
		Response:  response,
		Thread:    threadOf(merged, section.ID),
		Session:   s.view(merged),
	}, nil
}

func (s *Service) superseded(ctx context.Context, id, sectionID string) (ConcernResult, error) {
	view, err := s.GetSession(ctx, id)
	if err != nil {
		return ConcernResult{}, err
	}
	return ConcernResult{SectionID: sectionID, Ignored: true, Thread: []review.Message{}, Session: view}, nil
}

type FollowUpResult struct {
	SectionID string            `json:"sectionId"`
	Question  string            `json:"question"`
	Answer    string            `json:"answer"`
	Fallback  bool              `json:"fallback,omitempty"`
	Ignored   bool              `json:"ignored,omitempty"`
	FollowUps []review.Exchange `json:"followUps"`
}

// AskFollowUp sends a free-form question to the generation service and files
// the exchange on the section. A failed call answers with a fixed message.
func (s *Service) AskFollowUp(ctx context.Context, id, sectionID, question string) (FollowUpResult, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return FollowUpResult{}, err
	}
	if sess.Phase != review.PhaseReview && sess.Phase != review.PhaseDone {
		return FollowUpResult{}, translate(review.ErrInvalidTransition)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		result := FollowUpResult{SectionID: strings.TrimSpace(sectionID), Ignored: true, FollowUps: []review.Exchange{}}
		if section, err := s.target(sess, sectionID); err == nil {
			result.SectionID = section.ID
			result.FollowUps = followUpsOf(sess, section.ID)
		}
		return result, nil
	}
	section, err := s.target(sess, sectionID)
	if err != nil {
		return FollowUpResult{}, err
	}

	runID := sess.RunID
	answer, err := s.gateway.Chat(ctx, gateway.ChatRequest{
		Question:       question,
		Classification: sess.Jurisdiction.Classification,
		State:          sess.Jurisdiction.Region,
	})
	s.metrics.ObserveGateway(opChat, err)
	fellBack := err != nil
	if fellBack {
		log.Printf("gateway: chat %s: %v", section.ID, err)
		answer = chatFallback
	}

	merged, err := s.mutate(ctx, id, func(sess *review.Session) error {
		if sess.RunID != runID {
			return errRunSuperseded
		}
		return sess.AppendFollowUp(section.ID, question, answer, s.now())
	})
	if errors.Is(err, errRunSuperseded) {
		log.Printf("app: dropping follow-up answer for session %s: run was reset", id)
		return FollowUpResult{SectionID: section.ID, Question: question, Ignored: true, FollowUps: []review.Exchange{}}, nil
	}
	if err != nil {
		return FollowUpResult{}, err
	}
	return FollowUpResult{
		SectionID: section.ID,
		Question:  question,
		Answer:    answer,
		Fallback:  fellBack,
		FollowUps: followUpsOf(merged, section.ID),
	}, nil
}

// Forms

// formSection picks the catalog section a form is generated for. A blank
// section id means the first section that references the form.
func (s *Service) formSection(sess *review.Session, formName, sectionID string) (catalog.PolicySection, error) {
	sectionID = strings.TrimSpace(sectionID)
	if sectionID != "" {
		section, err := s.target(sess, sectionID)
		if err != nil {
			return catalog.PolicySection{}, err
		}
		if !section.References(formName) {
			return catalog.PolicySection{}, ErrUnknownForm
		}
		return section, nil
	}
	for _, entry := range sess.Sections {
		section, ok := s.catalog.Lookup(entry.SectionID)
		if ok && section.References(formName) {
			return section, nil
		}
	}
	return catalog.PolicySection{}, ErrUnknownForm
}

// GenerateForm marks the form in flight and generates it in the background.
// The request context only bounds the marker write; generation runs until
// the gateway answers or the gateway timeout passes. Completion stores the
// content, or an error fragment, under the form name.
func (s *Service) GenerateForm(ctx context.Context, id, formName, sectionID string) (FormView, error) {
	formName = strings.TrimSpace(formName)
	if formName == "" {
		return FormView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "formName is required", nil)
	}

	var (
		section catalog.PolicySection
		runID   string
		req     gateway.FormRequest
	)
	_, err := s.mutate(ctx, id, func(sess *review.Session) error {
		if sess.Phase != review.PhaseReview && sess.Phase != review.PhaseDone {
			return review.ErrInvalidTransition
		}
		var err error
		section, err = s.formSection(sess, formName, sectionID)
		if err != nil {
			return err
		}
		runID = sess.RunID
		req = gateway.FormRequest{
			FormName:       formName,
			SectionTitle:   section.Title,
			Citation:       section.Citation,
			Classification: sess.Jurisdiction.Classification,
			State:          sess.Jurisdiction.Region,
			AgencyName:     sess.Agency.Name,
			AgencyTagline:  sess.Agency.Tagline,
		}
		sess.Forms.MarkInFlight(formName)
		return nil
	})
	if err != nil {
		return FormView{}, err
	}

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.completeForm(bg, id, runID, section.ID, req)
	}()

	return FormView{Name: formName, SectionID: section.ID, Status: review.FormPending}, nil
}

func (s *Service) completeForm(ctx context.Context, id, runID, sectionID string, req gateway.FormRequest) {
	gwCtx := ctx
	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		gwCtx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}

	content, err := s.generateForm(gwCtx, id, runID, req)
	s.metrics.ObserveGateway(opGenerateForm, err)
	failed := err != nil
	if failed {
		log.Printf("gateway: generate-form %q: %v", req.FormName, err)
		content = formErrorFragment(req.FormName)
	}

	_, err = s.mutate(ctx, id, func(sess *review.Session) error {
		if sess.RunID != runID {
			return errRunSuperseded
		}
		sess.Forms.Store(review.FormEntry{
			Name:      req.FormName,
			SectionID: sectionID,
			HTML:      content,
			Failed:    failed,
			UpdatedAt: s.now(),
		})
		return nil
	})
	switch {
	case errors.Is(err, errRunSuperseded):
		log.Printf("app: dropping form %q for session %s: run was reset", req.FormName, id)
	case err != nil:
		log.Printf("app: store form %q for session %s: %v", req.FormName, id, err)
	}
}

func (s *Service) generateForm(ctx context.Context, id, runID string, req gateway.FormRequest) (string, error) {
	if !s.cfg.FormSingleFlight {
		return s.gateway.GenerateForm(ctx, req)
	}
	key := id + "\x00" + runID + "\x00" + req.FormName
	v, err, _ := s.forms.Do(key, func() (any, error) {
		return s.gateway.GenerateForm(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type FormView struct {
	Name      string            `json:"name"`
	SectionID string            `json:"sectionId,omitempty"`
	Status    review.FormStatus `json:"status"`
	HTML      string            `json:"html,omitempty"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
}

func formView(registry review.FormRegistry, name string) FormView {
	view := FormView{Name: name, Status: registry.Status(name)}
	if entry, ok := registry.View(name); ok {
		updated := entry.UpdatedAt
		view.SectionID = entry.SectionID
		view.HTML = entry.HTML
		view.UpdatedAt = &updated
	}
	return view
}

// ViewForm returns the stored content for a form. Without stored content the
// error is ErrFormUnavailable and the view still reports whether a request
// is in flight.
func (s *Service) ViewForm(ctx context.Context, id, formName string) (FormView, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return FormView{}, err
	}
	view := formView(sess.Forms, formName)
	if _, ok := sess.Forms.View(formName); !ok {
		return view, ErrFormUnavailable
	}
	return view, nil
}

// PrintForm renders the stored form as a printable document.
func (s *Service) PrintForm(ctx context.Context, id, formName string, format export.Format) (*export.Result, error) {
	view, err := s.ViewForm(ctx, id, formName)
	if err != nil {
		return nil, err
	}
	result, err := s.export.PrintForm(ctx, view.Name, view.HTML, format)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// Manual

func (s *Service) manualData(sess *review.Session) (export.ManualData, error) {
	if sess.Phase != review.PhaseDone {
		return export.ManualData{}, ErrManualNotReady
	}
	data := export.ManualData{
		AgencyName:   sess.Agency.Name,
		Tagline:      sess.Agency.Tagline,
		Logo:         export.LogoURL(sess.Agency.Logo),
		Jurisdiction: s.jurisdictionLabel(sess.Jurisdiction),
		GeneratedAt:  s.now(),
	}
	for _, entry := range sess.Sections {
		section, ok := s.catalog.Lookup(entry.SectionID)
		if !ok {
			continue
		}
		data.Sections = append(data.Sections, export.ManualSection{
			Title:    section.Title,
			Citation: section.Citation,
			Body:     template.HTML(export.TextToHTML(branding.Brand(section.DefaultText, sess.Agency))),
		})
	}
	return data, nil
}

func (s *Service) jurisdictionLabel(j catalog.Jurisdiction) string {
	for _, region := range s.catalog.Regions() {
		if !strings.EqualFold(region.Code, j.Region) {
			continue
		}
		for _, tier := range region.Classifications {
			if strings.EqualFold(tier.Code, j.Classification) {
				return region.Name + ", " + tier.Name
			}
		}
		return region.Name
	}
	return strings.TrimSpace(j.Region + " " + j.Classification)
}

// Manual renders the branded manual of every accepted section.
func (s *Service) Manual(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.manualData(sess)
	if err != nil {
		return nil, err
	}
	result, err := s.export.Manual(ctx, data, format)
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// EmailManual sends the HTML manual to the given address.
func (s *Service) EmailManual(ctx context.Context, id, to string) error {
	if s.mail == nil || !s.mail.IsConfigured() {
		return ErrEmailDisabled
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	data, err := s.manualData(sess)
	if err != nil {
		return err
	}
	manual, err := s.export.Manual(ctx, data, export.FormatHTML)
	if err != nil {
		return translate(err)
	}
	err = s.mail.SendManual(to, email.ManualData{
		AgencyName:   data.AgencyName,
		Jurisdiction: data.Jurisdiction,
		SectionCount: len(data.Sections),
	}, email.Attachment{
		Filename: manual.Filename,
		MimeType: manual.MimeType,
		Data:     manual.Data,
	})
	if err != nil {
		log.Printf("email: send manual for session %s: %v", id, err)
		return translate(err)
	}
	return nil
}

func threadOf(sess *review.Session, sectionID string) []review.Message {
	if i, ok := sess.Index(sectionID); ok && sess.Sections[i].ConcernThread != nil {
		return sess.Sections[i].ConcernThread
	}
	return []review.Message{}
}

func followUpsOf(sess *review.Session, sectionID string) []review.Exchange {
	if i, ok := sess.Index(sectionID); ok && sess.Sections[i].FollowUps != nil {
		return sess.Sections[i].FollowUps
	}
	return []review.Exchange{}
}
