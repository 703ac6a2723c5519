package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careguide/api/internal/branding"
	"careguide/api/internal/catalog"
	"careguide/api/internal/config"
	"careguide/api/internal/email"
	"careguide/api/internal/export"
	"careguide/api/internal/gateway"
	"careguide/api/internal/metrics"
	"careguide/api/internal/review"
	"careguide/api/internal/session"
)

// fakeGateway answers from functions and counts calls per operation.
type fakeGateway struct {
	mu        sync.Mutex
	calls     map[string]int
	sectionFn func(gateway.SectionRequest) (string, error)
	formFn    func(context.Context, gateway.FormRequest) (string, error)
	chatFn    func(gateway.ChatRequest) (string, error)
}

func (f *fakeGateway) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) GenerateSection(_ context.Context, req gateway.SectionRequest) (string, error) {
	f.count(opGenerateSection)
	if f.sectionFn == nil {
		return "", gateway.ErrUnavailable
	}
	return f.sectionFn(req)
}

func (f *fakeGateway) GenerateForm(ctx context.Context, req gateway.FormRequest) (string, error) {
	f.count(opGenerateForm)
	if f.formFn == nil {
		return "", gateway.ErrUnavailable
	}
	return f.formFn(ctx, req)
}

func (f *fakeGateway) Chat(_ context.Context, req gateway.ChatRequest) (string, error) {
	f.count(opChat)
	if f.chatFn == nil {
		return "", gateway.ErrUnavailable
	}
	return f.chatFn(req)
}

type fakeMailer struct {
	configured bool
	to         string
	data       email.ManualData
	manual     email.Attachment
	err        error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendManual(to string, data email.ManualData, manual email.Attachment) error {
	f.to, f.data, f.manual = to, data, manual
	return f.err
}

func twoSectionCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		[]catalog.PolicySection{
			{
				ID:          "governing-body",
				Citation:    "OAR 333-536-0040",
				Title:       "Governing Body",
				DefaultText: "The agency shall designate an administrator.",
				Rationale:   "Authority must be delegated in writing.",
				FormNames:   []string{"Administrator Designation Form"},
			},
			{
				ID:          "intake",
				Citation:    "OAR 333-536-0055",
				Title:       "Client Intake",
				DefaultText: "[Agency Name] completes an intake for every client.\n\n- Identity\n- Needs",
				Rationale:   "Services follow an assessment.",
				FormNames:   []string{"Intake Checklist", "Administrator Designation Form"},
			},
		},
		[]catalog.Region{{
			Code: "OR",
			Name: "Oregon",
			Classifications: []catalog.Classification{
				{Code: "basic", Name: "Basic"},
				{Code: "comprehensive", Name: "Comprehensive"},
			},
		}},
		[]string{"Loading rules", "Comparing"},
	)
	require.NoError(t, err)
	return cat
}

type testEnv struct {
	svc      *Service
	store    *session.MemoryStore
	gateway  *fakeGateway
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	mailer   *fakeMailer
}

func newTestEnv(t *testing.T, cfg config.Config, cat *catalog.Catalog) *testEnv {
	t.Helper()
	if cat == nil {
		cat = twoSectionCatalog(t)
	}
	registry := prometheus.NewRegistry()
	env := &testEnv{
		store:    session.NewMemoryStore(0),
		gateway:  &fakeGateway{},
		registry: registry,
		metrics:  metrics.New(registry),
		mailer:   &fakeMailer{},
	}
	env.svc = New(cfg, Deps{
		Catalog: cat,
		Store:   env.store,
		Gateway: env.gateway,
		Metrics: env.metrics,
		Export:  export.NewService(0, time.Second),
		Email:   env.mailer,
	})
	return env
}

func (e *testEnv) begin(t *testing.T) SessionView {
	t.Helper()
	ctx := context.Background()
	created, err := e.svc.CreateSession(ctx)
	require.NoError(t, err)
	view, err := e.svc.Begin(ctx, created.ID, BeginInput{
		Agency:       branding.Identity{Name: "Acme Care", Tagline: "Care at home"},
		Jurisdiction: catalog.Jurisdiction{Region: "or", Classification: "Basic"},
	})
	require.NoError(t, err)
	return view
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected domain error, got %v", err)
	return domainErr.Code
}

func TestCreateSessionStartsAtLanding(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view, err := env.svc.CreateSession(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, view.ID)
	assert.Equal(t, review.PhaseLanding, view.Phase)
	assert.Zero(t, view.Total)
	assert.Nil(t, view.Current)
	assert.NotNil(t, view.Sections)
	assert.NotNil(t, view.Forms)
}

func TestBeginPopulatesSectionsForEveryJurisdiction(t *testing.T) {
	cat := catalog.Default()
	for _, region := range cat.Regions() {
		for _, tier := range region.Classifications {
			t.Run(region.Code+"/"+tier.Code, func(t *testing.T) {
				env := newTestEnv(t, config.Config{}, cat)
				ctx := context.Background()
				created, err := env.svc.CreateSession(ctx)
				require.NoError(t, err)

				view, err := env.svc.Begin(ctx, created.ID, BeginInput{
					Agency:       branding.Identity{Name: "Acme Care"},
					Jurisdiction: catalog.Jurisdiction{Region: region.Code, Classification: tier.Code},
				})
				require.NoError(t, err)

				assert.Equal(t, review.PhaseReview, view.Phase)
				assert.Equal(t, 0, view.Cursor)
				assert.Equal(t, cat.Len(), view.Total)
				assert.Zero(t, view.AcceptedCount)
				for i, section := range cat.Sections() {
					assert.Equal(t, section.ID, view.Sections[i].ID)
					assert.False(t, view.Sections[i].Accepted)
				}
				assert.Equal(t, cat.ScanSteps(), view.ScanLog)
			})
		}
	}
}

func TestBeginDefaultsBlankJurisdiction(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	created, err := env.svc.CreateSession(ctx)
	require.NoError(t, err)

	view, err := env.svc.Begin(ctx, created.ID, BeginInput{Agency: branding.Identity{Name: "Acme"}})
	require.NoError(t, err)
	assert.Equal(t, catalog.Jurisdiction{Region: "OR", Classification: "comprehensive"}, view.Jurisdiction)
}

func TestBeginRejectsBlankNameWithoutStateChange(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	created, err := env.svc.CreateSession(ctx)
	require.NoError(t, err)

	for _, name := range []string{"", "   ", "\t\n"} {
		_, err := env.svc.Begin(ctx, created.ID, BeginInput{Agency: branding.Identity{Name: name}})
		assert.Equal(t, "VALIDATION_ERROR", domainCode(t, err))

		view, err := env.svc.GetSession(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, review.PhaseLanding, view.Phase)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsBegun))
}

func TestBeginRejectsUnknownJurisdiction(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	created, err := env.svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = env.svc.Begin(ctx, created.ID, BeginInput{
		Agency:       branding.Identity{Name: "Acme"},
		Jurisdiction: catalog.Jurisdiction{Region: "WA", Classification: "basic"},
	})
	assert.Equal(t, "INVALID_JURISDICTION", domainCode(t, err))

	view, err := env.svc.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, review.PhaseLanding, view.Phase)
}

func TestBeginTwiceIsInvalidTransition(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)
	_, err := env.svc.Begin(context.Background(), view.ID, BeginInput{Agency: branding.Identity{Name: "Other"}})
	assert.Equal(t, "INVALID_TRANSITION", domainCode(t, err))
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	_, err := env.svc.GetSession(context.Background(), "missing")
	assert.Equal(t, "SESSION_NOT_FOUND", domainCode(t, err))
}

func TestCurrentSectionIsBranded(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)

	require.NotNil(t, view.Current)
	assert.Equal(t, "governing-body", view.Current.ID)
	assert.Equal(t, "Acme Care shall designate an administrator.", view.Current.Text)
	require.NotEmpty(t, view.Current.Changes)
	assert.Equal(t, view.Current.Text, branding.Apply("The agency shall designate an administrator.", view.Current.Changes))
	require.Len(t, view.Current.Forms, 1)
	assert.Equal(t, "Administrator Designation Form", view.Current.Forms[0].Name)
	assert.Equal(t, review.FormMissing, view.Current.Forms[0].Status)
}

func TestTwoSectionScenario(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)
	assert.Equal(t, review.PhaseReview, view.Phase)
	assert.Equal(t, 0, view.Cursor)

	view, err := env.svc.Accept(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Cursor)
	assert.True(t, view.Sections[0].Accepted)
	assert.Equal(t, "intake", view.Current.ID)

	view, err = env.svc.Accept(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, review.PhaseDone, view.Phase)
	assert.True(t, view.Sections[1].Accepted)
	assert.Equal(t, 2, view.AcceptedCount)
	assert.Nil(t, view.Current)

	_, err = env.svc.Accept(ctx, view.ID)
	assert.Equal(t, "INVALID_TRANSITION", domainCode(t, err))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsBegun))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SectionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsCompleted))
}

func TestNavigateClampsAndValidatesDelta(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	view, err := env.svc.Navigate(ctx, view.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Cursor)

	view, err = env.svc.Navigate(ctx, view.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Cursor)

	view, err = env.svc.Navigate(ctx, view.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Cursor)

	_, err = env.svc.Navigate(ctx, view.ID, 2)
	assert.Equal(t, "VALIDATION_ERROR", domainCode(t, err))
}

func TestSubmitConcernGatewayFailureAppendsFallback(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	result, err := env.svc.SubmitConcern(ctx, view.ID, "", "Why must this be in writing?")
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	assert.Equal(t, "governing-body", result.SectionID)
	require.Len(t, result.Thread, 2)
	assert.Equal(t, review.SubmitterUser, result.Thread[0].Submitter)
	assert.Equal(t, "Why must this be in writing?", result.Thread[0].Text)
	assert.Equal(t, review.SubmitterSystem, result.Thread[1].Submitter)
	assert.NotEmpty(t, result.Thread[1].Text)
	assert.Contains(t, result.Thread[1].Text, "OAR 333-536-0040")
	assert.Contains(t, result.Thread[1].Text, "Governing Body")
	assert.Contains(t, result.Thread[1].Text, "Why must this be in writing?")

	assert.Equal(t, result.Thread[1].Text, result.Session.LastResponse)
	assert.Equal(t, 0, result.Session.Cursor)
	assert.Zero(t, result.Session.AcceptedCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GatewayRequests.WithLabelValues(opGenerateSection, metrics.OutcomeFallback)))
}

func TestSubmitConcernThroughHTTPGateway(t *testing.T) {
	var got gateway.SectionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-section", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "Because surveyors check it."})
	}))
	defer srv.Close()

	env := newTestEnv(t, config.Config{}, nil)
	env.svc.gateway = gateway.New(srv.URL, time.Second)
	ctx := context.Background()
	view := env.begin(t)

	result, err := env.svc.SubmitConcern(ctx, view.ID, "intake", "  Is this required?  ")
	require.NoError(t, err)

	assert.False(t, result.Fallback)
	assert.Equal(t, "Because surveyors check it.", result.Response)
	require.Len(t, result.Thread, 2)
	assert.Equal(t, "Is this required?", result.Thread[0].Text)

	assert.Equal(t, "Client Intake", got.SectionTitle)
	assert.Equal(t, "OAR 333-536-0055", got.Citation)
	assert.Contains(t, got.CurrentText, "[Agency Name]")
	assert.Equal(t, "Is this required?", got.Concern)
	assert.Equal(t, "basic", got.Classification)
	assert.Equal(t, "OR", got.State)

	// Not the section on screen, so the visible response stays empty.
	assert.Empty(t, result.Session.LastResponse)
	assert.Equal(t, 0, result.Session.Cursor)
}

func TestSubmitConcernBlankIsIgnored(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)

	result, err := env.svc.SubmitConcern(context.Background(), view.ID, "", "   ")
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Empty(t, result.Thread)
	assert.Zero(t, env.gateway.Calls(opGenerateSection))
}

func TestSubmitConcernUnknownSection(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)
	_, err := env.svc.SubmitConcern(context.Background(), view.ID, "nope", "text")
	assert.Equal(t, "SECTION_NOT_FOUND", domainCode(t, err))
}

func TestBlankTextWithUnknownSectionIsIgnored(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	concern, err := env.svc.SubmitConcern(ctx, view.ID, "nope", "  ")
	require.NoError(t, err)
	assert.True(t, concern.Ignored)
	assert.Equal(t, "nope", concern.SectionID)
	assert.Empty(t, concern.Thread)

	followUp, err := env.svc.AskFollowUp(ctx, view.ID, "nope", "\t")
	require.NoError(t, err)
	assert.True(t, followUp.Ignored)
	assert.Empty(t, followUp.FollowUps)

	assert.Zero(t, env.gateway.Calls(opGenerateSection))
	assert.Zero(t, env.gateway.Calls(opChat))
}

func TestConcernThreadSurvivesNavigation(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	env.gateway.sectionFn = func(gateway.SectionRequest) (string, error) { return "Answer", nil }
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.OpenConcern(ctx, view.ID)
	require.NoError(t, err)
	_, err = env.svc.SubmitConcern(ctx, view.ID, "", "Question")
	require.NoError(t, err)

	view, err = env.svc.Navigate(ctx, view.ID, 1)
	require.NoError(t, err)
	assert.False(t, view.ConcernOpen)
	assert.Empty(t, view.LastResponse)

	view, err = env.svc.Navigate(ctx, view.ID, -1)
	require.NoError(t, err)
	require.NotNil(t, view.Current)
	assert.Len(t, view.Current.ConcernThread, 2)
}

func TestAskFollowUp(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	result, err := env.svc.AskFollowUp(ctx, view.ID, "", "What counts as writing?")
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, chatFallback, result.Answer)
	require.Len(t, result.FollowUps, 1)

	env.gateway.chatFn = func(req gateway.ChatRequest) (string, error) {
		assert.Equal(t, "basic", req.Classification)
		assert.Equal(t, "OR", req.State)
		return "Email is fine.", nil
	}
	result, err = env.svc.AskFollowUp(ctx, view.ID, "governing-body", "Is email writing?")
	require.NoError(t, err)
	assert.False(t, result.Fallback)
	assert.Equal(t, "Email is fine.", result.Answer)
	assert.Len(t, result.FollowUps, 2)

	result, err = env.svc.AskFollowUp(ctx, view.ID, "", " ")
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, 2, env.gateway.Calls(opChat))
}

func TestGenerateFormPendingUntilGatewayResolves(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	release := make(chan struct{})
	env.gateway.formFn = func(_ context.Context, req gateway.FormRequest) (string, error) {
		<-release
		return "<h1>" + req.FormName + "</h1>", nil
	}
	ctx := context.Background()
	view := env.begin(t)

	pending, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "intake")
	require.NoError(t, err)
	assert.Equal(t, review.FormPending, pending.Status)

	got, err := env.svc.ViewForm(ctx, view.ID, "Intake Checklist")
	assert.ErrorIs(t, err, ErrFormUnavailable)
	assert.Equal(t, review.FormPending, got.Status)

	close(release)
	env.svc.Wait()

	got, err = env.svc.ViewForm(ctx, view.ID, "Intake Checklist")
	require.NoError(t, err)
	assert.Equal(t, review.FormReady, got.Status)
	assert.Equal(t, "<h1>Intake Checklist</h1>", got.HTML)
	assert.Equal(t, "intake", got.SectionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.GatewayRequests.WithLabelValues(opGenerateForm, metrics.OutcomeSuccess)))
}

func TestGenerateFormFailureStoresErrorFragment(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
	require.NoError(t, err)
	env.svc.Wait()

	got, err := env.svc.ViewForm(ctx, view.ID, "Intake Checklist")
	require.NoError(t, err)
	assert.Equal(t, review.FormError, got.Status)
	assert.Contains(t, got.HTML, "form-error")
	assert.Contains(t, got.HTML, "Intake Checklist")
}

func TestGenerateFormSendsAgencyContext(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	var got gateway.FormRequest
	env.gateway.formFn = func(_ context.Context, req gateway.FormRequest) (string, error) {
		got = req
		return "<p>ok</p>", nil
	}
	view := env.begin(t)

	_, err := env.svc.GenerateForm(context.Background(), view.ID, "Administrator Designation Form", "")
	require.NoError(t, err)
	env.svc.Wait()

	assert.Equal(t, "Administrator Designation Form", got.FormName)
	assert.Equal(t, "Governing Body", got.SectionTitle)
	assert.Equal(t, "OAR 333-536-0040", got.Citation)
	assert.Equal(t, "Acme Care", got.AgencyName)
	assert.Equal(t, "Care at home", got.AgencyTagline)
	assert.Equal(t, "basic", got.Classification)
	assert.Equal(t, "OR", got.State)
}

func TestGenerateFormRejectsUnknownForm(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)

	_, err := env.svc.GenerateForm(context.Background(), view.ID, "Intake Checklist", "governing-body")
	assert.Equal(t, "UNKNOWN_FORM", domainCode(t, err))

	_, err = env.svc.GenerateForm(context.Background(), view.ID, "Nonexistent", "")
	assert.Equal(t, "UNKNOWN_FORM", domainCode(t, err))

	_, err = env.svc.GenerateForm(context.Background(), view.ID, " ", "")
	assert.Equal(t, "VALIDATION_ERROR", domainCode(t, err))
	assert.Zero(t, env.gateway.Calls(opGenerateForm))
}

func TestGenerateFormAfterResetIsDropped(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	release := make(chan struct{})
	env.gateway.formFn = func(context.Context, gateway.FormRequest) (string, error) {
		<-release
		return "<p>late</p>", nil
	}
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
	require.NoError(t, err)
	_, err = env.svc.Reset(ctx, view.ID)
	require.NoError(t, err)

	close(release)
	env.svc.Wait()

	view, err = env.svc.GetSession(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, review.PhaseLanding, view.Phase)
	assert.Empty(t, view.Forms)
}

func TestGenerateFormOverlappingRequests(t *testing.T) {
	for _, singleFlight := range []bool{false, true} {
		t.Run(map[bool]string{false: "independent", true: "single-flight"}[singleFlight], func(t *testing.T) {
			env := newTestEnv(t, config.Config{FormSingleFlight: singleFlight}, nil)
			release := make(chan struct{})
			started := make(chan struct{}, 2)
			env.gateway.formFn = func(context.Context, gateway.FormRequest) (string, error) {
				started <- struct{}{}
				<-release
				return "<p>version</p>", nil
			}
			ctx := context.Background()
			view := env.begin(t)

			_, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
			require.NoError(t, err)
			<-started
			_, err = env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
			require.NoError(t, err)
			if !singleFlight {
				<-started
			}

			close(release)
			env.svc.Wait()

			got, err := env.svc.ViewForm(ctx, view.ID, "Intake Checklist")
			require.NoError(t, err)
			assert.Equal(t, review.FormReady, got.Status)

			sess, err := env.store.Load(ctx, view.ID)
			require.NoError(t, err)
			assert.False(t, sess.Forms.IsInFlight("Intake Checklist"))

			if singleFlight {
				assert.LessOrEqual(t, env.gateway.Calls(opGenerateForm), 2)
			} else {
				assert.Equal(t, 2, env.gateway.Calls(opGenerateForm))
			}
		})
	}
}

func TestResetFromDoneClearsEverything(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	env.gateway.formFn = func(context.Context, gateway.FormRequest) (string, error) { return "<p>f</p>", nil }
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
	require.NoError(t, err)
	_, err = env.svc.GenerateForm(ctx, view.ID, "Administrator Designation Form", "")
	require.NoError(t, err)
	env.svc.Wait()

	_, err = env.svc.Accept(ctx, view.ID)
	require.NoError(t, err)
	view, err = env.svc.Accept(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, review.PhaseDone, view.Phase)
	require.Len(t, view.Forms, 2)

	view, err = env.svc.Reset(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, review.PhaseLanding, view.Phase)
	assert.Empty(t, view.Sections)
	assert.Empty(t, view.Forms)
	assert.Empty(t, view.Agency.Name)
	assert.Zero(t, view.Cursor)
}

func TestPrintFormRequiresStoredContent(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	env.gateway.formFn = func(context.Context, gateway.FormRequest) (string, error) { return "<p>Form body</p>", nil }
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.PrintForm(ctx, view.ID, "Intake Checklist", export.FormatHTML)
	assert.ErrorIs(t, err, ErrFormUnavailable)

	_, err = env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
	require.NoError(t, err)
	env.svc.Wait()

	result, err := env.svc.PrintForm(ctx, view.ID, "Intake Checklist", export.FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "Intake-Checklist.html", result.Filename)
	assert.Contains(t, string(result.Data), "<title>Intake Checklist</title>")
	assert.Contains(t, string(result.Data), "<p>Form body</p>")
}

func finish(t *testing.T, env *testEnv) SessionView {
	t.Helper()
	view := env.begin(t)
	for view.Phase == review.PhaseReview {
		var err error
		view, err = env.svc.Accept(context.Background(), view.ID)
		require.NoError(t, err)
	}
	return view
}

func TestManualRequiresDone(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)
	_, err := env.svc.Manual(context.Background(), view.ID, export.FormatHTML)
	assert.Equal(t, "MANUAL_NOT_READY", domainCode(t, err))
}

func TestManualIsBranded(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := finish(t, env)

	result, err := env.svc.Manual(context.Background(), view.ID, export.FormatHTML)
	require.NoError(t, err)
	page := string(result.Data)
	assert.Contains(t, page, "Acme Care shall designate an administrator.")
	assert.Contains(t, page, "Acme Care completes an intake for every client.")
	assert.Contains(t, page, "<li>Identity</li>")
	assert.Contains(t, page, "Oregon, Basic")
	assert.NotContains(t, page, "[Agency Name]")
}

func TestEmailManual(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := finish(t, env)
	ctx := context.Background()

	err := env.svc.EmailManual(ctx, view.ID, "owner@acme.example")
	assert.Equal(t, "EMAIL_UNAVAILABLE", domainCode(t, err))

	env.mailer.configured = true
	require.NoError(t, env.svc.EmailManual(ctx, view.ID, "owner@acme.example"))
	assert.Equal(t, "owner@acme.example", env.mailer.to)
	assert.Equal(t, "Acme Care", env.mailer.data.AgencyName)
	assert.Equal(t, 2, env.mailer.data.SectionCount)
	assert.True(t, strings.HasSuffix(env.mailer.manual.Filename, ".html"))

	env.mailer.err = email.ErrInvalidRecipient
	err = env.svc.EmailManual(ctx, view.ID, "bad")
	assert.Equal(t, "VALIDATION_ERROR", domainCode(t, err))
}

func TestSectionFallbackNamesCitation(t *testing.T) {
	text := sectionFallback(catalog.PolicySection{Title: "Records", Citation: "OAR 333-536-0090"}, "why")
	assert.Contains(t, text, "OAR 333-536-0090")
	assert.Contains(t, text, "Records")
	assert.Contains(t, text, "why")
	assert.Equal(t, strings.TrimSpace(text), text)
}

func lockCount(s *Service) int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func TestSessionLocksAreReleased(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := env.svc.Accept(ctx, fmt.Sprintf("nope-%d", i))
		require.Equal(t, "SESSION_NOT_FOUND", domainCode(t, err))
	}
	assert.Zero(t, lockCount(env.svc))

	view := env.begin(t)
	_, err := env.svc.Accept(ctx, view.ID)
	require.NoError(t, err)
	assert.Zero(t, lockCount(env.svc))
}

func TestSessionLockIgnoresSurroundingSpace(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	view := env.begin(t)

	unlock := env.svc.lockSession(view.ID)
	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Navigate(context.Background(), " "+view.ID+" ", 1)
		done <- err
	}()

	select {
	case <-done:
		unlock()
		t.Fatal("padded id mutated the session without waiting for its lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mutation did not resume after the lock was released")
	}
	got, err := env.svc.GetSession(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
	assert.Zero(t, lockCount(env.svc))
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	view := env.begin(t)

	require.NoError(t, env.svc.DeleteSession(ctx, view.ID+" "))

	_, err := env.svc.GetSession(ctx, view.ID)
	assert.Equal(t, "SESSION_NOT_FOUND", domainCode(t, err))
	err = env.svc.DeleteSession(ctx, view.ID)
	assert.Equal(t, "SESSION_NOT_FOUND", domainCode(t, err))
	assert.Zero(t, lockCount(env.svc))
}

func TestDeleteSessionDropsPendingForm(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	release := make(chan struct{})
	env.gateway.formFn = func(context.Context, gateway.FormRequest) (string, error) {
		<-release
		return "<p>late</p>", nil
	}
	ctx := context.Background()
	view := env.begin(t)

	_, err := env.svc.GenerateForm(ctx, view.ID, "Intake Checklist", "")
	require.NoError(t, err)
	require.NoError(t, env.svc.DeleteSession(ctx, view.ID))
	close(release)
	env.svc.Wait()

	_, err = env.store.Load(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
