package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/adapters/gemini"
	"github.com/sugos/mrdash/internal/audit"
)

// Mock adapter for testing
type mockAdapter struct {
	mu sync.Mutex

	authErr    error
	fetchErrs  map[clinic.Category]error
	payloads   map[clinic.Category]string
	fetchPanic clinic.Category
	// release, when set, blocks Authenticate until closed
	release chan struct{}

	authCalls   int
	fetchCalls  map[clinic.Category]int
	gotToken    clinic.Token
	gotPatient  string
	gotCreds    clinic.Credentials
	gotEnv      clinic.Environment
	tokenSerial int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		fetchErrs: map[clinic.Category]error{},
		payloads: map[clinic.Category]string{
			clinic.Consultations: `{"data":{"kpis":{"Records":[{"ID":2750,"Reason":"Cefalea"}]}}}`,
			clinic.Exams:         `{"data":{"kpis":[{"ID":1,"Result":"<p>Normal</p>"}]}}`,
			clinic.Labs:          `{"data":{"kpis":[{"Test":"Hb","Value":13.5}]}}`,
		},
		fetchCalls: map[clinic.Category]int{},
	}
}

func (m *mockAdapter) Authenticate(ctx context.Context, env clinic.Environment, creds clinic.Credentials) (clinic.Token, error) {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	m.gotCreds = creds
	m.gotEnv = env
	if m.authErr != nil {
		return "", m.authErr
	}
	m.tokenSerial++
	return clinic.Token("token-" + string(rune('0'+m.tokenSerial))), nil
}

func (m *mockAdapter) FetchRecords(ctx context.Context, env clinic.Environment, token clinic.Token, patientID string, category clinic.Category) (clinic.Envelope, error) {
	m.mu.Lock()
	m.fetchCalls[category]++
	m.gotToken = token
	m.gotPatient = patientID
	err := m.fetchErrs[category]
	body := m.payloads[category]
	panicking := m.fetchPanic == category
	m.mu.Unlock()

	if panicking {
		panic("fetch exploded")
	}
	if err != nil {
		return clinic.Envelope{}, err
	}

	var top map[string]json.RawMessage
	json.Unmarshal([]byte(body), &top)
	var data map[string]json.RawMessage
	json.Unmarshal(top["data"], &data)
	return clinic.Envelope{Category: category, Raw: json.RawMessage(body), Data: data}, nil
}

func (m *mockAdapter) totalFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.fetchCalls {
		total += n
	}
	return total
}

// Mock summarizer for testing
type mockSummarizer struct {
	summary   gemini.Summary
	err       error
	panics    bool
	calls     int
	gotPrompt string
	gotModel  string
	// during observes the session while the call is in flight
	during func()
}

func (m *mockSummarizer) Summarize(ctx context.Context, prompt, model string) (gemini.Summary, error) {
	m.calls++
	m.gotPrompt = prompt
	m.gotModel = model
	if m.during != nil {
		m.during()
	}
	if m.panics {
		panic("model exploded")
	}
	return m.summary, m.err
}

// Mock auditor for testing
type mockAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAuditor) Record(ctx context.Context, event audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAuditor) PatientRef(patientID string) string {
	return "ref-" + patientID
}

func (m *mockAuditor) last() audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

var testEnvironments = []clinic.Environment{
	{Key: "alpha", DisplayName: "Alpha Clinic", APIBaseURL: "https://alpha.example.com/"},
	{Key: "beta", DisplayName: "Beta Clinic", APIBaseURL: "https://beta.example.com/"},
}

func newTestSession(t *testing.T, adapter clinic.Adapter, summarizer Summarizer) (*Session, *mockAuditor) {
	t.Helper()
	auditor := &mockAuditor{}
	s, err := New(Config{
		Environments:       testEnvironments,
		DefaultCredentials: clinic.Credentials{Username: "apiuser", Password: "apipass"},
		Models:             []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	}, adapter, summarizer, auditor, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s, auditor
}

func validRequest() RetrieveRequest {
	return RetrieveRequest{Username: "alice", Password: "secret", PatientID: "12345678"}
}

func hasNotice(snap Snapshot, level Level, fragment string) bool {
	for _, n := range snap.Notices {
		if n.Level == level && strings.Contains(n.Message, fragment) {
			return true
		}
	}
	return false
}

func TestNewSession(t *testing.T) {
	s, _ := newTestSession(t, newMockAdapter(), nil)
	snap := s.Snapshot()

	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.Environment.Key != "alpha" {
		t.Errorf("Expected first environment as default, got %s", snap.Environment.Key)
	}
	if snap.Document != nil {
		t.Error("Expected no document before retrieval")
	}
	if snap.SummarizerAvailable {
		t.Error("Expected summarizer to be unavailable")
	}
	if !snap.PasswordPrefilled || snap.DefaultUsername != "apiuser" {
		t.Errorf("Expected default credentials to be offered, got %+v", snap)
	}
	if snap.SessionID.IsZero() {
		t.Error("Expected session id")
	}

	if _, err := New(Config{Models: []string{"m"}}, newMockAdapter(), nil, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error without environments")
	}
}

func TestRetrieveFullSuccess(t *testing.T) {
	adapter := newMockAdapter()
	s, auditor := newTestSession(t, adapter, &mockSummarizer{})

	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated, got %s", snap.State)
	}
	if snap.Document == nil || len(snap.Document.Present()) != 3 {
		t.Fatalf("Expected three non-null categories, got %+v", snap.Document)
	}
	if len(snap.Gaps) != 0 {
		t.Errorf("Expected no gaps, got %+v", snap.Gaps)
	}
	if snap.PatientID != "12345678" || snap.BatchID.IsZero() {
		t.Errorf("Unexpected batch identity: %+v", snap)
	}
	if !snap.CanSummarize {
		t.Error("Expected summarization to be possible")
	}
	if len(snap.Records) != 3 {
		t.Errorf("Expected raw records for three categories, got %d", len(snap.Records))
	}
	if !hasNotice(snap, LevelSuccess, "Authenticated for Alpha Clinic") {
		t.Errorf("Expected authentication notice, got %+v", snap.Notices)
	}

	if adapter.gotCreds.Username != "alice" || adapter.gotCreds.Password != "secret" {
		t.Errorf("Expected request credentials to be used, got %+v", adapter.gotCreds)
	}
	if adapter.gotPatient != "12345678" {
		t.Errorf("Expected patient id passed through, got %q", adapter.gotPatient)
	}
	for _, category := range []clinic.Category{clinic.Consultations, clinic.Exams, clinic.Labs} {
		if adapter.fetchCalls[category] != 1 {
			t.Errorf("Expected one fetch for %s, got %d", category, adapter.fetchCalls[category])
		}
	}

	event := auditor.last()
	if event.Action != audit.ActionRetrieve || event.Outcome != audit.OutcomeSuccess {
		t.Errorf("Unexpected audit event: %+v", event)
	}
}

func TestRetrievePartialSuccess(t *testing.T) {
	adapter := newMockAdapter()
	adapter.fetchErrs[clinic.Consultations] = &clinic.HTTPError{Status: 500, Body: "boom"}
	s, auditor := newTestSession(t, adapter, &mockSummarizer{})

	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated, got %s", snap.State)
	}
	if snap.Document.MedicalHistory != nil {
		t.Errorf("Expected null medical_history, got %s", snap.Document.MedicalHistory)
	}
	if snap.Document.ExamResults == nil || snap.Document.LabResults == nil {
		t.Error("Expected exam and lab results to be present")
	}

	warnings := 0
	for _, n := range snap.Notices {
		if n.Level == LevelWarning {
			warnings++
			if !strings.Contains(n.Message, "medical history") {
				t.Errorf("Expected warning only for medical history, got %q", n.Message)
			}
		}
	}
	if warnings != 1 {
		t.Errorf("Expected exactly one warning, got %d", warnings)
	}
	if snap.Records[clinic.Consultations] != nil {
		t.Error("Expected no raw record for the failed category")
	}
	if auditor.last().Outcome != audit.OutcomePartial {
		t.Errorf("Expected partial outcome, got %s", auditor.last().Outcome)
	}
}

func TestRetrieveNothingFound(t *testing.T) {
	adapter := newMockAdapter()
	adapter.fetchErrs[clinic.Consultations] = &clinic.ConnectionError{URL: "x", Err: errors.New("refused")}
	adapter.fetchErrs[clinic.Exams] = &clinic.UnexpectedShapeError{Reason: "no data"}
	adapter.payloads[clinic.Labs] = `{"data":{"kpis":[]}}`
	s, auditor := newTestSession(t, adapter, &mockSummarizer{})

	err := s.Retrieve(context.Background(), validRequest())
	if !errors.Is(err, ErrNothingFound) {
		t.Fatalf("Expected ErrNothingFound, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated, got %s", snap.State)
	}
	if snap.Document == nil || !snap.Document.Empty() {
		t.Errorf("Expected all-null document, got %+v", snap.Document)
	}
	if snap.CanSummarize {
		t.Error("Expected summarization to be impossible")
	}
	if auditor.last().Outcome != audit.OutcomeEmpty {
		t.Errorf("Expected empty outcome, got %s", auditor.last().Outcome)
	}
}

func TestRetrieveValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   RetrieveRequest
		field string
	}{
		{"empty patient", RetrieveRequest{Username: "u", Password: "p", PatientID: "  "}, "patient_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter()
			s, auditor := newTestSession(t, adapter, nil)

			err := s.Retrieve(context.Background(), tt.req)

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("Expected %s to be flagged, got %v", tt.field, verr.Fields)
			}
			if s.Snapshot().State != StateIdle {
				t.Errorf("Expected to stay idle, got %s", s.Snapshot().State)
			}
			if adapter.authCalls != 0 {
				t.Error("Expected no authentication attempt")
			}
			if auditor.last().Outcome != audit.OutcomeRejected {
				t.Errorf("Expected rejected outcome, got %s", auditor.last().Outcome)
			}
		})
	}
}

func TestRetrieveEmptyCredentialsWithoutDefaults(t *testing.T) {
	adapter := newMockAdapter()
	s, err := New(Config{Environments: testEnvironments, Models: []string{"m"}}, adapter, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	requests := []RetrieveRequest{
		{Username: "", Password: "p", PatientID: "1"},
		{Username: "u", Password: "", PatientID: "1"},
		{},
	}
	for _, req := range requests {
		err := s.Retrieve(context.Background(), req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected ValidationError for %+v, got %v", req, err)
		}
		if s.Snapshot().State != StateIdle {
			t.Errorf("Expected to stay idle for %+v", req)
		}
	}
	if adapter.authCalls != 0 {
		t.Errorf("Expected no authentication attempt, got %d", adapter.authCalls)
	}
}

func TestRetrieveDefaultPasswordClearedAfterAttempt(t *testing.T) {
	adapter := newMockAdapter()
	s, _ := newTestSession(t, adapter, nil)

	if err := s.Retrieve(context.Background(), RetrieveRequest{PatientID: "1"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if adapter.gotCreds.Username != "apiuser" || adapter.gotCreds.Password != "apipass" {
		t.Errorf("Expected default credentials on first attempt, got %+v", adapter.gotCreds)
	}
	if s.Snapshot().PasswordPrefilled {
		t.Error("Expected password to be cleared after the attempt")
	}

	err := s.Retrieve(context.Background(), RetrieveRequest{PatientID: "1"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["password"] == "" {
		t.Errorf("Expected password to be required again, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateIdle || snap.Document != nil {
		t.Errorf("Expected previous batch to be discarded on rejected input, got %s", snap.State)
	}
}

func TestRetrieveRejectedInputClearsPreviousBatch(t *testing.T) {
	adapter := newMockAdapter()
	s, _ := newTestSession(t, adapter, &mockSummarizer{summary: gemini.Summary{Text: "old narrative"}})

	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := s.Summarize(context.Background(), SummarizeRequest{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	req := validRequest()
	req.PatientID = "  "
	err := s.Retrieve(context.Background(), req)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.PatientID != "" || snap.Narrative != "" || snap.Document != nil || snap.Records != nil {
		t.Errorf("Expected previous patient data to be cleared, got %+v", snap)
	}
	if snap.CanSummarize {
		t.Error("Expected summarization to be impossible")
	}
	if adapter.authCalls != 1 {
		t.Errorf("Expected no new authentication, got %d calls", adapter.authCalls)
	}
}

func TestRetrieveServerResponseInNotices(t *testing.T) {
	adapter := newMockAdapter()
	adapter.authErr = &clinic.HTTPError{Status: 500, Body: "database offline", Login: true}
	s, _ := newTestSession(t, adapter, nil)

	s.Retrieve(context.Background(), validRequest())
	if !hasNotice(s.Snapshot(), LevelError, "Server response: database offline") {
		t.Errorf("Expected server response in auth failure notice, got %+v", s.Snapshot().Notices)
	}

	adapter.authErr = nil
	adapter.fetchErrs[clinic.Labs] = &clinic.HTTPError{Status: 503, Body: "maintenance window"}
	s.Retrieve(context.Background(), validRequest())
	if !hasNotice(s.Snapshot(), LevelWarning, "lab results: The clinic API answered with HTTP 503. Server response: maintenance window") {
		t.Errorf("Expected server response in gap notice, got %+v", s.Snapshot().Notices)
	}
}

func TestFetchUnauthorizedIsNotACredentialError(t *testing.T) {
	adapter := newMockAdapter()
	adapter.fetchErrs[clinic.Exams] = &clinic.HTTPError{Status: 401, Body: "expired"}
	s, auditor := newTestSession(t, adapter, nil)

	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if hasNotice(snap, LevelWarning, "Invalid or unauthorized credentials") {
		t.Errorf("Fetch 401 must not be reported as invalid credentials: %+v", snap.Notices)
	}
	if !hasNotice(snap, LevelWarning, "exam results: The clinic API answered with HTTP 401.") {
		t.Errorf("Expected HTTP 401 gap notice, got %+v", snap.Notices)
	}
	if detail := auditor.last().Detail; detail != "gaps: exams=http_error" {
		t.Errorf("Unexpected audit detail %q", detail)
	}
}

func TestRetrieveAuthFailure(t *testing.T) {
	adapter := newMockAdapter()
	s, auditor := newTestSession(t, adapter, &mockSummarizer{summary: gemini.Summary{Text: "narrative"}})

	// Reach summarized first so there is something to clear.
	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := s.Summarize(context.Background(), SummarizeRequest{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	fetchesBefore := adapter.totalFetches()

	adapter.authErr = &clinic.HTTPError{Status: 401, Body: "bad password", Login: true}
	req := validRequest()
	req.Password = "wrong"
	err := s.Retrieve(context.Background(), req)

	if !errors.Is(err, clinic.ErrInvalidCredentials) {
		t.Fatalf("Expected invalid credentials, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.Document != nil || snap.Narrative != "" {
		t.Errorf("Expected document and narrative to be cleared, got %+v", snap)
	}
	if adapter.totalFetches() != fetchesBefore {
		t.Error("Expected no fetch after authentication failure")
	}
	if !hasNotice(snap, LevelError, "Invalid or unauthorized credentials") {
		t.Errorf("Expected credential error notice, got %+v", snap.Notices)
	}
	if auditor.last().Outcome != audit.OutcomeFailure {
		t.Errorf("Expected failure outcome, got %s", auditor.last().Outcome)
	}
}

func TestRetrieveReauthenticatesEveryBatch(t *testing.T) {
	adapter := newMockAdapter()
	s, _ := newTestSession(t, adapter, nil)

	s.Retrieve(context.Background(), validRequest())
	firstToken := adapter.gotToken
	firstBatch := s.Snapshot().BatchID

	s.Retrieve(context.Background(), validRequest())

	if adapter.authCalls != 2 {
		t.Errorf("Expected two authentications, got %d", adapter.authCalls)
	}
	if adapter.gotToken == firstToken {
		t.Error("Expected a fresh token for the second batch")
	}
	if s.Snapshot().BatchID == firstBatch {
		t.Error("Expected a new batch id")
	}
}

func TestRetrieveClearsNarrative(t *testing.T) {
	adapter := newMockAdapter()
	s, _ := newTestSession(t, adapter, &mockSummarizer{summary: gemini.Summary{Text: "old narrative"}})

	s.Retrieve(context.Background(), validRequest())
	s.Summarize(context.Background(), SummarizeRequest{})
	if s.Snapshot().Narrative == "" {
		t.Fatal("Expected narrative before the second retrieval")
	}

	adapter.release = make(chan struct{})
	done := make(chan error)
	go func() { done <- s.Retrieve(context.Background(), validRequest()) }()

	// While authenticating the old narrative and document must already be gone.
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().State != StateAuthenticating && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snap := s.Snapshot()
	if snap.State != StateAuthenticating {
		t.Fatalf("Expected authenticating, got %s", snap.State)
	}
	if snap.Narrative != "" || snap.Document != nil {
		t.Error("Expected narrative and document to be cleared immediately")
	}
	if !snap.Busy {
		t.Error("Expected session to report busy")
	}

	close(adapter.release)
	if err := <-done; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Snapshot().Narrative != "" {
		t.Error("Expected no narrative after a new retrieval")
	}
}

func TestConcurrentActionIsBusy(t *testing.T) {
	adapter := newMockAdapter()
	adapter.release = make(chan struct{})
	s, _ := newTestSession(t, adapter, nil)

	done := make(chan error)
	go func() { done <- s.Retrieve(context.Background(), validRequest()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Busy && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := s.Retrieve(context.Background(), validRequest()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	if err := s.Summarize(context.Background(), SummarizeRequest{}); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(adapter.release)
	<-done
	if s.Snapshot().Busy {
		t.Error("Expected session to be free after the action")
	}
}

func TestFetchPanicIsIsolated(t *testing.T) {
	adapter := newMockAdapter()
	adapter.fetchPanic = clinic.Exams
	s, _ := newTestSession(t, adapter, nil)

	if err := s.Retrieve(context.Background(), validRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.Document.ExamResults != nil {
		t.Error("Expected exam_results to be null")
	}
	if snap.Document.MedicalHistory == nil || snap.Document.LabResults == nil {
		t.Error("Expected other categories to survive")
	}
}

func TestSummarizeSuccess(t *testing.T) {
	summarizer := &mockSummarizer{summary: gemini.Summary{Text: "## Análisis"}}
	s, auditor := newTestSession(t, newMockAdapter(), summarizer)
	s.Retrieve(context.Background(), validRequest())

	var during State
	summarizer.during = func() { during = s.Snapshot().State }

	if err := s.Summarize(context.Background(), SummarizeRequest{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if during != StateSummarizing {
		t.Errorf("Expected summarizing during the call, got %s", during)
	}
	if snap.State != StateSummarized {
		t.Errorf("Expected summarized, got %s", snap.State)
	}
	if snap.Narrative != "## Análisis" || snap.NarrativeModel != "gemini-2.5-pro" {
		t.Errorf("Unexpected narrative: %q from %q", snap.Narrative, snap.NarrativeModel)
	}
	if summarizer.gotModel != "gemini-2.5-pro" {
		t.Errorf("Expected default model, got %s", summarizer.gotModel)
	}
	if !strings.Contains(summarizer.gotPrompt, `"medical_history"`) || !strings.Contains(summarizer.gotPrompt, "Cefalea") {
		t.Error("Expected prompt to embed the combined document")
	}
	if auditor.last().Action != audit.ActionSummarize || auditor.last().Outcome != audit.OutcomeSuccess {
		t.Errorf("Unexpected audit event: %+v", auditor.last())
	}

	// Summarizing again from summarized is allowed.
	summarizer.summary = gemini.Summary{Text: "second"}
	if err := s.Summarize(context.Background(), SummarizeRequest{Model: "gemini-2.5-flash"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Snapshot().Narrative != "second" {
		t.Error("Expected narrative to be replaced")
	}
}

func TestSummarizeTruncatedWarns(t *testing.T) {
	s, _ := newTestSession(t, newMockAdapter(), &mockSummarizer{summary: gemini.Summary{Text: "partial", Truncated: true}})
	s.Retrieve(context.Background(), validRequest())

	if err := s.Summarize(context.Background(), SummarizeRequest{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	snap := s.Snapshot()
	if !snap.NarrativeTruncated || !hasNotice(snap, LevelWarning, "output limit") {
		t.Errorf("Expected truncation warning, got %+v", snap.Notices)
	}
}

func TestSummarizeBlocked(t *testing.T) {
	summarizer := &mockSummarizer{err: &gemini.BlockedContentError{Reason: "SAFETY"}}
	s, auditor := newTestSession(t, newMockAdapter(), summarizer)
	s.Retrieve(context.Background(), validRequest())
	before := *s.Snapshot().Document

	err := s.Summarize(context.Background(), SummarizeRequest{})

	var blocked *gemini.BlockedContentError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected BlockedContentError, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated, got %s", snap.State)
	}
	if string(snap.Document.MedicalHistory) != string(before.MedicalHistory) ||
		string(snap.Document.ExamResults) != string(before.ExamResults) ||
		string(snap.Document.LabResults) != string(before.LabResults) {
		t.Error("Expected document to be untouched")
	}
	if snap.Narrative != "" {
		t.Error("Expected no narrative")
	}
	if !hasNotice(snap, LevelError, "blocked by content policy") {
		t.Errorf("Expected blocked notice, got %+v", snap.Notices)
	}
	if auditor.last().Detail != "blocked: SAFETY" {
		t.Errorf("Unexpected audit detail %q", auditor.last().Detail)
	}
}

func TestSummarizeServiceErrorFromSummarized(t *testing.T) {
	summarizer := &mockSummarizer{summary: gemini.Summary{Text: "first"}}
	s, _ := newTestSession(t, newMockAdapter(), summarizer)
	s.Retrieve(context.Background(), validRequest())
	s.Summarize(context.Background(), SummarizeRequest{})

	summarizer.err = &gemini.ServiceError{Message: "token limit exceeded", TokenLimit: true}
	err := s.Summarize(context.Background(), SummarizeRequest{})

	var service *gemini.ServiceError
	if !errors.As(err, &service) {
		t.Fatalf("Expected ServiceError, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated after failure, got %s", snap.State)
	}
	if snap.Narrative != "" {
		t.Error("Expected previous narrative to be cleared")
	}
	if !hasNotice(snap, LevelWarning, "token limit") {
		t.Errorf("Expected token-limit hint, got %+v", snap.Notices)
	}
}

func TestSummarizeRejections(t *testing.T) {
	tests := []struct {
		name       string
		summarizer Summarizer
		setup      func(*Session, *mockAdapter)
		model      string
		check      func(error) bool
		wantState  State
	}{
		{
			name:       "idle",
			summarizer: &mockSummarizer{},
			setup:      func(s *Session, a *mockAdapter) {},
			check:      func(err error) bool { return errors.Is(err, ErrNotReady) },
			wantState:  StateIdle,
		},
		{
			name:       "no credential",
			summarizer: nil,
			setup: func(s *Session, a *mockAdapter) {
				s.Retrieve(context.Background(), validRequest())
			},
			check:     func(err error) bool { return errors.Is(err, ErrNoSummarizer) },
			wantState: StateConsolidated,
		},
		{
			name:       "all categories null",
			summarizer: &mockSummarizer{},
			setup: func(s *Session, a *mockAdapter) {
				for _, c := range clinic.Categories {
					a.fetchErrs[c] = &clinic.HTTPError{Status: 500}
				}
				s.Retrieve(context.Background(), validRequest())
			},
			check:     func(err error) bool { return errors.Is(err, ErrEmptyDocument) },
			wantState: StateConsolidated,
		},
		{
			name:       "unknown model",
			summarizer: &mockSummarizer{},
			setup: func(s *Session, a *mockAdapter) {
				s.Retrieve(context.Background(), validRequest())
			},
			model: "gpt-4",
			check: func(err error) bool {
				var verr *ValidationError
				return errors.As(err, &verr)
			},
			wantState: StateConsolidated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter()
			s, auditor := newTestSession(t, adapter, tt.summarizer)
			tt.setup(s, adapter)

			err := s.Summarize(context.Background(), SummarizeRequest{Model: tt.model})
			if !tt.check(err) {
				t.Fatalf("Unexpected error: %v", err)
			}

			snap := s.Snapshot()
			if snap.State != tt.wantState {
				t.Errorf("Expected no transition from %s, got %s", tt.wantState, snap.State)
			}
			if len(snap.Notices) == 0 || snap.Notices[0].Level != LevelWarning {
				t.Errorf("Expected a warning notice, got %+v", snap.Notices)
			}
			if m, ok := tt.summarizer.(*mockSummarizer); ok && m.calls != 0 {
				t.Error("Expected summarizer not to be called")
			}
			if auditor.last().Outcome != audit.OutcomeRejected {
				t.Errorf("Expected rejected outcome, got %s", auditor.last().Outcome)
			}
		})
	}
}

func TestSummarizePanicRollsBack(t *testing.T) {
	s, _ := newTestSession(t, newMockAdapter(), &mockSummarizer{panics: true})
	s.Retrieve(context.Background(), validRequest())

	err := s.Summarize(context.Background(), SummarizeRequest{})
	if err == nil {
		t.Fatal("Expected error from panicking summarizer")
	}

	snap := s.Snapshot()
	if snap.State != StateConsolidated {
		t.Errorf("Expected consolidated, got %s", snap.State)
	}
	if snap.Busy {
		t.Error("Expected session to stay usable")
	}
	if snap.Document == nil || snap.Document.Empty() {
		t.Error("Expected document to survive")
	}
}

func TestSelectEnvironment(t *testing.T) {
	adapter := newMockAdapter()
	s, _ := newTestSession(t, adapter, nil)

	if err := s.SelectEnvironment(context.Background(), "Beta Clinic", "local"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Snapshot().Environment.Key != "beta" {
		t.Errorf("Expected beta, got %s", s.Snapshot().Environment.Key)
	}

	var verr *ValidationError
	if err := s.SelectEnvironment(context.Background(), "gamma", "local"); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for unknown environment, got %v", err)
	}

	s.Retrieve(context.Background(), validRequest())
	if adapter.gotEnv.Key != "beta" {
		t.Errorf("Expected retrieval against beta, got %s", adapter.gotEnv.Key)
	}

	if err := s.SelectEnvironment(context.Background(), "alpha", "local"); !errors.Is(err, ErrEnvironmentLocked) {
		t.Errorf("Expected ErrEnvironmentLocked, got %v", err)
	}
	if err := s.SelectEnvironment(context.Background(), "beta", "local"); err != nil {
		t.Errorf("Expected reselecting the current environment to be a no-op, got %v", err)
	}
}

func TestReset(t *testing.T) {
	s, auditor := newTestSession(t, newMockAdapter(), &mockSummarizer{summary: gemini.Summary{Text: "x"}})
	s.SelectEnvironment(context.Background(), "beta", "local")
	s.Retrieve(context.Background(), validRequest())
	s.Summarize(context.Background(), SummarizeRequest{})
	previous := s.Snapshot().SessionID

	if err := s.Reset(context.Background(), "local"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateIdle || snap.Document != nil || snap.Narrative != "" {
		t.Errorf("Expected a fresh session, got %+v", snap)
	}
	if snap.SessionID == previous {
		t.Error("Expected a new session id")
	}
	if snap.EnvironmentLocked || snap.Environment.Key != "alpha" {
		t.Errorf("Expected environment choice to be reopened, got %+v", snap.Environment)
	}
	if !snap.PasswordPrefilled {
		t.Error("Expected default password to be offered again")
	}
	if event := auditor.last(); event.Action != audit.ActionReset || event.SessionID != previous {
		t.Errorf("Unexpected audit event: %+v", event)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&clinic.HTTPError{Status: 401, Login: true}, "Invalid or unauthorized credentials."},
		{&clinic.HTTPError{Status: 503}, "HTTP 503"},
		{&clinic.HTTPError{Status: 401}, "HTTP 401"},
		{&clinic.HTTPError{Status: 502, Body: " bad gateway \n"}, "HTTP 502. Server response: bad gateway"},
		{&clinic.ConnectionError{URL: "u", Err: errors.New("refused")}, "Could not connect"},
		{&clinic.MalformedResponseError{Reason: "bad"}, "unreadable"},
		{&clinic.UnexpectedShapeError{Reason: "bad"}, "unexpected structure"},
		{&gemini.BlockedContentError{Reason: "SAFETY"}, "blocked"},
		{&gemini.ServiceError{Message: "quota"}, "Summarization failed: quota"},
		{ErrBusy, "Another action is in progress."},
		{errors.New("secret internals"), "An unexpected error occurred."},
	}

	for _, tt := range tests {
		if got := Describe(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("Describe(%v): expected %q in %q", tt.err, tt.want, got)
		}
	}
}
