package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/adapters/gemini"
	"github.com/sugos/mrdash/internal/audit"
	"github.com/sugos/mrdash/internal/clinical"
	"github.com/sugos/mrdash/internal/shared/metrics"
	"github.com/sugos/mrdash/internal/shared/types"
)

// State of the session state machine.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateFetching       State = "fetching"
	StateConsolidated   State = "consolidated"
	StateSummarizing    State = "summarizing"
	StateSummarized     State = "summarized"
)

// Summarizer produces a narrative from a prompt.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, model string) (gemini.Summary, error)
}

// Auditor records session actions.
type Auditor interface {
	Record(ctx context.Context, event audit.Event)
	PatientRef(patientID string) string
}

// Config holds what a session offers the operator.
type Config struct {
	// Environments in display order; the first is the default.
	Environments []clinic.Environment
	// DefaultCredentials prefill the credential inputs.
	DefaultCredentials clinic.Credentials
	// Models in display order; the first is the default.
	Models []string
}

// RetrieveRequest starts a retrieval batch. Empty credentials fall back to
// the configured defaults.
type RetrieveRequest struct {
	Username  string
	Password  string
	PatientID string
	Actor     string
}

// SummarizeRequest asks for a narrative. An empty model selects the default.
type SummarizeRequest struct {
	Model string
	Actor string
}

// Session is the single-user state holder. Its action methods are the only
// mutators and run one at a time.
type Session struct {
	cfg        Config
	adapter    clinic.Adapter
	summarizer Summarizer
	auditor    Auditor
	logger     zerolog.Logger

	mu                sync.Mutex
	busy              bool
	id                types.ID
	state             State
	environment       clinic.Environment
	environmentLocked bool
	passwordCleared   bool
	patientID         string
	batchID           types.ID
	results           []clinical.Result
	consolidation     *clinical.Consolidation
	narrative         string
	narrativeModel    string
	truncated         bool
	notices           []Notice
}

// New creates an idle session. summarizer may be nil when no credential is
// configured; summarization is then rejected.
func New(cfg Config, adapter clinic.Adapter, summarizer Summarizer, auditor Auditor, logger zerolog.Logger) (*Session, error) {
	if len(cfg.Environments) == 0 {
		return nil, errors.New("session needs at least one environment")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("session needs at least one model")
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}

	s := &Session{
		cfg:        cfg,
		adapter:    adapter,
		summarizer: summarizer,
		auditor:    auditor,
		logger:     logger.With().Str("component", "session").Logger(),
	}
	s.reset()
	return s, nil
}

// reset returns to a fresh session. Caller holds mu or owns s exclusively.
func (s *Session) reset() {
	s.id = types.NewID()
	s.state = StateIdle
	s.environment = s.cfg.Environments[0]
	s.environmentLocked = false
	s.passwordCleared = false
	s.clearBatch()
	s.notices = nil
}

// clearBatch drops everything produced by a retrieval batch.
func (s *Session) clearBatch() {
	s.patientID = ""
	s.batchID = ""
	s.results = nil
	s.consolidation = nil
	s.clearNarrative()
}

func (s *Session) clearNarrative() {
	s.narrative = ""
	s.narrativeModel = ""
	s.truncated = false
}

// begin claims the action slot.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.notices = nil
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// transition moves the state machine. Caller holds mu.
func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	metrics.RecordTransition(string(s.state), string(to))
	s.logger.Debug().Str("session_id", s.id.String()).Str("from", string(s.state)).Str("to", string(to)).Msg("state transition")
	s.state = to
}

func (s *Session) notify(level Level, format string, args ...any) {
	s.mu.Lock()
	s.notices = append(s.notices, Notice{Level: level, Message: fmt.Sprintf(format, args...)})
	s.mu.Unlock()
}

// recoverAction turns a panic inside an action into an error after rolling
// the state back.
func (s *Session) recoverAction(err *error, rollback func()) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error().Str("session_id", s.id.String()).Interface("panic", r).Msg("action panicked")
	s.mu.Lock()
	rollback()
	s.mu.Unlock()
	s.notify(LevelError, "An unexpected error occurred.")
	*err = fmt.Errorf("unexpected error: %v", r)
}

// SelectEnvironment chooses the environment by key or display name. It is
// only allowed before the first retrieval of the session.
func (s *Session) SelectEnvironment(ctx context.Context, name, actor string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	locked := s.environmentLocked
	current := s.environment
	s.mu.Unlock()

	if locked {
		if name == current.Key || name == current.DisplayName {
			return nil
		}
		s.notify(LevelWarning, "%s", Describe(ErrEnvironmentLocked))
		return ErrEnvironmentLocked
	}

	for _, env := range s.cfg.Environments {
		if env.Key == name || env.DisplayName == name {
			s.mu.Lock()
			s.environment = env
			s.mu.Unlock()
			s.auditor.Record(ctx, audit.Event{
				SessionID:   s.id,
				Actor:       actor,
				Action:      audit.ActionEnvironmentSelected,
				Environment: env.Key,
				Outcome:     audit.OutcomeSuccess,
			})
			return nil
		}
	}

	err := &ValidationError{Fields: map[string]string{"environment": fmt.Sprintf("unknown environment %q", name)}}
	s.notify(LevelWarning, "%s", Describe(err))
	return err
}

// Retrieve authenticates, fetches the three categories concurrently and
// consolidates them. On ErrNothingFound the session still holds the
// consolidated all-null document.
func (s *Session) Retrieve(ctx context.Context, req RetrieveRequest) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	creds, patientID, verr := s.validateRetrieve(req)
	if verr != nil {
		// A new retrieval discards the previous batch even when its input
		// is rejected.
		s.mu.Lock()
		s.clearBatch()
		s.transition(StateIdle)
		s.mu.Unlock()

		s.notify(LevelWarning, "%s", Describe(verr))
		s.auditor.Record(ctx, audit.Event{
			SessionID:   s.id,
			Actor:       req.Actor,
			Action:      audit.ActionRetrieve,
			Environment: s.environment.Key,
			Outcome:     audit.OutcomeRejected,
			Detail:      verr.Error(),
		})
		return verr
	}

	s.mu.Lock()
	s.clearBatch()
	s.batchID = types.NewID()
	s.patientID = patientID
	s.environmentLocked = true
	s.passwordCleared = true
	env := s.environment
	batchID := s.batchID
	s.transition(StateAuthenticating)
	s.mu.Unlock()

	defer s.recoverAction(&err, func() {
		s.clearBatch()
		s.transition(StateIdle)
	})

	log := s.logger.With().
		Str("session_id", s.id.String()).
		Str("batch_id", batchID.String()).
		Str("environment", env.Key).
		Str("patient_ref", s.auditor.PatientRef(patientID)).
		Logger()

	event := audit.Event{
		SessionID:   s.id,
		BatchID:     batchID,
		Actor:       req.Actor,
		Action:      audit.ActionRetrieve,
		Environment: env.Key,
		PatientID:   patientID,
	}

	s.notify(LevelInfo, "Retrieving medical records for patient %s.", patientID)

	token, err := s.adapter.Authenticate(ctx, env, creds)
	if err != nil {
		s.mu.Lock()
		s.clearBatch()
		s.transition(StateIdle)
		s.mu.Unlock()

		log.Warn().Str("outcome", clinic.Outcome(err)).Msg("authentication failed, batch aborted")
		s.notify(LevelError, "Authentication failed for %s. %s", env.DisplayName, Describe(err))
		event.Outcome = audit.OutcomeFailure
		event.Detail = "authentication: " + clinic.Outcome(err)
		s.auditor.Record(ctx, event)
		return err
	}
	s.notify(LevelSuccess, "Authenticated for %s.", env.DisplayName)

	s.mu.Lock()
	s.transition(StateFetching)
	s.mu.Unlock()

	results := s.fetchAll(ctx, env, token, patientID)
	consolidation := clinical.Consolidate(results[0], results[1], results[2])

	for _, gap := range consolidation.Gaps {
		reason := "no records in the response"
		if gap.Err != nil {
			reason = Describe(gap.Err)
		}
		log.Warn().Str("category", string(gap.Category)).Str("outcome", clinic.Outcome(gap.Err)).Msg("category missing from document")
		s.notify(LevelWarning, "Could not obtain %s: %s", gap.Category.Label(), reason)
	}
	for _, category := range consolidation.Document.Present() {
		s.notify(LevelSuccess, "Obtained %s.", category.Label())
	}

	s.mu.Lock()
	s.results = results
	s.consolidation = &consolidation
	s.transition(StateConsolidated)
	s.mu.Unlock()

	event.Detail = gapSummary(consolidation.Gaps)
	switch {
	case consolidation.Document.Empty():
		event.Outcome = audit.OutcomeEmpty
		err = ErrNothingFound
		s.notify(LevelError, "%s", Describe(ErrNothingFound))
	case len(consolidation.Gaps) > 0:
		event.Outcome = audit.OutcomePartial
	default:
		event.Outcome = audit.OutcomeSuccess
	}
	s.auditor.Record(ctx, event)
	log.Info().Int("gaps", len(consolidation.Gaps)).Str("outcome", event.Outcome).Msg("retrieval batch consolidated")

	return err
}

func (s *Session) validateRetrieve(req RetrieveRequest) (clinic.Credentials, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := clinic.Credentials{Username: strings.TrimSpace(req.Username), Password: req.Password}
	if creds.Username == "" {
		creds.Username = s.cfg.DefaultCredentials.Username
	}
	if creds.Password == "" && !s.passwordCleared {
		creds.Password = s.cfg.DefaultCredentials.Password
	}
	patientID := strings.TrimSpace(req.PatientID)

	fields := map[string]string{}
	if creds.Username == "" {
		fields["username"] = "required"
	}
	if creds.Password == "" {
		fields["password"] = "required"
	}
	if patientID == "" {
		fields["patient_id"] = "required"
	}
	if len(fields) > 0 {
		return clinic.Credentials{}, "", &ValidationError{Fields: fields}
	}
	return creds, patientID, nil
}

// fetchAll runs one fetch per category. A failure or panic in one fetch
// does not affect the others; results are indexed by category.
func (s *Session) fetchAll(ctx context.Context, env clinic.Environment, token clinic.Token, patientID string) []clinical.Result {
	results := make([]clinical.Result, len(clinic.Categories))

	var wg sync.WaitGroup
	for i, category := range clinic.Categories {
		wg.Add(1)
		go func(i int, category clinic.Category) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = clinical.Failure(category, fmt.Errorf("fetch panicked: %v", r))
				}
			}()

			envelope, err := s.adapter.FetchRecords(ctx, env, token, patientID, category)
			if err != nil {
				results[i] = clinical.Failure(category, err)
				return
			}
			envelope.Category = category
			results[i] = clinical.Success(envelope)
		}(i, category)
	}
	wg.Wait()

	return results
}

// Summarize renders the document into a prompt and asks for a narrative.
// Any failure returns to consolidated with the document untouched.
func (s *Session) Summarize(ctx context.Context, req SummarizeRequest) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.Models[0]
	}

	s.mu.Lock()
	state := s.state
	consolidation := s.consolidation
	env := s.environment
	batchID := s.batchID
	patientID := s.patientID
	s.mu.Unlock()

	event := audit.Event{
		SessionID:   s.id,
		BatchID:     batchID,
		Actor:       req.Actor,
		Action:      audit.ActionSummarize,
		Environment: env.Key,
		PatientID:   patientID,
	}

	if rejection := s.checkSummarize(state, consolidation, model); rejection != nil {
		s.notify(LevelWarning, "%s", Describe(rejection))
		event.Outcome = audit.OutcomeRejected
		event.Detail = rejection.Error()
		s.auditor.Record(ctx, event)
		return rejection
	}

	s.mu.Lock()
	s.clearNarrative()
	s.transition(StateSummarizing)
	s.mu.Unlock()

	rollback := func() {
		s.clearNarrative()
		s.transition(StateConsolidated)
	}
	defer s.recoverAction(&err, rollback)

	fail := func(err error) error {
		s.mu.Lock()
		rollback()
		s.mu.Unlock()

		s.notify(LevelError, "%s", Describe(err))
		var service *gemini.ServiceError
		if errors.As(err, &service) && service.TokenLimit {
			s.notify(LevelWarning, "%s", service.Hint())
		}
		event.Outcome = audit.OutcomeFailure
		event.Detail = describeFailure(err)
		s.auditor.Record(ctx, event)
		return err
	}

	prompt, err := clinical.BuildPrompt(consolidation.Document)
	if err != nil {
		return fail(err)
	}

	s.notify(LevelInfo, "Generating clinical analysis with %s.", model)
	summary, err := s.summarizer.Summarize(ctx, prompt, model)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.narrative = summary.Text
	s.narrativeModel = model
	s.truncated = summary.Truncated
	s.transition(StateSummarized)
	s.mu.Unlock()

	s.notify(LevelSuccess, "Clinical analysis generated.")
	if summary.Truncated {
		s.notify(LevelWarning, "The analysis stopped at the model's output limit and may be incomplete.")
	}

	event.Outcome = audit.OutcomeSuccess
	event.Detail = fmt.Sprintf("model=%s template=%s truncated=%t", model, clinical.PromptTemplateVersion, summary.Truncated)
	s.auditor.Record(ctx, event)

	return nil
}

func (s *Session) checkSummarize(state State, consolidation *clinical.Consolidation, model string) error {
	if state != StateConsolidated && state != StateSummarized {
		return ErrNotReady
	}
	if s.summarizer == nil {
		return ErrNoSummarizer
	}
	if consolidation == nil || consolidation.Document.Empty() {
		return ErrEmptyDocument
	}
	if !s.knownModel(model) {
		return &ValidationError{Fields: map[string]string{"model": fmt.Sprintf("unknown model %q", model)}}
	}
	return nil
}

func (s *Session) knownModel(model string) bool {
	for _, m := range s.cfg.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Reset discards everything and starts a new session.
func (s *Session) Reset(ctx context.Context, actor string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	previous := s.id
	env := s.environment
	s.transition(StateIdle)
	s.reset()
	s.mu.Unlock()

	s.auditor.Record(ctx, audit.Event{
		SessionID:   previous,
		Actor:       actor,
		Action:      audit.ActionReset,
		Environment: env.Key,
		Outcome:     audit.OutcomeSuccess,
	})
	return nil
}

// Models returns the model selector options, default first.
func (s *Session) Models() []string {
	return append([]string(nil), s.cfg.Models...)
}

// Environments returns the environment options, default first.
func (s *Session) Environments() []clinic.Environment {
	return append([]clinic.Environment(nil), s.cfg.Environments...)
}

func gapSummary(gaps []clinical.Gap) string {
	if len(gaps) == 0 {
		return ""
	}
	parts := make([]string, 0, len(gaps))
	for _, gap := range gaps {
		outcome := "empty"
		if gap.Err != nil {
			outcome = clinic.Outcome(gap.Err)
		}
		parts = append(parts, string(gap.Category)+"="+outcome)
	}
	return "gaps: " + strings.Join(parts, ",")
}

// describeFailure keeps summarization failures short and free of content.
func describeFailure(err error) string {
	var blocked *gemini.BlockedContentError
	var service *gemini.ServiceError
	switch {
	case errors.As(err, &blocked):
		return "blocked: " + blocked.Reason
	case errors.As(err, &service) && service.TokenLimit:
		return "token_limit"
	case errors.As(err, &service):
		return "service_error"
	default:
		return "error"
	}
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Event) {}
func (nopAuditor) PatientRef(string) string { return "" }

// rawRecords copies the raw responses for display.
func rawRecords(results []clinical.Result) map[clinic.Category]json.RawMessage {
	if results == nil {
		return nil
	}
	out := make(map[clinic.Category]json.RawMessage, len(results))
	for i, result := range results {
		category := clinic.Categories[i]
		if envelope, ok := result.Envelope(); ok {
			out[category] = envelope.Raw
		} else {
			out[category] = nil
		}
	}
	return out
}
