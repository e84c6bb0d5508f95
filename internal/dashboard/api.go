package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/session"
	"github.com/sugos/mrdash/internal/shared/auth"
	apperrors "github.com/sugos/mrdash/internal/shared/errors"
)

// Config bounds how long a request may run.
type Config struct {
	// RequestTimeout applies to every route except summarization.
	RequestTimeout time.Duration
	// SummarizeTimeout applies to POST /session/summarize.
	SummarizeTimeout time.Duration
}

// DefaultConfig returns timeouts that fit the default clinic and AI timeouts.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   2 * time.Minute,
		SummarizeTimeout: 11 * time.Minute,
	}
}

// Handler provides HTTP handlers for the dashboard session
type Handler struct {
	session *session.Session
	cfg     Config
	logger  zerolog.Logger
}

// NewHandler creates a new dashboard handler
func NewHandler(sess *session.Session, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		session: sess,
		cfg:     cfg,
		logger:  logger.With().Str("component", "dashboard").Logger(),
	}
}

// Routes registers the dashboard routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.cfg.RequestTimeout))

		r.Get("/environments", h.ListEnvironments)
		r.Get("/models", h.ListModels)

		r.Get("/session", h.GetSession)
		r.Post("/session/environment", h.SelectEnvironment)
		r.Post("/session/retrieve", h.Retrieve)
		r.Get("/session/records", h.GetRecords)
		r.Get("/session/narrative", h.GetNarrative)
		r.Post("/session/reset", h.Reset)
	})

	r.With(middleware.Timeout(h.cfg.SummarizeTimeout)).Post("/session/summarize", h.Summarize)

	return r
}

// ListEnvironments returns the selectable environments, default first
func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"environments": h.session.Environments(),
		"selected":     snap.Environment.Key,
		"locked":       snap.EnvironmentLocked,
	})
}

// ListModels returns the model selector options, default first
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.session.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    models,
		"default":   models[0],
		"available": h.session.Snapshot().SummarizerAvailable,
	})
}

// GetSession returns the session snapshot
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// SelectEnvironmentRequest chooses the environment by key or display name.
type SelectEnvironmentRequest struct {
	Environment string `json:"environment"`
}

// SelectEnvironment handles environment selection
func (h *Handler) SelectEnvironment(w http.ResponseWriter, r *http.Request) {
	var req SelectEnvironmentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	if err := h.session.SelectEnvironment(r.Context(), req.Environment, actor(r)); err != nil {
		h.writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// RetrieveRequest starts a retrieval batch. Empty credentials fall back to
// the configured defaults.
type RetrieveRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PatientID string `json:"patient_id"`
}

// Retrieve authenticates, fetches and consolidates the patient's records
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.session.Retrieve(r.Context(), session.RetrieveRequest{
		Username:  req.Username,
		Password:  req.Password,
		PatientID: req.PatientID,
		Actor:     actor(r),
	})
	// An all-absent batch is still a consolidated session; the notices
	// carry the failure.
	if err != nil && !errors.Is(err, session.ErrNothingFound) {
		h.writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// SummarizeRequest asks for a narrative. An empty model selects the default.
type SummarizeRequest struct {
	Model string `json:"model"`
}

// Summarize generates the clinical narrative
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req SummarizeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.session.Summarize(r.Context(), session.SummarizeRequest{
		Model: req.Model,
		Actor: actor(r),
	})
	if err != nil {
		h.writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// GetRecords returns the raw responses of the last batch, pretty-printed.
// A failed category is null.
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	if snap.Records == nil {
		h.writeError(w, apperrors.NotFound("records", snap.SessionID.String()))
		return
	}

	records := make(map[string]json.RawMessage, len(clinic.Categories))
	for _, category := range clinic.Categories {
		records[string(category)] = snap.Records[category]
	}

	body, err := json.MarshalIndent(map[string]any{
		"batch_id":   snap.BatchID,
		"patient_id": snap.PatientID,
		"records":    records,
	}, "", "  ")
	if err != nil {
		h.writeError(w, apperrors.Internal(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(body, '\n'))
}

// GetNarrative returns the narrative as markdown
func (h *Handler) GetNarrative(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	if snap.Narrative == "" {
		h.writeError(w, apperrors.NotFound("narrative", snap.SessionID.String()))
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("X-Narrative-Model", snap.NarrativeModel)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, snap.Narrative)
}

// Reset discards the session and starts a new one
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reset(r.Context(), actor(r)); err != nil {
		h.writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// decode reads an optional JSON body.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func actor(r *http.Request) string {
	if op := auth.GetOperator(r.Context()); op != nil {
		return op.Subject
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, appErr *apperrors.AppError) {
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error().Err(appErr).Str("code", appErr.Code).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}
