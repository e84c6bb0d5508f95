package session

import (
	"encoding/json"

	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/clinical"
	"github.com/sugos/mrdash/internal/shared/types"
)

// Snapshot is a read-only view of the session.
type Snapshot struct {
	SessionID          types.ID           `json:"session_id"`
	State              State              `json:"state"`
	Busy               bool               `json:"busy"`
	Environment        clinic.Environment `json:"environment"`
	EnvironmentLocked  bool               `json:"environment_locked"`
	PatientID          string             `json:"patient_id,omitempty"`
	BatchID            types.ID           `json:"batch_id,omitempty"`
	// Document is nil until a batch has been consolidated.
	Document           *clinical.Document `json:"document"`
	Gaps               []clinical.Gap     `json:"gaps,omitempty"`
	Narrative          string             `json:"narrative,omitempty"`
	NarrativeModel     string             `json:"narrative_model,omitempty"`
	NarrativeTruncated bool               `json:"narrative_truncated,omitempty"`
	Notices            []Notice           `json:"notices"`

	SummarizerAvailable bool   `json:"summarizer_available"`
	CanSummarize        bool   `json:"can_summarize"`
	DefaultUsername     string `json:"default_username,omitempty"`
	PasswordPrefilled   bool   `json:"password_prefilled"`

	// Records holds the raw responses per category; nil for a failed fetch.
	Records map[clinic.Category]json.RawMessage `json:"-"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:           s.id,
		State:               s.state,
		Busy:                s.busy,
		Environment:         s.environment,
		EnvironmentLocked:   s.environmentLocked,
		PatientID:           s.patientID,
		BatchID:             s.batchID,
		Narrative:           s.narrative,
		NarrativeModel:      s.narrativeModel,
		NarrativeTruncated:  s.truncated,
		Notices:             append([]Notice{}, s.notices...),
		SummarizerAvailable: s.summarizer != nil,
		DefaultUsername:     s.cfg.DefaultCredentials.Username,
		PasswordPrefilled:   !s.passwordCleared && s.cfg.DefaultCredentials.Password != "",
		Records:             rawRecords(s.results),
	}

	if s.consolidation != nil {
		doc := s.consolidation.Document
		snap.Document = &doc
		snap.Gaps = append([]clinical.Gap(nil), s.consolidation.Gaps...)
	}

	snap.CanSummarize = (s.state == StateConsolidated || s.state == StateSummarized) &&
		s.summarizer != nil && snap.Document != nil && !snap.Document.Empty()

	return snap
}
