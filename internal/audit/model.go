package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sugos/mrdash/internal/shared/types"
)

// Session actions
const (
	ActionEnvironmentSelected = "session.environment_selected"
	ActionRetrieve            = "session.retrieve"
	ActionSummarize           = "session.summarize"
	ActionReset               = "session.reset"
)

// Outcomes
const (
	OutcomeSuccess  = "success"
	OutcomePartial  = "partial"
	OutcomeEmpty    = "empty"
	OutcomeRejected = "rejected"
	OutcomeFailure  = "failure"
)

// Entry is an immutable record of one session action. It never carries
// clinical content; the patient is identified only by PatientRef.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	SessionID   types.ID `json:"session_id"`
	BatchID     types.ID `json:"batch_id,omitempty"`
	Actor       string   `json:"actor,omitempty"`
	Action      string   `json:"action"`
	Environment string   `json:"environment,omitempty"`
	PatientRef  string   `json:"patient_ref,omitempty"`
	Outcome     string   `json:"outcome"`
	Detail      string   `json:"detail,omitempty"`
}

// calculateHash hashes every field except Hash. encoding/json writes map
// keys sorted, so the input is deterministic.
func (e *Entry) calculateHash() string {
	data := map[string]any{
		"id":          e.ID,
		"sequence":    e.Sequence,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":   e.PrevHash,
		"session_id":  e.SessionID,
		"batch_id":    e.BatchID,
		"actor":       e.Actor,
		"action":      e.Action,
		"environment": e.Environment,
		"patient_ref": e.PatientRef,
		"outcome":     e.Outcome,
		"detail":      e.Detail,
	}

	jsonData, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// VerifyChain checks hashes and links of consecutive entries, oldest first.
func VerifyChain(entries []Entry) error {
	for i := range entries {
		entry := &entries[i]
		if !entry.VerifyHash() {
			return fmt.Errorf("entry %d (%s): hash mismatch", entry.Sequence, entry.ID)
		}
		if i == 0 {
			continue
		}
		prev := &entries[i-1]
		if entry.PrevHash != prev.Hash {
			return fmt.Errorf("entry %d (%s): chain broken after entry %d", entry.Sequence, entry.ID, prev.Sequence)
		}
		if entry.Sequence != prev.Sequence+1 {
			return fmt.Errorf("entry %d (%s): sequence gap after entry %d", entry.Sequence, entry.ID, prev.Sequence)
		}
	}
	return nil
}
