package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/shared/metrics"
	"github.com/sugos/mrdash/internal/shared/types"
)

// appendTimeout bounds a single sink write.
const appendTimeout = 5 * time.Second

// Event describes an action to record. PatientID is the raw identifier;
// it is pseudonymized before anything is written.
type Event struct {
	SessionID   types.ID
	BatchID     types.ID
	Actor       string
	Action      string
	Environment string
	PatientID   string
	Outcome     string
	Detail      string
}

// Recorder chains entries and hands them to a sink. Sink failures are
// logged and counted, never returned to the caller.
type Recorder struct {
	sink          Sink
	pseudonymizer *Pseudonymizer
	logger        zerolog.Logger

	mu       sync.Mutex
	sequence int64
	lastHash string
}

func NewRecorder(sink Sink, hmacKey string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink:          sink,
		pseudonymizer: NewPseudonymizer(hmacKey),
		logger:        logger.With().Str("component", "audit").Logger(),
	}
}

// Initialize continues the chain stored in the sink, if it keeps one.
func (r *Recorder) Initialize(ctx context.Context) error {
	head, ok := r.sink.(HeadReader)
	if !ok {
		return nil
	}

	sequence, hash, err := head.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read audit chain head from %s: %w", r.sink.Name(), err)
	}

	r.mu.Lock()
	r.sequence = sequence
	r.lastHash = hash
	r.mu.Unlock()

	r.logger.Info().Str("sink", r.sink.Name()).Int64("sequence", sequence).Msg("audit chain loaded")
	return nil
}

// Record appends one entry. It survives cancellation of ctx so an action
// aborted by the caller is still recorded.
func (r *Recorder) Record(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &Entry{
		ID:          types.NewID(),
		Sequence:    r.sequence + 1,
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:    r.lastHash,
		SessionID:   event.SessionID,
		BatchID:     event.BatchID,
		Actor:       event.Actor,
		Action:      event.Action,
		Environment: event.Environment,
		PatientRef:  r.pseudonymizer.Ref(event.PatientID),
		Outcome:     event.Outcome,
		Detail:      event.Detail,
	}
	entry.Hash = entry.calculateHash()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	if err := r.sink.Append(ctx, entry); err != nil {
		metrics.RecordAuditEntry(r.sink.Name(), false)
		r.logger.Error().Err(err).Str("sink", r.sink.Name()).Str("action", entry.Action).
			Str("session_id", entry.SessionID.String()).Msg("failed to write audit entry")
		return
	}

	metrics.RecordAuditEntry(r.sink.Name(), true)
	r.sequence = entry.Sequence
	r.lastHash = entry.Hash
}

// PatientRef exposes the pseudonym used for a patient identifier.
func (r *Recorder) PatientRef(patientID string) string {
	return r.pseudonymizer.Ref(patientID)
}
