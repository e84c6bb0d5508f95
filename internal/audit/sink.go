package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Sink stores audit entries. Sinks are append-only.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
	Name() string
}

// HeadReader is implemented by sinks that persist the chain across restarts.
type HeadReader interface {
	// Head returns the sequence and hash of the newest entry, zero values
	// when the trail is empty.
	Head(ctx context.Context) (int64, string, error)
}

// Reader is implemented by sinks whose entries can be read back.
type Reader interface {
	// Entries returns up to limit entries, oldest first.
	Entries(ctx context.Context, limit int) ([]Entry, error)
}

// LogSink writes entries to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Append(ctx context.Context, entry *Entry) error {
	s.logger.Info().
		Str("audit_id", entry.ID.String()).
		Int64("sequence", entry.Sequence).
		Str("hash", entry.Hash).
		Str("session_id", entry.SessionID.String()).
		Str("batch_id", entry.BatchID.String()).
		Str("actor", entry.Actor).
		Str("action", entry.Action).
		Str("environment", entry.Environment).
		Str("patient_ref", entry.PatientRef).
		Str("outcome", entry.Outcome).
		Str("detail", entry.Detail).
		Msg("audit")
	return nil
}

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *MemorySink) Head(ctx context.Context) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, "", nil
	}
	last := s.entries[len(s.entries)-1]
	return last.Sequence, last.Hash, nil
}

func (s *MemorySink) Entries(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out, nil
}
