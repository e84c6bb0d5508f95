package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sugos/mrdash/internal/shared/types"
)

// PostgresSink stores entries in the audit_entries table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Head(ctx context.Context) (int64, string, error) {
	var (
		sequence int64
		hash     string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT sequence, hash FROM audit_entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&sequence, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to get last audit entry: %w", err)
	}
	return sequence, hash, nil
}

func (s *PostgresSink) Append(ctx context.Context, entry *Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (
			id, sequence, occurred_at, hash, prev_hash,
			session_id, batch_id, actor, action,
			environment, patient_ref, outcome, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.Sequence, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.SessionID, nullableID(entry.BatchID), entry.Actor, entry.Action,
		entry.Environment, entry.PatientRef, entry.Outcome, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Entries returns up to limit entries oldest first, all of them when
// limit <= 0.
func (s *PostgresSink) Entries(ctx context.Context, limit int) ([]Entry, error) {
	return readPages(ctx, limit, s.page)
}

// page reads entries with a sequence greater than after.
func (s *PostgresSink) page(ctx context.Context, after uint64, n int) ([]Entry, int, uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, sequence, occurred_at, hash, prev_hash,
			session_id::text, COALESCE(batch_id::text, ''), actor, action,
			environment, patient_ref, outcome, detail
		FROM audit_entries
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2`, int64(after), n)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			id, session, batch string
		)
		if err := rows.Scan(
			&id, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
			&session, &batch, &e.Actor, &e.Action,
			&e.Environment, &e.PatientRef, &e.Outcome, &e.Detail,
		); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ID = types.ID(id)
		e.SessionID = types.ID(session)
		e.BatchID = types.ID(batch)
		entries = append(entries, e)
		after = uint64(e.Sequence)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, len(entries), after, nil
}

func nullableID(id types.ID) any {
	if id.IsZero() {
		return nil
	}
	return id
}
