package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"LeverVault/internal/event"

	"github.com/google/uuid"
)

// WriteEnvelope appends env to the invocation log inside the invocation's
// own transaction. Duplicate envelopes are never logged.
func (t *pgTx) WriteEnvelope(ctx context.Context, env *event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var code sql.NullString
	if env.ErrorCode != "" {
		code = sql.NullString{String: env.ErrorCode, Valid: true}
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO vault.invocations
			(sequence, invocation_id, instruction, group_key, outcome, error_code, timestamp, state_hash, prev_hash, envelope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		env.Sequence, env.InvocationID, env.Instruction, env.Group.String(), string(env.Outcome),
		code, env.Timestamp, env.StateHash[:], env.PrevHash[:], payload,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("invocation %s seq=%d already logged: %w", env.InvocationID, env.Sequence, err)
	}
	if err != nil {
		return unavailable("insert invocation", err)
	}
	return nil
}

// InvocationLog reads the persisted invocation log.
type InvocationLog struct {
	db      *sql.DB
	timeout time.Duration
}

func NewInvocationLog(db *sql.DB) *InvocationLog {
	return &InvocationLog{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate checks whether an invocation id was already logged.
func (l *InvocationLog) IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var exists int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM vault.invocations WHERE invocation_id = $1 LIMIT 1`, id,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Tip returns the sequence and state hash of the last logged invocation.
// found is false on an empty log.
func (l *InvocationLog) Tip(ctx context.Context) (seq int64, hash event.Hash, found bool, err error) {
	var raw []byte
	err = l.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM vault.invocations ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &raw)
	if err == sql.ErrNoRows {
		return 0, event.Hash{}, false, nil
	}
	if err != nil {
		return 0, event.Hash{}, false, fmt.Errorf("select log tip: %w", err)
	}
	if len(raw) != len(hash) {
		return 0, event.Hash{}, false, fmt.Errorf("log tip seq=%d: state hash has %d bytes", seq, len(raw))
	}
	copy(hash[:], raw)
	return seq, hash, true, nil
}

// RecentIDs returns up to limit of the most recently logged invocation ids,
// for warming the in-memory dedup cache.
func (l *InvocationLog) RecentIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT invocation_id FROM vault.invocations ORDER BY sequence DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Envelopes returns logged envelopes with sequence > after in order.
// An empty group matches every group.
func (l *InvocationLog) Envelopes(ctx context.Context, group string, after int64, limit int) ([]*event.Envelope, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT envelope FROM vault.invocations
		WHERE sequence > $1 AND ($2 = '' OR group_key = $2)
		ORDER BY sequence
		LIMIT $3`,
		after, group, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select envelopes: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		env := &event.Envelope{}
		if err := json.Unmarshal(payload, env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}
