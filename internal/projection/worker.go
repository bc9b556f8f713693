package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"LeverVault/internal/event"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

const workerID = "token_stats"

// ErrNoStats is returned for a mint with no applied activity.
var ErrNoStats = errors.New("no stats for mint")

// Worker updates the token_stats projection from logged envelopes.
// The projection channel is non-blocking with drop: if the worker falls
// behind, Rebuild replays the invocation log.
type Worker struct {
	db      *sql.DB
	in      <-chan *event.Envelope
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, in <-chan *event.Envelope, logger zerolog.Logger) *Worker {
	return &Worker{db: db, in: in, logger: logger}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.in:
			if !ok {
				return nil
			}
			if err := w.process(ctx, env); err != nil {
				// Continue: projections are eventually consistent
				w.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				continue
			}
			w.lastSeq = env.Sequence
		}
	}
}

func (w *Worker) process(ctx context.Context, env *event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if mint, ok := TouchedMint(env); ok {
		s, err := loadStats(ctx, tx, mint, true)
		if errors.Is(err, ErrNoStats) {
			s = &TokenStats{Mint: mint}
		} else if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		if s.Apply(env) {
			if err := saveStats(ctx, tx, s); err != nil {
				return fmt.Errorf("save stats: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// Rebuild recomputes the projection from the invocation log.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	rows, err := db.QueryContext(ctx, `
		SELECT envelope FROM vault.invocations
		WHERE outcome = 'applied'
		ORDER BY sequence`)
	if err != nil {
		return fmt.Errorf("scan log: %w", err)
	}
	defer rows.Close()

	var (
		envs []*event.Envelope
		last int64
	)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		env := new(event.Envelope)
		if err := json.Unmarshal(raw, env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		envs = append(envs, env)
		last = env.Sequence
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE vault.token_stats`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}
	stats := Fold(envs)
	for _, s := range stats {
		if err := saveStats(ctx, tx, s); err != nil {
			return fmt.Errorf("save stats: %w", err)
		}
	}
	if err := setWatermark(ctx, tx, last); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int("tokens", len(stats)).Int64("last_sequence", last).Msg("projection rebuild complete")
	return nil
}

// Reader serves the projection to the query API.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

func (r *Reader) TokenStats(ctx context.Context, mint solana.PublicKey) (*TokenStats, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return loadStats(ctx, tx, mint, false)
}

func loadStats(ctx context.Context, tx *sql.Tx, mint solana.PublicKey, forUpdate bool) (*TokenStats, error) {
	q := `SELECT group_key, minted, redeemed, quote_in, quote_out, last_native_price, last_nav,
		rebalances, orders_placed, last_sequence
		FROM vault.token_stats WHERE mint = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	s := &TokenStats{Mint: mint}
	var group, minted, redeemed string
	err := tx.QueryRowContext(ctx, q, mint.String()).Scan(
		&group, &minted, &redeemed, &s.QuoteIn, &s.QuoteOut, &s.LastNativePrice, &s.LastNAV,
		&s.Rebalances, &s.OrdersPlaced, &s.LastSequence,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNoStats, mint)
	}
	if err != nil {
		return nil, err
	}

	if s.Group, err = solana.PublicKeyFromBase58(group); err != nil {
		return nil, fmt.Errorf("stats %s group: %w", mint, err)
	}
	if s.Minted, err = strconv.ParseUint(minted, 10, 64); err != nil {
		return nil, fmt.Errorf("stats %s minted: %w", mint, err)
	}
	if s.Redeemed, err = strconv.ParseUint(redeemed, 10, 64); err != nil {
		return nil, fmt.Errorf("stats %s redeemed: %w", mint, err)
	}
	return s, nil
}

func saveStats(ctx context.Context, tx *sql.Tx, s *TokenStats) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.token_stats (mint, group_key, minted, redeemed, quote_in, quote_out,
			last_native_price, last_nav, rebalances, orders_placed, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (mint) DO UPDATE SET
			group_key = EXCLUDED.group_key,
			minted = EXCLUDED.minted,
			redeemed = EXCLUDED.redeemed,
			quote_in = EXCLUDED.quote_in,
			quote_out = EXCLUDED.quote_out,
			last_native_price = EXCLUDED.last_native_price,
			last_nav = EXCLUDED.last_nav,
			rebalances = EXCLUDED.rebalances,
			orders_placed = EXCLUDED.orders_placed,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()`,
		s.Mint.String(), s.Group.String(),
		strconv.FormatUint(s.Minted, 10), strconv.FormatUint(s.Redeemed, 10),
		s.QuoteIn, s.QuoteOut, s.LastNativePrice, s.LastNAV,
		s.Rebalances, s.OrdersPlaced, s.LastSequence,
	)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET last_sequence = GREATEST(vault.projection_watermark.last_sequence, EXCLUDED.last_sequence), updated_at = NOW()`,
		workerID, seq,
	)
	return err
}
