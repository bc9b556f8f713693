package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"LeverVault/internal/ledger"

	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Store is the Postgres-backed host ledger. Every Tx maps onto one SQL
// transaction, so the staged writes of an invocation and its log entry
// commit together.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, unavailable("begin", err)
	}
	return &pgTx{tx: tx}, nil
}

// unavailable marks a driver failure as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrHostUnavailable, err)
}

// IsUniqueViolation reports whether err is a Postgres duplicate-key error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getAccount(ctx context.Context, q querier, key solana.PublicKey) (*ledger.Account, error) {
	var owner, lamports string
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT owner, lamports, data FROM vault.accounts WHERE key = $1`, key.String(),
	).Scan(&owner, &lamports, &data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, key)
	}
	if err != nil {
		return nil, unavailable("select account", err)
	}

	acct := &ledger.Account{Key: key, Data: data}
	if acct.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("account %s owner: %w", key, err)
	}
	if acct.Lamports, err = strconv.ParseUint(lamports, 10, 64); err != nil {
		return nil, fmt.Errorf("account %s lamports: %w", key, err)
	}
	return acct, nil
}

func putAccount(ctx context.Context, q querier, acct *ledger.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vault.accounts (key, owner, lamports, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, lamports = EXCLUDED.lamports, data = EXCLUDED.data, updated_at = NOW()`,
		acct.Key.String(), acct.Owner.String(), strconv.FormatUint(acct.Lamports, 10), acct.Data,
	)
	if err != nil {
		return unavailable("upsert account", err)
	}
	return nil
}

func getMint(ctx context.Context, q querier, key solana.PublicKey) (*ledger.Mint, error) {
	var authority, supply string
	var decimals int16
	err := q.QueryRowContext(ctx,
		`SELECT authority, decimals, supply FROM vault.mints WHERE key = $1`, key.String(),
	).Scan(&authority, &decimals, &supply)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMintNotFound, key)
	}
	if err != nil {
		return nil, unavailable("select mint", err)
	}

	m := &ledger.Mint{Key: key, Decimals: uint8(decimals)}
	if m.Authority, err = solana.PublicKeyFromBase58(authority); err != nil {
		return nil, fmt.Errorf("mint %s authority: %w", key, err)
	}
	if m.Supply, err = strconv.ParseUint(supply, 10, 64); err != nil {
		return nil, fmt.Errorf("mint %s supply: %w", key, err)
	}
	return m, nil
}

func putMint(ctx context.Context, q querier, m ledger.Mint) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vault.mints (key, authority, decimals, supply)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET authority = EXCLUDED.authority, decimals = EXCLUDED.decimals, supply = EXCLUDED.supply`,
		m.Key.String(), m.Authority.String(), int16(m.Decimals), strconv.FormatUint(m.Supply, 10),
	)
	if err != nil {
		return unavailable("upsert mint", err)
	}
	return nil
}

func balanceOf(ctx context.Context, q querier, mint, holder solana.PublicKey) (uint64, error) {
	var amount string
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM vault.balances WHERE mint = $1 AND holder = $2`, mint.String(), holder.String(),
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("select balance", err)
	}
	return strconv.ParseUint(amount, 10, 64)
}

func putBalance(ctx context.Context, q querier, mint, holder solana.PublicKey, amount uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vault.balances (mint, holder, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (mint, holder) DO UPDATE SET amount = EXCLUDED.amount`,
		mint.String(), holder.String(), strconv.FormatUint(amount, 10),
	)
	if err != nil {
		return unavailable("upsert balance", err)
	}
	return nil
}

// --- Direct reads and seeding (outside the processor) ---

func (s *Store) Account(ctx context.Context, key solana.PublicKey) (*ledger.Account, error) {
	return getAccount(ctx, s.db, key)
}

func (s *Store) Mint(ctx context.Context, key solana.PublicKey) (*ledger.Mint, error) {
	return getMint(ctx, s.db, key)
}

func (s *Store) Balance(ctx context.Context, mint, holder solana.PublicKey) (uint64, error) {
	return balanceOf(ctx, s.db, mint, holder)
}

// CreateAccount seeds an account, e.g. an uninitialized group record.
func (s *Store) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	return putAccount(ctx, s.db, acct)
}

// CreateMint seeds a mint.
func (s *Store) CreateMint(ctx context.Context, m ledger.Mint) error {
	return putMint(ctx, s.db, m)
}

// --- Transaction ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, key solana.PublicKey) (*ledger.Account, error) {
	return getAccount(ctx, t.tx, key)
}

func (t *pgTx) PutAccount(ctx context.Context, acct *ledger.Account) error {
	return putAccount(ctx, t.tx, acct)
}

func (t *pgTx) GetMint(ctx context.Context, key solana.PublicKey) (*ledger.Mint, error) {
	return getMint(ctx, t.tx, key)
}

func (t *pgTx) BalanceOf(ctx context.Context, mint, holder solana.PublicKey) (uint64, error) {
	return balanceOf(ctx, t.tx, mint, holder)
}

func (t *pgTx) MintTo(ctx context.Context, mint, holder solana.PublicKey, authority ledger.Authority, amount uint64) error {
	m, err := t.GetMint(ctx, mint)
	if err != nil {
		return err
	}
	if m.Authority != authority.Key {
		return fmt.Errorf("%w: mint %s", ledger.ErrMintAuthority, mint)
	}
	if m.Supply+amount < m.Supply {
		return ledger.ErrSupplyOverflow
	}
	bal, err := t.BalanceOf(ctx, mint, holder)
	if err != nil {
		return err
	}

	m.Supply += amount
	if err := putMint(ctx, t.tx, *m); err != nil {
		return err
	}
	return putBalance(ctx, t.tx, mint, holder, bal+amount)
}

func (t *pgTx) Burn(ctx context.Context, mint, holder solana.PublicKey, amount uint64) error {
	m, err := t.GetMint(ctx, mint)
	if err != nil {
		return err
	}
	bal, err := t.BalanceOf(ctx, mint, holder)
	if err != nil {
		return err
	}
	if bal < amount || m.Supply < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ledger.ErrInsufficientBalance, bal, amount)
	}

	m.Supply -= amount
	if err := putMint(ctx, t.tx, *m); err != nil {
		return err
	}
	return putBalance(ctx, t.tx, mint, holder, bal-amount)
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return unavailable("rollback", err)
	}
	return nil
}
