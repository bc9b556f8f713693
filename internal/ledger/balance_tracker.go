package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type balanceKey struct {
	Mint   solana.PublicKey
	Holder solana.PublicKey
}

// MemoryHost keeps accounts, mints and token balances in memory. Each Tx
// stages its writes in an overlay and merges them on Commit.
type MemoryHost struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
	mints    map[solana.PublicKey]*Mint
	balances map[balanceKey]uint64
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		accounts: make(map[solana.PublicKey]*Account),
		mints:    make(map[solana.PublicKey]*Mint),
		balances: make(map[balanceKey]uint64),
	}
}

// CreateAccount seeds an account outside any transaction.
func (h *MemoryHost) CreateAccount(acct *Account) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accounts[acct.Key] = acct.Clone()
}

// CreateMint seeds a mint outside any transaction.
func (h *MemoryHost) CreateMint(m Mint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mints[m.Key] = &m
}

// SetBalance seeds a holder balance outside any transaction.
func (h *MemoryHost) SetBalance(mint, holder solana.PublicKey, amount uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[balanceKey{mint, holder}] = amount
}

// Account returns a committed copy of an account.
func (h *MemoryHost) Account(key solana.PublicKey) (*Account, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.accounts[key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Mint returns a committed copy of a mint.
func (h *MemoryHost) Mint(key solana.PublicKey) (Mint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.mints[key]
	if !ok {
		return Mint{}, false
	}
	return *m, true
}

// Balance returns the committed balance of holder in mint.
func (h *MemoryHost) Balance(mint, holder solana.PublicKey) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.balances[balanceKey{mint, holder}]
}

func (h *MemoryHost) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{
		host:     h,
		accounts: make(map[solana.PublicKey]*Account),
		mints:    make(map[solana.PublicKey]*Mint),
		balances: make(map[balanceKey]uint64),
	}, nil
}

type memoryTx struct {
	host     *MemoryHost
	done     bool
	accounts map[solana.PublicKey]*Account
	mints    map[solana.PublicKey]*Mint
	balances map[balanceKey]uint64
}

func (tx *memoryTx) GetAccount(ctx context.Context, key solana.PublicKey) (*Account, error) {
	if a, ok := tx.accounts[key]; ok {
		return a.Clone(), nil
	}
	if a, ok := tx.host.Account(key); ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
}

func (tx *memoryTx) PutAccount(ctx context.Context, acct *Account) error {
	tx.accounts[acct.Key] = acct.Clone()
	return nil
}

func (tx *memoryTx) GetMint(ctx context.Context, key solana.PublicKey) (*Mint, error) {
	if m, ok := tx.mints[key]; ok {
		out := *m
		return &out, nil
	}
	if m, ok := tx.host.Mint(key); ok {
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMintNotFound, key)
}

func (tx *memoryTx) BalanceOf(ctx context.Context, mint, holder solana.PublicKey) (uint64, error) {
	k := balanceKey{mint, holder}
	if b, ok := tx.balances[k]; ok {
		return b, nil
	}
	return tx.host.Balance(mint, holder), nil
}

func (tx *memoryTx) MintTo(ctx context.Context, mint, holder solana.PublicKey, authority Authority, amount uint64) error {
	m, err := tx.GetMint(ctx, mint)
	if err != nil {
		return err
	}
	if m.Authority != authority.Key {
		return fmt.Errorf("%w: mint %s", ErrMintAuthority, mint)
	}
	if m.Supply+amount < m.Supply {
		return ErrSupplyOverflow
	}
	bal, err := tx.BalanceOf(ctx, mint, holder)
	if err != nil {
		return err
	}

	m.Supply += amount
	tx.mints[mint] = m
	tx.balances[balanceKey{mint, holder}] = bal + amount
	return nil
}

func (tx *memoryTx) Burn(ctx context.Context, mint, holder solana.PublicKey, amount uint64) error {
	m, err := tx.GetMint(ctx, mint)
	if err != nil {
		return err
	}
	bal, err := tx.BalanceOf(ctx, mint, holder)
	if err != nil {
		return err
	}
	if bal < amount || m.Supply < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientBalance, bal, amount)
	}

	m.Supply -= amount
	tx.mints[mint] = m
	tx.balances[balanceKey{mint, holder}] = bal - amount
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true

	h := tx.host
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, a := range tx.accounts {
		h.accounts[k] = a
	}
	for k, m := range tx.mints {
		h.mints[k] = m
	}
	for k, b := range tx.balances {
		h.balances[k] = b
	}
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	tx.done = true
	tx.accounts, tx.mints, tx.balances = nil, nil, nil
	return nil
}
