package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrMintNotFound        = errors.New("mint not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrMintAuthority       = errors.New("signer is not the mint authority")
	ErrSupplyOverflow      = errors.New("mint supply overflow")

	// ErrHostUnavailable marks a storage failure rather than a rejected
	// request; callers may retry.
	ErrHostUnavailable = errors.New("host ledger unavailable")
)

// Rent parameters of the host chain: storage overhead, lamports per
// byte-year and the two-year exemption threshold.
const (
	accountStorageOverhead = 128
	lamportsPerByteYear    = 3480
	exemptionYears         = 2
)

// Account is a host-owned data account: a record, an oracle or a venue
// handle.
type Account struct {
	Key      solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Clone returns a deep copy so staged writes never alias committed state.
func (a *Account) Clone() *Account {
	out := *a
	out.Data = append([]byte(nil), a.Data...)
	return &out
}

// MinimumBalance is the lamport balance an account of dataLen bytes needs
// to be rent exempt.
func MinimumBalance(dataLen int) uint64 {
	return uint64(accountStorageOverhead+dataLen) * lamportsPerByteYear * exemptionYears
}

// IsRentExempt reports whether the account holds enough lamports for its size.
func (a *Account) IsRentExempt() bool {
	return a.Lamports >= MinimumBalance(len(a.Data))
}

// AccountStore reads and stages data accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (*Account, error)
	PutAccount(ctx context.Context, acct *Account) error
}
