package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Mint is a fungible token definition.
type Mint struct {
	Key       solana.PublicKey
	Authority solana.PublicKey
	Decimals  uint8
	Supply    uint64
}

// TokenLedger is the host token program: supplies and holder balances.
// Holders are token-account keys; each holds exactly one mint.
type TokenLedger interface {
	GetMint(ctx context.Context, key solana.PublicKey) (*Mint, error)
	BalanceOf(ctx context.Context, mint, holder solana.PublicKey) (uint64, error)
	MintTo(ctx context.Context, mint, holder solana.PublicKey, authority Authority, amount uint64) error
	Burn(ctx context.Context, mint, holder solana.PublicKey, amount uint64) error
}

// Tx is one all-or-nothing unit of host writes. Nothing staged through a Tx
// is visible to other readers until Commit succeeds.
type Tx interface {
	AccountStore
	TokenLedger
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Host opens transactions against the host ledger.
type Host interface {
	Begin(ctx context.Context) (Tx, error)
}
