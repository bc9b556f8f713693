// internal/venue/gateway.go
package venue

import (
	"context"
	"errors"

	"LeverVault/internal/ledger"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var ErrVenueRejected = errors.New("venue rejected request")

// Side of a perp order
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
)

func (t OrderType) String() string { return "limit" }

// Order is a perp order in lot units.
type Order struct {
	PerpMarket    solana.PublicKey `json:"perp_market"`
	Side          Side             `json:"side"`
	Price         int64            `json:"price"`    // quote lots per base lot
	Quantity      int64            `json:"quantity"` // base lots, always positive
	ClientOrderID uint64           `json:"client_order_id"`
	Type          OrderType        `json:"type"`
}

// AccountRef addresses one margin account and the cache it is valued against.
type AccountRef struct {
	VenueGroup solana.PublicKey `json:"venue_group"`
	Account    solana.PublicKey `json:"account"`
	Cache      solana.PublicKey `json:"cache"`
}

// OpenRequest opens a margin account in a venue group.
type OpenRequest struct {
	RequestID  uuid.UUID        `json:"request_id"`
	VenueGroup solana.PublicKey `json:"venue_group"`
	Account    solana.PublicKey `json:"account"`
}

type DepositRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	AccountRef
	ReserveRefs []solana.PublicKey `json:"reserve_refs,omitempty"`
	Source      solana.PublicKey   `json:"source"`
	Amount      uint64             `json:"amount"`
}

type WithdrawRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	AccountRef
	ReserveRefs []solana.PublicKey `json:"reserve_refs,omitempty"`
	Destination solana.PublicKey   `json:"destination"`
	Amount      uint64             `json:"amount"`
	AllowBorrow bool               `json:"allow_borrow"`
}

type OrderRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	AccountRef
	BookRefs []solana.PublicKey `json:"book_refs,omitempty"`
	Order    Order              `json:"order"`
}

// Gateway issues blocking calls to the trading venue, each signed by the
// vault's delegated authority. A request carrying a non-zero RequestID takes
// effect at most once: repeating it succeeds without further effect, so a
// redelivered invocation never moves funds twice.
type Gateway interface {
	OpenAccount(ctx context.Context, auth ledger.Authority, req OpenRequest) error
	Deposit(ctx context.Context, auth ledger.Authority, req DepositRequest) error
	Withdraw(ctx context.Context, auth ledger.Authority, req WithdrawRequest) error
	PlacePerpOrder(ctx context.Context, auth ledger.Authority, req OrderRequest) error
}

// SnapshotSource reads venue state for one margin account.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, ref AccountRef) (*Snapshot, error)
}

// Venue is a gateway that can also report its state.
type Venue interface {
	Gateway
	SnapshotSource
}
