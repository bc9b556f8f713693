package event

import (
	"github.com/gagliardetto/solana-go"
)

// MintRedeem records a supply change and the collateral that moved with it.
type MintRedeem struct {
	Mint        solana.PublicKey `json:"mint"`
	Owner       solana.PublicKey `json:"owner"`
	Quantity    uint64           `json:"quantity"`
	NativePrice string           `json:"native_price"` // exact decimal
	Amount      uint64           `json:"amount"`       // quote native moved at the venue
}

// OrderPlaced records the rebalance decision and the order it issued.
// Quantity is zero when the delta truncated to no order.
type OrderPlaced struct {
	Mint          solana.PublicKey `json:"mint"`
	PerpMarket    solana.PublicKey `json:"perp_market"`
	Side          string           `json:"side,omitempty"`
	Price         int64            `json:"price"`
	Quantity      int64            `json:"quantity"`
	ClientOrderID uint64           `json:"client_order_id"`
	NAV           string           `json:"nav"`
	Exposure      string           `json:"exposure"`
	Target        string           `json:"target"`
}
