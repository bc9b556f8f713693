package projection

import (
	"LeverVault/internal/event"
	"LeverVault/internal/vault"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TokenStats is the running activity summary of one leverage token. It is
// derived from the invocation log and can always be rebuilt from it.
type TokenStats struct {
	Mint  solana.PublicKey `json:"mint"`
	Group solana.PublicKey `json:"group"`

	// Units of leverage token issued and burned
	Minted   uint64 `json:"minted"`
	Redeemed uint64 `json:"redeemed"`

	// Quote native deposited by mints and withdrawn by redeems
	QuoteIn  decimal.Decimal `json:"quote_in"`
	QuoteOut decimal.Decimal `json:"quote_out"`

	LastNativePrice string `json:"last_native_price"`
	LastNAV         string `json:"last_nav"`

	Rebalances   int64 `json:"rebalances"`
	OrdersPlaced int64 `json:"orders_placed"`

	LastSequence int64 `json:"last_sequence"`
}

// Supply is the outstanding supply implied by the log.
func (s *TokenStats) Supply() uint64 { return s.Minted - s.Redeemed }

// TouchedMint returns the leverage token an applied envelope changed.
func TouchedMint(env *event.Envelope) (solana.PublicKey, bool) {
	if env.Outcome != event.OutcomeApplied {
		return solana.PublicKey{}, false
	}
	switch {
	case env.MintRedeem != nil:
		return env.MintRedeem.Mint, true
	case env.Order != nil:
		return env.Order.Mint, true
	}
	return solana.PublicKey{}, false
}

// Apply folds env into s. Envelopes at or below LastSequence are ignored,
// so replaying an overlapping range is harmless. Reports whether s changed.
func (s *TokenStats) Apply(env *event.Envelope) bool {
	mint, ok := TouchedMint(env)
	if !ok || mint != s.Mint || env.Sequence <= s.LastSequence {
		return false
	}
	s.Group = env.Group

	switch {
	case env.MintRedeem != nil:
		mr := env.MintRedeem
		amount := decimal.NewFromUint64(mr.Amount)
		switch env.Instruction {
		case vault.InstructionMint.String():
			s.Minted += mr.Quantity
			s.QuoteIn = s.QuoteIn.Add(amount)
		case vault.InstructionRedeem.String():
			s.Redeemed += mr.Quantity
			s.QuoteOut = s.QuoteOut.Add(amount)
		}
		if mr.NativePrice != "" {
			s.LastNativePrice = mr.NativePrice
		}

	case env.Order != nil:
		s.Rebalances++
		if env.Order.Quantity > 0 {
			s.OrdersPlaced++
		}
		s.LastNAV = env.Order.NAV
	}

	s.LastSequence = env.Sequence
	return true
}

// Fold builds stats for every token touched by envs, in sequence order.
func Fold(envs []*event.Envelope) map[solana.PublicKey]*TokenStats {
	out := make(map[solana.PublicKey]*TokenStats)
	for _, env := range envs {
		mint, ok := TouchedMint(env)
		if !ok {
			continue
		}
		s, ok := out[mint]
		if !ok {
			s = &TokenStats{Mint: mint}
			out[mint] = s
		}
		s.Apply(env)
	}
	return out
}
