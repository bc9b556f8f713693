// internal/venue/types.go
package venue

import (
	"fmt"

	"LeverVault/internal/errs"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

const component = errs.ComponentVenue

// TokenInfo is one listed token of a venue group.
type TokenInfo struct {
	Mint     solana.PublicKey `json:"mint"`
	Decimals uint8            `json:"decimals"`
}

// PerpMarketInfo is the static lot configuration of a perp market.
// A zero Key means the token index has no perp market.
type PerpMarketInfo struct {
	Key          solana.PublicKey `json:"key"`
	BaseLotSize  int64            `json:"base_lot_size"`
	QuoteLotSize int64            `json:"quote_lot_size"`
}

// Group is the venue's market table. Tokens and PerpMarkets are indexed
// together; QuoteIndex names the quote (settlement) token.
type Group struct {
	Key         solana.PublicKey `json:"key"`
	Tokens      []TokenInfo      `json:"tokens"`
	PerpMarkets []PerpMarketInfo `json:"perp_markets"`
	QuoteIndex  int              `json:"quote_index"`
}

// QuoteDecimals is the decimals of the quote token. It is zero for a group
// whose quote index is out of range; Validate rejects such groups.
func (g *Group) QuoteDecimals() uint8 {
	if g.QuoteIndex < 0 || g.QuoteIndex >= len(g.Tokens) {
		return 0
	}
	return g.Tokens[g.QuoteIndex].Decimals
}

// PerpMarketIndex returns the token index traded by market.
func (g *Group) PerpMarketIndex(market solana.PublicKey) (int, bool) {
	if market.IsZero() {
		return 0, false
	}
	for i, pm := range g.PerpMarkets {
		if pm.Key == market {
			return i, true
		}
	}
	return 0, false
}

// TokenIndex returns the index listing mint.
func (g *Group) TokenIndex(mint solana.PublicKey) (int, bool) {
	for i, t := range g.Tokens {
		if t.Mint == mint {
			return i, true
		}
	}
	return 0, false
}

// PerpAccount is one perp position. BasePosition is in base lots,
// QuotePosition in quote native units.
type PerpAccount struct {
	BasePosition        int64         `json:"base_position"`
	QuotePosition       fpmath.I80F48 `json:"quote_position"`
	LongSettledFunding  fpmath.I80F48 `json:"long_settled_funding"`
	ShortSettledFunding fpmath.I80F48 `json:"short_settled_funding"`
}

// Account is a margin account: per-token spot deposits and borrows in
// index-adjusted units, plus per-market perp positions.
type Account struct {
	Key      solana.PublicKey `json:"key"`
	Owner    solana.PublicKey `json:"owner"`
	Deposits []fpmath.I80F48  `json:"deposits"`
	Borrows  []fpmath.I80F48  `json:"borrows"`
	Perps    []PerpAccount    `json:"perps"`
}

type RootBankCache struct {
	DepositIndex fpmath.I80F48 `json:"deposit_index"`
	BorrowIndex  fpmath.I80F48 `json:"borrow_index"`
}

type PerpMarketCache struct {
	LongFunding  fpmath.I80F48 `json:"long_funding"`
	ShortFunding fpmath.I80F48 `json:"short_funding"`
}

// Cache holds per-token prices (quote native per base native) and the
// interest and funding indices.
type Cache struct {
	Key         solana.PublicKey  `json:"key"`
	Prices      []fpmath.I80F48   `json:"prices"`
	RootBanks   []RootBankCache   `json:"root_banks"`
	PerpMarkets []PerpMarketCache `json:"perp_markets"`
}

// Snapshot is the venue state one invocation reasons about.
type Snapshot struct {
	Group   Group   `json:"group"`
	Account Account `json:"account"`
	Cache   Cache   `json:"cache"`
}

// Validate checks that the group lists at least one token and that every
// per-token table has one entry per listed token.
func (s *Snapshot) Validate() error {
	n := len(s.Group.Tokens)
	if n == 0 {
		return fmt.Errorf("venue group %s lists no tokens: %w", s.Group.Key, errs.New(component, errs.InvalidAccount))
	}
	if s.Group.QuoteIndex < 0 || s.Group.QuoteIndex >= n {
		return fmt.Errorf("quote index %d out of range: %w", s.Group.QuoteIndex, errs.New(component, errs.InvalidAccount))
	}

	lens := []struct {
		name string
		n    int
	}{
		{"perp_markets", len(s.Group.PerpMarkets)},
		{"deposits", len(s.Account.Deposits)},
		{"borrows", len(s.Account.Borrows)},
		{"perps", len(s.Account.Perps)},
		{"prices", len(s.Cache.Prices)},
		{"root_banks", len(s.Cache.RootBanks)},
		{"perp_market_caches", len(s.Cache.PerpMarkets)},
	}
	for _, l := range lens {
		if l.n != n {
			return fmt.Errorf("snapshot %s has %d entries, want %d: %w", l.name, l.n, n, errs.New(component, errs.InvalidAccount))
		}
	}
	return nil
}

// Matches checks that the snapshot describes the accounts ref names.
func (s *Snapshot) Matches(ref AccountRef) error {
	if s.Group.Key != ref.VenueGroup || s.Account.Key != ref.Account || s.Cache.Key != ref.Cache {
		return fmt.Errorf("snapshot for %s/%s/%s does not match request %s/%s/%s: %w",
			s.Group.Key, s.Account.Key, s.Cache.Key, ref.VenueGroup, ref.Account, ref.Cache,
			errs.New(component, errs.InvalidAccount))
	}
	return nil
}

// NewGroup lays out a venue group with empty per-token tables.
func NewGroup(key solana.PublicKey, tokens []TokenInfo, quoteIndex int) Group {
	return Group{
		Key:         key,
		Tokens:      tokens,
		PerpMarkets: make([]PerpMarketInfo, len(tokens)),
		QuoteIndex:  quoteIndex,
	}
}

// NewAccount returns an empty margin account sized for g.
func NewAccount(key, owner solana.PublicKey, g *Group) Account {
	n := len(g.Tokens)
	return Account{
		Key:      key,
		Owner:    owner,
		Deposits: make([]fpmath.I80F48, n),
		Borrows:  make([]fpmath.I80F48, n),
		Perps:    make([]PerpAccount, n),
	}
}

// NewCache returns a cache sized for g with unit indices and zero prices,
// except the quote token which is priced at one.
func NewCache(key solana.PublicKey, g *Group) Cache {
	n := len(g.Tokens)
	c := Cache{
		Key:         key,
		Prices:      make([]fpmath.I80F48, n),
		RootBanks:   make([]RootBankCache, n),
		PerpMarkets: make([]PerpMarketCache, n),
	}
	for i := range c.RootBanks {
		c.RootBanks[i] = RootBankCache{DepositIndex: fpmath.One, BorrowIndex: fpmath.One}
	}
	if n > 0 {
		c.Prices[g.QuoteIndex] = fpmath.One
	}
	return c
}
