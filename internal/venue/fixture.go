package venue

import (
	"encoding/json"
	"fmt"
	"io"

	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

// Fixture describes the markets a MemoryVenue starts with.
type Fixture struct {
	Groups []FixtureGroup `json:"groups"`
}

// FixtureGroup is one venue group plus the cache that prices it. Prices
// are keyed by token index; the quote token is always priced at 1.
type FixtureGroup struct {
	Group  Group                  `json:"group"`
	Cache  solana.PublicKey       `json:"cache"`
	Prices map[int]fpmath.I80F48 `json:"prices"`
}

// ReadFixture decodes a JSON fixture. Unknown fields are rejected.
func ReadFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("decode venue fixture: %w", err)
	}
	return f, nil
}

// Seed registers every group and cache in f.
func (m *MemoryVenue) Seed(f Fixture) error {
	for _, fg := range f.Groups {
		g := fg.Group
		n := len(g.Tokens)
		if g.QuoteIndex < 0 || g.QuoteIndex >= n {
			return fmt.Errorf("venue group %s: quote index %d out of range [0, %d)", g.Key, g.QuoteIndex, n)
		}
		if len(g.PerpMarkets) > n {
			return fmt.Errorf("venue group %s: %d perp markets for %d tokens", g.Key, len(g.PerpMarkets), n)
		}
		for len(g.PerpMarkets) < n {
			g.PerpMarkets = append(g.PerpMarkets, PerpMarketInfo{})
		}

		cache := NewCache(fg.Cache, &g)
		for i, p := range fg.Prices {
			if i < 0 || i >= n {
				return fmt.Errorf("venue group %s: price for token index %d out of range", g.Key, i)
			}
			if i == g.QuoteIndex {
				continue
			}
			cache.Prices[i] = p
		}

		m.AddGroup(g)
		m.SetCache(cache)
	}
	return nil
}
