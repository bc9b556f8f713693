package query

import (
	"LeverVault/internal/registry"

	"github.com/gagliardetto/solana-go"
)

// GroupResponse is the JSON view of a group record. Empty slots are
// omitted.
type GroupResponse struct {
	Key            solana.PublicKey        `json:"key"`
	Version        uint8                   `json:"version"`
	AdminKey       solana.PublicKey        `json:"admin_key"`
	SignerKey      solana.PublicKey        `json:"signer_key"`
	SignerNonce    uint64                  `json:"signer_nonce"`
	VenueProgram   solana.PublicKey        `json:"venue_program"`
	BaseTokens     []BaseTokenResponse     `json:"base_tokens"`
	LeverageTokens []LeverageTokenResponse `json:"leverage_tokens"`
}

type BaseTokenResponse struct {
	Mint     solana.PublicKey `json:"mint"`
	Decimals uint8            `json:"decimals"`
	Oracle   solana.PublicKey `json:"oracle"`
}

type LeverageTokenResponse struct {
	Mint            solana.PublicKey `json:"mint"`
	BaseTokenMint   solana.PublicKey `json:"base_token_mint"`
	TargetLeverage  string           `json:"target_leverage"` // exact decimal
	VenueAccount    solana.PublicKey `json:"venue_account"`
	VenuePerpMarket solana.PublicKey `json:"venue_perp_market"`
}

// PriceResponse carries derived values (computed at query time, NOT
// persisted). Fixed-point values are exact decimals in quote native units.
type PriceResponse struct {
	Mint           solana.PublicKey `json:"mint"`
	TargetLeverage string           `json:"target_leverage"`
	Supply         uint64           `json:"supply"`
	NAV            string           `json:"nav"`
	NativePrice    string           `json:"native_price"`
	Exposure       []string         `json:"exposure"` // per venue token index
}

func newGroupResponse(key solana.PublicKey, g *registry.Group) *GroupResponse {
	resp := &GroupResponse{
		Key:            key,
		Version:        g.Version,
		AdminKey:       g.AdminKey,
		SignerKey:      g.SignerKey,
		SignerNonce:    g.SignerNonce,
		VenueProgram:   g.VenueProgram,
		BaseTokens:     make([]BaseTokenResponse, 0, g.NumBaseTokens),
		LeverageTokens: make([]LeverageTokenResponse, 0, g.NumLeverageTokens),
	}
	for i := range g.BaseTokens {
		b := &g.BaseTokens[i]
		if b.IsEmpty() {
			continue
		}
		resp.BaseTokens = append(resp.BaseTokens, BaseTokenResponse{
			Mint:     b.Mint,
			Decimals: b.Decimals,
			Oracle:   b.Oracle,
		})
	}
	for i := range g.LeverageTokens {
		l := &g.LeverageTokens[i]
		if l.IsEmpty() {
			continue
		}
		resp.LeverageTokens = append(resp.LeverageTokens, LeverageTokenResponse{
			Mint:            l.Mint,
			BaseTokenMint:   l.BaseTokenMint,
			TargetLeverage:  l.TargetLeverage.String(),
			VenueAccount:    l.VenueAccount,
			VenuePerpMarket: l.VenuePerpMarket,
		})
	}
	return resp
}
