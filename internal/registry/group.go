// internal/registry/group.go
package registry

import (
	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

const component = errs.ComponentRegistry

const (
	MaxBaseTokens     = 16
	MaxLeverageTokens = 32

	// New leverage tokens are whole units priced at one quote unit.
	LeverageTokenDecimals     = 0
	InitialLeverageTokenPrice = 1
)

// DataType tags a persisted record.
type DataType uint8

const (
	DataTypeGroup DataType = iota
	DataTypeBaseToken
	DataTypeLeverageToken
)

// MetaData is the common record header.
type MetaData struct {
	DataType      DataType
	Version       uint8
	IsInitialized bool
}

// BaseToken is a registered collateral asset.
type BaseToken struct {
	Mint     solana.PublicKey
	Decimals uint8
	Oracle   solana.PublicKey
}

func (b *BaseToken) IsEmpty() bool { return b.Mint.IsZero() }

// LeverageToken is a synthetic token tracking TargetLeverage times the
// exposure of its base token through one venue account.
type LeverageToken struct {
	Mint            solana.PublicKey
	BaseTokenMint   solana.PublicKey
	TargetLeverage  fpmath.I80F48
	VenueAccount    solana.PublicKey
	VenuePerpMarket solana.PublicKey
}

func (l *LeverageToken) IsEmpty() bool { return l.Mint.IsZero() }

// Group is the root configuration record. Slots are append-only and a slot
// is empty iff its mint is the zero key.
type Group struct {
	MetaData

	NumBaseTokens uint64
	BaseTokens    [MaxBaseTokens]BaseToken

	NumLeverageTokens uint64
	LeverageTokens    [MaxLeverageTokens]LeverageToken

	SignerNonce  uint64
	SignerKey    solana.PublicKey
	AdminKey     solana.PublicKey
	VenueProgram solana.PublicKey
}

// Init fills an uninitialized record. authority must be the address derived
// from the group key and its nonce.
func (g *Group) Init(admin solana.PublicKey, authority ledger.Authority, venueProgram solana.PublicKey) error {
	if err := errs.Check(!g.IsInitialized, component, errs.Default); err != nil {
		return err
	}

	g.MetaData = MetaData{DataType: DataTypeGroup, Version: 0, IsInitialized: true}
	g.SignerNonce = authority.Nonce
	g.SignerKey = authority.Key
	g.AdminKey = admin
	g.VenueProgram = venueProgram
	return nil
}

// CheckAdmin verifies that key signed and is the group admin.
func (g *Group) CheckAdmin(key solana.PublicKey, isSigner bool) error {
	if err := errs.Check(isSigner, component, errs.SignerNecessary); err != nil {
		return err
	}
	return errs.Check(key == g.AdminKey, component, errs.InvalidAdminKey)
}

// Authority rebuilds the delegated signing capability for this group.
func (g *Group) Authority(groupKey solana.PublicKey) ledger.Authority {
	return ledger.Authority{Key: g.SignerKey, Group: groupKey, Nonce: g.SignerNonce}
}

// AddBaseToken appends a base token and returns its slot index.
func (g *Group) AddBaseToken(mint solana.PublicKey, decimals uint8, oracle solana.PublicKey) (int, error) {
	if err := errs.Check(!mint.IsZero(), component, errs.InvalidToken); err != nil {
		return 0, err
	}
	if err := errs.Check(g.NumBaseTokens < MaxBaseTokens, component, errs.OutOfSpace); err != nil {
		return 0, err
	}
	if _, ok := g.FindBaseToken(mint); ok {
		return 0, errs.New(component, errs.InvalidParam)
	}

	idx := int(g.NumBaseTokens)
	if err := errs.Check(g.BaseTokens[idx].IsEmpty(), component, errs.Default); err != nil {
		return 0, err
	}

	g.BaseTokens[idx] = BaseToken{Mint: mint, Decimals: decimals, Oracle: oracle}
	g.NumBaseTokens++
	return idx, nil
}

// AddLeverageToken appends a leverage token over an already registered base
// token. (base mint, target leverage) must be unique, as must the mint.
func (g *Group) AddLeverageToken(lt LeverageToken) (int, error) {
	if err := errs.Check(!lt.Mint.IsZero(), component, errs.InvalidToken); err != nil {
		return 0, err
	}
	if _, ok := g.FindBaseToken(lt.BaseTokenMint); !ok {
		return 0, errs.New(component, errs.InvalidAccount)
	}
	if err := errs.Check(lt.TargetLeverage.IsPositive(), component, errs.InvalidParam); err != nil {
		return 0, err
	}
	if _, ok := g.FindLeverageToken(lt.BaseTokenMint, lt.TargetLeverage); ok {
		return 0, errs.New(component, errs.Default)
	}
	if _, ok := g.FindLeverageTokenByMint(lt.Mint); ok {
		return 0, errs.New(component, errs.InvalidParam)
	}
	if err := errs.Check(g.NumLeverageTokens < MaxLeverageTokens, component, errs.OutOfSpace); err != nil {
		return 0, err
	}

	idx := int(g.NumLeverageTokens)
	if err := errs.Check(g.LeverageTokens[idx].IsEmpty(), component, errs.Default); err != nil {
		return 0, err
	}

	g.LeverageTokens[idx] = lt
	g.NumLeverageTokens++
	return idx, nil
}

// FindBaseToken returns the slot holding mint.
func (g *Group) FindBaseToken(mint solana.PublicKey) (int, bool) {
	if mint.IsZero() {
		return 0, false
	}
	for i := 0; i < int(g.NumBaseTokens); i++ {
		if g.BaseTokens[i].Mint == mint {
			return i, true
		}
	}
	return 0, false
}

// FindLeverageToken returns the slot for (base mint, target leverage).
func (g *Group) FindLeverageToken(baseMint solana.PublicKey, target fpmath.I80F48) (int, bool) {
	for i := 0; i < int(g.NumLeverageTokens); i++ {
		lt := &g.LeverageTokens[i]
		if lt.BaseTokenMint == baseMint && lt.TargetLeverage == target {
			return i, true
		}
	}
	return 0, false
}

// FindLeverageTokenByMint returns the slot holding mint.
func (g *Group) FindLeverageTokenByMint(mint solana.PublicKey) (int, bool) {
	if mint.IsZero() {
		return 0, false
	}
	for i := 0; i < int(g.NumLeverageTokens); i++ {
		if g.LeverageTokens[i].Mint == mint {
			return i, true
		}
	}
	return 0, false
}
