// internal/registry/layout.go
package registry

import (
	"encoding/binary"
	"fmt"

	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

// Persisted record layout, little-endian, fixed offsets.
const (
	headerSize        = 8
	baseTokenSize     = 72  // mint 32, decimals 1, oracle 32, pad 7
	leverageTokenSize = 144 // mint 32, base mint 32, target 16, venue account 32, perp market 32

	offNumBase     = headerSize
	offBaseTokens  = offNumBase + 8
	offNumLev      = offBaseTokens + MaxBaseTokens*baseTokenSize
	offLevTokens   = offNumLev + 8
	offSignerNonce = offLevTokens + MaxLeverageTokens*leverageTokenSize
	offSignerKey   = offSignerNonce + 8
	offAdminKey    = offSignerKey + 32
	offVenueProg   = offAdminKey + 32

	// GroupSize is the exact byte size of a persisted group record.
	GroupSize = offVenueProg + 32
)

// Marshal encodes g into its fixed-size persisted form.
func (g *Group) Marshal() []byte {
	buf := make([]byte, GroupSize)

	buf[0] = byte(g.DataType)
	buf[1] = g.Version
	if g.IsInitialized {
		buf[2] = 1
	}

	binary.LittleEndian.PutUint64(buf[offNumBase:], g.NumBaseTokens)
	for i := range g.BaseTokens {
		b := &g.BaseTokens[i]
		o := offBaseTokens + i*baseTokenSize
		copy(buf[o:o+32], b.Mint[:])
		buf[o+32] = b.Decimals
		copy(buf[o+33:o+65], b.Oracle[:])
	}

	binary.LittleEndian.PutUint64(buf[offNumLev:], g.NumLeverageTokens)
	for i := range g.LeverageTokens {
		l := &g.LeverageTokens[i]
		o := offLevTokens + i*leverageTokenSize
		copy(buf[o:o+32], l.Mint[:])
		copy(buf[o+32:o+64], l.BaseTokenMint[:])
		target := l.TargetLeverage.LEBytes()
		copy(buf[o+64:o+80], target[:])
		copy(buf[o+80:o+112], l.VenueAccount[:])
		copy(buf[o+112:o+144], l.VenuePerpMarket[:])
	}

	binary.LittleEndian.PutUint64(buf[offSignerNonce:], g.SignerNonce)
	copy(buf[offSignerKey:offSignerKey+32], g.SignerKey[:])
	copy(buf[offAdminKey:offAdminKey+32], g.AdminKey[:])
	copy(buf[offVenueProg:offVenueProg+32], g.VenueProgram[:])

	return buf
}

// Unmarshal decodes a persisted record. An all-zero buffer decodes to an
// uninitialized group.
func Unmarshal(data []byte) (*Group, error) {
	if len(data) != GroupSize {
		return nil, fmt.Errorf("group record: got %d bytes, want %d: %w",
			len(data), GroupSize, errs.New(component, errs.InvalidAccount))
	}

	g := &Group{}
	g.DataType = DataType(data[0])
	g.Version = data[1]
	g.IsInitialized = data[2] != 0

	g.NumBaseTokens = binary.LittleEndian.Uint64(data[offNumBase:])
	g.NumLeverageTokens = binary.LittleEndian.Uint64(data[offNumLev:])
	if g.NumBaseTokens > MaxBaseTokens || g.NumLeverageTokens > MaxLeverageTokens {
		return nil, fmt.Errorf("group record: counters %d/%d exceed capacity: %w",
			g.NumBaseTokens, g.NumLeverageTokens, errs.New(component, errs.InvalidAccount))
	}

	for i := range g.BaseTokens {
		o := offBaseTokens + i*baseTokenSize
		g.BaseTokens[i] = BaseToken{
			Mint:     solana.PublicKeyFromBytes(data[o : o+32]),
			Decimals: data[o+32],
			Oracle:   solana.PublicKeyFromBytes(data[o+33 : o+65]),
		}
	}

	for i := range g.LeverageTokens {
		o := offLevTokens + i*leverageTokenSize
		var target [16]byte
		copy(target[:], data[o+64:o+80])
		g.LeverageTokens[i] = LeverageToken{
			Mint:            solana.PublicKeyFromBytes(data[o : o+32]),
			BaseTokenMint:   solana.PublicKeyFromBytes(data[o+32 : o+64]),
			TargetLeverage:  fpmath.FromLEBytes(target),
			VenueAccount:    solana.PublicKeyFromBytes(data[o+80 : o+112]),
			VenuePerpMarket: solana.PublicKeyFromBytes(data[o+112 : o+144]),
		}
	}

	g.SignerNonce = binary.LittleEndian.Uint64(data[offSignerNonce:])
	g.SignerKey = solana.PublicKeyFromBytes(data[offSignerKey : offSignerKey+32])
	g.AdminKey = solana.PublicKeyFromBytes(data[offAdminKey : offAdminKey+32])
	g.VenueProgram = solana.PublicKeyFromBytes(data[offVenueProg : offVenueProg+32])

	return g, nil
}

// Load decodes an initialized group from an account owned by programID.
func Load(acct *ledger.Account, programID solana.PublicKey) (*Group, error) {
	if err := errs.Check(acct.Owner == programID, component, errs.InvalidOwner); err != nil {
		return nil, err
	}
	g, err := Unmarshal(acct.Data)
	if err != nil {
		return nil, err
	}
	if err := errs.Check(g.IsInitialized, component, errs.InvalidAccount); err != nil {
		return nil, err
	}
	if err := errs.Check(g.DataType == DataTypeGroup, component, errs.InvalidAccount); err != nil {
		return nil, err
	}
	return g, nil
}

// Store writes g back into acct.
func Store(acct *ledger.Account, g *Group) {
	acct.Data = g.Marshal()
}
