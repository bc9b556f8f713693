// internal/vault/instruction.go
package vault

import (
	"encoding/binary"
	"fmt"

	"LeverVault/internal/errs"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

// InstructionKind is the u32 LE discriminant that opens every instruction.
type InstructionKind uint32

const (
	InstructionInitGroup InstructionKind = iota
	InstructionAddBaseToken
	InstructionAddLeverageToken
	InstructionMint
	InstructionRedeem
	InstructionRebalance
	InstructionSetStubOraclePrice
	InstructionInitVenueAccount
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionInitGroup:
		return "InitGroup"
	case InstructionAddBaseToken:
		return "AddBaseToken"
	case InstructionAddLeverageToken:
		return "AddLeverageToken"
	case InstructionMint:
		return "MintLeverageToken"
	case InstructionRedeem:
		return "RedeemLeverageToken"
	case InstructionRebalance:
		return "Rebalance"
	case InstructionSetStubOraclePrice:
		return "SetStubOraclePrice"
	case InstructionInitVenueAccount:
		return "InitVenueAccount"
	default:
		return "Unknown"
	}
}

// ParseInstructionKind maps an instruction name back to its discriminant.
func ParseInstructionKind(name string) (InstructionKind, error) {
	for k := InstructionInitGroup; k <= InstructionInitVenueAccount; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown instruction %q", name)
}

// NumAccounts is the count of fixed accounts the instruction expects. Any
// further accounts are passed through to the venue as reserve or book refs.
func (k InstructionKind) NumAccounts() int {
	switch k {
	case InstructionInitGroup:
		return 4
	case InstructionAddBaseToken:
		return 4
	case InstructionAddLeverageToken:
		return 6
	case InstructionMint, InstructionRedeem:
		return 7
	case InstructionRebalance:
		return 7
	case InstructionSetStubOraclePrice:
		return 3
	case InstructionInitVenueAccount:
		return 4
	default:
		return 0
	}
}

// WritableAccounts lists the fixed account positions the instruction
// writes. Each must be declared writable by the caller.
func (k InstructionKind) WritableAccounts() []int {
	switch k {
	case InstructionInitGroup, InstructionAddLeverageToken:
		return []int{0}
	case InstructionAddBaseToken:
		return []int{0, 2}
	case InstructionMint, InstructionRedeem:
		return []int{1, 3, 6}
	case InstructionRebalance:
		return []int{3}
	case InstructionSetStubOraclePrice:
		return []int{1}
	case InstructionInitVenueAccount:
		return []int{2}
	default:
		return nil
	}
}

// Instruction is a decoded instruction. Only the field matching Kind is set.
type Instruction struct {
	Kind           InstructionKind
	SignerNonce    uint64        // InitGroup
	TargetLeverage fpmath.I80F48 // AddLeverageToken
	Quantity       uint64        // Mint, Redeem
	Price          fpmath.I80F48 // SetStubOraclePrice
}

// DecodeInstruction parses the wire form. Trailing bytes are rejected.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) < 4 {
		return Instruction{}, fmt.Errorf("instruction of %d bytes: %w", len(data), errs.New(errs.ComponentProcessor, errs.InvalidInstruction))
	}

	ix := Instruction{Kind: InstructionKind(binary.LittleEndian.Uint32(data[0:4]))}
	payload := data[4:]

	want := 0
	switch ix.Kind {
	case InstructionInitGroup, InstructionMint, InstructionRedeem:
		want = 8
	case InstructionAddLeverageToken, InstructionSetStubOraclePrice:
		want = 16
	case InstructionAddBaseToken, InstructionRebalance, InstructionInitVenueAccount:
		want = 0
	default:
		return Instruction{}, fmt.Errorf("unknown instruction %d: %w", uint32(ix.Kind), errs.New(errs.ComponentProcessor, errs.InvalidInstruction))
	}
	if len(payload) != want {
		return Instruction{}, fmt.Errorf("%s payload: got %d bytes, want %d: %w",
			ix.Kind, len(payload), want, errs.New(errs.ComponentProcessor, errs.InvalidInstruction))
	}

	switch ix.Kind {
	case InstructionInitGroup:
		ix.SignerNonce = binary.LittleEndian.Uint64(payload)
	case InstructionMint, InstructionRedeem:
		ix.Quantity = binary.LittleEndian.Uint64(payload)
	case InstructionAddLeverageToken:
		var b [16]byte
		copy(b[:], payload)
		ix.TargetLeverage = fpmath.FromLEBytes(b)
	case InstructionSetStubOraclePrice:
		var b [16]byte
		copy(b[:], payload)
		ix.Price = fpmath.FromLEBytes(b)
	}
	return ix, nil
}

// Encode produces the wire form.
func (ix Instruction) Encode() []byte {
	buf := make([]byte, 4, 20)
	binary.LittleEndian.PutUint32(buf, uint32(ix.Kind))

	switch ix.Kind {
	case InstructionInitGroup:
		buf = binary.LittleEndian.AppendUint64(buf, ix.SignerNonce)
	case InstructionMint, InstructionRedeem:
		buf = binary.LittleEndian.AppendUint64(buf, ix.Quantity)
	case InstructionAddLeverageToken:
		b := ix.TargetLeverage.LEBytes()
		buf = append(buf, b[:]...)
	case InstructionSetStubOraclePrice:
		b := ix.Price.LEBytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

// Build wraps ix with its account list for programID.
func (ix Instruction) Build(programID solana.PublicKey, accounts solana.AccountMetaSlice) *solana.GenericInstruction {
	return solana.NewInstruction(programID, accounts, ix.Encode())
}
