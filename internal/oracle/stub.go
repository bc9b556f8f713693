// internal/oracle/stub.go
package oracle

import (
	"encoding/binary"

	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
)

// StubSize is the data length of a stub oracle: magic u32, pad 4,
// price I80F48, last update u64.
const StubSize = 32

// Stub is an operator-controlled fixed price feed.
type Stub struct {
	Magic      uint32
	Price      fpmath.I80F48
	LastUpdate uint64
}

func DecodeStub(data []byte) (Stub, error) {
	if err := errs.Check(len(data) >= StubSize, component, errs.InvalidOracle); err != nil {
		return Stub{}, err
	}
	var price [16]byte
	copy(price[:], data[8:24])
	return Stub{
		Magic:      binary.LittleEndian.Uint32(data[0:4]),
		Price:      fpmath.FromLEBytes(price),
		LastUpdate: binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

func (s Stub) Encode() []byte {
	buf := make([]byte, StubSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.Magic)
	price := s.Price.LEBytes()
	copy(buf[8:24], price[:])
	binary.LittleEndian.PutUint64(buf[24:32], s.LastUpdate)
	return buf
}

// InitStub turns an uninitialized, program-owned account into a stub
// oracle. An account that already carries a recognized tag is left alone.
func InitStub(acct *ledger.Account, programID solana.PublicKey) error {
	switch Classify(acct.Data) {
	case KindPyth, KindSwitchboard, KindStub:
		return nil
	}
	if err := errs.Check(acct.Owner == programID, component, errs.InvalidOwner); err != nil {
		return err
	}
	if err := errs.Check(len(acct.Data) >= StubSize, component, errs.OutOfSpace); err != nil {
		return err
	}
	if err := errs.Check(acct.IsRentExempt(), component, errs.AccountNotRentExempt); err != nil {
		return err
	}

	stub := Stub{Magic: StubMagic}
	copy(acct.Data, stub.Encode())
	return nil
}

// SetStubPrice overwrites the price of a stub oracle owned by programID.
func SetStubPrice(acct *ledger.Account, programID solana.PublicKey, price fpmath.I80F48, updatedAt uint64) error {
	if err := errs.Check(acct.Owner == programID, component, errs.InvalidOwner); err != nil {
		return err
	}
	if err := errs.Check(Classify(acct.Data) == KindStub, component, errs.InvalidOracle); err != nil {
		return err
	}

	stub, err := DecodeStub(acct.Data)
	if err != nil {
		return err
	}
	stub.Price = price
	stub.LastUpdate = updatedAt
	copy(acct.Data, stub.Encode())
	return nil
}
