package oracle_test

import (
	"encoding/binary"
	"errors"
	gomath "math"
	"testing"
	"time"

	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/oracle"

	"github.com/gagliardetto/solana-go"
)

func pythAccount(price int64, expo int32) *ledger.Account {
	data := make([]byte, oracle.PythMinSize)
	binary.LittleEndian.PutUint32(data[0:], oracle.PythMagic)
	binary.LittleEndian.PutUint32(data[20:], uint32(expo))
	binary.LittleEndian.PutUint64(data[208:], uint64(price))
	return &ledger.Account{Key: solana.NewWallet().PublicKey(), Data: data}
}

func switchboardAccount(result float64) *ledger.Account {
	data := make([]byte, oracle.SwitchboardSize)
	binary.LittleEndian.PutUint64(data[41:], gomath.Float64bits(result))
	return &ledger.Account{Key: solana.NewWallet().PublicKey(), Data: data}
}

// ============================================================================
// Test: Classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want oracle.Kind
	}{
		{"pyth", pythAccount(1, 0).Data, oracle.KindPyth},
		{"switchboard", switchboardAccount(1).Data, oracle.KindSwitchboard},
		{"stub", oracle.Stub{Magic: oracle.StubMagic}.Encode(), oracle.KindStub},
		{"empty", nil, oracle.KindUnknown},
		{"garbage", []byte{1, 2, 3, 4, 5}, oracle.KindUnknown},
	}

	for _, tt := range tests {
		if got := oracle.Classify(tt.data); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

// ============================================================================
// Test: Read
// ============================================================================

func TestRead_PythScaling(t *testing.T) {
	price, err := oracle.Read(pythAccount(10_000, -2), 6)
	if err != nil {
		t.Fatal(err)
	}
	if price != fpmath.FromInt64(100) {
		t.Errorf("got %s, want 100", price)
	}
}

// The quote decimal count is added and subtracted again, so it never
// affects the result. This pins that behaviour.
func TestRead_QuoteDecimalsCancel(t *testing.T) {
	acct := pythAccount(10_000, -2)
	for _, qd := range []uint8{0, 6, 9} {
		price, err := oracle.Read(acct, qd)
		if err != nil {
			t.Fatal(err)
		}
		if price != fpmath.FromInt64(100) {
			t.Errorf("quote decimals %d: got %s, want 100", qd, price)
		}
	}
}

func TestRead_PythPositiveExpo(t *testing.T) {
	price, err := oracle.Read(pythAccount(7, 3), 6)
	if err != nil {
		t.Fatal(err)
	}
	if price != fpmath.FromInt64(7000) {
		t.Errorf("got %s, want 7000", price)
	}
}

func TestRead_PythTruncatedAccount(t *testing.T) {
	acct := pythAccount(1, 0)
	acct.Data = acct.Data[:100]
	if _, err := oracle.Read(acct, 6); !errors.Is(err, errs.InvalidOracle) {
		t.Errorf("got %v, want InvalidOracle", err)
	}
}

func TestRead_PythExponentOutOfRange(t *testing.T) {
	for _, expo := range []int32{-24, 24, -20_000_000, gomath.MinInt32, gomath.MaxInt32} {
		start := time.Now()
		_, err := oracle.Read(pythAccount(1, expo), 6)
		if !errors.Is(err, errs.MathError) || !errors.Is(err, fpmath.ErrOverflow) {
			t.Errorf("expo %d: got %v, want MathError wrapping ErrOverflow", expo, err)
		}
		if d := time.Since(start); d > 50*time.Millisecond {
			t.Errorf("expo %d: took %v", expo, d)
		}
	}
}

func TestRead_Switchboard(t *testing.T) {
	price, err := oracle.Read(switchboardAccount(42.5), 6)
	if err != nil {
		t.Fatal(err)
	}
	if price != fpmath.MustParse("42.5") {
		t.Errorf("got %s, want 42.5", price)
	}

	if _, err := oracle.Read(switchboardAccount(gomath.NaN()), 6); !errors.Is(err, errs.InvalidOracle) {
		t.Errorf("NaN: got %v, want InvalidOracle", err)
	}
}

func TestRead_StubReturnsRawPrice(t *testing.T) {
	stub := oracle.Stub{Magic: oracle.StubMagic, Price: fpmath.MustParse("1.25"), LastUpdate: 9}
	acct := &ledger.Account{Data: stub.Encode()}

	price, err := oracle.Read(acct, 6)
	if err != nil {
		t.Fatal(err)
	}
	if price != fpmath.MustParse("1.25") {
		t.Errorf("got %s, want 1.25", price)
	}
}

func TestRead_UnknownIsFatal(t *testing.T) {
	acct := &ledger.Account{Data: make([]byte, 64)}
	if _, err := oracle.Read(acct, 6); !errors.Is(err, errs.InvalidOracle) {
		t.Errorf("got %v, want InvalidOracle", err)
	}
}

// ============================================================================
// Test: Stub lifecycle
// ============================================================================

func TestInitStub_AndSetPrice(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	acct := &ledger.Account{
		Owner:    program,
		Data:     make([]byte, oracle.StubSize),
		Lamports: ledger.MinimumBalance(oracle.StubSize),
	}

	if err := oracle.InitStub(acct, program); err != nil {
		t.Fatalf("InitStub: %v", err)
	}
	if oracle.Classify(acct.Data) != oracle.KindStub {
		t.Fatal("account should classify as stub after init")
	}

	if err := oracle.SetStubPrice(acct, program, fpmath.FromInt64(3), 77); err != nil {
		t.Fatalf("SetStubPrice: %v", err)
	}
	stub, _ := oracle.DecodeStub(acct.Data)
	if stub.Price != fpmath.FromInt64(3) || stub.LastUpdate != 77 {
		t.Errorf("got price=%s ts=%d", stub.Price, stub.LastUpdate)
	}
}

func TestInitStub_RejectsForeignOwner(t *testing.T) {
	acct := &ledger.Account{
		Owner:    solana.NewWallet().PublicKey(),
		Data:     make([]byte, oracle.StubSize),
		Lamports: ledger.MinimumBalance(oracle.StubSize),
	}
	if err := oracle.InitStub(acct, solana.NewWallet().PublicKey()); !errors.Is(err, errs.InvalidOwner) {
		t.Errorf("got %v, want InvalidOwner", err)
	}
}

func TestInitStub_LeavesLiveFeedAlone(t *testing.T) {
	acct := pythAccount(5, 0)
	before := append([]byte(nil), acct.Data...)
	if err := oracle.InitStub(acct, solana.NewWallet().PublicKey()); err != nil {
		t.Fatal(err)
	}
	if string(before) != string(acct.Data) {
		t.Error("pyth account should not be modified")
	}
}
