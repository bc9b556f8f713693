package registry_test

import (
	"errors"
	"testing"

	"LeverVault/internal/errs"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/registry"

	"github.com/gagliardetto/solana-go"
)

func newKey() solana.PublicKey { return solana.NewWallet().PublicKey() }

func newGroup(t *testing.T) (*registry.Group, solana.PublicKey) {
	t.Helper()
	groupKey := newKey()
	auth, err := ledger.FindAuthority(groupKey, newKey())
	if err != nil {
		t.Fatal(err)
	}
	g := &registry.Group{}
	if err := g.Init(newKey(), auth, newKey()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return g, groupKey
}

// ============================================================================
// Test: Init
// ============================================================================

func TestInit_RejectsSecondInit(t *testing.T) {
	g, groupKey := newGroup(t)
	err := g.Init(newKey(), g.Authority(groupKey), newKey())
	if err == nil {
		t.Fatal("second Init should fail")
	}
}

func TestCheckAdmin(t *testing.T) {
	g, _ := newGroup(t)

	if err := g.CheckAdmin(g.AdminKey, true); err != nil {
		t.Errorf("admin signer rejected: %v", err)
	}
	if err := g.CheckAdmin(g.AdminKey, false); !errors.Is(err, errs.SignerNecessary) {
		t.Errorf("got %v, want SignerNecessary", err)
	}
	if err := g.CheckAdmin(newKey(), true); !errors.Is(err, errs.InvalidAdminKey) {
		t.Errorf("got %v, want InvalidAdminKey", err)
	}
}

// ============================================================================
// Test: Base tokens
// ============================================================================

func TestAddBaseToken_UniqueMint(t *testing.T) {
	g, _ := newGroup(t)
	mint := newKey()

	idx, err := g.AddBaseToken(mint, 9, newKey())
	if err != nil || idx != 0 {
		t.Fatalf("first add: idx=%d err=%v", idx, err)
	}
	if _, err := g.AddBaseToken(mint, 9, newKey()); err == nil {
		t.Error("duplicate base mint should be rejected")
	}
	if g.NumBaseTokens != 1 {
		t.Errorf("num base tokens: got %d, want 1", g.NumBaseTokens)
	}
}

func TestAddBaseToken_Capacity(t *testing.T) {
	g, _ := newGroup(t)
	for i := 0; i < registry.MaxBaseTokens; i++ {
		if _, err := g.AddBaseToken(newKey(), 6, newKey()); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	_, err := g.AddBaseToken(newKey(), 6, newKey())
	if !errors.Is(err, errs.OutOfSpace) {
		t.Errorf("got %v, want OutOfSpace", err)
	}
	if g.NumBaseTokens != registry.MaxBaseTokens {
		t.Errorf("counter: got %d, want %d", g.NumBaseTokens, registry.MaxBaseTokens)
	}
}

// ============================================================================
// Test: Leverage tokens
// ============================================================================

func TestAddLeverageToken_RequiresBaseToken(t *testing.T) {
	g, _ := newGroup(t)
	_, err := g.AddLeverageToken(registry.LeverageToken{
		Mint:           newKey(),
		BaseTokenMint:  newKey(),
		TargetLeverage: fpmath.FromInt64(3),
	})
	if !errors.Is(err, errs.InvalidAccount) {
		t.Errorf("got %v, want InvalidAccount", err)
	}
}

func TestAddLeverageToken_UniquePerTarget(t *testing.T) {
	g, _ := newGroup(t)
	base := newKey()
	g.AddBaseToken(base, 9, newKey())

	three := fpmath.FromInt64(3)
	if _, err := g.AddLeverageToken(registry.LeverageToken{Mint: newKey(), BaseTokenMint: base, TargetLeverage: three}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := g.AddLeverageToken(registry.LeverageToken{Mint: newKey(), BaseTokenMint: base, TargetLeverage: three}); err == nil {
		t.Error("duplicate (base, target) should be rejected")
	}
	if _, err := g.AddLeverageToken(registry.LeverageToken{Mint: newKey(), BaseTokenMint: base, TargetLeverage: fpmath.FromInt64(-3)}); err != nil {
		t.Errorf("inverse target should be accepted: %v", err)
	}
}

func TestAddLeverageToken_CounterAdvances(t *testing.T) {
	g, _ := newGroup(t)
	base := newKey()
	g.AddBaseToken(base, 9, newKey())

	mint := newKey()
	idx, err := g.AddLeverageToken(registry.LeverageToken{Mint: mint, BaseTokenMint: base, TargetLeverage: fpmath.FromInt64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if g.NumLeverageTokens != 1 || g.NumBaseTokens != 1 {
		t.Errorf("counters: lev=%d base=%d, want 1/1", g.NumLeverageTokens, g.NumBaseTokens)
	}
	found, ok := g.FindLeverageTokenByMint(mint)
	if !ok || found != idx {
		t.Errorf("FindLeverageTokenByMint: got %d/%v, want %d/true", found, ok, idx)
	}
}

func TestAddLeverageToken_Capacity(t *testing.T) {
	g, _ := newGroup(t)
	base := newKey()
	g.AddBaseToken(base, 9, newKey())

	for i := 1; i <= registry.MaxLeverageTokens; i++ {
		if _, err := g.AddLeverageToken(registry.LeverageToken{Mint: newKey(), BaseTokenMint: base, TargetLeverage: fpmath.FromInt64(int64(i))}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_, err := g.AddLeverageToken(registry.LeverageToken{Mint: newKey(), BaseTokenMint: base, TargetLeverage: fpmath.FromInt64(99)})
	if !errors.Is(err, errs.OutOfSpace) {
		t.Errorf("got %v, want OutOfSpace", err)
	}
}

// ============================================================================
// Test: Layout
// ============================================================================

func TestGroupSize(t *testing.T) {
	if registry.GroupSize != 5888 {
		t.Errorf("got %d, want 5888", registry.GroupSize)
	}
}

func TestLayout_RoundTrip(t *testing.T) {
	g, _ := newGroup(t)
	base := newKey()
	g.AddBaseToken(base, 9, newKey())
	g.AddLeverageToken(registry.LeverageToken{
		Mint:            newKey(),
		BaseTokenMint:   base,
		TargetLeverage:  fpmath.MustParse("-2.5"),
		VenueAccount:    newKey(),
		VenuePerpMarket: newKey(),
	})

	data := g.Marshal()
	if len(data) != registry.GroupSize {
		t.Fatalf("marshal size: got %d", len(data))
	}

	back, err := registry.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if *back != *g {
		t.Error("decoded group differs from original")
	}
}

func TestLoad_Checks(t *testing.T) {
	program := newKey()
	g, _ := newGroup(t)

	acct := &ledger.Account{Key: newKey(), Owner: newKey(), Data: g.Marshal()}
	if _, err := registry.Load(acct, program); !errors.Is(err, errs.InvalidOwner) {
		t.Errorf("wrong owner: got %v, want InvalidOwner", err)
	}

	acct.Owner = program
	acct.Data = make([]byte, registry.GroupSize)
	if _, err := registry.Load(acct, program); !errors.Is(err, errs.InvalidAccount) {
		t.Errorf("uninitialized: got %v, want InvalidAccount", err)
	}

	acct.Data = make([]byte, 10)
	if _, err := registry.Load(acct, program); !errors.Is(err, errs.InvalidAccount) {
		t.Errorf("short data: got %v, want InvalidAccount", err)
	}

	registry.Store(acct, g)
	if _, err := registry.Load(acct, program); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}
}
