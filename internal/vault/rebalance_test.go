package vault_test

import (
	"errors"
	"testing"

	"LeverVault/internal/errs"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/nav"
	"LeverVault/internal/registry"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

func planSnapshot(t *testing.T, baseLot, quoteLot int64, basePos int64, quotePos, deposit fpmath.I80F48) (*venue.Snapshot, registry.LeverageToken) {
	t.Helper()

	market := key()
	vg := venue.NewGroup(key(), []venue.TokenInfo{
		{Mint: key(), Decimals: 9},
		{Mint: key(), Decimals: 6},
	}, 1)
	vg.PerpMarkets[0] = venue.PerpMarketInfo{Key: market, BaseLotSize: baseLot, QuoteLotSize: quoteLot}

	acct := venue.NewAccount(key(), key(), &vg)
	acct.Deposits[1] = deposit
	acct.Perps[0] = venue.PerpAccount{BasePosition: basePos, QuotePosition: quotePos}

	cache := venue.NewCache(key(), &vg)
	// 15.625 quote per whole base: 15.625e6 quote native / 1e9 base native
	cache.Prices[0] = fpmath.MustParse("0.015625")

	token := registry.LeverageToken{
		Mint:            key(),
		BaseTokenMint:   vg.Tokens[0].Mint,
		TargetLeverage:  fpmath.FromInt64(2),
		VenueAccount:    acct.Key,
		VenuePerpMarket: market,
	}
	return &venue.Snapshot{Group: vg, Account: acct, Cache: cache}, token
}

// ============================================================================
// Test: Controller.Plan
// ============================================================================

func TestPlan_SellsWhenOverExposed(t *testing.T) {
	// 64-native base lots at 0.015625 are worth one quote native each.
	snap, token := planSnapshot(t, 64, 1, 20_000_000, fpmath.FromInt64(-10_000_000), fpmath.Zero)
	ctrl := vault.NewController(nav.NewCalculator(nil), nil, nil)
	uiPrice := fpmath.MustParse("15.625")

	plan, err := ctrl.Plan(token, snap, token.VenuePerpMarket, uiPrice, 7)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.NAV != fpmath.FromInt64(10_000_000) {
		t.Errorf("NAV: got %s, want 10000000", plan.NAV)
	}
	if plan.Target != fpmath.FromInt64(20_000_000) {
		t.Errorf("target: got %s, want 20000000", plan.Target)
	}
	// 15.625 * 1e6 * 64 / (1e9 * 1)
	if plan.LotPrice != fpmath.One {
		t.Errorf("lot price: got %s, want 1", plan.LotPrice)
	}
	if plan.Order != nil {
		t.Fatalf("at target, expected no order, got %+v", plan.Order)
	}

	// Doubling the position at the same NAV overshoots the target.
	snap.Account.Perps[0].BasePosition = 40_000_000
	snap.Account.Perps[0].QuotePosition = fpmath.FromInt64(-30_000_000)
	plan, err = ctrl.Plan(token, snap, token.VenuePerpMarket, uiPrice, 7)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Order == nil {
		t.Fatal("expected an order")
	}
	if plan.Order.Side != venue.SideSell {
		t.Errorf("got side %s, want sell", plan.Order.Side)
	}
	if plan.Quantity != -20_000_000 || plan.Order.Quantity != 20_000_000 {
		t.Errorf("got quantity %d / order %d, want -20000000 / 20000000", plan.Quantity, plan.Order.Quantity)
	}
	if plan.Order.Price != 1 {
		t.Errorf("got order price %d, want 1", plan.Order.Price)
	}
	if plan.Order.ClientOrderID != 7 {
		t.Errorf("got client order id %d, want 7", plan.Order.ClientOrderID)
	}
}

func TestPlan_NonPositiveLotPrice(t *testing.T) {
	snap, token := planSnapshot(t, 1, 1, 0, fpmath.Zero, fpmath.FromInt64(1_000_000))
	ctrl := vault.NewController(nav.NewCalculator(nil), nil, nil)

	_, err := ctrl.Plan(token, snap, token.VenuePerpMarket, fpmath.Zero, 1)
	if !errors.Is(err, errs.InvalidParam) {
		t.Errorf("got %v, want InvalidParam", err)
	}
}

func TestPlan_MismatchedAccount(t *testing.T) {
	snap, token := planSnapshot(t, 1, 1, 0, fpmath.Zero, fpmath.Zero)
	token.VenueAccount = solana.PublicKey{}
	ctrl := vault.NewController(nav.NewCalculator(nil), nil, nil)

	_, err := ctrl.Plan(token, snap, token.VenuePerpMarket, fpmath.One, 1)
	if !errors.Is(err, errs.InvalidAccount) {
		t.Errorf("got %v, want InvalidAccount", err)
	}
}

func TestPlan_MarketTradesAnotherAsset(t *testing.T) {
	snap, token := planSnapshot(t, 1, 1, 0, fpmath.Zero, fpmath.FromInt64(1_000_000))
	token.BaseTokenMint = key()
	ctrl := vault.NewController(nav.NewCalculator(nil), nil, nil)

	_, err := ctrl.Plan(token, snap, token.VenuePerpMarket, fpmath.One, 1)
	if !errors.Is(err, errs.InvalidAccount) {
		t.Errorf("got %v, want InvalidAccount", err)
	}
}

func TestClientOrderID_FromInvocation(t *testing.T) {
	id := uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10")
	if got := vault.ClientOrderID(id); got != 0x0807060504030201 {
		t.Errorf("got %#x, want %#x", got, uint64(0x0807060504030201))
	}
}
