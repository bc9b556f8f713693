// internal/vault/engine.go
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LeverVault/internal/errs"
	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/nav"
	"LeverVault/internal/observability"
	"LeverVault/internal/registry"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const component = errs.ComponentVault

// Engine mints and redeems leverage tokens against collateral held in the
// token's venue account.
type Engine struct {
	calc    *nav.Calculator
	gateway venue.Gateway
	metrics *observability.Metrics
}

// NewEngine builds an engine. metrics may be nil.
func NewEngine(calc *nav.Calculator, gateway venue.Gateway, metrics *observability.Metrics) *Engine {
	return &Engine{calc: calc, gateway: gateway, metrics: metrics}
}

// NativePrice is the quote native value of one leverage token unit. An
// empty supply bootstraps at one whole quote unit.
func (e *Engine) NativePrice(supply uint64, snap *venue.Snapshot) (fpmath.I80F48, error) {
	if err := snap.Validate(); err != nil {
		return fpmath.Zero, err
	}
	if supply == 0 {
		unit, err := fpmath.Pow10(uint32(snap.Group.QuoteDecimals()))
		if err != nil {
			return fpmath.Zero, errs.Math(component, err)
		}
		price, err := unit.CheckedMul(fpmath.FromInt64(registry.InitialLeverageTokenPrice))
		return price, errs.Math(component, err)
	}

	res, err := e.calc.Compute(snap)
	if err != nil {
		return fpmath.Zero, err
	}
	price, err := res.NAV.CheckedDiv(fpmath.FromUint64(supply))
	return price, errs.Math(component, err)
}

// Transfer describes one mint or redeem of Quantity units by Owner, with
// the quote collateral moving through TokenAccount. RequestID keys the
// venue call so a retried transfer moves collateral once.
type Transfer struct {
	RequestID    uuid.UUID
	Token        registry.LeverageToken
	Authority    ledger.Authority
	Venue        venue.AccountRef
	ReserveRefs  []solana.PublicKey
	Owner        solana.PublicKey
	TokenAccount solana.PublicKey
	Quantity     uint64
}

func (t *Transfer) checkAccount(snap *venue.Snapshot) error {
	if err := errs.Check(t.Venue.Account == t.Token.VenueAccount, component, errs.InvalidAccount); err != nil {
		return err
	}
	return errs.Check(snap.Account.Key == t.Token.VenueAccount, component, errs.InvalidAccount)
}

// Mint deposits Quantity × native price (rounded up) at the venue, then
// mints Quantity units to the owner.
func (e *Engine) Mint(ctx context.Context, tokens ledger.TokenLedger, snap *venue.Snapshot, t Transfer) (*event.MintRedeem, error) {
	if err := t.checkAccount(snap); err != nil {
		return nil, err
	}
	out := &event.MintRedeem{Mint: t.Token.Mint, Owner: t.Owner, Quantity: t.Quantity}
	if t.Quantity == 0 {
		return out, nil
	}

	mint, err := tokens.GetMint(ctx, t.Token.Mint)
	if err != nil {
		return nil, fmt.Errorf("load mint %s: %w", t.Token.Mint, err)
	}
	price, err := e.NativePrice(mint.Supply, snap)
	if err != nil {
		return nil, err
	}
	value, err := price.CheckedMul(fpmath.FromUint64(t.Quantity))
	if err != nil {
		return nil, errs.Math(component, err)
	}
	amount, err := value.CeilUint64()
	if err != nil {
		return nil, errs.Math(component, err)
	}

	err = e.call("deposit", func() error {
		return e.gateway.Deposit(ctx, t.Authority, venue.DepositRequest{
			RequestID:   t.RequestID,
			AccountRef:  t.Venue,
			ReserveRefs: t.ReserveRefs,
			Source:      t.TokenAccount,
			Amount:      amount,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := tokens.MintTo(ctx, t.Token.Mint, t.Owner, t.Authority, t.Quantity); err != nil {
		return nil, fmt.Errorf("mint %d of %s: %w", t.Quantity, t.Token.Mint, err)
	}

	out.NativePrice = price.String()
	out.Amount = amount
	e.observePrice(t.Token.Mint, price)
	return out, nil
}

// Redeem burns Quantity units from the owner, then withdraws Quantity ×
// native price (rounded down) without borrowing.
func (e *Engine) Redeem(ctx context.Context, tokens ledger.TokenLedger, snap *venue.Snapshot, t Transfer) (*event.MintRedeem, error) {
	if err := t.checkAccount(snap); err != nil {
		return nil, err
	}
	out := &event.MintRedeem{Mint: t.Token.Mint, Owner: t.Owner, Quantity: t.Quantity}
	if t.Quantity == 0 {
		return out, nil
	}

	mint, err := tokens.GetMint(ctx, t.Token.Mint)
	if err != nil {
		return nil, fmt.Errorf("load mint %s: %w", t.Token.Mint, err)
	}
	price, err := e.NativePrice(mint.Supply, snap)
	if err != nil {
		return nil, err
	}
	value, err := price.CheckedMul(fpmath.FromUint64(t.Quantity))
	if err != nil {
		return nil, errs.Math(component, err)
	}
	amount, err := value.FloorUint64()
	if err != nil {
		return nil, errs.Math(component, err)
	}

	if err := tokens.Burn(ctx, t.Token.Mint, t.Owner, t.Quantity); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, errs.Wrap(component, errs.InsufficientFunds, err)
		}
		return nil, fmt.Errorf("burn %d of %s: %w", t.Quantity, t.Token.Mint, err)
	}

	err = e.call("withdraw", func() error {
		return e.gateway.Withdraw(ctx, t.Authority, venue.WithdrawRequest{
			RequestID:   t.RequestID,
			AccountRef:  t.Venue,
			ReserveRefs: t.ReserveRefs,
			Destination: t.TokenAccount,
			Amount:      amount,
			AllowBorrow: false,
		})
	})
	if err != nil {
		return nil, err
	}

	out.NativePrice = price.String()
	out.Amount = amount
	e.observePrice(t.Token.Mint, price)
	return out, nil
}

// call runs one venue request, classifying any failure as VenueError.
func (e *Engine) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.VenueCalls.WithLabelValues(op, result).Inc()
		e.metrics.VenueDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return errs.Wrap(errs.ComponentVenue, errs.VenueError, fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

func (e *Engine) observePrice(mint solana.PublicKey, price fpmath.I80F48) {
	if e.metrics == nil {
		return
	}
	f, _ := price.Decimal().Float64()
	e.metrics.NativePrice.WithLabelValues(mint.String()).Set(f)
}
