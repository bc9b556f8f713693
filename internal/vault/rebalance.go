// internal/vault/rebalance.go
package vault

import (
	"context"
	"encoding/binary"

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

// Plan is the outcome of one rebalance computation. Order is nil when the
// delta truncates to zero lots.
type Plan struct {
	MarketIndex int
	NAV         fpmath.I80F48
	Current     fpmath.I80F48
	Target      fpmath.I80F48
	Delta       fpmath.I80F48
	LotPrice    fpmath.I80F48
	Quantity    int64
	Order       *venue.Order
}

// Controller moves a leverage token's perp exposure toward
// NAV × target leverage with a single limit order.
type Controller struct {
	calc    *nav.Calculator
	engine  *Engine
	metrics *observability.Metrics
}

// NewController shares engine's gateway for order placement.
func NewController(calc *nav.Calculator, engine *Engine, metrics *observability.Metrics) *Controller {
	return &Controller{calc: calc, engine: engine, metrics: metrics}
}

// ClientOrderID derives the venue client order id from an invocation id.
func ClientOrderID(id uuid.UUID) uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

// Plan computes the order for token given the base token's oracle price in
// UI units (quote per whole base unit).
func (c *Controller) Plan(token registry.LeverageToken, snap *venue.Snapshot, perpMarket solana.PublicKey, price fpmath.I80F48, clientOrderID uint64) (Plan, error) {
	if err := errs.Check(snap.Account.Key == token.VenueAccount, component, errs.InvalidAccount); err != nil {
		return Plan{}, err
	}
	if err := errs.Check(perpMarket == token.VenuePerpMarket, component, errs.InvalidAccount); err != nil {
		return Plan{}, err
	}
	idx, ok := snap.Group.PerpMarketIndex(perpMarket)
	if !ok {
		return Plan{}, errs.New(component, errs.InvalidAccount)
	}
	if err := errs.Check(snap.Group.Tokens[idx].Mint == token.BaseTokenMint, component, errs.InvalidAccount); err != nil {
		return Plan{}, err
	}

	res, err := c.calc.Compute(snap)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{MarketIndex: idx, NAV: res.NAV, Current: res.Exposure[idx]}
	if plan.Target, err = res.NAV.CheckedMul(token.TargetLeverage); err != nil {
		return Plan{}, errs.Math(component, err)
	}
	if plan.Delta, err = plan.Target.CheckedSub(plan.Current); err != nil {
		return Plan{}, errs.Math(component, err)
	}

	pm := snap.Group.PerpMarkets[idx]
	plan.LotPrice, err = fpmath.LotPrice(price, snap.Group.Tokens[idx].Decimals, snap.Group.QuoteDecimals(), pm.BaseLotSize, pm.QuoteLotSize)
	if err != nil {
		return Plan{}, errs.Math(component, err)
	}
	if err := errs.Check(plan.LotPrice.IsPositive(), component, errs.InvalidParam); err != nil {
		return Plan{}, err
	}

	if plan.Quantity, err = fpmath.LotQuantity(plan.Delta, pm.QuoteLotSize, plan.LotPrice); err != nil {
		return Plan{}, errs.Math(component, err)
	}
	if plan.Quantity == 0 {
		return plan, nil
	}

	orderPrice, err := fpmath.LotPriceInt(plan.LotPrice)
	if err != nil {
		return Plan{}, errs.Math(component, err)
	}

	order := &venue.Order{
		PerpMarket:    perpMarket,
		Side:          venue.SideBuy,
		Price:         orderPrice,
		Quantity:      plan.Quantity,
		ClientOrderID: clientOrderID,
		Type:          venue.OrderTypeLimit,
	}
	if plan.Quantity < 0 {
		order.Side = venue.SideSell
		order.Quantity = -plan.Quantity
	}
	plan.Order = order
	return plan, nil
}

// Execute places plan's order, if any, and reports what was decided.
// requestID keys the order at the venue.
func (c *Controller) Execute(ctx context.Context, requestID uuid.UUID, auth ledger.Authority, ref venue.AccountRef, bookRefs []solana.PublicKey, token registry.LeverageToken, plan Plan) (*event.OrderPlaced, error) {
	out := &event.OrderPlaced{
		Mint:       token.Mint,
		PerpMarket: token.VenuePerpMarket,
		NAV:        plan.NAV.String(),
		Exposure:   plan.Current.String(),
		Target:     plan.Target.String(),
	}
	if c.metrics != nil {
		f, _ := plan.NAV.Decimal().Float64()
		c.metrics.NAV.WithLabelValues(token.Mint.String()).Set(f)
	}
	if plan.Order == nil {
		return out, nil
	}

	err := c.engine.call("order", func() error {
		return c.engine.gateway.PlacePerpOrder(ctx, auth, venue.OrderRequest{
			RequestID:  requestID,
			AccountRef: ref,
			BookRefs:   bookRefs,
			Order:      *plan.Order,
		})
	})
	if err != nil {
		return nil, err
	}

	out.Side = plan.Order.Side.String()
	out.Price = plan.Order.Price
	out.Quantity = plan.Order.Quantity
	out.ClientOrderID = plan.Order.ClientOrderID
	if c.metrics != nil {
		c.metrics.OrdersPlaced.WithLabelValues(out.Side).Inc()
	}
	return out, nil
}
