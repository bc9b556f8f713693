// internal/venue/memory.go
package venue

import (
	"context"
	"fmt"
	"sync"

	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// MemoryVenue is an in-process venue. Spot moves apply to the quote token
// and perp orders fill in full at their limit price. Requests are
// deduplicated on RequestID.
type MemoryVenue struct {
	mu       sync.Mutex
	groups   map[solana.PublicKey]*Group
	caches   map[solana.PublicKey]*Cache
	accounts map[solana.PublicKey]*Account
	orders   []OrderRequest
	applied  map[uuid.UUID]string
	failNext map[string]error
}

func NewMemoryVenue() *MemoryVenue {
	return &MemoryVenue{
		groups:   make(map[solana.PublicKey]*Group),
		caches:   make(map[solana.PublicKey]*Cache),
		accounts: make(map[solana.PublicKey]*Account),
		applied:  make(map[uuid.UUID]string),
		failNext: make(map[string]error),
	}
}

func (m *MemoryVenue) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.Key] = &g
}

func (m *MemoryVenue) SetCache(c Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[c.Key] = &c
}

func (m *MemoryVenue) AddAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Key] = &a
}

// SetPrice updates the cached price of one token index.
func (m *MemoryVenue) SetPrice(cache solana.PublicKey, index int, price fpmath.I80F48) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[cache]; ok {
		c.Prices[index] = price
	}
}

// FailNext makes the next call of op ("open", "deposit", "withdraw",
// "order") return err.
func (m *MemoryVenue) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// Orders returns every order accepted so far.
func (m *MemoryVenue) Orders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.orders...)
}

func (m *MemoryVenue) injected(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

// replayed reports whether id already took effect as op. Reusing an id
// for a different operation is rejected.
func (m *MemoryVenue) replayed(id uuid.UUID, op string) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	prev, ok := m.applied[id]
	if !ok {
		return false, nil
	}
	if prev != op {
		return true, fmt.Errorf("%w: request %s already used for %s", ErrVenueRejected, id, prev)
	}
	return true, nil
}

func (m *MemoryVenue) record(id uuid.UUID, op string) {
	if id != uuid.Nil {
		m.applied[id] = op
	}
}

func (m *MemoryVenue) account(ref AccountRef, auth ledger.Authority) (*Group, *Cache, *Account, error) {
	g, ok := m.groups[ref.VenueGroup]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: unknown venue group %s", ErrVenueRejected, ref.VenueGroup)
	}
	c, ok := m.caches[ref.Cache]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: unknown cache %s", ErrVenueRejected, ref.Cache)
	}
	a, ok := m.accounts[ref.Account]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: unknown account %s", ErrVenueRejected, ref.Account)
	}
	if auth.Key != a.Owner {
		return nil, nil, nil, fmt.Errorf("%w: %s does not own account %s", ErrVenueRejected, auth.Key, a.Key)
	}
	return g, c, a, nil
}

func (m *MemoryVenue) OpenAccount(ctx context.Context, auth ledger.Authority, req OpenRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("open"); err != nil {
		return err
	}
	if done, err := m.replayed(req.RequestID, "open"); done {
		return err
	}

	g, ok := m.groups[req.VenueGroup]
	if !ok {
		return fmt.Errorf("%w: unknown venue group %s", ErrVenueRejected, req.VenueGroup)
	}
	if _, exists := m.accounts[req.Account]; exists {
		return fmt.Errorf("%w: account %s already open", ErrVenueRejected, req.Account)
	}
	a := NewAccount(req.Account, auth.Key, g)
	m.accounts[req.Account] = &a
	m.record(req.RequestID, "open")
	return nil
}

func (m *MemoryVenue) Deposit(ctx context.Context, auth ledger.Authority, req DepositRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("deposit"); err != nil {
		return err
	}
	if done, err := m.replayed(req.RequestID, "deposit"); done {
		return err
	}

	g, c, a, err := m.account(req.AccountRef, auth)
	if err != nil {
		return err
	}
	q := g.QuoteIndex
	units, err := fpmath.FromUint64(req.Amount).CheckedDiv(c.RootBanks[q].DepositIndex)
	if err != nil {
		return err
	}
	next, err := a.Deposits[q].CheckedAdd(units)
	if err != nil {
		return err
	}
	a.Deposits[q] = next
	m.record(req.RequestID, "deposit")
	return nil
}

func (m *MemoryVenue) Withdraw(ctx context.Context, auth ledger.Authority, req WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("withdraw"); err != nil {
		return err
	}
	if done, err := m.replayed(req.RequestID, "withdraw"); done {
		return err
	}

	g, c, a, err := m.account(req.AccountRef, auth)
	if err != nil {
		return err
	}
	q := g.QuoteIndex
	idx := c.RootBanks[q].DepositIndex

	available, err := a.Deposits[q].CheckedMul(idx)
	if err != nil {
		return err
	}
	amount := fpmath.FromUint64(req.Amount)
	if amount.Cmp(available) > 0 && !req.AllowBorrow {
		return fmt.Errorf("%w: withdraw %d exceeds deposit %s", ErrVenueRejected, req.Amount, available)
	}

	units, err := amount.CheckedDiv(idx)
	if err != nil {
		return err
	}
	next, err := a.Deposits[q].CheckedSub(units)
	if err != nil {
		return err
	}
	if next.IsNegative() {
		borrow, err := next.CheckedNeg()
		if err != nil {
			return err
		}
		if a.Borrows[q], err = a.Borrows[q].CheckedAdd(borrow); err != nil {
			return err
		}
		next = fpmath.Zero
	}
	a.Deposits[q] = next
	m.record(req.RequestID, "withdraw")
	return nil
}

func (m *MemoryVenue) PlacePerpOrder(ctx context.Context, auth ledger.Authority, req OrderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("order"); err != nil {
		return err
	}
	if done, err := m.replayed(req.RequestID, "order"); done {
		return err
	}

	g, _, a, err := m.account(req.AccountRef, auth)
	if err != nil {
		return err
	}
	i, ok := g.PerpMarketIndex(req.Order.PerpMarket)
	if !ok {
		return fmt.Errorf("%w: unknown perp market %s", ErrVenueRejected, req.Order.PerpMarket)
	}
	if req.Order.Quantity <= 0 || req.Order.Price <= 0 {
		return fmt.Errorf("%w: order needs positive price and quantity", ErrVenueRejected)
	}

	qty := req.Order.Quantity
	if req.Order.Side == SideSell {
		qty = -qty
	}

	// quote paid = qty * price * quote_lot_size
	cost, err := fpmath.FromInt64(qty).CheckedMul(fpmath.FromInt64(req.Order.Price))
	if err != nil {
		return err
	}
	if cost, err = cost.CheckedMul(fpmath.FromInt64(g.PerpMarkets[i].QuoteLotSize)); err != nil {
		return err
	}

	pa := &a.Perps[i]
	quote, err := pa.QuotePosition.CheckedSub(cost)
	if err != nil {
		return err
	}
	pa.BasePosition += qty
	pa.QuotePosition = quote

	m.orders = append(m.orders, req)
	m.record(req.RequestID, "order")
	return nil
}

func (m *MemoryVenue) LoadSnapshot(ctx context.Context, ref AccountRef) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[ref.VenueGroup]
	if !ok {
		return nil, fmt.Errorf("%w: unknown venue group %s", ErrVenueRejected, ref.VenueGroup)
	}
	c, ok := m.caches[ref.Cache]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cache %s", ErrVenueRejected, ref.Cache)
	}
	a, ok := m.accounts[ref.Account]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrVenueRejected, ref.Account)
	}

	return &Snapshot{
		Group:   cloneGroup(g),
		Account: cloneAccount(a),
		Cache:   cloneCache(c),
	}, nil
}

func cloneGroup(g *Group) Group {
	out := *g
	out.Tokens = append([]TokenInfo(nil), g.Tokens...)
	out.PerpMarkets = append([]PerpMarketInfo(nil), g.PerpMarkets...)
	return out
}

func cloneAccount(a *Account) Account {
	out := *a
	out.Deposits = append([]fpmath.I80F48(nil), a.Deposits...)
	out.Borrows = append([]fpmath.I80F48(nil), a.Borrows...)
	out.Perps = append([]PerpAccount(nil), a.Perps...)
	return out
}

func cloneCache(c *Cache) Cache {
	out := *c
	out.Prices = append([]fpmath.I80F48(nil), c.Prices...)
	out.RootBanks = append([]RootBankCache(nil), c.RootBanks...)
	out.PerpMarkets = append([]PerpMarketCache(nil), c.PerpMarkets...)
	return out
}
