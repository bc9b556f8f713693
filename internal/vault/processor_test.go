package vault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LeverVault/internal/errs"
	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/observability"
	"LeverVault/internal/oracle"
	"LeverVault/internal/registry"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixture: one group, one base token, one 3x leverage token
// ============================================================================

type fixture struct {
	t *testing.T

	program solana.PublicKey
	group   solana.PublicKey
	admin   solana.PublicKey
	auth    ledger.Authority

	baseMint solana.PublicKey
	oracle   solana.PublicKey
	levMint  solana.PublicKey

	venueGroup   solana.PublicKey
	venueAccount solana.PublicKey
	venueCache   solana.PublicKey
	perpMarket   solana.PublicKey

	owner        solana.PublicKey
	tokenAccount solana.PublicKey

	host  *ledger.MemoryHost
	venue *venue.MemoryVenue
	proc  *vault.Processor
	clock time.Time
}

func key() solana.PublicKey { return solana.NewWallet().PublicKey() }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:            t,
		program:      key(),
		group:        key(),
		admin:        key(),
		baseMint:     key(),
		oracle:       key(),
		levMint:      key(),
		venueGroup:   key(),
		venueAccount: key(),
		venueCache:   key(),
		perpMarket:   key(),
		owner:        key(),
		tokenAccount: key(),
		host:         ledger.NewMemoryHost(),
		venue:        venue.NewMemoryVenue(),
		clock:        time.Unix(1_700_000_000, 0).UTC(),
	}

	auth, err := ledger.FindAuthority(f.group, f.program)
	require.NoError(t, err)
	f.auth = auth

	f.host.CreateAccount(&ledger.Account{
		Key:      f.group,
		Owner:    f.program,
		Lamports: ledger.MinimumBalance(registry.GroupSize),
		Data:     make([]byte, registry.GroupSize),
	})
	f.host.CreateAccount(&ledger.Account{
		Key:      f.oracle,
		Owner:    f.program,
		Lamports: ledger.MinimumBalance(oracle.StubSize),
		Data:     make([]byte, oracle.StubSize),
	})
	f.host.CreateMint(ledger.Mint{Key: f.baseMint, Decimals: 6})
	f.host.CreateMint(ledger.Mint{Key: f.levMint, Authority: auth.Key, Decimals: 0})

	// Base and quote share 6 decimals; unit lots make lot price == UI price.
	vg := venue.NewGroup(f.venueGroup, []venue.TokenInfo{
		{Mint: f.baseMint, Decimals: 6},
		{Mint: key(), Decimals: 6},
	}, 1)
	vg.PerpMarkets[0] = venue.PerpMarketInfo{Key: f.perpMarket, BaseLotSize: 1, QuoteLotSize: 1}
	f.venue.AddGroup(vg)

	cache := venue.NewCache(f.venueCache, &vg)
	cache.Prices[0] = fpmath.One
	f.venue.SetCache(cache)

	f.proc = vault.NewProcessor(
		vault.Options{ProgramID: f.program, LRUCapacity: 64},
		f.host, f.venue, nil, nil,
		observability.NewMetrics(prometheus.NewRegistry()),
		zerolog.Nop(),
	)
	return f
}

func (f *fixture) invoke(ix vault.Instruction, metas ...*solana.AccountMeta) *event.Envelope {
	f.t.Helper()
	f.clock = f.clock.Add(time.Second)
	env, err := f.proc.Process(context.Background(), &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: f.program,
		Accounts:  metas,
		Data:      ix.Encode(),
		Timestamp: f.clock,
	})
	require.NoError(f.t, err)
	return env
}

func (f *fixture) mustApply(ix vault.Instruction, metas ...*solana.AccountMeta) *event.Envelope {
	f.t.Helper()
	env := f.invoke(ix, metas...)
	require.Equal(f.t, event.OutcomeApplied, env.Outcome, "%s: %s", env.Instruction, env.Error)
	return env
}

func w(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, true, false) }
func r(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, false, false) }
func s(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, false, true) }

func (f *fixture) initGroup() {
	f.mustApply(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), s(f.admin), r(key()), r(f.auth.Key))
}

func (f *fixture) setup() {
	f.t.Helper()
	f.initGroup()
	f.mustApply(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		w(f.group), r(f.baseMint), w(f.oracle), s(f.admin))
	f.mustApply(vault.Instruction{Kind: vault.InstructionAddLeverageToken, TargetLeverage: fpmath.FromInt64(3)},
		w(f.group), r(f.levMint), r(f.baseMint), r(f.venueAccount), r(f.perpMarket), s(f.admin))
	f.mustApply(vault.Instruction{Kind: vault.InstructionSetStubOraclePrice, Price: fpmath.One},
		r(f.group), w(f.oracle), s(f.admin))
	f.mustApply(vault.Instruction{Kind: vault.InstructionInitVenueAccount},
		r(f.group), r(f.venueGroup), w(f.venueAccount), s(f.admin))
}

func (f *fixture) mintRedeem(kind vault.InstructionKind, q uint64) *event.Envelope {
	f.t.Helper()
	return f.invoke(vault.Instruction{Kind: kind, Quantity: q},
		r(f.group), w(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		s(f.owner), w(f.tokenAccount))
}

func (f *fixture) rebalance() *event.Envelope {
	f.t.Helper()
	return f.invoke(vault.Instruction{Kind: vault.InstructionRebalance},
		r(f.group), r(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		r(f.perpMarket), r(f.oracle))
}

func (f *fixture) loadGroup() *registry.Group {
	f.t.Helper()
	acct, ok := f.host.Account(f.group)
	require.True(f.t, ok)
	g, err := registry.Load(acct, f.program)
	require.NoError(f.t, err)
	return g
}

func (f *fixture) snapshot() *venue.Snapshot {
	f.t.Helper()
	snap, err := f.venue.LoadSnapshot(context.Background(), venue.AccountRef{
		VenueGroup: f.venueGroup, Account: f.venueAccount, Cache: f.venueCache,
	})
	require.NoError(f.t, err)
	return snap
}

func requireRejected(t *testing.T, env *event.Envelope, code errs.Code) {
	t.Helper()
	require.Equal(t, event.OutcomeRejected, env.Outcome)
	assert.Equal(t, code.String(), env.ErrorCode, env.Error)
}

// ============================================================================
// Test: Registration
// ============================================================================

func TestProcessor_Setup(t *testing.T) {
	f := newFixture(t)
	f.setup()

	g := f.loadGroup()
	assert.True(t, g.IsInitialized)
	assert.Equal(t, f.admin, g.AdminKey)
	assert.Equal(t, f.auth.Key, g.SignerKey)
	assert.Equal(t, uint64(1), g.NumBaseTokens)
	assert.Equal(t, uint64(1), g.NumLeverageTokens)
	assert.Equal(t, fpmath.FromInt64(3), g.LeverageTokens[0].TargetLeverage)

	acct, _ := f.host.Account(f.oracle)
	assert.Equal(t, oracle.KindStub, oracle.Classify(acct.Data))
	price, err := oracle.Read(acct, 6)
	require.NoError(t, err)
	assert.Equal(t, fpmath.One, price)

	stub, err := oracle.DecodeStub(acct.Data)
	require.NoError(t, err)
	if stub.LastUpdate == 0 {
		t.Error("stub last update should carry the invocation timestamp")
	}
}

func TestProcessor_InitGroup_WrongAuthority(t *testing.T) {
	f := newFixture(t)

	env := f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), s(f.admin), r(key()), r(key()))
	requireRejected(t, env, errs.InvalidSignerKey)

	acct, _ := f.host.Account(f.group)
	g, err := registry.Unmarshal(acct.Data)
	require.NoError(t, err)
	assert.False(t, g.IsInitialized, "rejected init must not stage writes")
}

func TestProcessor_InitGroup_Checks(t *testing.T) {
	f := newFixture(t)

	env := f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), r(f.admin), r(key()), r(f.auth.Key))
	requireRejected(t, env, errs.SignerNecessary)

	f.initGroup()
	env = f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), s(f.admin), r(key()), r(f.auth.Key))
	requireRejected(t, env, errs.Default)
}

func TestProcessor_InitGroup_NotRentExempt(t *testing.T) {
	f := newFixture(t)
	f.host.CreateAccount(&ledger.Account{Key: f.group, Owner: f.program, Lamports: 1, Data: make([]byte, registry.GroupSize)})

	env := f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), s(f.admin), r(key()), r(f.auth.Key))
	requireRejected(t, env, errs.GroupNotRentExempt)
}

func TestProcessor_AddBaseToken_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.initGroup()

	env := f.invoke(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		w(f.group), r(f.baseMint), w(f.oracle), s(key()))
	requireRejected(t, env, errs.InvalidAdminKey)

	env = f.invoke(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		w(f.group), r(f.baseMint), w(f.oracle), r(f.admin))
	requireRejected(t, env, errs.SignerNecessary)
}

func TestProcessor_AddLeverageToken_MintChecks(t *testing.T) {
	f := newFixture(t)
	f.initGroup()
	f.mustApply(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		w(f.group), r(f.baseMint), w(f.oracle), s(f.admin))

	foreign := key()
	f.host.CreateMint(ledger.Mint{Key: foreign, Authority: key()})
	env := f.invoke(vault.Instruction{Kind: vault.InstructionAddLeverageToken, TargetLeverage: fpmath.FromInt64(2)},
		w(f.group), r(foreign), r(f.baseMint), r(f.venueAccount), r(f.perpMarket), s(f.admin))
	requireRejected(t, env, errs.InvalidToken)

	unknownBase := key()
	env = f.invoke(vault.Instruction{Kind: vault.InstructionAddLeverageToken, TargetLeverage: fpmath.FromInt64(2)},
		w(f.group), r(f.levMint), r(unknownBase), r(f.venueAccount), r(f.perpMarket), s(f.admin))
	requireRejected(t, env, errs.InvalidAccount)
}

func TestProcessor_WrongProgram(t *testing.T) {
	f := newFixture(t)

	env, err := f.proc.Process(context.Background(), &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: key(),
		Accounts:  solana.AccountMetaSlice{w(f.group)},
		Data:      vault.Instruction{Kind: vault.InstructionAddBaseToken}.Encode(),
	})
	require.NoError(t, err)
	requireRejected(t, env, errs.InvalidProgramID)
}

func TestProcessor_TooFewAccounts(t *testing.T) {
	f := newFixture(t)

	env := f.invoke(vault.Instruction{Kind: vault.InstructionAddBaseToken}, w(f.group))
	requireRejected(t, env, errs.InvalidAccount)
}

// ============================================================================
// Test: Mint / Redeem
// ============================================================================

func TestEngine_BootstrapPrice(t *testing.T) {
	f := newFixture(t)
	f.setup()

	price, err := f.proc.Engine().NativePrice(0, f.snapshot())
	require.NoError(t, err)
	if price != fpmath.FromInt64(1_000_000) {
		t.Errorf("got %s, want 1000000", price)
	}

	// Collateral already in the account does not move the bootstrap price.
	snap := f.snapshot()
	snap.Account.Deposits[1] = fpmath.FromInt64(7_000_000)
	snap.Account.Perps[0] = venue.PerpAccount{BasePosition: 3_000_000, QuotePosition: fpmath.FromInt64(-1_000_000)}
	price, err = f.proc.Engine().NativePrice(0, snap)
	require.NoError(t, err)
	if price != fpmath.FromInt64(1_000_000) {
		t.Errorf("with NAV 9000000: got %s, want 1000000", price)
	}
}

func TestEngine_NativePriceRejectsEmptyGroup(t *testing.T) {
	f := newFixture(t)

	for _, supply := range []uint64{0, 10} {
		_, err := f.proc.Engine().NativePrice(supply, &venue.Snapshot{})
		if !errors.Is(err, errs.InvalidAccount) {
			t.Errorf("supply %d: got %v, want InvalidAccount", supply, err)
		}
	}
}

func TestProcessor_MintRedeemRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.mintRedeem(vault.InstructionMint, 5)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	require.NotNil(t, env.MintRedeem)
	assert.Equal(t, uint64(5_000_000), env.MintRedeem.Amount)
	assert.Equal(t, "1000000", env.MintRedeem.NativePrice)

	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(5), m.Supply)
	assert.Equal(t, uint64(5), f.host.Balance(f.levMint, f.owner))

	snap := f.snapshot()
	assert.Equal(t, fpmath.FromInt64(5_000_000), snap.Account.Deposits[1])

	env = f.mintRedeem(vault.InstructionRedeem, 5)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, uint64(5_000_000), env.MintRedeem.Amount)

	m, _ = f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)
	assert.Equal(t, uint64(0), f.host.Balance(f.levMint, f.owner))
	assert.True(t, f.snapshot().Account.Deposits[1].IsZero())
}

func TestProcessor_MintZeroIsNoop(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.mintRedeem(vault.InstructionMint, 0)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, uint64(0), env.MintRedeem.Amount)

	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)
	assert.True(t, f.snapshot().Account.Deposits[1].IsZero())
}

func TestProcessor_MintVenueFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.venue.FailNext("deposit", errors.New("venue down"))

	env := f.mintRedeem(vault.InstructionMint, 5)
	requireRejected(t, env, errs.VenueError)

	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)
	assert.Equal(t, uint64(0), f.host.Balance(f.levMint, f.owner))
}

func TestProcessor_RedeemInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.mintRedeem(vault.InstructionMint, 2)

	env := f.mintRedeem(vault.InstructionRedeem, 3)
	requireRejected(t, env, errs.InsufficientFunds)

	assert.Equal(t, uint64(2), f.host.Balance(f.levMint, f.owner))
	assert.Equal(t, fpmath.FromInt64(2_000_000), f.snapshot().Account.Deposits[1])
}

func TestProcessor_MintRequiresOwnerSignature(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.invoke(vault.Instruction{Kind: vault.InstructionMint, Quantity: 1},
		r(f.group), w(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		r(f.owner), w(f.tokenAccount))
	requireRejected(t, env, errs.SignerNecessary)
}

func TestProcessor_MintWrongVenueAccount(t *testing.T) {
	f := newFixture(t)
	f.setup()

	other := key()
	vg := f.snapshot().Group
	f.venue.AddAccount(venue.NewAccount(other, f.auth.Key, &vg))

	env := f.invoke(vault.Instruction{Kind: vault.InstructionMint, Quantity: 1},
		r(f.group), w(f.levMint), r(f.venueGroup), w(other), r(f.venueCache),
		s(f.owner), w(f.tokenAccount))
	requireRejected(t, env, errs.InvalidAccount)
}

func TestProcessor_MintPricesAgainstNAV(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.mintRedeem(vault.InstructionMint, 4)

	// Collateral doubles: each unit is now worth 2 quote units.
	snap := f.snapshot()
	acct := snap.Account
	acct.Deposits[1] = fpmath.FromInt64(8_000_000)
	f.venue.AddAccount(acct)

	env := f.mintRedeem(vault.InstructionMint, 1)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, uint64(2_000_000), env.MintRedeem.Amount)
}

// ============================================================================
// Test: Rebalance
// ============================================================================

// seedPosition sets NAV to 1e6 with a 2e6 long at price 1.
func (f *fixture) seedPosition() {
	snap := f.snapshot()
	acct := snap.Account
	acct.Deposits[1] = fpmath.FromInt64(1_000_000)
	acct.Perps[0] = venue.PerpAccount{BasePosition: 2_000_000, QuotePosition: fpmath.FromInt64(-2_000_000)}
	f.venue.AddAccount(acct)
}

func TestProcessor_RebalanceBuysTowardTarget(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.seedPosition()

	env := f.rebalance()
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	require.NotNil(t, env.Order)
	assert.Equal(t, "buy", env.Order.Side)
	assert.Equal(t, int64(1_000_000), env.Order.Quantity)
	assert.Equal(t, int64(1), env.Order.Price)
	assert.Equal(t, "1000000", env.Order.NAV)
	assert.Equal(t, "3000000", env.Order.Target)
	assert.Equal(t, vault.ClientOrderID(env.InvocationID), env.Order.ClientOrderID)

	orders := f.venue.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, venue.SideBuy, orders[0].Order.Side)
	assert.Equal(t, f.perpMarket, orders[0].Order.PerpMarket)
}

func TestProcessor_RebalanceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.seedPosition()

	f.rebalance()
	env := f.rebalance()
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, int64(0), env.Order.Quantity)
	assert.Len(t, f.venue.Orders(), 1, "second rebalance should place no order")
}

func TestProcessor_RebalanceZeroDelta(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.rebalance()
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, int64(0), env.Order.Quantity)
	assert.Empty(t, env.Order.Side)
	assert.Empty(t, f.venue.Orders())
}

func TestProcessor_RebalanceSubLotDelta(t *testing.T) {
	f := newFixture(t)
	f.setup()

	// NAV 0.25 gives a 0.75 target, less than one unit lot.
	acct := f.snapshot().Account
	acct.Deposits[1] = fpmath.MustParse("0.25")
	f.venue.AddAccount(acct)

	env := f.rebalance()
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	assert.Equal(t, "0.75", env.Order.Target)
	assert.Equal(t, int64(0), env.Order.Quantity)
	assert.Empty(t, env.Order.Side)
	assert.Empty(t, f.venue.Orders())
}

func TestProcessor_RebalanceWrongOracle(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.invoke(vault.Instruction{Kind: vault.InstructionRebalance},
		r(f.group), r(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		r(f.perpMarket), r(key()))
	requireRejected(t, env, errs.InvalidOracle)
}

func TestProcessor_RebalanceWrongMarket(t *testing.T) {
	f := newFixture(t)
	f.setup()

	env := f.invoke(vault.Instruction{Kind: vault.InstructionRebalance},
		r(f.group), r(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		r(key()), r(f.oracle))
	requireRejected(t, env, errs.InvalidAccount)
}

func TestProcessor_RebalanceOrderFailure(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.seedPosition()
	f.venue.FailNext("order", errors.New("book crossed"))

	env := f.rebalance()
	requireRejected(t, env, errs.VenueError)
	assert.Nil(t, env.Order)
}

// ============================================================================
// Test: Venue replies
// ============================================================================

// emptySnapshotVenue answers every snapshot request with an empty group.
type emptySnapshotVenue struct{ *venue.MemoryVenue }

func (v emptySnapshotVenue) LoadSnapshot(ctx context.Context, ref venue.AccountRef) (*venue.Snapshot, error) {
	return &venue.Snapshot{Group: venue.Group{Key: ref.VenueGroup}, Account: venue.Account{Key: ref.Account}, Cache: venue.Cache{Key: ref.Cache}}, nil
}

// foreignSnapshotVenue answers with the state of another account.
type foreignSnapshotVenue struct {
	*venue.MemoryVenue
	account solana.PublicKey
}

func (v foreignSnapshotVenue) LoadSnapshot(ctx context.Context, ref venue.AccountRef) (*venue.Snapshot, error) {
	ref.Account = v.account
	return v.MemoryVenue.LoadSnapshot(ctx, ref)
}

func TestProcessor_MalformedSnapshotRejected(t *testing.T) {
	f := newFixture(t)
	f.setup()
	f.seedPosition()

	other := key()
	vg := f.snapshot().Group
	f.venue.AddAccount(venue.NewAccount(other, f.auth.Key, &vg))

	venues := map[string]venue.Venue{
		"empty group":   emptySnapshotVenue{f.venue},
		"other account": foreignSnapshotVenue{MemoryVenue: f.venue, account: other},
	}
	for name, v := range venues {
		f.proc = vault.NewProcessor(vault.Options{ProgramID: f.program}, f.host, v, nil, nil, nil, zerolog.Nop())

		requireRejected(t, f.rebalance(), errs.InvalidAccount)
		requireRejected(t, f.mintRedeem(vault.InstructionMint, 1), errs.InvalidAccount)
		if len(f.venue.Orders()) != 0 {
			t.Errorf("%s: got %d orders, want 0", name, len(f.venue.Orders()))
		}
	}
	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)
}

// ============================================================================
// Test: Account permissions
// ============================================================================

func TestProcessor_RequiresWritableAccounts(t *testing.T) {
	f := newFixture(t)

	env := f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		r(f.group), s(f.admin), r(key()), r(f.auth.Key))
	requireRejected(t, env, errs.InvalidAccount)
	assert.False(t, f.loadGroupRaw().IsInitialized)

	f.setup()

	env = f.invoke(vault.Instruction{Kind: vault.InstructionSetStubOraclePrice, Price: fpmath.FromInt64(9)},
		r(f.group), r(f.oracle), s(f.admin))
	requireRejected(t, env, errs.InvalidAccount)
	acct, _ := f.host.Account(f.oracle)
	price, err := oracle.Read(acct, 6)
	require.NoError(t, err)
	assert.Equal(t, fpmath.One, price)

	env = f.invoke(vault.Instruction{Kind: vault.InstructionMint, Quantity: 1},
		r(f.group), r(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
		s(f.owner), w(f.tokenAccount))
	requireRejected(t, env, errs.InvalidAccount)

	env = f.invoke(vault.Instruction{Kind: vault.InstructionRebalance},
		r(f.group), r(f.levMint), r(f.venueGroup), r(f.venueAccount), r(f.venueCache),
		r(f.perpMarket), r(f.oracle))
	requireRejected(t, env, errs.InvalidAccount)

	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)
	assert.True(t, f.snapshot().Account.Deposits[1].IsZero())
}

func (f *fixture) loadGroupRaw() *registry.Group {
	f.t.Helper()
	acct, ok := f.host.Account(f.group)
	require.True(f.t, ok)
	g, err := registry.Unmarshal(acct.Data)
	require.NoError(f.t, err)
	return g
}

// ============================================================================
// Test: Commit failures
// ============================================================================

// flakyHost fails the next failCommits commits, discarding their writes.
type flakyHost struct {
	*ledger.MemoryHost
	failCommits int
}

func (h *flakyHost) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := h.MemoryHost.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, host: h}, nil
}

type flakyTx struct {
	ledger.Tx
	host *flakyHost
}

func (tx *flakyTx) Commit(ctx context.Context) error {
	if tx.host.failCommits > 0 {
		tx.host.failCommits--
		tx.Tx.Rollback(ctx)
		return errors.New("could not serialize access")
	}
	return tx.Tx.Commit(ctx)
}

func (f *fixture) mintRedeemInvocation(kind vault.InstructionKind, q uint64) *vault.Invocation {
	f.clock = f.clock.Add(time.Second)
	return &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: f.program,
		Accounts: solana.AccountMetaSlice{
			r(f.group), w(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
			s(f.owner), w(f.tokenAccount),
		},
		Data:      vault.Instruction{Kind: kind, Quantity: q}.Encode(),
		Timestamp: f.clock,
	}
}

func TestProcessor_RedeliveredRedeemPaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup()
	f.mintRedeem(vault.InstructionMint, 5)

	host := &flakyHost{MemoryHost: f.host, failCommits: 1}
	proc := vault.NewProcessor(vault.Options{ProgramID: f.program, LRUCapacity: 64}, host, f.venue, nil, nil, nil, zerolog.Nop())
	inv := f.mintRedeemInvocation(vault.InstructionRedeem, 2)

	_, err := proc.Process(ctx, inv)
	require.Error(t, err, "a failed commit is a host failure")
	assert.Equal(t, uint64(5), f.host.Balance(f.levMint, f.owner), "burn must roll back")
	assert.Equal(t, fpmath.FromInt64(3_000_000), f.snapshot().Account.Deposits[1])

	env, err := proc.Process(ctx, inv)
	require.NoError(t, err)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)

	assert.Equal(t, uint64(3), f.host.Balance(f.levMint, f.owner))
	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(3), m.Supply)
	if got := f.snapshot().Account.Deposits[1]; got != fpmath.FromInt64(3_000_000) {
		t.Errorf("deposit after redelivery: got %s, want 3000000", got)
	}
}

func TestProcessor_RedeliveredMintDepositsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup()

	host := &flakyHost{MemoryHost: f.host, failCommits: 1}
	proc := vault.NewProcessor(vault.Options{ProgramID: f.program, LRUCapacity: 64}, host, f.venue, nil, nil, nil, zerolog.Nop())
	inv := f.mintRedeemInvocation(vault.InstructionMint, 5)

	_, err := proc.Process(ctx, inv)
	require.Error(t, err)
	m, _ := f.host.Mint(f.levMint)
	assert.Equal(t, uint64(0), m.Supply)

	env, err := proc.Process(ctx, inv)
	require.NoError(t, err)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)

	m, _ = f.host.Mint(f.levMint)
	assert.Equal(t, uint64(5), m.Supply)
	if got := f.snapshot().Account.Deposits[1]; got != fpmath.FromInt64(5_000_000) {
		t.Errorf("deposit after redelivery: got %s, want 5000000", got)
	}
}

// ============================================================================
// Test: Log sequencing
// ============================================================================

func TestProcessor_HashChain(t *testing.T) {
	f := newFixture(t)

	first := f.invoke(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce},
		w(f.group), s(f.admin), r(key()), r(f.auth.Key))
	second := f.invoke(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		w(f.group), r(f.baseMint), w(f.oracle), s(f.admin))

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, vault.GenesisHash(), first.PrevHash)
	assert.Equal(t, first.StateHash, second.PrevHash)
	assert.Equal(t, second.StateHash, f.proc.StateHash())
	assert.Equal(t, int64(3), f.proc.Sequence())
}

func TestProcessor_DuplicateInvocation(t *testing.T) {
	f := newFixture(t)
	f.setup()

	inv := &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: f.program,
		Accounts: solana.AccountMetaSlice{
			r(f.group), w(f.levMint), r(f.venueGroup), w(f.venueAccount), r(f.venueCache),
			s(f.owner), w(f.tokenAccount),
		},
		Data: vault.Instruction{Kind: vault.InstructionMint, Quantity: 1}.Encode(),
	}

	env, err := f.proc.Process(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, event.OutcomeApplied, env.Outcome, env.Error)
	seq := f.proc.Sequence()

	env, err = f.proc.Process(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeDuplicate, env.Outcome)
	assert.Equal(t, seq, f.proc.Sequence())
	assert.Equal(t, uint64(1), f.host.Balance(f.levMint, f.owner))
}

type stubLog map[uuid.UUID]bool

func (l stubLog) IsDuplicate(ctx context.Context, id uuid.UUID) (bool, error) {
	return l[id], nil
}

func TestProcessor_DuplicateFromLog(t *testing.T) {
	f := newFixture(t)
	seen := uuid.New()
	proc := vault.NewProcessor(vault.Options{ProgramID: f.program}, f.host, f.venue, stubLog{seen: true}, nil, nil, zerolog.Nop())

	env, err := proc.Process(context.Background(), &vault.Invocation{ID: seen, ProgramID: f.program})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeDuplicate, env.Outcome)
	assert.Equal(t, int64(1), proc.Sequence())
}

func TestProcessor_PublishesEnvelopes(t *testing.T) {
	f := newFixture(t)
	out := make(chan *event.Envelope, 1)
	proc := vault.NewProcessor(vault.Options{ProgramID: f.program}, f.host, f.venue, nil, out, nil, zerolog.Nop())

	_, err := proc.Process(context.Background(), &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: f.program,
		Accounts:  solana.AccountMetaSlice{w(f.group), s(f.admin), r(key()), r(f.auth.Key)},
		Data:      vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce}.Encode(),
	})
	require.NoError(t, err)

	select {
	case env := <-out:
		assert.Equal(t, "InitGroup.applied", env.Subject())
	default:
		t.Fatal("expected a published envelope")
	}
}

func TestProcessor_RunAcks(t *testing.T) {
	f := newFixture(t)
	in := make(chan vault.Delivery, 2)

	acked, nacked := 0, 0
	in <- vault.Delivery{
		Invocation: &vault.Invocation{
			ID:        uuid.New(),
			ProgramID: f.program,
			Accounts:  solana.AccountMetaSlice{w(f.group), s(f.admin), r(key()), r(f.auth.Key)},
			Data:      vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: f.auth.Nonce}.Encode(),
		},
		Ack: func() { acked++ },
		Nak: func() { nacked++ },
	}
	in <- vault.Delivery{
		Invocation: &vault.Invocation{ID: uuid.New(), ProgramID: f.program, Data: []byte{0xff}},
		Ack:        func() { acked++ },
		Nak:        func() { nacked++ },
	}
	close(in)

	require.NoError(t, f.proc.Run(context.Background(), in))
	assert.Equal(t, 2, acked, "applied and rejected invocations are both acked")
	assert.Equal(t, 0, nacked)
}
