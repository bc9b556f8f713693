package testutil

import (
	"context"
	"testing"
	"time"

	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/oracle"
	"LeverVault/internal/registry"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Vault is an in-memory deployment: one group with one base token, one 3x
// leverage token and its venue account, all registered through the
// processor. Base and quote both use 6 decimals, the base price is 1 and
// lots are unit sized.
type Vault struct {
	t *testing.T

	Program solana.PublicKey
	Group   solana.PublicKey
	Admin   solana.PublicKey
	Auth    ledger.Authority

	BaseMint solana.PublicKey
	Oracle   solana.PublicKey
	LevMint  solana.PublicKey

	VenueGroup   solana.PublicKey
	VenueAccount solana.PublicKey
	VenueCache   solana.PublicKey
	PerpMarket   solana.PublicKey

	Owner        solana.PublicKey
	TokenAccount solana.PublicKey

	Host  ledger.Host
	Venue *venue.MemoryVenue
	Proc  *vault.Processor

	clock time.Time
}

// NewKey returns a fresh random public key.
func NewKey() solana.PublicKey { return solana.NewWallet().PublicKey() }

// Backend is a host ledger that can be seeded with accounts and mints.
type Backend interface {
	ledger.Host
	CreateAccount(ctx context.Context, acct *ledger.Account) error
	CreateMint(ctx context.Context, m ledger.Mint) error
}

type memBackend struct{ *ledger.MemoryHost }

func (b memBackend) CreateAccount(_ context.Context, acct *ledger.Account) error {
	b.MemoryHost.CreateAccount(acct)
	return nil
}

func (b memBackend) CreateMint(_ context.Context, m ledger.Mint) error {
	b.MemoryHost.CreateMint(m)
	return nil
}

// NewVault builds and registers the deployment on an in-memory host.
func NewVault(t *testing.T) *Vault {
	t.Helper()
	return NewVaultOn(t, memBackend{ledger.NewMemoryHost()}, nil)
}

// NewVaultOn builds and registers the deployment on host. invocations may
// be nil.
func NewVaultOn(t *testing.T, host Backend, invocations vault.InvocationLog) *Vault {
	t.Helper()
	ctx := context.Background()

	v := &Vault{
		t:            t,
		Program:      NewKey(),
		Group:        NewKey(),
		Admin:        NewKey(),
		BaseMint:     NewKey(),
		Oracle:       NewKey(),
		LevMint:      NewKey(),
		VenueGroup:   NewKey(),
		VenueAccount: NewKey(),
		VenueCache:   NewKey(),
		PerpMarket:   NewKey(),
		Owner:        NewKey(),
		TokenAccount: NewKey(),
		Host:         host,
		Venue:        venue.NewMemoryVenue(),
		clock:        time.Unix(1_700_000_000, 0).UTC(),
	}

	auth, err := ledger.FindAuthority(v.Group, v.Program)
	require.NoError(t, err)
	v.Auth = auth

	require.NoError(t, host.CreateAccount(ctx, &ledger.Account{
		Key:      v.Group,
		Owner:    v.Program,
		Lamports: ledger.MinimumBalance(registry.GroupSize),
		Data:     make([]byte, registry.GroupSize),
	}))
	require.NoError(t, host.CreateAccount(ctx, &ledger.Account{
		Key:      v.Oracle,
		Owner:    v.Program,
		Lamports: ledger.MinimumBalance(oracle.StubSize),
		Data:     make([]byte, oracle.StubSize),
	}))
	require.NoError(t, host.CreateMint(ctx, ledger.Mint{Key: v.BaseMint, Decimals: 6}))
	require.NoError(t, host.CreateMint(ctx, ledger.Mint{Key: v.LevMint, Authority: auth.Key, Decimals: 0}))

	vg := venue.NewGroup(v.VenueGroup, []venue.TokenInfo{
		{Mint: v.BaseMint, Decimals: 6},
		{Mint: NewKey(), Decimals: 6},
	}, 1)
	vg.PerpMarkets[0] = venue.PerpMarketInfo{Key: v.PerpMarket, BaseLotSize: 1, QuoteLotSize: 1}
	v.Venue.AddGroup(vg)

	cache := venue.NewCache(v.VenueCache, &vg)
	cache.Prices[0] = fpmath.One
	v.Venue.SetCache(cache)

	v.Proc = vault.NewProcessor(
		vault.Options{ProgramID: v.Program, LRUCapacity: 64},
		host, v.Venue, invocations, nil, nil, zerolog.Nop(),
	)

	v.Apply(vault.Instruction{Kind: vault.InstructionInitGroup, SignerNonce: auth.Nonce},
		writable(v.Group), signer(v.Admin), readonly(NewKey()), readonly(auth.Key))
	v.Apply(vault.Instruction{Kind: vault.InstructionAddBaseToken},
		writable(v.Group), readonly(v.BaseMint), writable(v.Oracle), signer(v.Admin))
	v.Apply(vault.Instruction{Kind: vault.InstructionAddLeverageToken, TargetLeverage: fpmath.FromInt64(3)},
		writable(v.Group), readonly(v.LevMint), readonly(v.BaseMint), readonly(v.VenueAccount), readonly(v.PerpMarket), signer(v.Admin))
	v.Apply(vault.Instruction{Kind: vault.InstructionSetStubOraclePrice, Price: fpmath.One},
		readonly(v.Group), writable(v.Oracle), signer(v.Admin))
	v.Apply(vault.Instruction{Kind: vault.InstructionInitVenueAccount},
		readonly(v.Group), readonly(v.VenueGroup), writable(v.VenueAccount), signer(v.Admin))
	return v
}

// Invoke processes one instruction and returns its envelope.
func (v *Vault) Invoke(ix vault.Instruction, metas ...*solana.AccountMeta) *event.Envelope {
	v.t.Helper()
	v.clock = v.clock.Add(time.Second)
	env, err := v.Proc.Process(context.Background(), &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: v.Program,
		Accounts:  metas,
		Data:      ix.Encode(),
		Timestamp: v.clock,
	})
	require.NoError(v.t, err)
	return env
}

// Apply is Invoke that fails the test unless the invocation applied.
func (v *Vault) Apply(ix vault.Instruction, metas ...*solana.AccountMeta) *event.Envelope {
	v.t.Helper()
	env := v.Invoke(ix, metas...)
	require.Equal(v.t, event.OutcomeApplied, env.Outcome, "%s: %s", env.Instruction, env.Error)
	return env
}

// Mint mints q leverage tokens to Owner.
func (v *Vault) Mint(q uint64) *event.Envelope {
	v.t.Helper()
	return v.Apply(vault.Instruction{Kind: vault.InstructionMint, Quantity: q},
		readonly(v.Group), writable(v.LevMint), readonly(v.VenueGroup), writable(v.VenueAccount),
		readonly(v.VenueCache), signer(v.Owner), writable(v.TokenAccount))
}

// Redeem redeems q leverage tokens from Owner. The envelope is returned
// whatever the outcome.
func (v *Vault) Redeem(q uint64) *event.Envelope {
	v.t.Helper()
	return v.Invoke(vault.Instruction{Kind: vault.InstructionRedeem, Quantity: q},
		readonly(v.Group), writable(v.LevMint), readonly(v.VenueGroup), writable(v.VenueAccount),
		readonly(v.VenueCache), signer(v.Owner), writable(v.TokenAccount))
}

func writable(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, true, false) }
func readonly(k solana.PublicKey) *solana.AccountMeta { return solana.NewAccountMeta(k, false, false) }
func signer(k solana.PublicKey) *solana.AccountMeta   { return solana.NewAccountMeta(k, false, true) }
