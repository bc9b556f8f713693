package vault

import (
	"context"
	"errors"
	"fmt"

	"LeverVault/internal/errs"
	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	"LeverVault/internal/oracle"
	"LeverVault/internal/registry"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
)

const procComponent = errs.ComponentProcessor

func (p *Processor) dispatch(ctx context.Context, tx ledger.Tx, inv *Invocation, ix Instruction, env *event.Envelope) error {
	switch ix.Kind {
	case InstructionInitGroup:
		return p.handleInitGroup(ctx, tx, inv, ix)
	case InstructionAddBaseToken:
		return p.handleAddBaseToken(ctx, tx, inv)
	case InstructionAddLeverageToken:
		return p.handleAddLeverageToken(ctx, tx, inv, ix)
	case InstructionMint, InstructionRedeem:
		out, err := p.handleMintRedeem(ctx, tx, inv, ix)
		env.MintRedeem = out
		return err
	case InstructionRebalance:
		out, err := p.handleRebalance(ctx, tx, inv)
		env.Order = out
		return err
	case InstructionSetStubOraclePrice:
		return p.handleSetStubOraclePrice(ctx, tx, inv, ix)
	case InstructionInitVenueAccount:
		return p.handleInitVenueAccount(ctx, tx, inv)
	default:
		return errs.New(procComponent, errs.InvalidInstruction)
	}
}

// getAccount loads a data account, classifying a missing one as InvalidAccount.
func getAccount(ctx context.Context, tx ledger.Tx, key solana.PublicKey) (*ledger.Account, error) {
	acct, err := tx.GetAccount(ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, errs.Wrap(procComponent, errs.InvalidAccount, err)
	}
	return acct, err
}

func getMint(ctx context.Context, tx ledger.Tx, key solana.PublicKey) (*ledger.Mint, error) {
	mint, err := tx.GetMint(ctx, key)
	if errors.Is(err, ledger.ErrMintNotFound) {
		return nil, errs.Wrap(procComponent, errs.InvalidToken, err)
	}
	return mint, err
}

// loadGroup returns the group record held by the first account.
func (p *Processor) loadGroup(ctx context.Context, tx ledger.Tx, inv *Invocation) (*ledger.Account, *registry.Group, error) {
	acct, err := getAccount(ctx, tx, inv.Accounts[0].PublicKey)
	if err != nil {
		return nil, nil, err
	}
	g, err := registry.Load(acct, p.programID)
	if err != nil {
		return nil, nil, err
	}
	return acct, g, nil
}

func (p *Processor) storeGroup(ctx context.Context, tx ledger.Tx, acct *ledger.Account, g *registry.Group) error {
	registry.Store(acct, g)
	return tx.PutAccount(ctx, acct)
}

// checkAdmin verifies the admin account at index i.
func checkAdmin(g *registry.Group, inv *Invocation, i int) error {
	m := inv.Accounts[i]
	return g.CheckAdmin(m.PublicKey, m.IsSigner)
}

// accounts: group(w), admin(s), venue program, authority
func (p *Processor) handleInitGroup(ctx context.Context, tx ledger.Tx, inv *Invocation, ix Instruction) error {
	groupMeta, admin := inv.Accounts[0], inv.Accounts[1]
	venueProgram, authority := inv.Accounts[2].PublicKey, inv.Accounts[3].PublicKey

	acct, err := getAccount(ctx, tx, groupMeta.PublicKey)
	if err != nil {
		return err
	}
	if err := errs.Check(acct.Owner == p.programID, procComponent, errs.InvalidGroupOwner); err != nil {
		return err
	}
	if err := errs.Check(acct.IsRentExempt(), procComponent, errs.GroupNotRentExempt); err != nil {
		return err
	}

	g, err := registry.Unmarshal(acct.Data)
	if err != nil {
		return err
	}

	auth, err := ledger.DeriveAuthority(groupMeta.PublicKey, ix.SignerNonce, p.programID)
	if err != nil {
		return errs.Wrap(procComponent, errs.InvalidSignerKey, err)
	}
	if err := errs.Check(auth.Key == authority, procComponent, errs.InvalidSignerKey); err != nil {
		return err
	}
	if err := errs.Check(admin.IsSigner, procComponent, errs.SignerNecessary); err != nil {
		return err
	}

	if err := g.Init(admin.PublicKey, auth, venueProgram); err != nil {
		return err
	}
	return p.storeGroup(ctx, tx, acct, g)
}

// accounts: group(w), mint, oracle(w), admin(s)
func (p *Processor) handleAddBaseToken(ctx context.Context, tx ledger.Tx, inv *Invocation) error {
	acct, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return err
	}
	if err := checkAdmin(g, inv, 3); err != nil {
		return err
	}

	mint, err := getMint(ctx, tx, inv.Accounts[1].PublicKey)
	if err != nil {
		return err
	}

	oracleAcct, err := getAccount(ctx, tx, inv.Accounts[2].PublicKey)
	if err != nil {
		return err
	}
	if oracle.Classify(oracleAcct.Data) == oracle.KindUnknown {
		if err := oracle.InitStub(oracleAcct, p.programID); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, oracleAcct); err != nil {
			return err
		}
	}

	if _, err := g.AddBaseToken(mint.Key, mint.Decimals, oracleAcct.Key); err != nil {
		return err
	}
	return p.storeGroup(ctx, tx, acct, g)
}

// accounts: group(w), mint, base mint, venue account, perp market, admin(s)
func (p *Processor) handleAddLeverageToken(ctx context.Context, tx ledger.Tx, inv *Invocation, ix Instruction) error {
	acct, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return err
	}
	if err := checkAdmin(g, inv, 5); err != nil {
		return err
	}

	mint, err := getMint(ctx, tx, inv.Accounts[1].PublicKey)
	if err != nil {
		return err
	}
	if err := errs.Check(mint.Authority == g.SignerKey, procComponent, errs.InvalidToken); err != nil {
		return err
	}
	if err := errs.Check(mint.Decimals == registry.LeverageTokenDecimals, procComponent, errs.InvalidToken); err != nil {
		return err
	}

	_, err = g.AddLeverageToken(registry.LeverageToken{
		Mint:            mint.Key,
		BaseTokenMint:   inv.Accounts[2].PublicKey,
		TargetLeverage:  ix.TargetLeverage,
		VenueAccount:    inv.Accounts[3].PublicKey,
		VenuePerpMarket: inv.Accounts[4].PublicKey,
	})
	if err != nil {
		return err
	}
	return p.storeGroup(ctx, tx, acct, g)
}

// accounts: group, mint(w), venue group, venue account(w), venue cache,
// owner(s), quote token account(w), then reserve refs
func (p *Processor) handleMintRedeem(ctx context.Context, tx ledger.Tx, inv *Invocation, ix Instruction) (*event.MintRedeem, error) {
	_, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return nil, err
	}

	mintKey := inv.Accounts[1].PublicKey
	i, ok := g.FindLeverageTokenByMint(mintKey)
	if !ok {
		return nil, fmt.Errorf("leverage token %s: %w", mintKey, errs.New(procComponent, errs.InvalidToken))
	}
	owner := inv.Accounts[5]
	if err := errs.Check(owner.IsSigner, procComponent, errs.SignerNecessary); err != nil {
		return nil, err
	}

	ref := venue.AccountRef{
		VenueGroup: inv.Accounts[2].PublicKey,
		Account:    inv.Accounts[3].PublicKey,
		Cache:      inv.Accounts[4].PublicKey,
	}
	snap, err := p.loadSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}

	t := Transfer{
		RequestID:    inv.ID,
		Token:        g.LeverageTokens[i],
		Authority:    g.Authority(inv.Accounts[0].PublicKey),
		Venue:        ref,
		ReserveRefs:  inv.extra(ix.Kind),
		Owner:        owner.PublicKey,
		TokenAccount: inv.Accounts[6].PublicKey,
		Quantity:     ix.Quantity,
	}
	if ix.Kind == InstructionMint {
		return p.engine.Mint(ctx, tx, snap, t)
	}
	return p.engine.Redeem(ctx, tx, snap, t)
}

// accounts: group, mint, venue group, venue account(w), venue cache,
// perp market, oracle, then book refs
func (p *Processor) handleRebalance(ctx context.Context, tx ledger.Tx, inv *Invocation) (*event.OrderPlaced, error) {
	_, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return nil, err
	}

	mintKey := inv.Accounts[1].PublicKey
	i, ok := g.FindLeverageTokenByMint(mintKey)
	if !ok {
		return nil, fmt.Errorf("leverage token %s: %w", mintKey, errs.New(procComponent, errs.InvalidToken))
	}
	token := g.LeverageTokens[i]

	b, ok := g.FindBaseToken(token.BaseTokenMint)
	if !ok {
		return nil, errs.New(procComponent, errs.InvalidAccount)
	}
	oracleKey := inv.Accounts[6].PublicKey
	if err := errs.Check(oracleKey == g.BaseTokens[b].Oracle, procComponent, errs.InvalidOracle); err != nil {
		return nil, err
	}

	ref := venue.AccountRef{
		VenueGroup: inv.Accounts[2].PublicKey,
		Account:    inv.Accounts[3].PublicKey,
		Cache:      inv.Accounts[4].PublicKey,
	}
	if err := errs.Check(ref.Account == token.VenueAccount, procComponent, errs.InvalidAccount); err != nil {
		return nil, err
	}
	snap, err := p.loadSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}

	oracleAcct, err := getAccount(ctx, tx, oracleKey)
	if err != nil {
		return nil, err
	}
	price, err := oracle.Read(oracleAcct, snap.Group.QuoteDecimals())
	if err != nil {
		return nil, err
	}

	plan, err := p.controller.Plan(token, snap, inv.Accounts[5].PublicKey, price, ClientOrderID(inv.ID))
	if err != nil {
		return nil, err
	}
	return p.controller.Execute(ctx, inv.ID, g.Authority(inv.Accounts[0].PublicKey), ref, inv.extra(InstructionRebalance), token, plan)
}

// accounts: group, oracle(w), admin(s)
func (p *Processor) handleSetStubOraclePrice(ctx context.Context, tx ledger.Tx, inv *Invocation, ix Instruction) error {
	_, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return err
	}
	if err := checkAdmin(g, inv, 2); err != nil {
		return err
	}

	acct, err := getAccount(ctx, tx, inv.Accounts[1].PublicKey)
	if err != nil {
		return err
	}
	if err := oracle.SetStubPrice(acct, p.programID, ix.Price, uint64(inv.Timestamp.Unix())); err != nil {
		return err
	}
	return tx.PutAccount(ctx, acct)
}

// accounts: group, venue group, new venue account, admin(s)
func (p *Processor) handleInitVenueAccount(ctx context.Context, tx ledger.Tx, inv *Invocation) error {
	_, g, err := p.loadGroup(ctx, tx, inv)
	if err != nil {
		return err
	}
	if err := checkAdmin(g, inv, 3); err != nil {
		return err
	}

	auth := g.Authority(inv.Accounts[0].PublicKey)
	req := venue.OpenRequest{
		RequestID:  inv.ID,
		VenueGroup: inv.Accounts[1].PublicKey,
		Account:    inv.Accounts[2].PublicKey,
	}
	return p.engine.call("open", func() error {
		return p.engine.gateway.OpenAccount(ctx, auth, req)
	})
}

func (p *Processor) loadSnapshot(ctx context.Context, ref venue.AccountRef) (*venue.Snapshot, error) {
	var snap *venue.Snapshot
	err := p.engine.call("snapshot", func() error {
		var err error
		snap, err = p.venue.LoadSnapshot(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errs.New(errs.ComponentVenue, errs.VenueError)
	}
	if err := snap.Matches(ref); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}
