package query

import (
	"context"
	"errors"
	"fmt"

	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	"LeverVault/internal/nav"
	"LeverVault/internal/projection"
	"LeverVault/internal/registry"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
)

// ErrNotFound is returned when a group or leverage token does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageSize caps one page of envelopes.
const MaxPageSize = 500

// EnvelopeLog reads the invocation log.
type EnvelopeLog interface {
	Envelopes(ctx context.Context, group string, after int64, limit int) ([]*event.Envelope, error)
}

// StatsReader reads the token activity projection.
type StatsReader interface {
	TokenStats(ctx context.Context, mint solana.PublicKey) (*projection.TokenStats, error)
}

// Service provides read-only access to vault state. Host reads run in a
// transaction that is always rolled back; prices are derived at query time
// from a fresh venue snapshot and never persisted.
type Service struct {
	programID solana.PublicKey
	host      ledger.Host
	venue     venue.SnapshotSource
	engine    *vault.Engine
	calc      *nav.Calculator
	log       EnvelopeLog
	stats     StatsReader
}

func NewService(programID solana.PublicKey, host ledger.Host, src venue.SnapshotSource, calc *nav.Calculator, log EnvelopeLog) *Service {
	return &Service{
		programID: programID,
		host:      host,
		venue:     src,
		engine:    vault.NewEngine(calc, nil, nil),
		calc:      calc,
		log:       log,
	}
}

// WithStats enables GetTokenStats.
func (s *Service) WithStats(r StatsReader) *Service {
	s.stats = r
	return s
}

// read runs fn against a throwaway transaction.
func (s *Service) read(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.host.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}

func (s *Service) loadGroup(ctx context.Context, tx ledger.Tx, key solana.PublicKey) (*registry.Group, error) {
	acct, err := tx.GetAccount(ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("group %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g, err := registry.Load(acct, s.programID)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w: %w", key, ErrNotFound, err)
	}
	return g, nil
}

// GetGroup returns the decoded group record.
func (s *Service) GetGroup(ctx context.Context, key solana.PublicKey) (*GroupResponse, error) {
	var resp *GroupResponse
	err := s.read(ctx, func(tx ledger.Tx) error {
		g, err := s.loadGroup(ctx, tx, key)
		if err != nil {
			return err
		}
		resp = newGroupResponse(key, g)
		return nil
	})
	return resp, err
}

// GetPrice values one leverage token against the venue account it trades
// through. venueGroup and cache locate the venue state; the account comes
// from the token record.
func (s *Service) GetPrice(ctx context.Context, group, mint, venueGroup, cache solana.PublicKey) (*PriceResponse, error) {
	var (
		token  registry.LeverageToken
		supply uint64
	)
	err := s.read(ctx, func(tx ledger.Tx) error {
		g, err := s.loadGroup(ctx, tx, group)
		if err != nil {
			return err
		}
		idx, ok := g.FindLeverageTokenByMint(mint)
		if !ok {
			return fmt.Errorf("leverage token %s: %w", mint, ErrNotFound)
		}
		token = g.LeverageTokens[idx]

		m, err := tx.GetMint(ctx, mint)
		if err != nil {
			return fmt.Errorf("mint %s: %w", mint, err)
		}
		supply = m.Supply
		return nil
	})
	if err != nil {
		return nil, err
	}

	ref := venue.AccountRef{
		VenueGroup: venueGroup,
		Account:    token.VenueAccount,
		Cache:      cache,
	}
	snap, err := s.venue.LoadSnapshot(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := snap.Matches(ref); err != nil {
		return nil, err
	}

	res, err := s.calc.Compute(snap)
	if err != nil {
		return nil, fmt.Errorf("compute nav: %w", err)
	}
	price, err := s.engine.NativePrice(supply, snap)
	if err != nil {
		return nil, fmt.Errorf("native price: %w", err)
	}

	exposure := make([]string, len(res.Exposure))
	for i, e := range res.Exposure {
		exposure[i] = e.String()
	}

	return &PriceResponse{
		Mint:           mint,
		TargetLeverage: token.TargetLeverage.String(),
		Supply:         supply,
		NAV:            res.NAV.String(),
		NativePrice:    price.String(),
		Exposure:       exposure,
	}, nil
}

// ListInvocations pages through the invocation log in sequence order.
// An empty group lists every group.
func (s *Service) ListInvocations(ctx context.Context, group string, after int64, limit int) ([]*event.Envelope, error) {
	if s.log == nil {
		return nil, errors.New("invocation log not configured")
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return s.log.Envelopes(ctx, group, after, limit)
}

// GetTokenStats returns the activity projection of one leverage token.
// The projection may trail the invocation log.
func (s *Service) GetTokenStats(ctx context.Context, mint solana.PublicKey) (*projection.TokenStats, error) {
	if s.stats == nil {
		return nil, errors.New("token stats not configured")
	}
	st, err := s.stats.TokenStats(ctx, mint)
	if errors.Is(err, projection.ErrNoStats) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return st, err
}
