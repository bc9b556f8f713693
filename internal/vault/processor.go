// internal/vault/processor.go
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LeverVault/internal/errs"
	"LeverVault/internal/event"
	"LeverVault/internal/ledger"
	"LeverVault/internal/nav"
	"LeverVault/internal/observability"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnvelopeWriter is implemented by host transactions that keep the
// invocation log in the same atomic unit as the state they change.
type EnvelopeWriter interface {
	WriteEnvelope(ctx context.Context, env *event.Envelope) error
}

// Options configures a Processor.
type Options struct {
	ProgramID     solana.PublicKey
	StartSequence int64
	LRUCapacity   int
}

// Delivery is an invocation plus its transport acknowledgement hooks.
type Delivery struct {
	Invocation *Invocation
	Ack        func()
	Nak        func()
}

// Processor applies invocations one at a time. Each invocation runs inside
// one host transaction: it either commits every staged write together with
// its log entry, or none of them.
type Processor struct {
	programID  solana.PublicKey
	host       ledger.Host
	venue      venue.Venue
	engine     *Engine
	controller *Controller

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger

	publishChan chan<- *event.Envelope
}

// NewProcessor wires a processor. invocations, publishChan and metrics may
// be nil.
func NewProcessor(
	opts Options,
	host ledger.Host,
	v venue.Venue,
	invocations InvocationLog,
	publishChan chan<- *event.Envelope,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}
	if opts.StartSequence <= 0 {
		opts.StartSequence = 1
	}

	calc := nav.NewCalculator(nil)
	engine := NewEngine(calc, v, metrics)

	return &Processor{
		programID:   opts.ProgramID,
		host:        host,
		venue:       v,
		engine:      engine,
		controller:  NewController(calc, engine, metrics),
		sequence:    opts.StartSequence,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(opts.LRUCapacity, invocations, metrics, logger),
		metrics:     metrics,
		logger:      logger,
		publishChan: publishChan,
	}
}

// Restore resumes after the last logged invocation.
func (p *Processor) Restore(lastSequence int64, lastHash event.Hash) {
	p.sequence = lastSequence + 1
	p.hasher.Reset(lastHash)
}

// WarmLRU preloads recently processed invocation ids.
func (p *Processor) WarmLRU(ids []uuid.UUID) {
	p.idempotency.Warm(ids)
}

// Sequence returns the sequence the next logged invocation will receive.
func (p *Processor) Sequence() int64 { return p.sequence }

// StateHash returns the hash chain tip.
func (p *Processor) StateHash() event.Hash { return p.hasher.PrevHash() }

// Engine exposes the mint/redeem engine for read-only pricing.
func (p *Processor) Engine() *Engine { return p.engine }

// Run drains deliveries until ctx is done or in is closed. Applied and
// rejected invocations are acked; host failures are nacked for redelivery.
func (p *Processor) Run(ctx context.Context, in <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := p.Process(ctx, d.Invocation); err != nil {
				p.logger.Error().Err(err).Stringer("invocation_id", d.Invocation.ID).Msg("invocation not logged")
				if d.Nak != nil {
					d.Nak()
				}
				continue
			}
			if d.Ack != nil {
				d.Ack()
			}
		}
	}
}

// Process applies one invocation. A domain failure is not an error: it
// yields a rejected envelope and the staged writes are discarded. The
// returned error is reserved for host failures, in which case nothing was
// logged and the invocation may be redelivered.
func (p *Processor) Process(ctx context.Context, inv *Invocation) (*event.Envelope, error) {
	start := time.Now()

	if p.idempotency.IsDuplicate(ctx, inv.ID) {
		return &event.Envelope{
			InvocationID: inv.ID,
			Outcome:      event.OutcomeDuplicate,
			Timestamp:    inv.Timestamp,
		}, nil
	}

	env := &event.Envelope{
		InvocationID: inv.ID,
		Instruction:  "Unknown",
		Timestamp:    inv.Timestamp,
	}
	if len(inv.Accounts) > 0 && inv.Accounts[0] != nil {
		env.Group = inv.Accounts[0].PublicKey
	}

	tx, err := p.host.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	groupData, err := p.apply(ctx, tx, inv, env)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ledger.ErrHostUnavailable) {
			tx.Rollback(ctx)
			return nil, err
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return nil, fmt.Errorf("rollback: %w", rbErr)
		}

		env.Outcome = event.OutcomeRejected
		env.ErrorCode = errs.CodeOf(err).String()
		env.Error = err.Error()
		env.MintRedeem, env.Order = nil, nil

		// The rejection is logged on a fresh transaction over unchanged state.
		if tx, err = p.host.Begin(ctx); err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		if groupData, err = p.groupData(ctx, tx, env.Group); err != nil {
			groupData = nil
		}
	} else {
		env.Outcome = event.OutcomeApplied
	}

	if err := p.commit(ctx, tx, inv, env, groupData); err != nil {
		return nil, err
	}

	p.idempotency.MarkProcessed(inv.ID)
	p.publish(env)
	p.observe(env, start)
	return env, nil
}

func (p *Processor) apply(ctx context.Context, tx ledger.Tx, inv *Invocation, env *event.Envelope) ([]byte, error) {
	if err := errs.Check(inv.ProgramID == p.programID, errs.ComponentProcessor, errs.InvalidProgramID); err != nil {
		return nil, err
	}
	ix, err := DecodeInstruction(inv.Data)
	if err != nil {
		return nil, err
	}
	env.Instruction = ix.Kind.String()

	if len(inv.Accounts) < ix.Kind.NumAccounts() {
		return nil, fmt.Errorf("%s: got %d accounts, want %d: %w", ix.Kind, len(inv.Accounts), ix.Kind.NumAccounts(),
			errs.New(errs.ComponentProcessor, errs.InvalidAccount))
	}
	for _, i := range ix.Kind.WritableAccounts() {
		m := inv.Accounts[i]
		if m == nil || !m.IsWritable {
			return nil, fmt.Errorf("%s: account %d must be writable: %w", ix.Kind, i,
				errs.New(errs.ComponentProcessor, errs.InvalidAccount))
		}
	}

	if err := p.dispatch(ctx, tx, inv, ix, env); err != nil {
		return nil, err
	}
	return p.groupData(ctx, tx, env.Group)
}

func (p *Processor) groupData(ctx context.Context, tx ledger.Tx, key solana.PublicKey) ([]byte, error) {
	if key.IsZero() {
		return nil, nil
	}
	acct, err := tx.GetAccount(ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return acct.Data, nil
}

// commit chains the envelope, logs it inside tx and commits. The hash
// chain only advances when the commit succeeds.
func (p *Processor) commit(ctx context.Context, tx ledger.Tx, inv *Invocation, env *event.Envelope, groupData []byte) error {
	prev := p.hasher.PrevHash()
	env.Sequence = p.sequence
	env.PrevHash = prev
	env.StateHash = p.hasher.ComputeHash(p.sequence, invocationDigest(inv, groupData))

	if w, ok := tx.(EnvelopeWriter); ok {
		if err := w.WriteEnvelope(ctx, env); err != nil {
			tx.Rollback(ctx)
			p.hasher.Reset(prev)
			return fmt.Errorf("write envelope seq=%d: %w", env.Sequence, err)
		}
	}

	start := time.Now()
	if err := tx.Commit(ctx); err != nil {
		p.hasher.Reset(prev)
		return fmt.Errorf("commit seq=%d: %w", env.Sequence, err)
	}
	if p.metrics != nil {
		p.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}

	p.sequence++
	return nil
}

// publish hands env to the outbound publisher without blocking. Consumers
// that fall behind can replay the invocation log.
func (p *Processor) publish(env *event.Envelope) {
	if p.publishChan == nil {
		return
	}
	select {
	case p.publishChan <- env:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
	}
}

func (p *Processor) observe(env *event.Envelope, start time.Time) {
	elapsed := time.Since(start)

	if p.metrics != nil {
		if env.Outcome == event.OutcomeApplied {
			p.metrics.InvocationsApplied.WithLabelValues(env.Instruction).Inc()
		} else {
			p.metrics.InvocationsRejected.WithLabelValues(env.Instruction, env.ErrorCode).Inc()
		}
		p.metrics.InvocationDuration.WithLabelValues(env.Instruction).Observe(elapsed.Seconds())
		p.metrics.Sequence.Set(float64(env.Sequence))
	}

	var ev *zerolog.Event
	if env.Outcome == event.OutcomeApplied {
		ev = p.logger.Info()
	} else {
		ev = p.logger.Warn().Str("code", env.ErrorCode).Str("error", env.Error)
	}
	ev.Int64("sequence", env.Sequence).
		Str("instruction", env.Instruction).
		Stringer("group", env.Group).
		Stringer("invocation_id", env.InvocationID).
		Str("outcome", string(env.Outcome)).
		Dur("duration", elapsed).
		Msg("invocation processed")
}
