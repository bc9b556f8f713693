// internal/venue/nats_gateway.go
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LeverVault/internal/ledger"

	"github.com/gagliardetto/solana-go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Request/reply operations, appended to the subject prefix.
const (
	OpOpenAccount = "open"
	OpDeposit     = "deposit"
	OpWithdraw    = "withdraw"
	OpPlaceOrder  = "order"
	OpSnapshot    = "snapshot"
)

// Envelope is the request body sent to the venue.
type Envelope struct {
	Authority *authorityJSON   `json:"authority,omitempty"`
	Open      *OpenRequest     `json:"open,omitempty"`
	Deposit   *DepositRequest  `json:"deposit,omitempty"`
	Withdraw  *WithdrawRequest `json:"withdraw,omitempty"`
	Order     *OrderRequest    `json:"order,omitempty"`
	Ref       *AccountRef      `json:"ref,omitempty"`
}

type authorityJSON struct {
	Key   solana.PublicKey `json:"key"`
	Group solana.PublicKey `json:"group"`
	Nonce uint64           `json:"nonce"`
}

func toAuthorityJSON(a ledger.Authority) *authorityJSON {
	return &authorityJSON{Key: a.Key, Group: a.Group, Nonce: a.Nonce}
}

func (a *authorityJSON) authority() ledger.Authority {
	if a == nil {
		return ledger.Authority{}
	}
	return ledger.Authority{Key: a.Key, Group: a.Group, Nonce: a.Nonce}
}

// Reply is the venue's answer.
type Reply struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// NATSGateway reaches the venue over NATS request/reply.
type NATSGateway struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATSGateway(nc *nats.Conn, prefix string, timeout time.Duration) *NATSGateway {
	return &NATSGateway{nc: nc, prefix: strings.TrimSuffix(prefix, "."), timeout: timeout}
}

func (g *NATSGateway) subject(op string) string {
	return g.prefix + "." + op
}

func (g *NATSGateway) call(ctx context.Context, op string, env Envelope) (*Reply, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	if _, ok := ctx.Deadline(); !ok && g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	msg, err := g.nc.RequestWithContext(ctx, g.subject(op), data)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", op, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", op, err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%w: %s: %s", ErrVenueRejected, op, reply.Error)
	}
	return &reply, nil
}

func (g *NATSGateway) OpenAccount(ctx context.Context, auth ledger.Authority, req OpenRequest) error {
	_, err := g.call(ctx, OpOpenAccount, Envelope{Authority: toAuthorityJSON(auth), Open: &req})
	return err
}

func (g *NATSGateway) Deposit(ctx context.Context, auth ledger.Authority, req DepositRequest) error {
	_, err := g.call(ctx, OpDeposit, Envelope{Authority: toAuthorityJSON(auth), Deposit: &req})
	return err
}

func (g *NATSGateway) Withdraw(ctx context.Context, auth ledger.Authority, req WithdrawRequest) error {
	_, err := g.call(ctx, OpWithdraw, Envelope{Authority: toAuthorityJSON(auth), Withdraw: &req})
	return err
}

func (g *NATSGateway) PlacePerpOrder(ctx context.Context, auth ledger.Authority, req OrderRequest) error {
	_, err := g.call(ctx, OpPlaceOrder, Envelope{Authority: toAuthorityJSON(auth), Order: &req})
	return err
}

func (g *NATSGateway) LoadSnapshot(ctx context.Context, ref AccountRef) (*Snapshot, error) {
	reply, err := g.call(ctx, OpSnapshot, Envelope{Ref: &ref})
	if err != nil {
		return nil, err
	}
	if reply.Snapshot == nil {
		return nil, fmt.Errorf("%w: empty snapshot reply", ErrVenueRejected)
	}
	if err := reply.Snapshot.Matches(ref); err != nil {
		return nil, err
	}
	if err := reply.Snapshot.Validate(); err != nil {
		return nil, err
	}
	return reply.Snapshot, nil
}

// Responder serves a Venue over NATS request/reply, the counterpart of
// NATSGateway.
type Responder struct {
	venue  Venue
	prefix string
	logger zerolog.Logger
	subs   []*nats.Subscription
}

func NewResponder(v Venue, prefix string, logger zerolog.Logger) *Responder {
	return &Responder{venue: v, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Serve subscribes one handler per operation.
func (r *Responder) Serve(nc *nats.Conn) error {
	for _, op := range []string{OpOpenAccount, OpDeposit, OpWithdraw, OpPlaceOrder, OpSnapshot} {
		op := op
		sub, err := nc.Subscribe(r.prefix+"."+op, func(msg *nats.Msg) {
			out := r.Handle(context.Background(), op, msg.Data)
			if err := msg.Respond(out); err != nil {
				r.logger.Warn().Err(err).Str("op", op).Msg("venue reply failed")
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", op, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.logger.Info().Str("prefix", r.prefix).Msg("venue responder serving")
	return nil
}

func (r *Responder) Stop() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
}

// Handle executes one encoded request and returns the encoded reply.
func (r *Responder) Handle(ctx context.Context, op string, data []byte) []byte {
	reply := r.handle(ctx, op, data)
	out, _ := json.Marshal(reply)
	return out
}

func (r *Responder) handle(ctx context.Context, op string, data []byte) Reply {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Reply{Error: fmt.Sprintf("decode request: %v", err)}
	}
	auth := env.Authority.authority()

	var err error
	var snap *Snapshot
	switch op {
	case OpOpenAccount:
		if env.Open == nil {
			return Reply{Error: "missing open body"}
		}
		err = r.venue.OpenAccount(ctx, auth, *env.Open)
	case OpDeposit:
		if env.Deposit == nil {
			return Reply{Error: "missing deposit body"}
		}
		err = r.venue.Deposit(ctx, auth, *env.Deposit)
	case OpWithdraw:
		if env.Withdraw == nil {
			return Reply{Error: "missing withdraw body"}
		}
		err = r.venue.Withdraw(ctx, auth, *env.Withdraw)
	case OpPlaceOrder:
		if env.Order == nil {
			return Reply{Error: "missing order body"}
		}
		err = r.venue.PlacePerpOrder(ctx, auth, *env.Order)
	case OpSnapshot:
		if env.Ref == nil {
			return Reply{Error: "missing account ref"}
		}
		snap, err = r.venue.LoadSnapshot(ctx, *env.Ref)
	default:
		return Reply{Error: fmt.Sprintf("unknown operation %q", op)}
	}

	if err != nil {
		return Reply{Error: err.Error()}
	}
	return Reply{OK: true, Snapshot: snap}
}
