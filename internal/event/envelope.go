package event

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Outcome of one invocation
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// Hash is a SHA-256 chain link, hex encoded in JSON.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("hash: got %d hex chars, want 64", len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// Envelope wraps every processed invocation in the log
type Envelope struct {
	// Monotonic sequence assigned by the processor
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	InvocationID uuid.UUID `json:"invocation_id"`

	Instruction string           `json:"instruction"`
	Group       solana.PublicKey `json:"group"`
	Outcome     Outcome          `json:"outcome"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Error       string           `json:"error,omitempty"`

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time `json:"timestamp"`

	// SHA-256 over the group record after this invocation
	StateHash Hash `json:"state_hash"`

	// Previous invocation's state hash (chain integrity)
	PrevHash Hash `json:"prev_hash"`

	MintRedeem *MintRedeem  `json:"mint_redeem,omitempty"`
	Order      *OrderPlaced `json:"order,omitempty"`
}

// Subject is the outbound NATS subject suffix for this envelope.
func (e *Envelope) Subject() string {
	return fmt.Sprintf("%s.%s", e.Instruction, e.Outcome)
}
