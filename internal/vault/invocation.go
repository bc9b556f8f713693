package vault

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Invocation is one instruction call as delivered to the processor.
type Invocation struct {
	// Stable idempotency key from upstream
	ID uuid.UUID `json:"id"`

	ProgramID solana.PublicKey        `json:"program_id"`
	Accounts  solana.AccountMetaSlice `json:"accounts"`
	Data      []byte                  `json:"data"`

	// Versioned input timestamp (NOT wall-clock); stub oracles record it
	Timestamp time.Time `json:"timestamp"`
}

// extra returns the keys following the fixed accounts of kind.
func (inv *Invocation) extra(kind InstructionKind) []solana.PublicKey {
	n := kind.NumAccounts()
	if len(inv.Accounts) <= n {
		return nil
	}
	keys := make([]solana.PublicKey, 0, len(inv.Accounts)-n)
	for _, m := range inv.Accounts[n:] {
		keys = append(keys, m.PublicKey)
	}
	return keys
}
