package ingestion

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LeverVault/internal/vault"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// ErrMalformed marks a message that can never be processed, so it should
// not be redelivered.
var ErrMalformed = errors.New("malformed invocation")

// --- JSON wire format ---
// Field names use snake_case to match upstream producers. Keys are base58,
// instruction data is standard base64.

type invocationJSON struct {
	ID          string        `json:"id"`
	ProgramID   string        `json:"program_id"`
	Accounts    []accountJSON `json:"accounts"`
	Data        string        `json:"data"`
	TimestampUs int64         `json:"timestamp_us"`
}

type accountJSON struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// ParseInvocation converts one inbound message into an invocation. Errors
// wrap ErrMalformed.
func ParseInvocation(data []byte) (*vault.Invocation, error) {
	var j invocationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	id, err := uuid.Parse(j.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse id: %w", ErrMalformed, err)
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: nil id", ErrMalformed)
	}

	programID, err := solana.PublicKeyFromBase58(j.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse program_id: %w", ErrMalformed, err)
	}

	ixData, err := base64.StdEncoding.DecodeString(j.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse data: %w", ErrMalformed, err)
	}

	if j.TimestampUs <= 0 {
		return nil, fmt.Errorf("%w: timestamp_us must be positive", ErrMalformed)
	}

	accounts := make(solana.AccountMetaSlice, 0, len(j.Accounts))
	for i, a := range j.Accounts {
		key, err := solana.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("%w: parse accounts[%d]: %w", ErrMalformed, i, err)
		}
		accounts = append(accounts, solana.NewAccountMeta(key, a.IsWritable, a.IsSigner))
	}

	return &vault.Invocation{
		ID:        id,
		ProgramID: programID,
		Accounts:  accounts,
		Data:      ixData,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// MarshalInvocation is the inverse of ParseInvocation.
func MarshalInvocation(inv *vault.Invocation) ([]byte, error) {
	j := invocationJSON{
		ID:          inv.ID.String(),
		ProgramID:   inv.ProgramID.String(),
		Accounts:    make([]accountJSON, 0, len(inv.Accounts)),
		Data:        base64.StdEncoding.EncodeToString(inv.Data),
		TimestampUs: inv.Timestamp.UnixMicro(),
	}
	for _, m := range inv.Accounts {
		j.Accounts = append(j.Accounts, accountJSON{
			Pubkey:     m.PublicKey.String(),
			IsSigner:   m.IsSigner,
			IsWritable: m.IsWritable,
		})
	}
	return json.Marshal(j)
}
