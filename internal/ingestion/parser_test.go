package ingestion_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"LeverVault/internal/event"
	"LeverVault/internal/ingestion"
	"LeverVault/internal/vault"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Test: ParseInvocation
// ============================================================================

func TestParseInvocation(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	group := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	data := vault.Instruction{Kind: vault.InstructionMint, Quantity: 5}.Encode()

	raw := payload(t, map[string]interface{}{
		"id":         "550e8400-e29b-41d4-a716-446655440000",
		"program_id": program.String(),
		"accounts": []map[string]interface{}{
			{"pubkey": group.String()},
			{"pubkey": owner.String(), "is_signer": true, "is_writable": true},
		},
		"data":         base64.StdEncoding.EncodeToString(data),
		"timestamp_us": int64(1700000000000000),
	})

	inv, err := ingestion.ParseInvocation(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if inv.ID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("id: got %s", inv.ID)
	}
	if inv.ProgramID != program {
		t.Errorf("program: got %s, want %s", inv.ProgramID, program)
	}
	if len(inv.Accounts) != 2 {
		t.Fatalf("accounts: got %d, want 2", len(inv.Accounts))
	}
	if inv.Accounts[0].PublicKey != group || inv.Accounts[0].IsSigner || inv.Accounts[0].IsWritable {
		t.Errorf("accounts[0]: got %+v", inv.Accounts[0])
	}
	if !inv.Accounts[1].IsSigner || !inv.Accounts[1].IsWritable {
		t.Errorf("accounts[1]: got %+v, want signer+writable", inv.Accounts[1])
	}
	if !inv.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %s", inv.Timestamp)
	}

	ix, err := vault.DecodeInstruction(inv.Data)
	require.NoError(t, err)
	if ix.Kind != vault.InstructionMint || ix.Quantity != 5 {
		t.Errorf("instruction: got %+v", ix)
	}
}

func TestParseInvocation_Malformed(t *testing.T) {
	good := map[string]interface{}{
		"id":           uuid.NewString(),
		"program_id":   solana.NewWallet().PublicKey().String(),
		"data":         "AQAAAA==",
		"timestamp_us": int64(1),
	}
	with := func(k string, v interface{}) map[string]interface{} {
		m := make(map[string]interface{}, len(good))
		for key, val := range good {
			m[key] = val
		}
		m[k] = v
		return m
	}

	cases := map[string][]byte{
		"not json":     []byte("{"),
		"bad id":       payload(t, with("id", "nope")),
		"nil id":       payload(t, with("id", uuid.Nil.String())),
		"bad program":  payload(t, with("program_id", "0OIl")),
		"bad data":     payload(t, with("data", "!!")),
		"no timestamp": payload(t, with("timestamp_us", 0)),
		"bad account":  payload(t, with("accounts", []map[string]interface{}{{"pubkey": "x"}})),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseInvocation(raw)
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMarshalInvocation_RoundTrip(t *testing.T) {
	want := &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: solana.NewWallet().PublicKey(),
		Accounts: solana.AccountMetaSlice{
			solana.NewAccountMeta(solana.NewWallet().PublicKey(), true, false),
			solana.NewAccountMeta(solana.NewWallet().PublicKey(), false, true),
		},
		Data:      vault.Instruction{Kind: vault.InstructionRebalance}.Encode(),
		Timestamp: time.UnixMicro(1700000000123456).UTC(),
	}

	raw, err := ingestion.MarshalInvocation(want)
	require.NoError(t, err)
	got, err := ingestion.ParseInvocation(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMsgID_DistinctPerSequence(t *testing.T) {
	id := uuid.New()
	a := ingestion.MsgID(&event.Envelope{Sequence: 1, InvocationID: id})
	b := ingestion.MsgID(&event.Envelope{Sequence: 2, InvocationID: id})
	if a == b {
		t.Errorf("got equal ids %q", a)
	}
}
