package vault

import (
	"crypto/sha256"
	"encoding/binary"

	"LeverVault/internal/event"
)

const GenesisHashSeed = "LeverVault:genesis:v1"

// StateHasher chains invocation digests into a tamper-evident log.
type StateHasher struct {
	prevHash event.Hash
}

// NewStateHasher initializes with the genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

func GenesisHash() event.Hash {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) event.Hash {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash event.Hash
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip
func (h *StateHasher) PrevHash() event.Hash {
	return h.prevHash
}

// Reset moves the chain tip, e.g. to the last persisted hash on restart.
func (h *StateHasher) Reset(tip event.Hash) {
	h.prevHash = tip
}

// invocationDigest covers what an invocation changed: the invocation id,
// its instruction data and the group record it left behind.
func invocationDigest(inv *Invocation, groupData []byte) []byte {
	buf := make([]byte, 0, 16+len(inv.Data)+len(groupData))
	buf = append(buf, inv.ID[:]...)
	buf = append(buf, inv.Data...)
	buf = append(buf, groupData...)
	return buf
}
