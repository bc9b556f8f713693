package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ErrNoAuthorityNonce = errors.New("no nonce yields a valid authority address")

// Authority is the capability to sign for a group: the program-derived key
// plus the seeds that derive it. Only code holding a Group can build one.
type Authority struct {
	Key   solana.PublicKey
	Group solana.PublicKey
	Nonce uint64
}

// Seeds returns the derivation seeds [group, nonce LE].
func (a Authority) Seeds() [][]byte {
	return authoritySeeds(a.Group, a.Nonce)
}

func authoritySeeds(group solana.PublicKey, nonce uint64) [][]byte {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	return [][]byte{group.Bytes(), n[:]}
}

// DeriveAuthority computes the delegated authority for group under programID.
func DeriveAuthority(group solana.PublicKey, nonce uint64, programID solana.PublicKey) (Authority, error) {
	key, err := solana.CreateProgramAddress(authoritySeeds(group, nonce), programID)
	if err != nil {
		return Authority{}, fmt.Errorf("derive authority for %s nonce %d: %w", group, nonce, err)
	}
	return Authority{Key: key, Group: group, Nonce: nonce}, nil
}

// FindAuthority searches nonces upward from zero for the first one that
// derives a valid (off-curve) address.
func FindAuthority(group, programID solana.PublicKey) (Authority, error) {
	for nonce := uint64(0); nonce < 256; nonce++ {
		if auth, err := DeriveAuthority(group, nonce, programID); err == nil {
			return auth, nil
		}
	}
	return Authority{}, ErrNoAuthorityNonce
}
