package main

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// parseAccounts reads KEY[:w][:s] specs. w marks the account writable and s
// marks it as a signer; the flags may appear in either order.
func parseAccounts(specs []string) ([]*solana.AccountMeta, error) {
	metas := make([]*solana.AccountMeta, 0, len(specs))
	for i, spec := range specs {
		parts := strings.Split(spec, ":")
		key, err := solana.PublicKeyFromBase58(parts[0])
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}

		var writable, signer bool
		for _, flag := range parts[1:] {
			switch flag {
			case "w":
				writable = true
			case "s":
				signer = true
			default:
				return nil, fmt.Errorf("account %d: unknown flag %q", i, flag)
			}
		}
		metas = append(metas, solana.NewAccountMeta(key, writable, signer))
	}
	return metas, nil
}
