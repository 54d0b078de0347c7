// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package tap

import "math/big"

// The RFC 2409 Second Oakley Group, a 1024 bit safe prime with generator 2.
const modpGroup2Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

var (
	groupP *big.Int
	groupG = big.NewInt(2)

	// Shared secrets must lie within [minSecret, maxSecret].
	minSecret *big.Int
	maxSecret *big.Int
)

func init() {
	var ok bool
	groupP, ok = new(big.Int).SetString(modpGroup2Hex, 16)
	if !ok || groupP.BitLen() != DHLength*8 {
		panic("tap: invalid MODP group")
	}

	minSecret = new(big.Int).Lsh(big.NewInt(1), 24)
	maxSecret = new(big.Int).Sub(groupP, minSecret)
}

// GroupPrime returns a copy of the group modulus.
func GroupPrime() *big.Int {
	return new(big.Int).Set(groupP)
}
