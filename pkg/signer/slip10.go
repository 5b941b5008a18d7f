package signer

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
)

// slip10Ed25519Key is the SLIP-10 master key HMAC domain for ed25519.
const slip10Ed25519Key = "ed25519 seed"

const firstHardenedChild uint32 = 0x80000000

// deriveSLIP10Ed25519 derives an ed25519 seed key from a BIP39 seed along
// a hardened path. SLIP-10 defines no non-hardened derivation for
// ed25519, so any soft index is rejected.
func deriveSLIP10Ed25519(seed []byte, path []uint32) ([]byte, error) {
	mac := hmac.New(sha512.New, []byte(slip10Ed25519Key))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	for _, index := range path {
		if index < firstHardenedChild {
			return nil, fmt.Errorf("slip-10 ed25519 only supports hardened indexes, got %d", index)
		}

		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], index)
		data = append(data, idx[:]...)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		sum = mac.Sum(nil)
		key, chainCode = sum[:32], sum[32:]
	}

	out := make([]byte, 32)
	copy(out, key)
	return out, nil
}
