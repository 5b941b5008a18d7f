package codec

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// compactSigMagicOffset is the header base for compact signatures; the
// additional 4 marks a compressed public key.
const (
	compactSigMagicOffset    = 27
	compactSigCompressedFlag = 4
	compactSigSize           = 65
)

// ResolveRecoveryID brute-forces the two candidate recovery bits for a
// secp256k1 {r,s} over hash and returns the one whose recovered public
// key matches wantCompressed (33-byte compressed encoding).
//
// ok is false when neither candidate matches. Callers for backends with
// documented-ambiguous output may default to 0 after logging a warning;
// a recovery that needs to guess is a known soft spot, not a fixed one.
func ResolveRecoveryID(hash, r, s, wantCompressed []byte) (byte, bool) {
	for v := byte(0); v <= 1; v++ {
		pub, err := RecoverPublicKey(hash, r, s, v)
		if err != nil {
			continue
		}
		if bytes.Equal(pub.SerializeCompressed(), wantCompressed) {
			return v, true
		}
	}
	return 0, false
}

// RecoverPublicKey recovers the secp256k1 public key from (r, s, v) and
// the signed hash.
func RecoverPublicKey(hash, r, s []byte, v byte) (*btcec.PublicKey, error) {
	if v > 3 {
		return nil, fmt.Errorf("codec: recovery id %d out of range", v)
	}
	sig := make([]byte, 0, compactSigSize)
	sig = append(sig, compactSigMagicOffset+compactSigCompressedFlag+v)
	sig = append(sig, padLeft(r, scalarWidth)...)
	sig = append(sig, padLeft(s, scalarWidth)...)

	pub, _, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return nil, fmt.Errorf("codec: recover public key: %w", err)
	}
	return pub, nil
}
