package signer

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/edwards/v2"
	"github.com/fystack/omnisign/pkg/types"
)

// validatePubKey checks that a public key returned by a remote backend
// is a canonical point on the signer's curve and returns it in the
// serialization the rest of the pipeline expects: compressed for
// secp256k1, 32 bytes for ed25519. A truncated or corrupted key would
// otherwise surface much later as an address derivation mismatch on a
// different chain.
func validatePubKey(pubHex string, curve types.Curve) (string, error) {
	raw, err := hex.DecodeString(strip0x(pubHex))
	if err != nil {
		return "", fmt.Errorf("signer: decode public key hex: %w", err)
	}

	switch curve {
	case types.CurveSecp256k1:
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return "", fmt.Errorf("signer: parse secp256k1 public key: %w", err)
		}
		return hex.EncodeToString(pub.SerializeCompressed()), nil

	case types.CurveEd25519:
		pub, err := edwards.ParsePubKey(raw)
		if err != nil {
			return "", fmt.Errorf("signer: parse ed25519 public key: %w", err)
		}
		return hex.EncodeToString(pub.Serialize()), nil
	}

	// stark keys are x-coordinate field elements with no point encoding
	// to re-check here
	return strip0x(pubHex), nil
}
