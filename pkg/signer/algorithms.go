package signer

import (
	"fmt"

	"github.com/fystack/omnisign/pkg/types"
)

// Per-backend translation tables from the abstract (curve, hashFunction)
// pair to the provider's own algorithm identifiers. Unsupported
// combinations error at construction, not at signing time.

var turnkeyCurves = map[types.Curve]string{
	types.CurveSecp256k1: "CURVE_SECP256K1",
	types.CurveEd25519:   "CURVE_ED25519",
	types.CurveStark:     "CURVE_STARK",
}

var turnkeyHashFunctions = map[types.HashFunction]string{
	types.HashSHA256:     "HASH_FUNCTION_SHA256",
	types.HashKeccak256:  "HASH_FUNCTION_KECCAK256",
	types.HashSHA512_256: "HASH_FUNCTION_SHA256", // provider has no sha512/256; caller pre-hashes
	types.HashNone:       "HASH_FUNCTION_NOT_APPLICABLE",
	types.HashPedersen:   "HASH_FUNCTION_NO_OP",
}

func turnkeyAlgorithm(spec types.SignerSpec) (curve, hashFn string, err error) {
	curve, ok := turnkeyCurves[spec.Curve]
	if !ok {
		return "", "", fmt.Errorf("turnkey: unsupported curve %q", spec.Curve)
	}
	hashFn, ok = turnkeyHashFunctions[spec.HashFunction]
	if !ok {
		return "", "", fmt.Errorf("turnkey: unsupported hash function %q", spec.HashFunction)
	}
	return curve, hashFn, nil
}

// dfnsSchemes maps to DFNS signature "kind" identifiers.
var dfnsSchemes = map[types.Curve]string{
	types.CurveSecp256k1: "ES256K",
	types.CurveEd25519:   "EdDSA",
}

func dfnsScheme(curve types.Curve) (string, error) {
	scheme, ok := dfnsSchemes[curve]
	if !ok {
		return "", fmt.Errorf("dfns: unsupported curve %q", curve)
	}
	return scheme, nil
}

// dfnsBitcoinAddressKinds is the per-address-type selection table for
// DFNS Bitcoin wallets. New address types are additive entries here.
var dfnsBitcoinAddressKinds = map[string]string{
	"p2pkh":  "BitcoinLegacy",
	"p2wpkh": "BitcoinSegwit",
	"p2tr":   "BitcoinTaproot",
}

func dfnsBitcoinAddressKind(addressType string) (string, error) {
	kind, ok := dfnsBitcoinAddressKinds[addressType]
	if !ok {
		return "", fmt.Errorf("dfns: unsupported bitcoin address type %q", addressType)
	}
	return kind, nil
}

// sodotCurvePaths maps a curve onto the vertex API path segment.
var sodotCurvePaths = map[types.Curve]string{
	types.CurveSecp256k1: "ecdsa",
	types.CurveEd25519:   "ed25519",
}

func sodotCurvePath(curve types.Curve) (string, error) {
	path, ok := sodotCurvePaths[curve]
	if !ok {
		return "", fmt.Errorf("sodot: unsupported curve %q", curve)
	}
	return path, nil
}
