// Package codec converts a backend's raw {r, s, v} triple into the
// concatenated hex blob the chain-abstraction broadcast contract expects.
package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/fystack/omnisign/pkg/types"
)

// scalarWidth is the canonical byte width of r and s on every supported
// curve (secp256k1, ed25519, stark all use 32-byte scalars).
const scalarWidth = 32

// noRecoveryByte lists chains whose signature never carries v, regardless
// of the declared signatureFormat. TON is the documented exception; new
// chain exceptions are additive entries here, not branches at call sites.
var noRecoveryByte = map[string]bool{
	"ton": true,
}

// OmitsRecoveryByte reports whether the chain's wire signature drops v.
func OmitsRecoveryByte(chainID string) bool {
	return noRecoveryByte[chainID]
}

// FormatSignature assembles the wire signature for a chain. Every
// component is zero-padded to the curve's canonical width before
// concatenation; a short r or s here would truncate the blob downstream.
func FormatSignature(sig types.Signature, spec types.SignerSpec, chainID string) (string, error) {
	if len(sig.R) == 0 || len(sig.S) == 0 {
		return "", fmt.Errorf("codec: signature is missing r or s")
	}
	if len(sig.R) > scalarWidth || len(sig.S) > scalarWidth {
		return "", fmt.Errorf("codec: r/s exceed %d bytes (r=%d, s=%d)", scalarWidth, len(sig.R), len(sig.S))
	}

	out := make([]byte, 0, 2*scalarWidth+1)
	out = append(out, padLeft(sig.R, scalarWidth)...)
	out = append(out, padLeft(sig.S, scalarWidth)...)

	switch spec.SignatureFormat {
	case types.FormatRS:
	case types.FormatRSV:
		if OmitsRecoveryByte(chainID) {
			break
		}
		if sig.V == nil {
			return "", fmt.Errorf("codec: format rsv requires a recovery id for chain %s", chainID)
		}
		out = append(out, *sig.V)
	default:
		return "", fmt.Errorf("codec: unknown signature format %q", spec.SignatureFormat)
	}

	return hex.EncodeToString(out), nil
}

// ParseSignature decodes a wire signature back into its triple. Used by
// tests and by the Bitcoin finalization path, which needs r and s again.
func ParseSignature(sigHex string, spec types.SignerSpec, chainID string) (types.Signature, error) {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return types.Signature{}, fmt.Errorf("codec: decode signature hex: %w", err)
	}

	wantV := spec.SignatureFormat == types.FormatRSV && !OmitsRecoveryByte(chainID)
	want := 2 * scalarWidth
	if wantV {
		want++
	}
	if len(raw) != want {
		return types.Signature{}, fmt.Errorf("codec: signature is %d bytes, want %d", len(raw), want)
	}

	sig := types.Signature{
		R: raw[:scalarWidth],
		S: raw[scalarWidth : 2*scalarWidth],
	}
	if wantV {
		v := raw[2*scalarWidth]
		sig.V = &v
	}
	return sig, nil
}

func padLeft(b []byte, width int) []byte {
	if len(b) >= width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
