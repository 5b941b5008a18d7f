package signer

import (
	"testing"

	"github.com/fystack/omnisign/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnkeyAlgorithm(t *testing.T) {
	tests := []struct {
		curve    types.Curve
		hashFn   types.HashFunction
		wantCrv  string
		wantHash string
	}{
		{types.CurveSecp256k1, types.HashKeccak256, "CURVE_SECP256K1", "HASH_FUNCTION_KECCAK256"},
		{types.CurveSecp256k1, types.HashSHA256, "CURVE_SECP256K1", "HASH_FUNCTION_SHA256"},
		{types.CurveEd25519, types.HashNone, "CURVE_ED25519", "HASH_FUNCTION_NOT_APPLICABLE"},
		{types.CurveEd25519, types.HashSHA512_256, "CURVE_ED25519", "HASH_FUNCTION_SHA256"},
		{types.CurveStark, types.HashPedersen, "CURVE_STARK", "HASH_FUNCTION_NO_OP"},
	}
	for _, tc := range tests {
		curve, hashFn, err := turnkeyAlgorithm(types.SignerSpec{Curve: tc.curve, HashFunction: tc.hashFn})
		require.NoError(t, err, "%s/%s", tc.curve, tc.hashFn)
		assert.Equal(t, tc.wantCrv, curve)
		assert.Equal(t, tc.wantHash, hashFn)
	}

	_, _, err := turnkeyAlgorithm(types.SignerSpec{Curve: "p256", HashFunction: types.HashSHA256})
	assert.ErrorContains(t, err, "unsupported curve")

	_, _, err = turnkeyAlgorithm(types.SignerSpec{Curve: types.CurveSecp256k1, HashFunction: "blake2b"})
	assert.ErrorContains(t, err, "unsupported hash function")
}

func TestDfnsScheme(t *testing.T) {
	scheme, err := dfnsScheme(types.CurveSecp256k1)
	require.NoError(t, err)
	assert.Equal(t, "ES256K", scheme)

	scheme, err = dfnsScheme(types.CurveEd25519)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", scheme)

	_, err = dfnsScheme(types.CurveStark)
	assert.ErrorContains(t, err, "unsupported curve")
}

func TestDfnsBitcoinAddressKind(t *testing.T) {
	tests := map[string]string{
		"p2pkh":  "BitcoinLegacy",
		"p2wpkh": "BitcoinSegwit",
		"p2tr":   "BitcoinTaproot",
	}
	for addrType, want := range tests {
		kind, err := dfnsBitcoinAddressKind(addrType)
		require.NoError(t, err)
		assert.Equal(t, want, kind)
	}

	_, err := dfnsBitcoinAddressKind("p2sh")
	assert.ErrorContains(t, err, `"p2sh"`)
}

func TestSodotCurvePath(t *testing.T) {
	path, err := sodotCurvePath(types.CurveSecp256k1)
	require.NoError(t, err)
	assert.Equal(t, "ecdsa", path)

	path, err = sodotCurvePath(types.CurveEd25519)
	require.NoError(t, err)
	assert.Equal(t, "ed25519", path)

	_, err = sodotCurvePath(types.CurveStark)
	assert.Error(t, err)
}

func TestSignerFactoryRejectsUnknownKind(t *testing.T) {
	_, err := New("vaultron", "ethereum", ioSpec(), nil)
	assert.ErrorContains(t, err, "vaultron")
}
