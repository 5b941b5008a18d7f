package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/fystack/omnisign/pkg/codec"
	omnierrors "github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func localConfig() config.LocalConfig {
	return config.LocalConfig{Mnemonic: testMnemonic}
}

func TestLocalSecp256k1Deterministic(t *testing.T) {
	spec := types.SignerSpec{
		Curve:           types.CurveSecp256k1,
		HashFunction:    types.HashKeccak256,
		SignatureFormat: types.FormatRSV,
		CoinType:        "60",
	}

	first, err := NewLocalSigner("ethereum", spec, localConfig())
	require.NoError(t, err)
	second, err := NewLocalSigner("ethereum", spec, localConfig())
	require.NoError(t, err)

	pub1, err := first.GetPubKey(context.Background())
	require.NoError(t, err)
	pub2, err := second.GetPubKey(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	require.Len(t, pub1, 66) // compressed secp256k1 key
	assert.Contains(t, []string{"02", "03"}, pub1[:2])
}

func TestLocalCoinTypeChangesKey(t *testing.T) {
	base := types.SignerSpec{
		Curve:           types.CurveSecp256k1,
		HashFunction:    types.HashSHA256,
		SignatureFormat: types.FormatRSV,
		CoinType:        "0",
	}
	other := base
	other.CoinType = "60"

	btc, err := NewLocalSigner("bitcoin", base, localConfig())
	require.NoError(t, err)
	eth, err := NewLocalSigner("ethereum", other, localConfig())
	require.NoError(t, err)

	pubBTC, err := btc.GetPubKey(context.Background())
	require.NoError(t, err)
	pubETH, err := eth.GetPubKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, pubBTC, pubETH)
}

func TestLocalSecp256k1SignHashRecoverable(t *testing.T) {
	spec := types.SignerSpec{
		Curve:           types.CurveSecp256k1,
		HashFunction:    types.HashSHA256,
		SignatureFormat: types.FormatRSV,
		CoinType:        "0",
	}
	s, err := NewLocalSigner("bitcoin", spec, localConfig())
	require.NoError(t, err)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}

	sigHex, err := s.SignHash(context.Background(), hex.EncodeToString(digest))
	require.NoError(t, err)
	require.Len(t, sigHex, 130)

	sig, err := codec.ParseSignature(sigHex, spec, "bitcoin")
	require.NoError(t, err)
	require.NotNil(t, sig.V)

	pub, err := codec.RecoverPublicKey(digest, sig.R, sig.S, *sig.V)
	require.NoError(t, err)

	wantPub, err := s.GetPubKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wantPub, hex.EncodeToString(pub.SerializeCompressed()))
}

func TestLocalEd25519SignatureVerifies(t *testing.T) {
	spec := types.SignerSpec{
		Curve:           types.CurveEd25519,
		HashFunction:    types.HashSHA256,
		SignatureFormat: types.FormatRS,
		CoinType:        "607",
	}
	s, err := NewLocalSigner("ton", spec, localConfig())
	require.NoError(t, err)

	payload := hex.EncodeToString([]byte("ton transfer body"))
	sigHex, err := s.SignTransaction(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, sigHex, 128)

	pubHex, err := s.GetPubKey(context.Background())
	require.NoError(t, err)
	pub, err := hex.DecodeString(pubHex)
	require.NoError(t, err)
	require.Len(t, pub, ed25519.PublicKeySize)

	sig, err := hex.DecodeString(sigHex)
	require.NoError(t, err)

	// local ed25519 signs the digest of the payload
	raw, err := hex.DecodeString(payload)
	require.NoError(t, err)
	digest, err := s.applyHash(raw)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, digest, sig))
}

func TestLocalStarkKeyDerivation(t *testing.T) {
	spec := types.SignerSpec{
		Curve:           types.CurveStark,
		HashFunction:    types.HashPedersen,
		SignatureFormat: types.FormatRS,
		CoinType:        "9004",
	}
	s, err := NewLocalSigner("starknet", spec, localConfig())
	require.NoError(t, err)

	pub, err := s.GetPubKey(context.Background())
	require.NoError(t, err)
	assert.Len(t, pub, 64)

	again, err := NewLocalSigner("starknet", spec, localConfig())
	require.NoError(t, err)
	pub2, err := again.GetPubKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pub, pub2)
}

func TestLocalPedersenSignTransactionNotImplemented(t *testing.T) {
	spec := types.SignerSpec{
		Curve:           types.CurveStark,
		HashFunction:    types.HashPedersen,
		SignatureFormat: types.FormatRS,
		CoinType:        "9004",
	}
	s, err := NewLocalSigner("starknet", spec, localConfig())
	require.NoError(t, err)

	_, err = s.SignTransaction(context.Background(), "deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, omnierrors.ErrNotImplemented)
}

func TestLocalMnemonicFromAgeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemonic.age")

	recipient, err := age.NewScryptRecipient("hunter2")
	require.NoError(t, err)

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := age.Encrypt(f, recipient)
	require.NoError(t, err)
	_, err = w.Write([]byte(testMnemonic))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	spec := types.SignerSpec{
		Curve:           types.CurveSecp256k1,
		HashFunction:    types.HashSHA256,
		SignatureFormat: types.FormatRSV,
		CoinType:        "0",
	}

	fromFile, err := NewLocalSigner("bitcoin", spec, config.LocalConfig{MnemonicFile: path, Password: "hunter2"})
	require.NoError(t, err)
	inline, err := NewLocalSigner("bitcoin", spec, localConfig())
	require.NoError(t, err)

	pubFile, err := fromFile.GetPubKey(context.Background())
	require.NoError(t, err)
	pubInline, err := inline.GetPubKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pubInline, pubFile)

	// encrypted file without a password is a config error
	_, err = NewLocalSigner("bitcoin", spec, config.LocalConfig{MnemonicFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCAL_MNEMONIC_PASSWORD")
}

func TestLocalRejectsUnknownCurve(t *testing.T) {
	spec := types.SignerSpec{Curve: "curve25519-ristretto", CoinType: "0"}
	_, err := NewLocalSigner("x", spec, localConfig())
	assert.Error(t, err)
}
