package bitcoin

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	inputValue  = int64(100_000)
	outputValue = int64(90_000)
)

func testKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	raw := bytes.Repeat([]byte{seed}, 32)
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv
}

func p2wpkhScript(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func testPacket(t *testing.T, owner *btcec.PrivateKey) *psbt.Packet {
	t.Helper()
	prevHash, err := chainhash.NewHashFromStr(
		"e1af205960f7b61e4a1f25b0a27b7d142d6163f3b92b9e52624a426b3b0ba4e4")
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 1), nil, nil))
	tx.AddTxOut(wire.NewTxOut(outputValue, p2wpkhScript(t, testKey(t, 0x42).PubKey())))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(inputValue, p2wpkhScript(t, owner.PubKey()))
	return packet
}

func TestSigHashPreimageShape(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)

	preimage, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)
	assert.Len(t, preimage, 182)

	again, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)
	assert.Equal(t, preimage, again)

	// sighash type trailer is SIGHASH_ALL, little endian
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, preimage[178:])
}

func TestSigHashMatchesTxscript(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)
	pkScript := packet.Inputs[0].WitnessUtxo.PkScript

	preimage, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, inputValue)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)
	want, err := txscript.CalcWitnessSigHash(
		pkScript, sigHashes, txscript.SigHashAll, packet.UnsignedTx, 0, inputValue)
	require.NoError(t, err)

	assert.Equal(t, want, Digest(preimage))
}

func TestSigHashPreimageRejectsBadInput(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)

	_, err := SigHashPreimage(packet, 5)
	assert.ErrorContains(t, err, "out of range")

	packet.Inputs[0].WitnessUtxo = nil
	_, err = SigHashPreimage(packet, 0)
	assert.ErrorContains(t, err, "no witness utxo")
}

func TestInjectAndExtract(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)

	preimage, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)
	compact, err := ecdsa.SignCompact(owner, Digest(preimage), true)
	require.NoError(t, err)
	sig := types.Signature{R: compact[1:33], S: compact[33:65]}.
		WithRecovery(compact[0] - 27 - 4)

	require.NoError(t, InjectSignature(packet, 0, sig, ""))

	rawHex, err := ExtractRaw(packet)
	require.NoError(t, err)

	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)
	var final wire.MsgTx
	require.NoError(t, final.Deserialize(bytes.NewReader(raw)))

	require.Len(t, final.TxIn[0].Witness, 2)
	assert.Equal(t, owner.PubKey().SerializeCompressed(), []byte(final.TxIn[0].Witness[1]))
	assert.EqualValues(t, byte(txscript.SigHashAll),
		final.TxIn[0].Witness[0][len(final.TxIn[0].Witness[0])-1])
}

func TestInjectRejectsForeignKey(t *testing.T) {
	owner := testKey(t, 0x01)
	stranger := testKey(t, 0x02)
	packet := testPacket(t, owner)

	preimage, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)
	compact, err := ecdsa.SignCompact(stranger, Digest(preimage), true)
	require.NoError(t, err)
	sig := types.Signature{R: compact[1:33], S: compact[33:65]}.
		WithRecovery(compact[0] - 27 - 4)

	err = InjectSignature(packet, 0, sig, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not control input 0")
}

func TestInjectWithoutRecoveryNeedsPubKey(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)

	preimage, err := SigHashPreimage(packet, 0)
	require.NoError(t, err)
	compact, err := ecdsa.SignCompact(owner, Digest(preimage), true)
	require.NoError(t, err)
	sig := types.Signature{R: compact[1:33], S: compact[33:65]}

	err = InjectSignature(packet, 0, sig, "")
	assert.ErrorContains(t, err, "no recovery id")

	pubHex := hex.EncodeToString(owner.PubKey().SerializeCompressed())
	require.NoError(t, InjectSignature(packet, 0, sig, pubHex))
}

func TestPacketRoundTrip(t *testing.T) {
	owner := testKey(t, 0x01)
	packet := testPacket(t, owner)

	b64, err := EncodePacket(packet)
	require.NoError(t, err)

	decoded, err := DecodePacket(b64)
	require.NoError(t, err)
	assert.Equal(t, packet.UnsignedTx.TxHash(), decoded.UnsignedTx.TxHash())
	require.NotNil(t, decoded.Inputs[0].WitnessUtxo)
	assert.Equal(t, inputValue, decoded.Inputs[0].WitnessUtxo.Value)
}

func TestHalfDigestComposesToDigest(t *testing.T) {
	preimage := bytes.Repeat([]byte{0xab}, 182)
	half := HalfDigest(preimage)
	assert.Equal(t, Digest(preimage), HalfDigest(half))
}
