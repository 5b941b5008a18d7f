// Package bitcoin builds and finalizes segwit spends carried as PSBTs.
// The chain-abstraction API hands back a partially signed transaction;
// this package derives the per-input sighash that custody backends sign
// and splices their signatures back into the packet.
package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/fystack/omnisign/pkg/common/errors"
)

// DecodePacket parses a base64 PSBT as returned by the encode endpoint.
func DecodePacket(psbtB64 string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(psbtB64), true)
	if err != nil {
		return nil, errors.Wrap(err, "bitcoin: decode psbt")
	}
	return packet, nil
}

// SigHashPreimage builds the BIP143 signature preimage for input idx.
// Only native P2WPKH inputs are supported; the scriptCode is the
// canonical pay-to-pubkey-hash script over the witness program.
func SigHashPreimage(packet *psbt.Packet, idx int) ([]byte, error) {
	tx := packet.UnsignedTx
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("bitcoin: input index %d out of range (%d inputs)", idx, len(tx.TxIn))
	}
	input := packet.Inputs[idx]
	if input.WitnessUtxo == nil {
		return nil, fmt.Errorf("bitcoin: input %d has no witness utxo", idx)
	}
	pkScript := input.WitnessUtxo.PkScript
	if !txscript.IsPayToWitnessPubKeyHash(pkScript) {
		return nil, fmt.Errorf("bitcoin: input %d is not p2wpkh", idx)
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, tx.Version)

	var prevouts bytes.Buffer
	for _, txIn := range tx.TxIn {
		prevouts.Write(txIn.PreviousOutPoint.Hash[:])
		_ = binary.Write(&prevouts, binary.LittleEndian, txIn.PreviousOutPoint.Index)
	}
	buf.Write(chainhash.DoubleHashB(prevouts.Bytes()))

	var sequences bytes.Buffer
	for _, txIn := range tx.TxIn {
		_ = binary.Write(&sequences, binary.LittleEndian, txIn.Sequence)
	}
	buf.Write(chainhash.DoubleHashB(sequences.Bytes()))

	outpoint := tx.TxIn[idx].PreviousOutPoint
	buf.Write(outpoint.Hash[:])
	_ = binary.Write(&buf, binary.LittleEndian, outpoint.Index)

	// scriptCode = 0x19 <OP_DUP OP_HASH160 0x14 <pubKeyHash> OP_EQUALVERIFY OP_CHECKSIG>
	scriptCode := make([]byte, 0, 26)
	scriptCode = append(scriptCode, 0x19, txscript.OP_DUP, txscript.OP_HASH160, 0x14)
	scriptCode = append(scriptCode, pkScript[2:22]...)
	scriptCode = append(scriptCode, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
	buf.Write(scriptCode)

	_ = binary.Write(&buf, binary.LittleEndian, input.WitnessUtxo.Value)
	_ = binary.Write(&buf, binary.LittleEndian, tx.TxIn[idx].Sequence)

	var outputs bytes.Buffer
	for _, txOut := range tx.TxOut {
		_ = binary.Write(&outputs, binary.LittleEndian, txOut.Value)
		if err := wire.WriteVarBytes(&outputs, 0, txOut.PkScript); err != nil {
			return nil, errors.Wrap(err, "bitcoin: serialize output")
		}
	}
	buf.Write(chainhash.DoubleHashB(outputs.Bytes()))

	_ = binary.Write(&buf, binary.LittleEndian, tx.LockTime)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(txscript.SigHashAll))

	return buf.Bytes(), nil
}

// Digest is dsha256(preimage), the value consensus verifies.
func Digest(preimage []byte) []byte {
	return chainhash.DoubleHashB(preimage)
}

// HalfDigest is sha256(preimage). A backend whose signing pipeline
// applies one more sha256 internally completes the double hash, so it
// gets the half digest instead of the full one.
func HalfDigest(preimage []byte) []byte {
	sum := sha256.Sum256(preimage)
	return sum[:]
}

// EncodePacket serializes the packet back to base64.
func EncodePacket(packet *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", errors.Wrap(err, "bitcoin: serialize psbt")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
