package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/types"
)

// InjectSignature splices sig into input idx of the packet and
// finalizes that input.
//
// Before injecting anything it proves the signing key controls the
// spent output: the public key (recovered from the signature when a
// recovery id is present, otherwise parsed from pubKeyHex) must
// hash160 to the witness program byte for byte. A mismatch aborts the
// spend: a signature from the wrong key would burn the input's funds
// in an unfinalizable transaction.
func InjectSignature(packet *psbt.Packet, idx int, sig types.Signature, pubKeyHex string) error {
	preimage, err := SigHashPreimage(packet, idx)
	if err != nil {
		return err
	}
	pkScript := packet.Inputs[idx].WitnessUtxo.PkScript

	pub, err := signingKey(Digest(preimage), sig, pubKeyHex)
	if err != nil {
		return err
	}
	compressed := pub.SerializeCompressed()
	if !bytes.Equal(btcutil.Hash160(compressed), pkScript[2:22]) {
		return fmt.Errorf("bitcoin: signing key does not control input %d, refusing to finalize", idx)
	}

	derSig, err := derSignature(sig)
	if err != nil {
		return err
	}
	packet.Inputs[idx].PartialSigs = []*psbt.PartialSig{{
		PubKey:    compressed,
		Signature: append(derSig, byte(txscript.SigHashAll)),
	}}

	if _, err := psbt.MaybeFinalize(packet, idx); err != nil {
		return errors.Wrap(err, "bitcoin: finalize input")
	}
	return nil
}

// ExtractRaw extracts the fully signed transaction as broadcast-ready
// hex. Every input must have been finalized.
func ExtractRaw(packet *psbt.Packet) (string, error) {
	final, err := psbt.Extract(packet)
	if err != nil {
		return "", errors.Wrap(err, "bitcoin: extract transaction")
	}
	var raw bytes.Buffer
	if err := final.Serialize(&raw); err != nil {
		return "", errors.Wrap(err, "bitcoin: serialize transaction")
	}
	return hex.EncodeToString(raw.Bytes()), nil
}

// signingKey resolves the public key to bind the signature to.
func signingKey(digest []byte, sig types.Signature, pubKeyHex string) (*btcec.PublicKey, error) {
	if sig.V != nil {
		return codec.RecoverPublicKey(digest, sig.R, sig.S, *sig.V)
	}
	if pubKeyHex == "" {
		return nil, errors.New("bitcoin: signature has no recovery id and no public key was provided")
	}
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "bitcoin: decode public key")
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "bitcoin: parse public key")
	}
	return pub, nil
}

// derSignature re-encodes an {r,s} pair as canonical DER.
func derSignature(sig types.Signature) ([]byte, error) {
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig.R); overflow {
		return nil, errors.New("bitcoin: signature r overflows the curve order")
	}
	if overflow := s.SetByteSlice(sig.S); overflow {
		return nil, errors.New("bitcoin: signature s overflows the curve order")
	}
	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}
