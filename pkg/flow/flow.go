// Package flow sequences one fund movement end to end: derive the
// sender address, build the intent, encode it remotely, verify the echo,
// sign, broadcast. One chain, one signer, one transaction per run; every
// step is a strict predecessor of the next.
package flow

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"strings"

	"github.com/fystack/omnisign/pkg/adamik"
	"github.com/fystack/omnisign/pkg/bitcoin"
	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/signer"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/fystack/omnisign/pkg/verify"
	"github.com/samber/lo"
)

// Options tune the safety posture of a run.
type Options struct {
	// StrictVerify refuses to sign when the guard could only achieve
	// partial protection. Off by default: most chains have no raw
	// decoder and would never sign otherwise.
	StrictVerify bool
	// AutoDeploy runs the deployAccount sub-flow and retries when the
	// API reports the sender account does not exist yet. Only
	// account-abstraction chains (e.g. Starknet, TON) ever report this.
	AutoDeploy bool
}

// Flow drives one transaction on one chain with one signer.
type Flow struct {
	client *adamik.Client
	chain  *types.Chain
	signer signer.Signer
	opts   Options
}

func New(client *adamik.Client, chain *types.Chain, s signer.Signer, opts Options) *Flow {
	return &Flow{client: client, chain: chain, signer: s, opts: opts}
}

// addressPreferrer is implemented by backends that pin one of the
// several address types a chain can derive for the same key.
type addressPreferrer interface {
	PreferredAddressType() string
}

// SenderAddress derives the signer's address on the chain.
func (f *Flow) SenderAddress(ctx context.Context) (pubKey, address string, err error) {
	pubKey, err = f.signer.GetPubKey(ctx)
	if err != nil {
		return "", "", err
	}
	addresses, err := f.client.EncodeAddress(ctx, f.chain.ID, pubKey)
	if err != nil {
		return "", "", err
	}

	if p, ok := f.signer.(addressPreferrer); ok && p.PreferredAddressType() != "" {
		preferred, found := lo.Find(addresses, func(a adamik.Address) bool {
			return a.Type == p.PreferredAddressType()
		})
		if !found {
			return "", "", errors.New("flow: chain did not derive the signer's preferred address type " + p.PreferredAddressType())
		}
		return pubKey, preferred.Address, nil
	}
	return pubKey, addresses[0].Address, nil
}

// AccountState fetches the balance snapshot for an address.
func (f *Flow) AccountState(ctx context.Context, address string) (*adamik.AccountState, error) {
	return f.client.GetAccountState(ctx, f.chain.ID, address)
}

// Execute runs the intent to broadcast and returns the transaction
// hash. When the sender account is not deployed yet and AutoDeploy is
// on, a deployAccount transaction is run first and the intent retried.
func (f *Flow) Execute(ctx context.Context, intent types.TransactionIntent) (string, error) {
	hash, err := f.attempt(ctx, intent)
	if err == nil || !f.opts.AutoDeploy || !isAccountMissing(err) {
		return hash, err
	}

	logger.Warn("Sender account is not deployed, running deploy sub-flow",
		"chain", f.chain.ID, "sender", intent.SenderAddress)
	deploy := types.TransactionIntent{
		Mode:          types.ModeDeployAccount,
		SenderAddress: intent.SenderAddress,
		SenderPubKey:  intent.SenderPubKey,
	}
	deployHash, err := f.attempt(ctx, deploy)
	if err != nil {
		return "", errors.Wrap(err, "flow: deploy account")
	}
	logger.Info("Account deployed", "chain", f.chain.ID, "hash", deployHash)

	return f.attempt(ctx, intent)
}

func (f *Flow) attempt(ctx context.Context, intent types.TransactionIntent) (string, error) {
	encoded, err := f.client.EncodeTransaction(ctx, f.chain.ID, intent.Data())
	if err != nil {
		return "", err
	}

	report, err := verify.Guard(intent, *encoded, f.chain.Family)
	if err != nil {
		return "", err
	}
	if report.Protection == verify.ProtectionPartial {
		if f.opts.StrictVerify {
			return "", errors.New("flow: verification achieved only partial protection and strict verify is on")
		}
		logger.Warn("Verification achieved only partial protection",
			"chain", f.chain.ID, "checks", len(report.Checks))
	}

	sigHex, err := f.sign(ctx, encoded)
	if err != nil {
		return "", err
	}

	hash, err := f.client.Broadcast(ctx, f.chain.ID, *encoded, sigHex)
	if err != nil {
		return "", err
	}
	logger.Info("Transaction broadcast", "chain", f.chain.ID, "hash", hash)
	return hash, nil
}

// sign picks the encoding the signer can consume. The precomputed hash
// is preferred; backends without SignHash fall back to the raw payload.
func (f *Flow) sign(ctx context.Context, encoded *types.EncodedTransaction) (string, error) {
	if f.chain.Family == "bitcoin" {
		return f.signBitcoin(ctx, encoded)
	}

	hashItem, hasHash := lo.Find(encoded.Encoded, func(item types.EncodedItem) bool {
		return item.Hash != nil && item.Hash.Value != ""
	})
	rawItem, hasRaw := lo.Find(encoded.Encoded, func(item types.EncodedItem) bool {
		return item.Raw != nil && item.Raw.Value != ""
	})

	if hasHash {
		sig, err := f.signer.SignHash(ctx, hashItem.Hash.Value)
		if err == nil {
			return sig, nil
		}
		if !stderrors.Is(err, errors.ErrNotImplemented) {
			return "", err
		}
	}
	if hasRaw {
		sig, err := f.signer.SignTransaction(ctx, rawItem.Raw.Value)
		if err == nil {
			return sig, nil
		}
		if !stderrors.Is(err, errors.ErrNotImplemented) {
			return "", err
		}
	}
	return "", errors.New("flow: no encoding matches the signer's capabilities")
}

// signBitcoin signs every PSBT input and returns the finalized raw
// transaction hex, which the broadcast endpoint takes in place of a
// bare signature.
//
// Hash depth is the sharp edge here: consensus verifies
// dsha256(preimage). SignHash backends get the full double hash;
// SignTransaction backends apply one sha256 internally, so they get
// the half digest and their own hashing completes the double.
func (f *Flow) signBitcoin(ctx context.Context, encoded *types.EncodedTransaction) (string, error) {
	rawItem, found := lo.Find(encoded.Encoded, func(item types.EncodedItem) bool {
		return item.Raw != nil && item.Raw.Value != ""
	})
	if !found {
		return "", errors.New("flow: bitcoin encoding has no raw psbt")
	}
	packet, err := bitcoin.DecodePacket(rawItem.Raw.Value)
	if err != nil {
		return "", err
	}
	pubKey, err := f.signer.GetPubKey(ctx)
	if err != nil {
		return "", err
	}

	for idx := range packet.Inputs {
		preimage, err := bitcoin.SigHashPreimage(packet, idx)
		if err != nil {
			return "", err
		}

		sigHex, err := f.signer.SignHash(ctx, hex.EncodeToString(bitcoin.Digest(preimage)))
		if stderrors.Is(err, errors.ErrNotImplemented) {
			sigHex, err = f.signer.SignTransaction(ctx, hex.EncodeToString(bitcoin.HalfDigest(preimage)))
		}
		if err != nil {
			return "", err
		}

		sig, err := codec.ParseSignature(sigHex, f.signer.Spec(), f.chain.ID)
		if err != nil {
			return "", err
		}
		if err := bitcoin.InjectSignature(packet, idx, sig, pubKey); err != nil {
			return "", err
		}
	}
	return bitcoin.ExtractRaw(packet)
}

// isAccountMissing matches the API's "account does not exist" domain
// error without depending on an error code the API does not provide.
func isAccountMissing(err error) bool {
	var apiErr *adamik.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	for _, msg := range apiErr.Messages {
		if strings.Contains(strings.ToLower(msg), "does not exist") {
			return true
		}
	}
	return false
}
