package flow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/fystack/omnisign/pkg/adamik"
	"github.com/fystack/omnisign/pkg/bitcoin"
	"github.com/fystack/omnisign/pkg/codec"
	omnierrors "github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	spec     types.SignerSpec
	pubKey   string
	signHash func(hash string) (string, error)
	signTx   func(raw string) (string, error)
}

func (f *fakeSigner) Name() string                              { return "fake" }
func (f *fakeSigner) ChainID() string                           { return "test" }
func (f *fakeSigner) Spec() types.SignerSpec                    { return f.spec }
func (f *fakeSigner) GetPubKey(context.Context) (string, error) { return f.pubKey, nil }
func (f *fakeSigner) SignHash(_ context.Context, h string) (string, error) {
	if f.signHash == nil {
		return "", omnierrors.NotImplemented("fake", "signHash")
	}
	return f.signHash(h)
}
func (f *fakeSigner) SignTransaction(_ context.Context, raw string) (string, error) {
	if f.signTx == nil {
		return "", omnierrors.NotImplemented("fake", "signTransaction")
	}
	return f.signTx(raw)
}

type fakeAPI struct {
	encode     func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status)
	broadcasts atomic.Int32
	broadcast  func(data types.TransactionData, signature string) (string, *adamik.Status)
}

func (f *fakeAPI) server(t *testing.T) *adamik.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/test/transaction/encode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Transaction struct {
				Data types.TransactionData `json:"data"`
			} `json:"transaction"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		encoded, status := f.encode(req.Transaction.Data)
		resp := map[string]any{"transaction": encoded}
		if status != nil {
			resp["status"] = status
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/test/transaction/broadcast", func(w http.ResponseWriter, r *http.Request) {
		f.broadcasts.Add(1)
		var req struct {
			Transaction struct {
				Data      types.TransactionData `json:"data"`
				Signature string                `json:"signature"`
			} `json:"transaction"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		hash, status := f.broadcast(req.Transaction.Data, req.Transaction.Signature)
		resp := map[string]any{"hash": hash}
		if status != nil {
			resp["status"] = status
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client, err := adamik.NewClient(config.AdamikConfig{BaseURL: srv.URL, APIKey: "key"})
	require.NoError(t, err)
	return client
}

func testChain(family string) *types.Chain {
	return &types.Chain{
		ID:     "test",
		Family: family,
		SignerSpec: types.SignerSpec{
			Curve:           types.CurveSecp256k1,
			HashFunction:    types.HashSHA256,
			SignatureFormat: types.FormatRS,
		},
	}
}

func echoEncoding(data types.TransactionData) types.EncodedTransaction {
	return types.EncodedTransaction{
		Data: data,
		Encoded: []types.EncodedItem{{
			Hash: &types.EncodedValue{Format: "sha256", Value: "cafe"},
			Raw:  &types.EncodedValue{Format: "RAW_TRANSACTION", Value: "beefbeef"},
		}},
	}
}

func transferIntent() types.TransactionIntent {
	return types.TransactionIntent{
		Mode:             types.ModeTransfer,
		SenderAddress:    "cosmos1sender",
		RecipientAddress: "cosmos1recipient",
		Amount:           "100",
	}
}

func TestExecuteHappyPath(t *testing.T) {
	var gotSignature string
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return echoEncoding(data), nil
		},
		broadcast: func(_ types.TransactionData, signature string) (string, *adamik.Status) {
			gotSignature = signature
			return "txhash123", nil
		},
	}
	s := &fakeSigner{
		spec:     testChain("cosmos").SignerSpec,
		signHash: func(hash string) (string, error) { return "sig-over-" + hash, nil },
	}

	f := New(api.server(t), testChain("cosmos"), s, Options{})
	hash, err := f.Execute(context.Background(), transferIntent())
	require.NoError(t, err)
	assert.Equal(t, "txhash123", hash)
	assert.Equal(t, "sig-over-cafe", gotSignature)
}

func TestExecuteRefusesTamperedEcho(t *testing.T) {
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			data.RecipientAddress = "cosmos1attacker"
			return echoEncoding(data), nil
		},
		broadcast: func(types.TransactionData, string) (string, *adamik.Status) {
			return "should-never-happen", nil
		},
	}
	s := &fakeSigner{
		spec:     testChain("cosmos").SignerSpec,
		signHash: func(string) (string, error) { return "sig", nil },
	}

	f := New(api.server(t), testChain("cosmos"), s, Options{})
	_, err := f.Execute(context.Background(), transferIntent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DO NOT SIGN")
	assert.EqualValues(t, 0, api.broadcasts.Load())
}

func TestExecuteStrictVerifyRefusesPartialProtection(t *testing.T) {
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return echoEncoding(data), nil
		},
		broadcast: func(types.TransactionData, string) (string, *adamik.Status) {
			return "nope", nil
		},
	}
	s := &fakeSigner{
		spec:     testChain("cosmos").SignerSpec,
		signHash: func(string) (string, error) { return "sig", nil },
	}

	f := New(api.server(t), testChain("cosmos"), s, Options{StrictVerify: true})
	_, err := f.Execute(context.Background(), transferIntent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial protection")
	assert.EqualValues(t, 0, api.broadcasts.Load())
}

func TestSignFallsBackToRawEncoding(t *testing.T) {
	var signedRaw string
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return echoEncoding(data), nil
		},
		broadcast: func(types.TransactionData, string) (string, *adamik.Status) {
			return "txhash", nil
		},
	}
	s := &fakeSigner{
		spec: testChain("cosmos").SignerSpec,
		signTx: func(raw string) (string, error) {
			signedRaw = raw
			return "sig", nil
		},
	}

	f := New(api.server(t), testChain("cosmos"), s, Options{})
	_, err := f.Execute(context.Background(), transferIntent())
	require.NoError(t, err)
	assert.Equal(t, "beefbeef", signedRaw)
}

func TestExecuteDeploysMissingAccountAndRetries(t *testing.T) {
	var deployed atomic.Bool
	var modes []types.TransactionMode
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return echoEncoding(data), nil
		},
	}
	api.broadcast = func(data types.TransactionData, _ string) (string, *adamik.Status) {
		modes = append(modes, data.Mode)
		switch data.Mode {
		case types.ModeDeployAccount:
			deployed.Store(true)
			return "deployhash", nil
		default:
			if !deployed.Load() {
				return "", &adamik.Status{Errors: []adamik.StatusMessage{
					{Message: "Sender account does not exist on chain"},
				}}
			}
			return "transferhash", nil
		}
	}
	s := &fakeSigner{
		spec:     testChain("starknet").SignerSpec,
		signHash: func(string) (string, error) { return "sig", nil },
	}

	f := New(api.server(t), testChain("starknet"), s, Options{AutoDeploy: true})
	hash, err := f.Execute(context.Background(), transferIntent())
	require.NoError(t, err)
	assert.Equal(t, "transferhash", hash)
	assert.Equal(t, []types.TransactionMode{
		types.ModeTransfer, types.ModeDeployAccount, types.ModeTransfer,
	}, modes)
}

func TestExecuteDoesNotDeployWithoutOptIn(t *testing.T) {
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return echoEncoding(data), nil
		},
		broadcast: func(types.TransactionData, string) (string, *adamik.Status) {
			return "", &adamik.Status{Errors: []adamik.StatusMessage{
				{Message: "Sender account does not exist on chain"},
			}}
		},
	}
	s := &fakeSigner{
		spec:     testChain("starknet").SignerSpec,
		signHash: func(string) (string, error) { return "sig", nil },
	}

	f := New(api.server(t), testChain("starknet"), s, Options{})
	_, err := f.Execute(context.Background(), transferIntent())
	require.Error(t, err)
	assert.EqualValues(t, 1, api.broadcasts.Load())
}

// bitcoinPSBT builds a single-input P2WPKH spend owned by priv.
func bitcoinPSBT(t *testing.T, priv *btcec.PrivateKey) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	prevHash, err := chainhash.NewHashFromStr(
		"0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(40_000, pkScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(50_000, pkScript)

	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestExecuteBitcoinSignsAndFinalizes(t *testing.T) {
	raw := bytes.Repeat([]byte{0x07}, 32)
	priv, _ := btcec.PrivKeyFromBytes(raw)
	psbtB64 := bitcoinPSBT(t, priv)

	chain := testChain("bitcoin")
	spec := chain.SignerSpec

	var broadcastPayload string
	api := &fakeAPI{
		encode: func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
			return types.EncodedTransaction{
				Data: data,
				Encoded: []types.EncodedItem{{
					Raw: &types.EncodedValue{Format: "PSBT", Value: psbtB64},
				}},
			}, nil
		},
		broadcast: func(_ types.TransactionData, signature string) (string, *adamik.Status) {
			broadcastPayload = signature
			return "btctxhash", nil
		},
	}
	s := &fakeSigner{
		spec:   spec,
		pubKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		signHash: func(hashHex string) (string, error) {
			digest, err := hex.DecodeString(hashHex)
			if err != nil {
				return "", err
			}
			compact, err := btcecdsa.SignCompact(priv, digest, true)
			if err != nil {
				return "", err
			}
			return codec.FormatSignature(
				types.Signature{R: compact[1:33], S: compact[33:65]}, spec, "test")
		},
	}

	f := New(api.server(t), chain, s, Options{})
	intent := transferIntent()
	hash, err := f.Execute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "btctxhash", hash)

	rawTx, err := hex.DecodeString(broadcastPayload)
	require.NoError(t, err)
	var final wire.MsgTx
	require.NoError(t, final.Deserialize(bytes.NewReader(rawTx)))
	require.Len(t, final.TxIn[0].Witness, 2)
	assert.Equal(t, priv.PubKey().SerializeCompressed(), []byte(final.TxIn[0].Witness[1]))
}

// A backend without SignHash receives the single-sha256 digest and its
// own internal hash completes the double; the finalized transaction
// must come out byte-identical to the full-digest path.
func TestExecuteBitcoinFallsBackToHalfDigest(t *testing.T) {
	raw := bytes.Repeat([]byte{0x07}, 32)
	priv, _ := btcec.PrivKeyFromBytes(raw)
	psbtB64 := bitcoinPSBT(t, priv)

	chain := testChain("bitcoin")
	spec := chain.SignerSpec

	signCompact := func(digest []byte) (string, error) {
		compact, err := btcecdsa.SignCompact(priv, digest, true)
		if err != nil {
			return "", err
		}
		return codec.FormatSignature(
			types.Signature{R: compact[1:33], S: compact[33:65]}, spec, "test")
	}
	encode := func(data types.TransactionData) (types.EncodedTransaction, *adamik.Status) {
		return types.EncodedTransaction{
			Data: data,
			Encoded: []types.EncodedItem{{
				Raw: &types.EncodedValue{Format: "PSBT", Value: psbtB64},
			}},
		}, nil
	}
	run := func(t *testing.T, s *fakeSigner) string {
		var payload string
		api := &fakeAPI{encode: encode}
		api.broadcast = func(_ types.TransactionData, signature string) (string, *adamik.Status) {
			payload = signature
			return "btctxhash", nil
		}
		_, err := New(api.server(t), chain, s, Options{}).Execute(context.Background(), transferIntent())
		require.NoError(t, err)
		return payload
	}

	fullDigest := run(t, &fakeSigner{
		spec:   spec,
		pubKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		signHash: func(hashHex string) (string, error) {
			digest, err := hex.DecodeString(hashHex)
			if err != nil {
				return "", err
			}
			return signCompact(digest)
		},
	})

	var halfSeen string
	halfDigest := run(t, &fakeSigner{
		spec:   spec,
		pubKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		signTx: func(halfHex string) (string, error) {
			halfSeen = halfHex
			half, err := hex.DecodeString(halfHex)
			if err != nil {
				return "", err
			}
			digest := sha256.Sum256(half)
			return signCompact(digest[:])
		},
	})

	assert.Equal(t, fullDigest, halfDigest)

	// the fallback hands over the single sha256, not the double
	packet, err := bitcoin.DecodePacket(psbtB64)
	require.NoError(t, err)
	preimage, err := bitcoin.SigHashPreimage(packet, 0)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(bitcoin.HalfDigest(preimage)), halfSeen)
}
