package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// DfnsSigner signs through the DFNS wallet API. DFNS signs digests for
// secp256k1 keys and whole messages for ed25519 keys; the capability
// split surfaces as SignHash vs SignTransaction support.
type DfnsSigner struct {
	chainID string
	spec    types.SignerSpec
	cfg     config.DfnsConfig
	http    *http.Client
	scheme  string

	// btcAddressKind is resolved from the per-address-type table at
	// construction so an unsupported type fails fast.
	btcAddressKind string

	mu     sync.Mutex
	pubKey string
}

func NewDfnsSigner(chainID string, spec types.SignerSpec, cfg config.DfnsConfig) (*DfnsSigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scheme, err := dfnsScheme(spec.Curve)
	if err != nil {
		return nil, err
	}

	s := &DfnsSigner{
		chainID: chainID,
		spec:    spec,
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		scheme:  scheme,
	}

	if chainID == "bitcoin" {
		kind, err := dfnsBitcoinAddressKind(cfg.BTCAddressType)
		if err != nil {
			return nil, err
		}
		s.btcAddressKind = kind
	}
	return s, nil
}

func (s *DfnsSigner) Name() string           { return "dfns" }
func (s *DfnsSigner) ChainID() string        { return s.chainID }
func (s *DfnsSigner) Spec() types.SignerSpec { return s.spec }

// PreferredAddressType tells the flow which Bitcoin address type this
// wallet was provisioned for. Empty for non-Bitcoin chains.
func (s *DfnsSigner) PreferredAddressType() string {
	if s.chainID != "bitcoin" {
		return ""
	}
	return s.cfg.BTCAddressType
}

func (s *DfnsSigner) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "dfns: marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "dfns: build request")
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	req.Header.Set("X-DFNS-APPID", s.cfg.AppID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "dfns: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "dfns: read response")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dfns: %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

type dfnsWallet struct {
	ID         string `json:"id"`
	SigningKey struct {
		Scheme    string `json:"scheme"`
		Curve     string `json:"curve"`
		PublicKey string `json:"publicKey"`
	} `json:"signingKey"`
}

type dfnsSignature struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Signature *struct {
		R     string `json:"r"`
		S     string `json:"s"`
		Recid *int   `json:"recid"`
	} `json:"signature"`
}

// GetPubKey fetches and caches the wallet's signing public key.
func (s *DfnsSigner) GetPubKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != "" {
		return s.pubKey, nil
	}

	var wallet dfnsWallet
	if err := s.do(ctx, http.MethodGet, "/wallets/"+s.cfg.WalletID, nil, &wallet); err != nil {
		return "", err
	}
	if wallet.SigningKey.PublicKey == "" {
		return "", errors.New("dfns: wallet has no signing key")
	}
	pub, err := validatePubKey(wallet.SigningKey.PublicKey, s.spec.Curve)
	if err != nil {
		return "", err
	}
	s.pubKey = pub
	return s.pubKey, nil
}

// SignTransaction is served for ed25519 wallets, where DFNS signs the
// message itself. secp256k1 wallets must go through SignHash.
func (s *DfnsSigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	if s.spec.Curve != types.CurveEd25519 {
		return "", errors.NotImplemented("dfns", "signTransaction for curve "+string(s.spec.Curve))
	}
	return s.requestSignature(ctx, map[string]string{
		"kind":    "Message",
		"message": "0x" + strip0x(encodedHex),
	})
}

// SignHash signs a pre-computed digest.
func (s *DfnsSigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	if s.spec.Curve != types.CurveSecp256k1 {
		return "", errors.NotImplemented("dfns", "signHash for curve "+string(s.spec.Curve))
	}
	return s.requestSignature(ctx, map[string]string{
		"kind": "Hash",
		"hash": "0x" + strip0x(hashHex),
	})
}

func (s *DfnsSigner) requestSignature(ctx context.Context, body map[string]string) (string, error) {
	var sig dfnsSignature
	path := fmt.Sprintf("/wallets/%s/signatures", s.cfg.WalletID)
	if err := s.do(ctx, http.MethodPost, path, body, &sig); err != nil {
		return "", err
	}

	// most requests come back Signed; a Pending one is re-fetched briefly
	if sig.Status == "Pending" {
		if err := s.waitForSignature(ctx, &sig); err != nil {
			return "", err
		}
	}

	switch sig.Status {
	case "Signed":
	case "Failed", "Rejected":
		return "", fmt.Errorf("dfns: signature request %s: %s", sig.Status, sig.Reason)
	default:
		return "", fmt.Errorf("dfns: unexpected signature status %q", sig.Status)
	}
	if sig.Signature == nil {
		return "", errors.New("dfns: request signed but signature payload missing")
	}

	triple, err := tripleFromHex(sig.Signature.R, sig.Signature.S, "")
	if err != nil {
		return "", errors.Wrap(err, "dfns: parse signature")
	}
	if sig.Signature.Recid != nil {
		triple = triple.WithRecovery(byte(*sig.Signature.Recid))
	} else if s.spec.SignatureFormat == types.FormatRSV && !codec.OmitsRecoveryByte(s.chainID) {
		logger.Warn("Provider returned no recovery id, defaulting to 0", "signer", "dfns", "chain", s.chainID)
		triple = triple.WithRecovery(0)
	}

	return codec.FormatSignature(triple, s.spec, s.chainID)
}

func (s *DfnsSigner) waitForSignature(ctx context.Context, sig *dfnsSignature) error {
	path := fmt.Sprintf("/wallets/%s/signatures/%s", s.cfg.WalletID, sig.ID)
	return retry.Do(
		func() error {
			if err := s.do(ctx, http.MethodGet, path, nil, sig); err != nil {
				return retry.Unrecoverable(err)
			}
			if sig.Status == "Pending" {
				return fmt.Errorf("dfns: signature %s still pending", sig.ID)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
