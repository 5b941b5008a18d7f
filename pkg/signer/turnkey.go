package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// TurnkeySigner signs through the Turnkey custody API. Every request is
// stamped: the JSON body is signed with the operator's P-256 API key and
// the stamp travels in the X-Stamp header.
type TurnkeySigner struct {
	chainID string
	spec    types.SignerSpec
	cfg     config.TurnkeyConfig
	http    *http.Client

	stampKey *ecdsa.PrivateKey
	curveID  string
	hashFnID string

	mu     sync.Mutex
	pubKey string
}

func NewTurnkeySigner(chainID string, spec types.SignerSpec, cfg config.TurnkeyConfig) (*TurnkeySigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	curveID, hashFnID, err := turnkeyAlgorithm(spec)
	if err != nil {
		return nil, err
	}

	stampKey, err := parseP256PrivateKeyHex(cfg.APIPrivateKey)
	if err != nil {
		return nil, &errors.ConfigError{Component: "turnkey", Variable: "TURNKEY_API_PRIVATE_KEY", Reason: err.Error()}
	}

	return &TurnkeySigner{
		chainID:  chainID,
		spec:     spec,
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		stampKey: stampKey,
		curveID:  curveID,
		hashFnID: hashFnID,
	}, nil
}

// parseP256PrivateKeyHex builds a P-256 key from a 32-byte hex scalar.
func parseP256PrivateKeyHex(privHex string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(strip0x(privHex))
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private key scalar out of range")
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)
	return priv, nil
}

// stamp signs the request body per Turnkey's API-key scheme.
func (s *TurnkeySigner) stamp(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	der, err := ecdsa.SignASN1(rand.Reader, s.stampKey, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "turnkey: stamp request")
	}

	stamp := map[string]string{
		"publicKey": s.cfg.APIPublicKey,
		"scheme":    "SIGNATURE_SCHEME_TK_API_P256",
		"signature": hex.EncodeToString(der),
	}
	raw, err := json.Marshal(stamp)
	if err != nil {
		return "", errors.Wrap(err, "turnkey: marshal stamp")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *TurnkeySigner) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "turnkey: marshal request")
	}

	stamp, err := s.stamp(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "turnkey: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stamp", stamp)

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "turnkey: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "turnkey: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("turnkey: %s returned %d: %s", path, resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

type turnkeyAccount struct {
	Curve         string `json:"curve"`
	AddressFormat string `json:"addressFormat"`
	Address       string `json:"address"`
}

type turnkeyListAccountsResponse struct {
	Accounts []turnkeyAccount `json:"accounts"`
}

type turnkeyActivityResponse struct {
	Activity struct {
		Status string `json:"status"`
		Result struct {
			SignRawPayloadResult *struct {
				R string `json:"r"`
				S string `json:"s"`
				V string `json:"v"`
			} `json:"signRawPayloadResult"`
			CreateWalletAccountsResult *struct {
				Addresses []string `json:"addresses"`
			} `json:"createWalletAccountsResult"`
		} `json:"result"`
	} `json:"activity"`
}

func (s *TurnkeySigner) Name() string           { return "turnkey" }
func (s *TurnkeySigner) ChainID() string        { return s.chainID }
func (s *TurnkeySigner) Spec() types.SignerSpec { return s.spec }

// GetPubKey finds the wallet account holding the compressed public key
// for this chain's curve, creating it on first use. The result is cached
// for the process lifetime.
func (s *TurnkeySigner) GetPubKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != "" {
		return s.pubKey, nil
	}

	if s.cfg.WalletID == "" {
		return "", &errors.ConfigError{Component: "turnkey", Variable: "TURNKEY_WALLET_ID", Reason: "wallet id required to look up signing keys"}
	}

	var list turnkeyListAccountsResponse
	err := s.post(ctx, "/public/v1/query/list_wallet_accounts", map[string]string{
		"organizationId": s.cfg.OrganizationID,
		"walletId":       s.cfg.WalletID,
	}, &list)
	if err != nil {
		return "", err
	}

	for _, account := range list.Accounts {
		if account.Curve == s.curveID && account.AddressFormat == "ADDRESS_FORMAT_COMPRESSED" {
			pub, err := validatePubKey(account.Address, s.spec.Curve)
			if err != nil {
				return "", err
			}
			s.pubKey = pub
			return s.pubKey, nil
		}
	}

	pub, err := s.createAccount(ctx)
	if err != nil {
		return "", err
	}
	s.pubKey = pub
	return pub, nil
}

// createAccount adds a wallet account for the chain's curve. Wallet
// creation is curve-specific: the derivation path and format both depend
// on the signer spec.
func (s *TurnkeySigner) createAccount(ctx context.Context) (string, error) {
	path := fmt.Sprintf("m/44'/%s'/0'/0/0", s.spec.CoinType)
	body := map[string]any{
		"type":           "ACTIVITY_TYPE_CREATE_WALLET_ACCOUNTS",
		"organizationId": s.cfg.OrganizationID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"walletId": s.cfg.WalletID,
			"accounts": []map[string]string{{
				"curve":         s.curveID,
				"pathFormat":    "PATH_FORMAT_BIP32",
				"path":          path,
				"addressFormat": "ADDRESS_FORMAT_COMPRESSED",
			}},
		},
	}

	var resp turnkeyActivityResponse
	if err := s.post(ctx, "/public/v1/submit/create_wallet_accounts", body, &resp); err != nil {
		return "", err
	}
	if resp.Activity.Status != "ACTIVITY_STATUS_COMPLETED" {
		return "", fmt.Errorf("turnkey: account creation ended in status %s", resp.Activity.Status)
	}
	result := resp.Activity.Result.CreateWalletAccountsResult
	if result == nil || len(result.Addresses) == 0 {
		return "", errors.New("turnkey: account creation returned no addresses")
	}
	logger.Info("Created wallet account", "signer", "turnkey", "curve", s.curveID)
	return strip0x(result.Addresses[0]), nil
}

// SignTransaction submits the encoded payload; Turnkey applies the
// declared hash function before signing.
func (s *TurnkeySigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	return s.signRawPayload(ctx, strip0x(encodedHex), s.hashFnID)
}

// SignHash submits a pre-computed digest with hashing disabled.
func (s *TurnkeySigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	return s.signRawPayload(ctx, strip0x(hashHex), "HASH_FUNCTION_NO_OP")
}

func (s *TurnkeySigner) signRawPayload(ctx context.Context, payloadHex, hashFn string) (string, error) {
	pub, err := s.GetPubKey(ctx)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"type":           "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD_V2",
		"organizationId": s.cfg.OrganizationID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"signWith":     pub,
			"payload":      payloadHex,
			"encoding":     "PAYLOAD_ENCODING_HEXADECIMAL",
			"hashFunction": hashFn,
		},
	}

	var resp turnkeyActivityResponse
	if err := s.post(ctx, "/public/v1/submit/sign_raw_payload", body, &resp); err != nil {
		return "", err
	}
	if resp.Activity.Status != "ACTIVITY_STATUS_COMPLETED" {
		return "", fmt.Errorf("turnkey: signing ended in status %s", resp.Activity.Status)
	}
	result := resp.Activity.Result.SignRawPayloadResult
	if result == nil {
		return "", errors.New("turnkey: signing completed without a signature payload")
	}

	sig, err := tripleFromHex(result.R, result.S, result.V)
	if err != nil {
		return "", errors.Wrap(err, "turnkey: parse signature")
	}
	return codec.FormatSignature(sig, s.spec, s.chainID)
}

// tripleFromHex assembles a Signature from provider hex components; v may
// be empty.
func tripleFromHex(rHex, sHex, vHex string) (types.Signature, error) {
	r, err := hex.DecodeString(strip0x(rHex))
	if err != nil {
		return types.Signature{}, fmt.Errorf("decode r: %w", err)
	}
	sb, err := hex.DecodeString(strip0x(sHex))
	if err != nil {
		return types.Signature{}, fmt.Errorf("decode s: %w", err)
	}

	sig := types.Signature{R: r, S: sb}
	if vHex != "" {
		vb, err := hex.DecodeString(strip0x(vHex))
		if err != nil || len(vb) == 0 {
			return types.Signature{}, fmt.Errorf("decode v %q", vHex)
		}
		sig.V = &vb[len(vb)-1]
	}
	return sig, nil
}
