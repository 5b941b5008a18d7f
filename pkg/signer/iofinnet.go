package signer

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
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
	"github.com/google/uuid"
)

// Signature request states reported by the IoFinnet API.
const (
	ioStateRequested = "REQUESTED"
	ioStatePending   = "PENDING"
	ioStateCompleted = "COMPLETED"
	ioStateFailed    = "FAILED"
	ioStateCancelled = "CANCELLED"
)

// IoFinnetSigner signs through IoFinnet's async vault API. A signature is
// a request that humans or policy engines may gate, so the signer polls:
// fixed 10s interval, 60 attempts, then a hard timeout. Custody signing
// can take minutes, but the operator needs deterministic give-up
// semantics.
type IoFinnetSigner struct {
	chainID string
	spec    types.SignerSpec
	cfg     config.IoFinnetConfig
	http    *http.Client

	mu     sync.Mutex
	pubKey string
}

func NewIoFinnetSigner(chainID string, spec types.SignerSpec, cfg config.IoFinnetConfig) (*IoFinnetSigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spec.Curve == types.CurveStark {
		return nil, fmt.Errorf("iofinnet: unsupported curve %q", spec.Curve)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 60
	}
	return &IoFinnetSigner{
		chainID: chainID,
		spec:    spec,
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *IoFinnetSigner) Name() string           { return "iofinnet" }
func (s *IoFinnetSigner) ChainID() string        { return s.chainID }
func (s *IoFinnetSigner) Spec() types.SignerSpec { return s.spec }

func (s *IoFinnetSigner) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "iofinnet: marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "iofinnet: build request")
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "iofinnet: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "iofinnet: read response")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("iofinnet: %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

type ioVault struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Curve     string `json:"curve"`
}

type ioSignatureRequest struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ErrorMsg  string `json:"errorMessage"`
	Signature *struct {
		R string `json:"r"`
		S string `json:"s"`
		V *int   `json:"v"`
	} `json:"signature"`
}

// GetPubKey fetches and caches the vault's public key.
func (s *IoFinnetSigner) GetPubKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != "" {
		return s.pubKey, nil
	}

	var vault ioVault
	if err := s.do(ctx, http.MethodGet, "/api/v1/vaults/"+s.cfg.VaultID, nil, &vault); err != nil {
		return "", err
	}
	if vault.PublicKey == "" {
		return "", errors.New("iofinnet: vault has no public key")
	}
	pub, err := validatePubKey(vault.PublicKey, s.spec.Curve)
	if err != nil {
		return "", err
	}
	s.pubKey = pub
	return s.pubKey, nil
}

// SignTransaction is not served: the vault signs digests only.
func (s *IoFinnetSigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	return "", errors.NotImplemented("iofinnet", "signTransaction")
}

// SignHash creates a signature request for the digest and polls it to
// completion.
func (s *IoFinnetSigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	var created ioSignatureRequest
	body := map[string]string{
		"vaultId":        s.cfg.VaultID,
		"message":        strip0x(hashHex),
		"encoding":       "hex",
		"idempotencyKey": uuid.NewString(),
	}
	if err := s.do(ctx, http.MethodPost, "/api/v1/signature-requests", body, &created); err != nil {
		return "", err
	}
	logger.Info("Created signature request", "signer", "iofinnet", "request", created.ID, "status", created.Status)

	final, err := s.pollSignatureRequest(ctx, created.ID)
	if err != nil {
		return "", err
	}

	if final.Signature == nil {
		// COMPLETED but empty payload is a provider bug, not a success
		return "", fmt.Errorf("iofinnet: request %s completed without a signature payload", created.ID)
	}

	sig, err := tripleFromHex(final.Signature.R, final.Signature.S, "")
	if err != nil {
		return "", errors.Wrap(err, "iofinnet: parse signature")
	}
	if final.Signature.V != nil {
		sig = sig.WithRecovery(byte(*final.Signature.V))
	}
	return codec.FormatSignature(sig, s.spec, s.chainID)
}

var errStillPending = stderrors.New("iofinnet: signature request still pending")

// pollSignatureRequest drives the REQUESTED → PENDING... → terminal state
// machine. Cancelling ctx stops polling immediately; the request keeps
// its id so the operator can check later.
func (s *IoFinnetSigner) pollSignatureRequest(ctx context.Context, requestID string) (*ioSignatureRequest, error) {
	var last ioSignatureRequest
	path := "/api/v1/signature-requests/" + requestID

	err := retry.Do(
		func() error {
			if err := s.do(ctx, http.MethodGet, path, nil, &last); err != nil {
				return retry.Unrecoverable(err)
			}
			switch last.Status {
			case ioStateCompleted:
				return nil
			case ioStateFailed, ioStateCancelled:
				return retry.Unrecoverable(fmt.Errorf("iofinnet: signature request %s: %s", last.Status, last.ErrorMsg))
			case ioStateRequested, ioStatePending:
				return errStillPending
			default:
				return retry.Unrecoverable(fmt.Errorf("iofinnet: unknown signature request status %q", last.Status))
			}
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.PollAttempts)),
		retry.Delay(s.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Polling interrupted; signature not yet available, check later by request id", "signer", "iofinnet", "request", requestID)
			return nil, fmt.Errorf("iofinnet: polling interrupted for request %s: %w", requestID, ctx.Err())
		}
		if stderrors.Is(err, errStillPending) {
			return nil, &errors.TimeoutError{Component: "iofinnet", Attempts: s.cfg.PollAttempts}
		}
		return nil, err
	}
	return &last, nil
}
