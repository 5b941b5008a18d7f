package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// TSMSigner bridges to the Blockdaemon TSM client binary over a
// subprocess. The binary talks mutual TLS to the TSM nodes; its client
// certificate and key may arrive as file paths or as raw PEM content,
// which is written to temp files for the duration of one call.
type TSMSigner struct {
	chainID string
	spec    types.SignerSpec
	cfg     config.TSMConfig

	mu     sync.Mutex
	pubKey string
}

func NewTSMSigner(chainID string, spec types.SignerSpec, cfg config.TSMConfig) (*TSMSigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// the TSM scheme is ECDSA-only
	if spec.Curve != types.CurveSecp256k1 {
		return nil, fmt.Errorf("tsm: unsupported curve %q, only secp256k1 is served", spec.Curve)
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, &errors.ConfigError{Component: "tsm", Variable: "TSM_BINARY", Reason: fmt.Sprintf("binary %q not found in PATH", cfg.Binary)}
	}
	return &TSMSigner{chainID: chainID, spec: spec, cfg: cfg}, nil
}

func (s *TSMSigner) Name() string           { return "tsm" }
func (s *TSMSigner) ChainID() string        { return s.chainID }
func (s *TSMSigner) Spec() types.SignerSpec { return s.spec }

// materializeCredential writes raw PEM content to a temp file and returns
// its path with a cleanup closure. Cleanup failures are swallowed: the
// file lives in the OS temp dir and must never mask the real error.
func materializeCredential(content, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, errors.Wrap(err, "tsm: create temp credential file")
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "tsm: write temp credential file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "tsm: close temp credential file")
	}
	return f.Name(), cleanup, nil
}

// credentialPaths resolves the cert/key pair to filesystem paths,
// materializing raw content when needed. The returned cleanup must run on
// every exit path of the subprocess call.
func (s *TSMSigner) credentialPaths() (certPath, keyPath string, cleanup func(), err error) {
	var cleanups []func()
	cleanup = func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	certPath = s.cfg.ClientCertFile
	if certPath == "" {
		var fn func()
		certPath, fn, err = materializeCredential(s.cfg.ClientCertContent, "tsm-cert-*.pem")
		if err != nil {
			return "", "", nil, err
		}
		cleanups = append(cleanups, fn)
	}

	keyPath = s.cfg.ClientKeyFile
	if keyPath == "" {
		var fn func()
		keyPath, fn, err = materializeCredential(s.cfg.ClientKeyContent, "tsm-key-*.pem")
		if err != nil {
			cleanup()
			return "", "", nil, err
		}
		cleanups = append(cleanups, fn)
	}
	return certPath, keyPath, cleanup, nil
}

// run invokes the TSM binary and returns its stdout. A non-zero exit
// surfaces the subprocess's stderr inside the error.
func (s *TSMSigner) run(ctx context.Context, args ...string) (string, error) {
	certPath, keyPath, cleanup, err := s.credentialPaths()
	if err != nil {
		return "", err
	}
	defer cleanup()

	args = append(args,
		"--node-url", s.cfg.NodeURL,
		"--client-cert", certPath,
		"--client-key", keyPath,
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tsm: %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// GetPubKey asks the binary for the key's compressed public key.
func (s *TSMSigner) GetPubKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != "" {
		return s.pubKey, nil
	}
	if s.cfg.KeyID == "" {
		return "", &errors.ConfigError{Component: "tsm", Variable: "TSM_KEY_ID", Reason: "run keygen and export the key id"}
	}

	out, err := s.run(ctx, "public-key", "--key-id", s.cfg.KeyID)
	if err != nil {
		return "", err
	}
	pub, err := scanPrefixedValue(out, "Public key:")
	if err != nil {
		return "", err
	}
	s.pubKey = strip0x(pub)
	return s.pubKey, nil
}

// SignTransaction is not served: the binary consumes 32-byte digests.
func (s *TSMSigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	return "", errors.NotImplemented("tsm", "signTransaction")
}

// SignHash signs a digest through the node pool and normalizes the
// parsed {r, s} into the wire format, recovering v against the cached
// public key.
func (s *TSMSigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	pubHex, err := s.GetPubKey(ctx)
	if err != nil {
		return "", err
	}

	out, err := s.run(ctx, "sign", "--key-id", s.cfg.KeyID, "--message", strip0x(hashHex))
	if err != nil {
		return "", err
	}

	result, err := parseTSMSignOutput(out)
	if err != nil {
		return "", err
	}

	sig := types.Signature{R: result.R, S: result.S}
	if s.spec.SignatureFormat == types.FormatRSV && !codec.OmitsRecoveryByte(s.chainID) {
		hash, err := hex.DecodeString(strip0x(hashHex))
		if err != nil {
			return "", fmt.Errorf("tsm: decode hash hex: %w", err)
		}
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return "", fmt.Errorf("tsm: decode cached pubkey: %w", err)
		}
		v, ok := codec.ResolveRecoveryID(hash, result.R, result.S, pub)
		if !ok {
			// known soft spot: recovery should never need to guess
			logger.Warn("Could not resolve recovery id, defaulting to 0", "signer", "tsm", "keyID", result.KeyID)
		}
		sig = sig.WithRecovery(v)
	}

	return codec.FormatSignature(sig, s.spec, s.chainID)
}

// Keygen generates a key across the TSM nodes and returns its id for the
// operator to export.
func (s *TSMSigner) Keygen(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "keygen", "--curve", "secp256k1")
	if err != nil {
		return "", err
	}
	return scanPrefixedValue(out, "Key ID:")
}
