// Package signer implements the custody backends behind one capability
// contract. Each backend signs for exactly one chain, configured with the
// chain's signer spec from the chain-abstraction API.
package signer

import (
	"context"
	"fmt"

	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/types"
)

// Signer is the capability contract every backend satisfies. A backend
// that cannot serve one of the signing operations returns
// errors.ErrNotImplemented from it instead of silently degrading.
type Signer interface {
	// Name returns the backend tag used in logs and error provenance.
	Name() string
	// ChainID returns the chain this instance signs for.
	ChainID() string
	// Spec returns the signer spec the instance was built with.
	Spec() types.SignerSpec
	// GetPubKey returns the signing public key as hex, cached after the
	// first retrieval for the life of the process.
	GetPubKey(ctx context.Context) (string, error)
	// SignTransaction signs a pre-encoded message (hex). The backend
	// applies the spec's hash function before signing.
	SignTransaction(ctx context.Context, encodedHex string) (string, error)
	// SignHash signs a pre-computed digest (hex) as-is.
	SignHash(ctx context.Context, hashHex string) (string, error)
}

// Kind selects a backend. The set is closed: dispatch is by this tag,
// never by probing.
type Kind string

const (
	KindLocal    Kind = "local"
	KindTurnkey  Kind = "turnkey"
	KindDfns     Kind = "dfns"
	KindSodot    Kind = "sodot"
	KindIoFinnet Kind = "iofinnet"
	KindTSM      Kind = "tsm"
)

// Kinds lists every selectable backend.
func Kinds() []Kind {
	return []Kind{KindLocal, KindTurnkey, KindDfns, KindSodot, KindIoFinnet, KindTSM}
}

// New constructs the backend for kind. Construction validates the
// backend's configuration and curve support eagerly; a misconfigured
// backend fails here, not mid-signing.
func New(kind Kind, chainID string, spec types.SignerSpec, cfg *config.AppConfig) (Signer, error) {
	switch kind {
	case KindLocal:
		return NewLocalSigner(chainID, spec, cfg.Local)
	case KindTurnkey:
		return NewTurnkeySigner(chainID, spec, cfg.Turnkey)
	case KindDfns:
		return NewDfnsSigner(chainID, spec, cfg.Dfns)
	case KindSodot:
		return NewSodotSigner(chainID, spec, cfg.Sodot)
	case KindIoFinnet:
		return NewIoFinnetSigner(chainID, spec, cfg.IoFinnet)
	case KindTSM:
		return NewTSMSigner(chainID, spec, cfg.TSM)
	default:
		return nil, fmt.Errorf("signer: unknown backend %q", kind)
	}
}
