package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	starkecdsa "github.com/consensys/gnark-crypto/ecc/stark-curve/ecdsa"
	"github.com/consensys/gnark-crypto/ecc/stark-curve/fr"
	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/tyler-smith/go-bip32"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// LocalSigner derives keys in-process from a seed phrase. It exists for
// testing; the mnemonic lives in the environment and the keys in process
// memory, so it must never custody real funds.
type LocalSigner struct {
	chainID string
	spec    types.SignerSpec

	secpKey  *btcec.PrivateKey
	edKey    ed25519.PrivateKey
	starkKey *starkecdsa.PrivateKey
	starkPub string
}

// NewLocalSigner derives the chain's key eagerly so that a bad mnemonic
// or unsupported curve fails at construction.
func NewLocalSigner(chainID string, spec types.SignerSpec, cfg config.LocalConfig) (*LocalSigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mnemonic, err := loadMnemonic(cfg)
	if err != nil {
		return nil, err
	}

	coinType, err := strconv.ParseUint(spec.CoinType, 10, 31)
	if err != nil {
		return nil, fmt.Errorf("local: invalid coinType %q: %w", spec.CoinType, err)
	}

	// BIP39: seed = PBKDF2(mnemonic, "mnemonic", 2048, 64, SHA512)
	seed := pbkdf2.Key([]byte(mnemonic), []byte("mnemonic"), 2048, 64, sha512.New)
	defer zeroBytes(seed)

	s := &LocalSigner{chainID: chainID, spec: spec}
	switch spec.Curve {
	case types.CurveSecp256k1:
		err = s.deriveSecp256k1(seed, uint32(coinType))
	case types.CurveEd25519:
		err = s.deriveEd25519(seed, uint32(coinType))
	case types.CurveStark:
		err = s.deriveStark(seed, uint32(coinType))
	default:
		err = fmt.Errorf("local: unsupported curve %q", spec.Curve)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadMnemonic(cfg config.LocalConfig) (string, error) {
	if cfg.Mnemonic != "" {
		return strings.TrimSpace(cfg.Mnemonic), nil
	}

	if _, err := os.Stat(cfg.MnemonicFile); err != nil {
		return "", &errors.ConfigError{Component: "local", Variable: "LOCAL_MNEMONIC_FILE", Reason: fmt.Sprintf("file not found: %s", cfg.MnemonicFile)}
	}

	raw, err := os.ReadFile(cfg.MnemonicFile)
	if err != nil {
		return "", errors.Wrap(err, "local: read mnemonic file")
	}

	// .age files are encrypted with a passphrase
	if strings.HasSuffix(cfg.MnemonicFile, ".age") {
		if cfg.Password == "" {
			return "", &errors.ConfigError{Component: "local", Variable: "LOCAL_MNEMONIC_PASSWORD", Reason: "encrypted mnemonic found but no password provided"}
		}
		identity, err := age.NewScryptIdentity(cfg.Password)
		if err != nil {
			return "", errors.Wrap(err, "local: create identity from password")
		}
		decrypter, err := age.Decrypt(strings.NewReader(string(raw)), identity)
		if err != nil {
			return "", errors.Wrap(err, "local: decrypt mnemonic")
		}
		raw, err = io.ReadAll(decrypter)
		if err != nil {
			return "", errors.Wrap(err, "local: read decrypted mnemonic")
		}
	}

	return strings.TrimSpace(string(raw)), nil
}

func (s *LocalSigner) deriveSecp256k1(seed []byte, coinType uint32) error {
	keyBytes, err := deriveBIP44Key(seed, coinType)
	if err != nil {
		return err
	}
	defer zeroBytes(keyBytes)

	s.secpKey, _ = btcec.PrivKeyFromBytes(keyBytes)
	return nil
}

// deriveBIP44Key walks m/44'/coin'/0'/0/0.
func deriveBIP44Key(seed []byte, coinType uint32) ([]byte, error) {
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, errors.Wrap(err, "local: create master key")
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild,
		0,
		0,
	}
	key := master
	for _, index := range path {
		key, err = key.NewChildKey(index)
		if err != nil {
			return nil, fmt.Errorf("local: derive child %d: %w", index, err)
		}
	}
	return key.Key, nil
}

// deriveEd25519 walks the all-hardened m/44'/coin'/0'/0'/0' path;
// SLIP-10 defines no soft derivation for ed25519.
func (s *LocalSigner) deriveEd25519(seed []byte, coinType uint32) error {
	path := []uint32{
		firstHardenedChild + 44,
		firstHardenedChild + coinType,
		firstHardenedChild,
		firstHardenedChild,
		firstHardenedChild,
	}

	keySeed, err := deriveSLIP10Ed25519(seed, path)
	if err != nil {
		return errors.Wrap(err, "local: slip-10 derivation")
	}
	defer zeroBytes(keySeed)

	s.edKey = ed25519.NewKeyFromSeed(keySeed)
	return nil
}

// deriveStark reduces a BIP44-derived secp256k1 key into the STARK
// curve's scalar field: SHA256(key) interpreted big-endian, mod r.
func (s *LocalSigner) deriveStark(seed []byte, coinType uint32) error {
	keyBytes, err := deriveBIP44Key(seed, coinType)
	if err != nil {
		return err
	}
	defer zeroBytes(keyBytes)

	digest := sha256.Sum256(keyBytes)
	scalar := new(big.Int).SetBytes(digest[:])
	scalar.Mod(scalar, fr.Modulus())

	var pub starkecdsa.PublicKey
	pub.A.ScalarMultiplicationBase(scalar)

	scalarBytes := make([]byte, fr.Bytes)
	scalar.FillBytes(scalarBytes)

	var priv starkecdsa.PrivateKey
	buf := append(pub.Bytes(), scalarBytes...)
	if _, err := priv.SetBytes(buf); err != nil {
		return errors.Wrap(err, "local: build stark private key")
	}

	s.starkKey = &priv
	x := pub.A.X.Bytes()
	s.starkPub = hex.EncodeToString(x[:])
	return nil
}

func (s *LocalSigner) Name() string           { return "local" }
func (s *LocalSigner) ChainID() string        { return s.chainID }
func (s *LocalSigner) Spec() types.SignerSpec { return s.spec }

func (s *LocalSigner) GetPubKey(context.Context) (string, error) {
	switch s.spec.Curve {
	case types.CurveSecp256k1:
		return hex.EncodeToString(s.secpKey.PubKey().SerializeCompressed()), nil
	case types.CurveEd25519:
		pub := s.edKey.Public().(ed25519.PublicKey)
		return hex.EncodeToString(pub), nil
	case types.CurveStark:
		return s.starkPub, nil
	}
	return "", fmt.Errorf("local: unsupported curve %q", s.spec.Curve)
}

// SignTransaction applies the spec's hash function to the encoded payload
// and signs the digest.
func (s *LocalSigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	payload, err := hex.DecodeString(strip0x(encodedHex))
	if err != nil {
		return "", fmt.Errorf("local: decode payload hex: %w", err)
	}

	digest, err := s.applyHash(payload)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignHash signs a pre-computed digest without hashing again.
func (s *LocalSigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	digest, err := hex.DecodeString(strip0x(hashHex))
	if err != nil {
		return "", fmt.Errorf("local: decode hash hex: %w", err)
	}
	return s.signDigest(digest)
}

func (s *LocalSigner) applyHash(payload []byte) ([]byte, error) {
	switch s.spec.HashFunction {
	case types.HashSHA256:
		sum := sha256.Sum256(payload)
		return sum[:], nil
	case types.HashKeccak256:
		h := sha3.NewLegacyKeccak256()
		h.Write(payload)
		return h.Sum(nil), nil
	case types.HashSHA512_256:
		sum := sha512.Sum512_256(payload)
		return sum[:], nil
	case types.HashNone:
		return payload, nil
	case types.HashPedersen:
		// pedersen digests arrive precomputed from the API; signTransaction
		// has nothing local to hash with
		return nil, errors.NotImplemented("local", "pedersen hashing")
	}
	return nil, fmt.Errorf("local: unknown hash function %q", s.spec.HashFunction)
}

func (s *LocalSigner) signDigest(digest []byte) (string, error) {
	var sig types.Signature

	switch s.spec.Curve {
	case types.CurveSecp256k1:
		compact, err := btcecdsa.SignCompact(s.secpKey, digest, true)
		if err != nil {
			return "", errors.Wrap(err, "local: secp256k1 sign")
		}
		v := compact[0] - 27 - 4
		sig = types.Signature{R: compact[1:33], S: compact[33:65], V: &v}

	case types.CurveEd25519:
		raw := ed25519.Sign(s.edKey, digest)
		sig = types.Signature{R: raw[:32], S: raw[32:]}

	case types.CurveStark:
		raw, err := s.starkKey.Sign(digest, nil)
		if err != nil {
			return "", errors.Wrap(err, "local: stark sign")
		}
		half := len(raw) / 2
		sig = types.Signature{R: raw[:half], S: raw[half:]}

	default:
		return "", fmt.Errorf("local: unsupported curve %q", s.spec.Curve)
	}

	return codec.FormatSignature(sig, s.spec, s.chainID)
}

func strip0x(s string) string {
	return strings.TrimPrefix(s, "0x")
}

// zeroBytes clears key material from memory, best effort.
func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
