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

	"github.com/fystack/omnisign/pkg/codec"
	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// SodotSigner coordinates a pool of Sodot vertices. A signature is an MPC
// round: a room is opened on the first vertex and every vertex joins it
// with its own key share; the vertices must run concurrently or the round
// never completes.
type SodotSigner struct {
	chainID   string
	spec      types.SignerSpec
	cfg       config.SodotConfig
	http      *http.Client
	curvePath string
	keyIDs    []string

	mu     sync.Mutex
	pubKey string
}

func NewSodotSigner(chainID string, spec types.SignerSpec, cfg config.SodotConfig) (*SodotSigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	curvePath, err := sodotCurvePath(spec.Curve)
	if err != nil {
		return nil, err
	}

	keyIDs := cfg.EcdsaKeyIDs
	if spec.Curve == types.CurveEd25519 {
		keyIDs = cfg.Ed25519KeyIDs
	}

	return &SodotSigner{
		chainID:   chainID,
		spec:      spec,
		cfg:       cfg,
		http:      &http.Client{Timeout: 2 * time.Minute},
		curvePath: curvePath,
		keyIDs:    keyIDs,
	}, nil
}

func (s *SodotSigner) Name() string           { return "sodot" }
func (s *SodotSigner) ChainID() string        { return s.chainID }
func (s *SodotSigner) Spec() types.SignerSpec { return s.spec }

func (s *SodotSigner) post(ctx context.Context, vertex int, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "sodot: marshal request")
	}

	url := s.cfg.VertexURLs[vertex] + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "sodot: build request")
	}
	req.Header.Set("Authorization", s.cfg.VertexAPIKeys[vertex])
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sodot: vertex %d unreachable: %w", vertex, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "sodot: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sodot: vertex %d %s returned %d: %s", vertex, path, resp.StatusCode, string(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (s *SodotSigner) requireKeyIDs() error {
	if len(s.keyIDs) != len(s.cfg.VertexURLs) {
		variable := "SODOT_ECDSA_KEY_IDS"
		if s.spec.Curve == types.CurveEd25519 {
			variable = "SODOT_ED25519_KEY_IDS"
		}
		return &errors.ConfigError{
			Component: "sodot",
			Variable:  variable,
			Reason:    fmt.Sprintf("need one key id per vertex (%d), got %d; run keygen and export the ids", len(s.cfg.VertexURLs), len(s.keyIDs)),
		}
	}
	return nil
}

// GetPubKey derives the pool's public key from the first vertex's share.
func (s *SodotSigner) GetPubKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != "" {
		return s.pubKey, nil
	}
	if err := s.requireKeyIDs(); err != nil {
		return "", err
	}

	var resp struct {
		PubKey string `json:"pubkey"`
	}
	body := map[string]any{
		"key_id":          s.keyIDs[0],
		"derivation_path": []uint32{44, 0, 0, 0, 0},
	}
	if err := s.post(ctx, 0, "/"+s.curvePath+"/derive-pubkey", body, &resp); err != nil {
		return "", err
	}
	if resp.PubKey == "" {
		return "", errors.New("sodot: vertex returned no pubkey")
	}
	pub, err := validatePubKey(resp.PubKey, s.spec.Curve)
	if err != nil {
		return "", err
	}
	s.pubKey = pub
	return s.pubKey, nil
}

// SignTransaction is only meaningful for ed25519, where the vertices sign
// the message itself.
func (s *SodotSigner) SignTransaction(ctx context.Context, encodedHex string) (string, error) {
	if s.spec.Curve != types.CurveEd25519 {
		return "", errors.NotImplemented("sodot", "signTransaction for curve "+string(s.spec.Curve))
	}
	return s.runSigningRound(ctx, strip0x(encodedHex))
}

// SignHash runs a signing round over a pre-computed digest.
func (s *SodotSigner) SignHash(ctx context.Context, hashHex string) (string, error) {
	return s.runSigningRound(ctx, strip0x(hashHex))
}

type sodotSignResponse struct {
	R         string `json:"r"`
	S         string `json:"s"`
	V         *int   `json:"v"`
	Signature string `json:"signature"`
}

func (s *SodotSigner) runSigningRound(ctx context.Context, msgHex string) (string, error) {
	if err := s.requireKeyIDs(); err != nil {
		return "", err
	}

	var room struct {
		RoomUUID string `json:"room_uuid"`
	}
	if err := s.post(ctx, 0, "/create-room", map[string]int{"room_size": len(s.cfg.VertexURLs)}, &room); err != nil {
		return "", err
	}
	logger.Info("Opened signing room", "signer", "sodot", "room", room.RoomUUID)

	// every vertex must join the round before any can finish
	results := make([]sodotSignResponse, len(s.cfg.VertexURLs))
	errs := make([]error, len(s.cfg.VertexURLs))
	var wg sync.WaitGroup
	for i := range s.cfg.VertexURLs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := map[string]any{
				"room_uuid":       room.RoomUUID,
				"key_id":          s.keyIDs[i],
				"msg":             msgHex,
				"derivation_path": []uint32{44, 0, 0, 0, 0},
			}
			errs[i] = s.post(ctx, i, "/"+s.curvePath+"/sign", body, &results[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return "", fmt.Errorf("sodot: signing round failed on vertex %d: %w", i, err)
		}
	}

	return s.formatRoundResult(results[0])
}

func (s *SodotSigner) formatRoundResult(result sodotSignResponse) (string, error) {
	if s.spec.Curve == types.CurveEd25519 {
		if result.Signature == "" {
			return "", errors.New("sodot: round completed without a signature")
		}
		raw := strip0x(result.Signature)
		if len(raw) != 128 {
			return "", fmt.Errorf("sodot: ed25519 signature has %d hex chars, want 128", len(raw))
		}
		sig, err := tripleFromHex(raw[:64], raw[64:], "")
		if err != nil {
			return "", errors.Wrap(err, "sodot: parse signature")
		}
		return codec.FormatSignature(sig, s.spec, s.chainID)
	}

	sig, err := tripleFromHex(result.R, result.S, "")
	if err != nil {
		return "", errors.Wrap(err, "sodot: parse signature")
	}
	if result.V != nil {
		sig = sig.WithRecovery(byte(*result.V))
	}
	return codec.FormatSignature(sig, s.spec, s.chainID)
}

// Keygen runs distributed key generation across the pool and returns one
// key id per vertex. The operator exports the ids into the environment;
// nothing else persists between runs.
func (s *SodotSigner) Keygen(ctx context.Context) ([]string, error) {
	var room struct {
		RoomUUID string `json:"room_uuid"`
	}
	if err := s.post(ctx, 0, "/create-room", map[string]int{"room_size": len(s.cfg.VertexURLs)}, &room); err != nil {
		return nil, err
	}

	// exchange vertex init ids first; every vertex needs the others' ids
	initIDs := make([]string, len(s.cfg.VertexURLs))
	for i := range s.cfg.VertexURLs {
		var resp struct {
			KeygenID string `json:"keygen_id"`
		}
		if err := s.post(ctx, i, "/"+s.curvePath+"/keygen-init", map[string]any{}, &resp); err != nil {
			return nil, err
		}
		initIDs[i] = resp.KeygenID
	}

	keyIDs := make([]string, len(s.cfg.VertexURLs))
	errs := make([]error, len(s.cfg.VertexURLs))
	var wg sync.WaitGroup
	for i := range s.cfg.VertexURLs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			others := make([]string, 0, len(initIDs)-1)
			for j, id := range initIDs {
				if j != i {
					others = append(others, id)
				}
			}
			body := map[string]any{
				"room_uuid":         room.RoomUUID,
				"num_parties":       len(s.cfg.VertexURLs),
				"threshold":         s.cfg.SignThreshold,
				"others_keygen_ids": others,
			}
			var resp struct {
				KeyID string `json:"key_id"`
			}
			errs[i] = s.post(ctx, i, "/"+s.curvePath+"/keygen", body, &resp)
			keyIDs[i] = resp.KeyID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("sodot: keygen failed on vertex %d: %w", i, err)
		}
	}
	return keyIDs, nil
}
