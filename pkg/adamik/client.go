package adamik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/types"
)

// Client talks to the remote chain-abstraction API. The API is treated as
// untrusted infrastructure: callers must run the verification guard over
// its encode responses before signing anything it returns.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.AdamikConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// APIError is a domain-level failure: the API answered, possibly with
// HTTP 200, but status.errors was non-empty.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return "adamik: unknown API error"
	}
	return fmt.Sprintf("adamik: %s", e.Messages[0])
}

type Status struct {
	Errors   []StatusMessage `json:"errors"`
	Warnings []StatusMessage `json:"warnings"`
}

type StatusMessage struct {
	Message string `json:"message"`
}

func (s Status) err() error {
	if len(s.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		msgs = append(msgs, e.Message)
	}
	return &APIError{Messages: msgs}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "adamik: marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "adamik: build request")
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "adamik: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "adamik: read response")
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("adamik: %s %s: server error %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("adamik: %s %s: decode response (%d): %w", method, path, resp.StatusCode, err)
		}
	}

	if resp.StatusCode >= 400 {
		logger.Warn("API returned client error", "status", resp.StatusCode, "path", path)
	}
	return nil
}

type chainsResponse struct {
	Chains map[string]types.Chain `json:"chains"`
}

// GetChains lists every chain the API supports, keyed by chain id.
func (c *Client) GetChains(ctx context.Context) (map[string]types.Chain, error) {
	var resp chainsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chains", nil, &resp); err != nil {
		return nil, err
	}
	for id, chain := range resp.Chains {
		chain.ID = id
		resp.Chains[id] = chain
	}
	return resp.Chains, nil
}

// GetChain returns the metadata for one chain.
func (c *Client) GetChain(ctx context.Context, chainID string) (*types.Chain, error) {
	chains, err := c.GetChains(ctx)
	if err != nil {
		return nil, err
	}
	chain, ok := chains[chainID]
	if !ok {
		return nil, fmt.Errorf("adamik: chain %q is not supported", chainID)
	}
	return &chain, nil
}

// Address is one encoding of a public key on a chain. Chains like Bitcoin
// return several types (p2pkh, p2wpkh, p2tr) for the same key.
type Address struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

type encodeAddressRequest struct {
	PubKey string `json:"pubkey"`
}

type encodeAddressResponse struct {
	Addresses []Address `json:"addresses"`
	Status    Status    `json:"status"`
}

// EncodeAddress derives the chain addresses for a public key.
func (c *Client) EncodeAddress(ctx context.Context, chainID, pubkey string) ([]Address, error) {
	var resp encodeAddressResponse
	path := fmt.Sprintf("/api/%s/address/encode", chainID)
	if err := c.do(ctx, http.MethodPost, path, encodeAddressRequest{PubKey: pubkey}, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	if len(resp.Addresses) == 0 {
		return nil, errors.New("adamik: address encoding returned no addresses")
	}
	return resp.Addresses, nil
}

// Balance is the native-unit balance snapshot for an account.
type Balance struct {
	Available string `json:"available"`
	Total     string `json:"total"`
}

type TokenBalance struct {
	TokenID string `json:"tokenId"`
	Ticker  string `json:"ticker"`
	Amount  string `json:"amount"`
}

type StakingPosition struct {
	ValidatorAddress string `json:"validatorAddress"`
	Amount           string `json:"amount"`
	Status           string `json:"status"`
}

type AccountState struct {
	Balances struct {
		Native  Balance           `json:"native"`
		Tokens  []TokenBalance    `json:"tokens"`
		Staking []StakingPosition `json:"staking"`
	} `json:"balances"`
	Status Status `json:"status"`
}

// GetAccountState fetches the balance and staking snapshot for an address.
func (c *Client) GetAccountState(ctx context.Context, chainID, address string) (*AccountState, error) {
	var resp AccountState
	path := fmt.Sprintf("/api/%s/account/%s/state", chainID, address)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

type encodeTransactionRequest struct {
	Transaction struct {
		Data types.TransactionData `json:"data"`
	} `json:"transaction"`
}

type encodeTransactionResponse struct {
	Transaction types.EncodedTransaction `json:"transaction"`
	Status      Status                   `json:"status"`
}

// EncodeTransaction asks the API to encode a transaction body for its
// chain. The response echoes the body; the caller must verify the echo
// against the original intent before signing.
func (c *Client) EncodeTransaction(ctx context.Context, chainID string, data types.TransactionData) (*types.EncodedTransaction, error) {
	var req encodeTransactionRequest
	req.Transaction.Data = data

	var resp encodeTransactionResponse
	path := fmt.Sprintf("/api/%s/transaction/encode", chainID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	if len(resp.Transaction.Encoded) == 0 {
		return nil, errors.New("adamik: encode returned no signable encodings")
	}
	return &resp.Transaction, nil
}

type broadcastRequest struct {
	Transaction struct {
		Data      types.TransactionData `json:"data"`
		Encoded   []types.EncodedItem   `json:"encoded"`
		Signature string                `json:"signature"`
	} `json:"transaction"`
}

type broadcastResponse struct {
	Hash   string `json:"hash"`
	Status Status `json:"status"`
}

// Broadcast submits a signed transaction and returns its hash.
func (c *Client) Broadcast(ctx context.Context, chainID string, tx types.EncodedTransaction, signature string) (string, error) {
	var req broadcastRequest
	req.Transaction.Data = tx.Data
	req.Transaction.Encoded = tx.Encoded
	req.Transaction.Signature = signature

	var resp broadcastResponse
	path := fmt.Sprintf("/api/%s/transaction/broadcast", chainID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	if err := resp.Status.err(); err != nil {
		return resp.Hash, err
	}
	if resp.Hash == "" {
		return "", errors.New("adamik: broadcast returned no transaction hash")
	}
	return resp.Hash, nil
}

// TransactionDetail is the parsed view of a broadcast transaction.
type TransactionDetail struct {
	Parsed struct {
		ID     string `json:"id"`
		Mode   string `json:"mode"`
		State  string `json:"state"`
		Fees   string `json:"fees"`
		Amount string `json:"amount"`
	} `json:"parsed"`
	Status Status `json:"status"`
}

type transactionDetailResponse struct {
	Transaction TransactionDetail `json:"transaction"`
	Status      Status            `json:"status"`
}

// GetTransaction looks a transaction up by hash.
func (c *Client) GetTransaction(ctx context.Context, chainID, hash string) (*TransactionDetail, error) {
	var resp transactionDetailResponse
	path := fmt.Sprintf("/api/%s/transaction/%s", chainID, hash)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	return &resp.Transaction, nil
}
