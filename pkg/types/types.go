package types

// Curve identifies the elliptic curve a chain signs with.
type Curve string

const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
	CurveStark     Curve = "stark"
)

// HashFunction identifies the digest the chain expects over the signing payload.
type HashFunction string

const (
	HashSHA256     HashFunction = "sha256"
	HashKeccak256  HashFunction = "keccak256"
	HashPedersen   HashFunction = "pedersen"
	HashSHA512_256 HashFunction = "sha512_256"
	HashNone       HashFunction = "none"
)

// SignatureFormat is the wire layout of the final signature blob.
type SignatureFormat string

const (
	FormatRS  SignatureFormat = "rs"
	FormatRSV SignatureFormat = "rsv"
)

// SignerSpec is supplied by the chain-abstraction API per chain and is
// immutable. It dictates which backend code paths are legal for the chain.
type SignerSpec struct {
	Curve           Curve           `json:"curve" mapstructure:"curve"`
	HashFunction    HashFunction    `json:"hashFunction" mapstructure:"hashFunction"`
	SignatureFormat SignatureFormat `json:"signatureFormat" mapstructure:"signatureFormat"`
	CoinType        string          `json:"coinType" mapstructure:"coinType"`
}

// Chain is the metadata the API exposes for one supported chain.
type Chain struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Family            string     `json:"family"`
	Ticker            string     `json:"ticker"`
	Decimals          int        `json:"decimals"`
	SignerSpec        SignerSpec `json:"signerSpec"`
	SupportedFeatures Features   `json:"supportedFeatures"`
}

type Features struct {
	Read  map[string]bool `json:"read"`
	Write map[string]bool `json:"write"`
}

// TransactionMode is the operation the operator requested.
type TransactionMode string

const (
	ModeTransfer      TransactionMode = "transfer"
	ModeTransferToken TransactionMode = "transferToken"
	ModeStake         TransactionMode = "stake"
	ModeUnstake       TransactionMode = "unstake"
	ModeClaimRewards  TransactionMode = "claimRewards"
	ModeDeployAccount TransactionMode = "deployAccount"
)

// TransactionIntent is the operator's original structured request. It is
// the ground truth the verification guard checks the API's echo against.
// Created once, never mutated.
type TransactionIntent struct {
	Mode                   TransactionMode `json:"mode"`
	SenderAddress          string          `json:"senderAddress"`
	SenderPubKey           string          `json:"senderPubKey,omitempty"`
	RecipientAddress       string          `json:"recipientAddress,omitempty"`
	Amount                 string          `json:"amount,omitempty"`
	UseMaxAmount           bool            `json:"useMaxAmount,omitempty"`
	TokenID                string          `json:"tokenId,omitempty"`
	ValidatorAddress       string          `json:"validatorAddress,omitempty"`
	TargetValidatorAddress string          `json:"targetValidatorAddress,omitempty"`
	Memo                   string          `json:"memo,omitempty"`
}

// TransactionData is the transaction body exchanged with the API, both on
// encode requests and inside the API's echoed response.
type TransactionData struct {
	Mode                   TransactionMode `json:"mode"`
	SenderAddress          string          `json:"senderAddress"`
	SenderPubKey           string          `json:"senderPubKey,omitempty"`
	RecipientAddress       string          `json:"recipientAddress,omitempty"`
	Amount                 string          `json:"amount,omitempty"`
	UseMaxAmount           bool            `json:"useMaxAmount,omitempty"`
	TokenID                string          `json:"tokenId,omitempty"`
	ValidatorAddress       string          `json:"validatorAddress,omitempty"`
	TargetValidatorAddress string          `json:"targetValidatorAddress,omitempty"`
	Memo                   string          `json:"memo,omitempty"`
	Nonce                  string          `json:"nonce,omitempty"`
	Fees                   string          `json:"fees,omitempty"`
}

// Data returns the wire body for an intent.
func (i TransactionIntent) Data() TransactionData {
	return TransactionData{
		Mode:                   i.Mode,
		SenderAddress:          i.SenderAddress,
		SenderPubKey:           i.SenderPubKey,
		RecipientAddress:       i.RecipientAddress,
		Amount:                 i.Amount,
		UseMaxAmount:           i.UseMaxAmount,
		TokenID:                i.TokenID,
		ValidatorAddress:       i.ValidatorAddress,
		TargetValidatorAddress: i.TargetValidatorAddress,
		Memo:                   i.Memo,
	}
}

// EncodedValue is one encoding the API produced for a transaction.
type EncodedValue struct {
	Format string `json:"format"`
	Value  string `json:"value"`
}

// EncodedItem pairs an optional precomputed hash with the raw bytes it was
// computed over. At least one of the two must be usable by the active signer.
type EncodedItem struct {
	Hash *EncodedValue `json:"hash,omitempty"`
	Raw  *EncodedValue `json:"raw,omitempty"`
}

// EncodedTransaction is the encode response body: the echoed transaction
// data plus one or more encodings a signer may consume.
type EncodedTransaction struct {
	Data    TransactionData `json:"data"`
	Encoded []EncodedItem   `json:"encoded"`
}
