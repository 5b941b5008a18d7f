package config

import (
	"encoding/json"
	stderrors "errors"
	"log"
	"strings"
	"time"

	"github.com/fystack/omnisign/pkg/common/errors"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// AppConfig collects every backend's configuration into one immutable
// struct, constructed once at startup. Signer constructors validate the
// slice they need eagerly and fail fast on missing credentials.
type AppConfig struct {
	Environment string `mapstructure:"environment"`

	Adamik   AdamikConfig   `mapstructure:"adamik"`
	Local    LocalConfig    `mapstructure:"local"`
	Turnkey  TurnkeyConfig  `mapstructure:"turnkey"`
	Dfns     DfnsConfig     `mapstructure:"dfns"`
	Sodot    SodotConfig    `mapstructure:"sodot"`
	IoFinnet IoFinnetConfig `mapstructure:"iofinnet"`
	TSM      TSMConfig      `mapstructure:"tsm"`
}

// AdamikConfig points at the remote chain-abstraction API.
type AdamikConfig struct {
	BaseURL string `mapstructure:"api_base_url"`
	APIKey  string `mapstructure:"api_key"`
}

func (c AdamikConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.MissingConfig("adamik", "ADAMIK_API_BASE_URL")
	}
	if c.APIKey == "" {
		return errors.MissingConfig("adamik", "ADAMIK_API_KEY")
	}
	return nil
}

// LocalConfig configures the insecure in-process mnemonic signer used for
// testing. The mnemonic may be inline or in a file; a ".age" file is
// decrypted with the password.
type LocalConfig struct {
	Mnemonic     string `mapstructure:"mnemonic"`
	MnemonicFile string `mapstructure:"mnemonic_file"`
	Password     string `mapstructure:"mnemonic_password"`
}

func (c LocalConfig) Validate() error {
	if c.Mnemonic == "" && c.MnemonicFile == "" {
		return errors.MissingConfig("local", "LOCAL_MNEMONIC")
	}
	return nil
}

type TurnkeyConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	OrganizationID string `mapstructure:"organization_id"`
	APIPublicKey   string `mapstructure:"api_public_key"`
	APIPrivateKey  string `mapstructure:"api_private_key"`
	WalletID       string `mapstructure:"wallet_id"`
}

func (c TurnkeyConfig) Validate() error {
	switch {
	case c.OrganizationID == "":
		return errors.MissingConfig("turnkey", "TURNKEY_ORGANIZATION_ID")
	case c.APIPublicKey == "":
		return errors.MissingConfig("turnkey", "TURNKEY_API_PUBLIC_KEY")
	case c.APIPrivateKey == "":
		return errors.MissingConfig("turnkey", "TURNKEY_API_PRIVATE_KEY")
	}
	return nil
}

type DfnsConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AppID          string `mapstructure:"app_id"`
	AuthToken      string `mapstructure:"auth_token"`
	CredID         string `mapstructure:"cred_id"`
	PrivateKeyPEM  string `mapstructure:"private_key"`
	WalletID       string `mapstructure:"wallet_id"`
	BTCAddressType string `mapstructure:"btc_address_type"`
}

func (c DfnsConfig) Validate() error {
	switch {
	case c.AppID == "":
		return errors.MissingConfig("dfns", "DFNS_APP_ID")
	case c.AuthToken == "":
		return errors.MissingConfig("dfns", "DFNS_AUTH_TOKEN")
	case c.WalletID == "":
		return errors.MissingConfig("dfns", "DFNS_WALLET_ID")
	}
	return nil
}

// SodotConfig describes the threshold-signing vertex pool. Key IDs are
// produced once by keygen and exported by the operator for reuse.
type SodotConfig struct {
	VertexURLs    []string `mapstructure:"vertex_urls"`
	VertexAPIKeys []string `mapstructure:"vertex_api_keys"`
	EcdsaKeyIDs   []string `mapstructure:"ecdsa_key_ids"`
	Ed25519KeyIDs []string `mapstructure:"ed25519_key_ids"`
	SignThreshold int      `mapstructure:"sign_threshold"`
}

func (c SodotConfig) Validate() error {
	if len(c.VertexURLs) == 0 {
		return errors.MissingConfig("sodot", "SODOT_VERTEX_URLS")
	}
	if len(c.VertexAPIKeys) != len(c.VertexURLs) {
		return errors.InvalidConfig("sodot", "SODOT_VERTEX_API_KEYS must match SODOT_VERTEX_URLS in length")
	}
	return nil
}

type IoFinnetConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIToken     string        `mapstructure:"api_token"`
	VaultID      string        `mapstructure:"vault_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

func (c IoFinnetConfig) Validate() error {
	switch {
	case c.APIToken == "":
		return errors.MissingConfig("iofinnet", "IOFINNET_API_TOKEN")
	case c.VaultID == "":
		return errors.MissingConfig("iofinnet", "IOFINNET_VAULT_ID")
	}
	return nil
}

// TSMConfig configures the Blockdaemon TSM subprocess bridge. The client
// TLS material may be file paths or raw PEM content; raw content is
// written to temp files for the duration of one call.
type TSMConfig struct {
	Binary            string `mapstructure:"binary"`
	NodeURL           string `mapstructure:"node_url"`
	KeyID             string `mapstructure:"key_id"`
	ClientCertFile    string `mapstructure:"client_cert_file"`
	ClientKeyFile     string `mapstructure:"client_key_file"`
	ClientCertContent string `mapstructure:"client_cert"`
	ClientKeyContent  string `mapstructure:"client_key"`
}

func (c TSMConfig) Validate() error {
	if c.Binary == "" {
		return errors.MissingConfig("tsm", "TSM_BINARY")
	}
	if c.ClientCertFile == "" && c.ClientCertContent == "" {
		return errors.MissingConfig("tsm", "TSM_CLIENT_CERT_FILE")
	}
	if c.ClientKeyFile == "" && c.ClientKeyContent == "" {
		return errors.MissingConfig("tsm", "TSM_CLIENT_KEY_FILE")
	}
	return nil
}

// MarshalJSONMask serializes the config with secrets starred out, for
// startup logging.
func (c AppConfig) MarshalJSONMask() string {
	c.Adamik.APIKey = mask(c.Adamik.APIKey)
	c.Local.Mnemonic = mask(c.Local.Mnemonic)
	c.Local.Password = mask(c.Local.Password)
	c.Turnkey.APIPrivateKey = mask(c.Turnkey.APIPrivateKey)
	c.Dfns.AuthToken = mask(c.Dfns.AuthToken)
	c.Dfns.PrivateKeyPEM = mask(c.Dfns.PrivateKeyPEM)
	c.IoFinnet.APIToken = mask(c.IoFinnet.APIToken)
	c.TSM.ClientKeyContent = mask(c.TSM.ClientKeyContent)
	for i := range c.Sodot.VertexAPIKeys {
		c.Sodot.VertexAPIKeys[i] = mask(c.Sodot.VertexAPIKeys[i])
	}

	bytes, err := json.Marshal(c)
	if err != nil {
		logger.Error("Failed to marshal app config", err)
	}
	return string(bytes)
}

func mask(s string) string {
	return strings.Repeat("*", len(s))
}

// InitViperConfig wires viper to the environment and an optional
// config.yaml in the working directory.
func InitViperConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// env-only operation is fine; the config file is optional
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			log.Fatal("Fatal error config file: ", err)
		}
	}

	setDefaults()
	bindEnvKeys()
}

// bindEnvKeys binds every decoded key explicitly. AutomaticEnv only
// makes env values visible to Get, not to AllSettings, so without the
// bindings a run with no config file would decode every
// environment-supplied credential to its zero value.
func bindEnvKeys() {
	keys := []string{
		"environment",
		"adamik.api_base_url",
		"adamik.api_key",
		"local.mnemonic",
		"local.mnemonic_file",
		"local.mnemonic_password",
		"turnkey.base_url",
		"turnkey.organization_id",
		"turnkey.api_public_key",
		"turnkey.api_private_key",
		"turnkey.wallet_id",
		"dfns.base_url",
		"dfns.app_id",
		"dfns.auth_token",
		"dfns.cred_id",
		"dfns.private_key",
		"dfns.wallet_id",
		"dfns.btc_address_type",
		"sodot.vertex_urls",
		"sodot.vertex_api_keys",
		"sodot.ecdsa_key_ids",
		"sodot.ed25519_key_ids",
		"sodot.sign_threshold",
		"iofinnet.base_url",
		"iofinnet.api_token",
		"iofinnet.vault_id",
		"iofinnet.poll_interval",
		"iofinnet.poll_attempts",
		"tsm.binary",
		"tsm.node_url",
		"tsm.key_id",
		"tsm.client_cert_file",
		"tsm.client_key_file",
		"tsm.client_cert",
		"tsm.client_key",
	}
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("adamik.api_base_url", "https://api.adamik.io")
	viper.SetDefault("turnkey.base_url", "https://api.turnkey.com")
	viper.SetDefault("dfns.base_url", "https://api.dfns.io")
	viper.SetDefault("iofinnet.base_url", "https://api.iofinnet.com")
	viper.SetDefault("iofinnet.poll_interval", "10s")
	viper.SetDefault("iofinnet.poll_attempts", 60)
	viper.SetDefault("tsm.binary", "tsm-client")
	viper.SetDefault("sodot.sign_threshold", 2)
	viper.SetDefault("dfns.btc_address_type", "p2wpkh")
}

func LoadConfig() *AppConfig {
	var config AppConfig
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &config,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		log.Fatal("Failed to create decoder", err)
	}

	if err := decoder.Decode(viper.AllSettings()); err != nil {
		log.Fatal("Failed to decode config", err)
	}

	return &config
}
