package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fystack/omnisign/pkg/adamik"
	"github.com/fystack/omnisign/pkg/config"
	"github.com/fystack/omnisign/pkg/flow"
	"github.com/fystack/omnisign/pkg/logger"
	"github.com/fystack/omnisign/pkg/signer"
	"github.com/fystack/omnisign/pkg/types"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

func main() {
	app := &cli.Command{
		Name:  "omnisign",
		Usage: "Move funds across chains through pluggable custody signers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "chain",
				Aliases: []string{"c"},
				Usage:   "Chain id (e.g. ethereum, bitcoin, ton)",
			},
			&cli.StringFlag{
				Name:    "signer",
				Aliases: []string{"s"},
				Value:   string(signer.KindLocal),
				Usage:   fmt.Sprintf("Signer backend (%s)", kindList()),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "chains",
				Usage:  "List the chains the API supports",
				Action: runChains,
			},
			{
				Name:   "address",
				Usage:  "Derive the signer's address on a chain",
				Action: runAddress,
			},
			{
				Name:   "balance",
				Usage:  "Show the signer's balances on a chain",
				Action: runBalance,
			},
			{
				Name:  "transfer",
				Usage: "Build, verify, sign and broadcast a transaction",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mode",
						Value: string(types.ModeTransfer),
						Usage: "transfer, transferToken, stake, unstake or claimRewards",
					},
					&cli.StringFlag{
						Name:    "recipient",
						Aliases: []string{"r"},
						Usage:   "Recipient address",
					},
					&cli.StringFlag{
						Name:    "amount",
						Aliases: []string{"a"},
						Usage:   "Amount in the chain's base unit",
					},
					&cli.BoolFlag{
						Name:  "max",
						Usage: "Sweep the full available balance",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "Token id for transferToken",
					},
					&cli.StringFlag{
						Name:  "validator",
						Usage: "Validator address for staking modes",
					},
					&cli.StringFlag{
						Name:  "target-validator",
						Usage: "Target validator for redelegation",
					},
					&cli.StringFlag{
						Name:  "memo",
						Usage: "Optional memo",
					},
					&cli.BoolFlag{
						Name:  "strict-verify",
						Usage: "Refuse to sign when only partial verification is possible",
					},
					&cli.BoolFlag{
						Name:  "deploy-account",
						Usage: "Deploy the sender account first if the chain reports it missing",
					},
				},
				Action: runTransfer,
			},
			{
				Name:      "status",
				Usage:     "Look a broadcast transaction up by hash",
				ArgsUsage: "<hash>",
				Action:    runStatus,
			},
			{
				Name:   "keygen",
				Usage:  "Generate a remote key and print the ids to export",
				Action: runKeygen,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func kindList() string {
	return strings.Join(lo.Map(signer.Kinds(), func(k signer.Kind, _ int) string {
		return string(k)
	}), ", ")
}

func setup() *config.AppConfig {
	config.InitViperConfig()
	cfg := config.LoadConfig()
	logger.Init(cfg.Environment)
	logger.Debug("Loaded configuration: " + cfg.MarshalJSONMask())
	return cfg
}

func runChains(ctx context.Context, c *cli.Command) error {
	cfg := setup()
	client, err := adamik.NewClient(cfg.Adamik)
	if err != nil {
		return err
	}
	chains, err := client.GetChains(ctx)
	if err != nil {
		return err
	}

	ids := lo.Keys(chains)
	sort.Strings(ids)
	for _, id := range ids {
		chain := chains[id]
		fmt.Printf("%-24s %-8s %s (%s, decimals=%d)\n",
			id, chain.Ticker, chain.Name, chain.SignerSpec.Curve, chain.Decimals)
	}
	return nil
}

// buildFlow wires the client, chain metadata and signer for one command.
func buildFlow(ctx context.Context, c *cli.Command) (*flow.Flow, *types.Chain, error) {
	cfg := setup()
	chainID := c.String("chain")
	if chainID == "" {
		return nil, nil, fmt.Errorf("missing --chain")
	}

	client, err := adamik.NewClient(cfg.Adamik)
	if err != nil {
		return nil, nil, err
	}
	chain, err := client.GetChain(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}

	kind := signer.Kind(c.String("signer"))
	if kind == signer.KindLocal {
		if err := promptMnemonicPassword(cfg); err != nil {
			return nil, nil, err
		}
	}
	s, err := signer.New(kind, chain.ID, chain.SignerSpec, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Signer ready", "backend", s.Name(), "chain", chain.ID, "curve", chain.SignerSpec.Curve)

	f := flow.New(client, chain, s, flow.Options{
		StrictVerify: c.Bool("strict-verify"),
		AutoDeploy:   c.Bool("deploy-account"),
	})
	return f, chain, nil
}

// promptMnemonicPassword asks for the decryption password when the
// mnemonic file is age-encrypted and no password came from the
// environment.
func promptMnemonicPassword(cfg *config.AppConfig) error {
	if cfg.Local.Password != "" || !strings.HasSuffix(cfg.Local.MnemonicFile, ".age") {
		return nil
	}
	fmt.Print("Enter mnemonic password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cfg.Local.Password = string(password)
	return nil
}

func runAddress(ctx context.Context, c *cli.Command) error {
	f, chain, err := buildFlow(ctx, c)
	if err != nil {
		return err
	}
	pubKey, address, err := f.SenderAddress(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("chain:   %s\n", chain.ID)
	fmt.Printf("pubkey:  %s\n", pubKey)
	fmt.Printf("address: %s\n", address)
	return nil
}

func runBalance(ctx context.Context, c *cli.Command) error {
	f, chain, err := buildFlow(ctx, c)
	if err != nil {
		return err
	}
	_, address, err := f.SenderAddress(ctx)
	if err != nil {
		return err
	}
	state, err := f.AccountState(ctx, address)
	if err != nil {
		return err
	}

	fmt.Printf("address: %s\n", address)
	fmt.Printf("native:  %s %s (total %s)\n",
		state.Balances.Native.Available, chain.Ticker, state.Balances.Native.Total)
	for _, token := range state.Balances.Tokens {
		fmt.Printf("token:   %s %s (%s)\n", token.Amount, token.Ticker, token.TokenID)
	}
	for _, pos := range state.Balances.Staking {
		fmt.Printf("staked:  %s with %s (%s)\n", pos.Amount, pos.ValidatorAddress, pos.Status)
	}
	return nil
}

func runTransfer(ctx context.Context, c *cli.Command) error {
	f, chain, err := buildFlow(ctx, c)
	if err != nil {
		return err
	}
	pubKey, address, err := f.SenderAddress(ctx)
	if err != nil {
		return err
	}

	intent := types.TransactionIntent{
		Mode:                   types.TransactionMode(c.String("mode")),
		SenderAddress:          address,
		SenderPubKey:           pubKey,
		RecipientAddress:       c.String("recipient"),
		Amount:                 c.String("amount"),
		UseMaxAmount:           c.Bool("max"),
		TokenID:                c.String("token"),
		ValidatorAddress:       c.String("validator"),
		TargetValidatorAddress: c.String("target-validator"),
		Memo:                   c.String("memo"),
	}
	if err := validateIntent(intent); err != nil {
		return err
	}

	hash, err := f.Execute(ctx, intent)
	if err != nil {
		return err
	}
	fmt.Printf("broadcast %s: %s\n", chain.ID, hash)
	return nil
}

func validateIntent(intent types.TransactionIntent) error {
	switch intent.Mode {
	case types.ModeTransfer, types.ModeTransferToken:
		if intent.RecipientAddress == "" {
			return fmt.Errorf("missing --recipient")
		}
		if intent.Amount == "" && !intent.UseMaxAmount {
			return fmt.Errorf("missing --amount (or --max)")
		}
		if intent.Mode == types.ModeTransferToken && intent.TokenID == "" {
			return fmt.Errorf("missing --token")
		}
	case types.ModeStake, types.ModeUnstake, types.ModeClaimRewards:
		if intent.ValidatorAddress == "" {
			return fmt.Errorf("missing --validator")
		}
	default:
		return fmt.Errorf("unknown mode %q", intent.Mode)
	}
	return nil
}

func runStatus(ctx context.Context, c *cli.Command) error {
	hash := c.Args().First()
	if hash == "" {
		return fmt.Errorf("missing transaction hash argument")
	}
	cfg := setup()
	chainID := c.String("chain")
	if chainID == "" {
		return fmt.Errorf("missing --chain")
	}
	client, err := adamik.NewClient(cfg.Adamik)
	if err != nil {
		return err
	}
	detail, err := client.GetTransaction(ctx, chainID, hash)
	if err != nil {
		return err
	}
	fmt.Printf("id:     %s\n", detail.Parsed.ID)
	fmt.Printf("mode:   %s\n", detail.Parsed.Mode)
	fmt.Printf("state:  %s\n", detail.Parsed.State)
	fmt.Printf("amount: %s\n", detail.Parsed.Amount)
	fmt.Printf("fees:   %s\n", detail.Parsed.Fees)
	return nil
}

func runKeygen(ctx context.Context, c *cli.Command) error {
	cfg := setup()
	chainID := c.String("chain")
	if chainID == "" {
		return fmt.Errorf("missing --chain")
	}
	client, err := adamik.NewClient(cfg.Adamik)
	if err != nil {
		return err
	}
	chain, err := client.GetChain(ctx, chainID)
	if err != nil {
		return err
	}
	s, err := signer.New(signer.Kind(c.String("signer")), chain.ID, chain.SignerSpec, cfg)
	if err != nil {
		return err
	}

	switch backend := s.(type) {
	case *signer.SodotSigner:
		keyIDs, err := backend.Keygen(ctx)
		if err != nil {
			return err
		}
		variable := "SODOT_ECDSA_KEY_IDS"
		if chain.SignerSpec.Curve == types.CurveEd25519 {
			variable = "SODOT_ED25519_KEY_IDS"
		}
		fmt.Printf("export %s=%s\n", variable, strings.Join(keyIDs, ","))
	case *signer.TSMSigner:
		keyID, err := backend.Keygen(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("export TSM_KEY_ID=%s\n", keyID)
	default:
		return fmt.Errorf("signer %q does not support keygen, keys are managed by the provider", s.Name())
	}
	return nil
}
