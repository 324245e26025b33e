package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/glwdesk/params"
	"github.com/uhyunpark/glwdesk/pkg/api"
	"github.com/uhyunpark/glwdesk/pkg/app/desk"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
	"github.com/uhyunpark/glwdesk/pkg/metrics"
	"github.com/uhyunpark/glwdesk/pkg/storage"
	"github.com/uhyunpark/glwdesk/pkg/util"
	"github.com/uhyunpark/glwdesk/pkg/wallet"
)

func main() {
	if err := NewCLI().root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root     *cobra.Command
	envPath  string
	logLevel string
}

func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:           "glwdesk",
		Short:         "Peer-to-peer GLW/USDC order desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.root.PersistentFlags().StringVar(&cli.envPath, "env", "", "Path to a .env file (default: ./.env if present)")
	cli.root.PersistentFlags().StringVar(&cli.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the desk with its HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fund, err := cmd.Flags().GetStringSlice("fund")
			if err != nil {
				return err
			}
			return cli.serve(fund)
		},
	}
	serve.Flags().StringSlice("fund", nil, "Extra addresses credited with DEV_MINT in memory mode")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a wallet key for PRIVATE_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address:     %s\nprivate key: %s\n", w.Address().Hex(), w.PrivateKeyHex())
			return nil
		},
	}

	cli.root.AddCommand(serve, keygen)
	return cli
}

// serve wires config, ledgers, wallet, journal and API, then blocks until
// SIGINT/SIGTERM.
func (cli *CLI) serve(fund []string) error {
	cfg := params.LoadFromEnv(cli.envPath)

	logger, closeLog, err := util.NewLoggerWithFile(cfg.LogFile, cli.logLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()
	logger.Infow("logger_initialized", "log_file", cfg.LogFile, "ledger_mode", cfg.Ledger.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("glwdesk")
	token := ledger.Token(cfg.Token)
	stable := ledger.Token(cfg.Stable)

	var (
		tokenLedger, stableLedger ledger.Binder
		provider                  wallet.Provider
		connector                 api.Connector
	)
	switch cfg.Ledger.Mode {
	case params.LedgerMemory:
		tokenMem, stableMem := ledger.NewMemory(token), ledger.NewMemory(stable)
		session := wallet.NewSession()
		dev, err := devWallet(cfg.Ledger.PrivateKey)
		if err != nil {
			return err
		}
		session.Connect(dev.Address())

		addrs := []common.Address{dev.Address()}
		for _, a := range fund {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("--fund: invalid address %q", a)
			}
			addrs = append(addrs, common.HexToAddress(a))
		}
		if err := devMint(cfg.Ledger.DevMint, addrs, tokenMem, stableMem); err != nil {
			return err
		}
		logger.Infow("memory_ledger_ready", "wallet", dev.Address().Hex(), "funded", len(addrs), "mint", cfg.Ledger.DevMint)

		tokenLedger, stableLedger = tokenMem, stableMem
		provider, connector = session, session

	case params.LedgerRPC:
		if cfg.Ledger.RPCURL == "" || cfg.Ledger.PrivateKey == "" {
			return errors.New("rpc mode needs RPC_URL and PRIVATE_KEY")
		}
		key, err := wallet.FromPrivateKeyHex(cfg.Ledger.PrivateKey)
		if err != nil {
			return err
		}
		client, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Ledger.RPCURL, err)
		}
		defer client.Close()

		opts := ledger.ERC20Options{ChainID: cfg.Ledger.ChainID, PollInterval: cfg.Ledger.PollInterval}
		tokenERC20, err := ledger.DialERC20(ctx, client, token, key, opts)
		if err != nil {
			return err
		}
		stableERC20, err := ledger.DialERC20(ctx, client, stable, key, opts)
		if err != nil {
			return err
		}
		if onChain, err := tokenERC20.Decimals(ctx); err == nil && onChain != token.Decimals {
			logger.Warnw("token_decimals_mismatch", "symbol", token.Symbol, "configured", token.Decimals, "contract", onChain)
		}
		logger.Infow("rpc_ledger_ready", "chain_id", cfg.Ledger.ChainID, "wallet", key.Address().Hex())

		tokenLedger, stableLedger = tokenERC20, stableERC20
		provider = key

	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", cfg.Ledger.Mode)
	}

	var journal desk.Journal = storage.NopJournal{}
	if cfg.Desk.JournalPath != "" {
		pj, err := storage.NewPebbleJournal(cfg.Desk.JournalPath)
		if err != nil {
			return err
		}
		defer pj.Close()
		journal = pj
	}

	d, err := desk.New(desk.Config{
		Token:        token,
		Stable:       stable,
		TokenLedger:  m.InstrumentBinder(token.Symbol, tokenLedger),
		StableLedger: m.InstrumentBinder(stable.Symbol, stableLedger),
		Wallet:       provider,
		Spender:      cfg.Desk.Spender,
		CallTimeout:  cfg.Ledger.CallTimeout,
		FeeBps:       cfg.Desk.ProtocolFeeBps,
		VolumeWindow: cfg.Desk.VolumeWindow,
		Journal:      journal,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := d.Restore(); err != nil {
		return err
	}

	srv := api.NewServer(d, api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Connector:   connector,
		Metrics:     m,
		Logger:      logger,
	})
	if err := srv.Start(ctx, cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Infow("shutdown_complete")
	return nil
}

func devWallet(hexKey string) (*wallet.KeyWallet, error) {
	if hexKey != "" {
		return wallet.FromPrivateKeyHex(hexKey)
	}
	return wallet.GenerateKey()
}

// devMint credits every address with amount of both tokens.
func devMint(amount string, addrs []common.Address, ledgers ...*ledger.Memory) error {
	if amount == "" {
		return nil
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("DEV_MINT: %w", err)
	}
	for _, l := range ledgers {
		units, err := ledger.Scale(v, l.Token().Decimals)
		if err != nil {
			return fmt.Errorf("DEV_MINT: %w", err)
		}
		for _, a := range addrs {
			l.Mint(a, units)
		}
	}
	return nil
}
