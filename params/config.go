package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Ledger backends
const (
	LedgerMemory = "memory" // in-process ERC-20 ledger (devnet, demos)
	LedgerRPC    = "rpc"    // JSON-RPC node, real ERC-20 contracts
)

// Token describes one side of the pair as the external ledger sees it.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32 // smallest-unit precision declared by the token contract
}

type Ledger struct {
	Mode       string
	RPCURL     string
	ChainID    int64
	PrivateKey string // hex, with or without 0x

	// CallTimeout bounds every balance/allowance/approve/transfer call.
	// A call that neither confirms nor rejects inside it surfaces as a timeout.
	CallTimeout  time.Duration
	PollInterval time.Duration // receipt polling for submitted transactions

	// DevMint is credited to the desk wallet on both tokens in memory mode.
	DevMint string
}

type Desk struct {
	// Spender receives the approval. Zero means the counter-order's owner.
	Spender        common.Address
	ProtocolFeeBps int64
	VolumeWindow   time.Duration
	JournalPath    string // empty disables the pebble journal
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Config struct {
	Token   Token // traded token (GLW)
	Stable  Token // quote stablecoin (USDC)
	Ledger  Ledger
	Desk    Desk
	API     API
	LogFile string
}

func Default() Config {
	return Config{
		Token: Token{
			Symbol:   "GLW",
			Address:  common.HexToAddress("0xf4fbc617a5733eaaf9af08e1ab816b103388d8b6"),
			Decimals: 18,
		},
		Stable: Token{
			Symbol:   "USDC",
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
		},
		Ledger: Ledger{
			Mode:         LedgerMemory,
			ChainID:      1, // Ethereum mainnet
			CallTimeout:  90 * time.Second,
			PollInterval: 2 * time.Second,
			DevMint:      "100000",
		},
		Desk: Desk{
			Spender:        common.HexToAddress("0x1234567890123456789012345678901234567890"),
			ProtocolFeeBps: 10,
			VolumeWindow:   24 * time.Hour,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		LogFile: "data/glwdesk.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Token = tokenFromEnv("TOKEN", cfg.Token)
	cfg.Stable = tokenFromEnv("STABLE", cfg.Stable)

	cfg.Ledger.Mode = getEnv("LEDGER_MODE", cfg.Ledger.Mode)
	cfg.Ledger.RPCURL = getEnv("RPC_URL", cfg.Ledger.RPCURL)
	cfg.Ledger.PrivateKey = getEnv("PRIVATE_KEY", cfg.Ledger.PrivateKey)
	cfg.Ledger.DevMint = getEnv("DEV_MINT", cfg.Ledger.DevMint)
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Ledger.ChainID = n
		}
	}
	cfg.Ledger.CallTimeout = durationMs("LEDGER_CALL_TIMEOUT_MS", cfg.Ledger.CallTimeout)
	cfg.Ledger.PollInterval = durationMs("LEDGER_POLL_INTERVAL_MS", cfg.Ledger.PollInterval)

	if spender := os.Getenv("SETTLEMENT_SPENDER"); spender != "" && common.IsHexAddress(spender) {
		cfg.Desk.Spender = common.HexToAddress(spender)
	}
	if fee := os.Getenv("PROTOCOL_FEE_BPS"); fee != "" {
		if bps, err := strconv.ParseInt(fee, 10, 64); err == nil && bps >= 0 {
			cfg.Desk.ProtocolFeeBps = bps
		}
	}
	if hours := os.Getenv("VOLUME_WINDOW_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil && h > 0 {
			cfg.Desk.VolumeWindow = time.Duration(h) * time.Hour
		}
	}
	cfg.Desk.JournalPath = getEnv("JOURNAL_PATH", cfg.Desk.JournalPath)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = strings.Split(origins, ",")
	}

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	return cfg
}

func tokenFromEnv(prefix string, def Token) Token {
	t := def
	t.Symbol = getEnv(prefix+"_SYMBOL", t.Symbol)
	if addr := os.Getenv(prefix + "_ADDRESS"); addr != "" && common.IsHexAddress(addr) {
		t.Address = common.HexToAddress(addr)
	}
	if dec := os.Getenv(prefix + "_DECIMALS"); dec != "" {
		if d, err := strconv.Atoi(dec); err == nil && d >= 0 && d <= 36 {
			t.Decimals = int32(d)
		}
	}
	return t
}

func durationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
