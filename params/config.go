package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Engine holds the immutable exchange parameters fixed at construction.
type Engine struct {
	// Address is the custody account the engine uses on every token ledger.
	Address common.Address
	// FeeAccount receives the fee cut of every fill.
	FeeAccount common.Address
	// FeePercent is the integer percentage of the filler's "get" amount
	// charged on top of the trade.
	FeePercent uint64
}

// TokenSpec describes a token ledger created at startup. Supply is in whole
// tokens; it is scaled by 18 decimals at mint time.
type TokenSpec struct {
	Address common.Address
	Name    string
	Symbol  string
	Supply  uint64
}

type Node struct {
	ListenAddr string // API listen address
	DBPath     string // pebble database directory
	LogFile    string // "" = console only
	// Deployer receives the initial supply of every configured token.
	Deployer common.Address
	Tokens   []TokenSpec
}

type Config struct {
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			Address:    common.HexToAddress("0xE5C10000000000000000000000000000000000E5"),
			FeeAccount: common.HexToAddress("0x0FEE000000000000000000000000000000000FEE"),
			FeePercent: 10,
		},
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/exchange.db",
			LogFile:    "data/node.log",
			Deployer:   common.HexToAddress("0xDE90000000000000000000000000000000000001"),
			Tokens: []TokenSpec{
				{Address: common.HexToAddress("0x1000000000000000000000000000000000000001"), Name: "Token name", Symbol: "TN", Supply: 1_000_000},
				{Address: common.HexToAddress("0x1000000000000000000000000000000000000002"), Name: "Fake Ether", Symbol: "FETH", Supply: 1_000_000},
			},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("EXCHANGE_ADDRESS"); common.IsHexAddress(addr) {
		cfg.Engine.Address = common.HexToAddress(addr)
	}
	if addr := os.Getenv("FEE_ACCOUNT"); common.IsHexAddress(addr) {
		cfg.Engine.FeeAccount = common.HexToAddress(addr)
	}
	if pct := os.Getenv("FEE_PERCENT"); pct != "" {
		if n, err := strconv.ParseUint(pct, 10, 64); err == nil {
			cfg.Engine.FeePercent = n
		}
	}

	if listen := os.Getenv("LISTEN_ADDR"); listen != "" {
		cfg.Node.ListenAddr = listen
	}
	if db := os.Getenv("DB_PATH"); db != "" {
		cfg.Node.DBPath = db
	}
	if lf := os.Getenv("LOG_FILE"); lf != "" {
		cfg.Node.LogFile = lf
	}
	if addr := os.Getenv("DEPLOYER"); common.IsHexAddress(addr) {
		cfg.Node.Deployer = common.HexToAddress(addr)
	}

	// Token list: "address:name:symbol:supply,address:name:symbol:supply"
	if spec := os.Getenv("TOKENS"); spec != "" {
		if tokens := parseTokens(spec); len(tokens) > 0 {
			cfg.Node.Tokens = tokens
		}
	}

	return cfg
}

func parseTokens(spec string) []TokenSpec {
	var tokens []TokenSpec
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 || !common.IsHexAddress(parts[0]) {
			continue
		}
		supply, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, TokenSpec{
			Address: common.HexToAddress(parts[0]),
			Name:    parts[1],
			Symbol:  parts[2],
			Supply:  supply,
		})
	}
	return tokens
}
