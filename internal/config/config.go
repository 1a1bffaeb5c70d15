// Package config defines all configuration for the strategy execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with the
// operational keys from the deployment environment taking precedence:
// BASE_RPC_URL, TRAD_DELEGATE_ADDRESS, OPERATOR_PRIVATE_KEY, TRAD_ADMIN_TOKEN,
// MAX_ETH_PER_TRADE, MAX_ETH_PER_RUN, MAX_ETH_PER_DAY, MAX_TRADES_PER_RUN,
// DEFAULT_SLIPPAGE_BPS, DRY_RUN.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// DefaultRPCURL is the public mainnet endpoint used when BASE_RPC_URL is unset.
const DefaultRPCURL = "https://mainnet.base.org"

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Subgraph  SubgraphConfig  `mapstructure:"subgraph"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ChainConfig holds the RPC endpoint and execution-mode wiring.
// DelegateAddress plus OperatorKey enable delegate mode; a venue secret
// holding a hex key enables direct mode.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	DelegateAddress string        `mapstructure:"delegate_address"`
	OperatorKey     string        `mapstructure:"operator_key"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"` // default 1h, matches on-chain deadline
	EthUsdPrice     float64       `mapstructure:"eth_usd_price"`   // fixed conversion for market-cap reads
}

// RiskConfig sets pre-submission ceilings enforced by the executor.
// A zero value disables that ceiling.
type RiskConfig struct {
	MaxEthPerTrade  float64 `mapstructure:"max_eth_per_trade"`
	MaxEthPerRun    float64 `mapstructure:"max_eth_per_run"`
	MaxEthPerDay    float64 `mapstructure:"max_eth_per_day"`
	MaxTradesPerRun int     `mapstructure:"max_trades_per_run"`
	SlippageBps     int     `mapstructure:"default_slippage_bps"`
}

// SubgraphConfig points the market-data reader at the launchpad subgraph.
type SubgraphConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`      // default 10s
	MaxParallel int           `mapstructure:"max_parallel"` // concurrent reads per strategy, default 4
}

// LedgerConfig sets where the sqlite ledger lives.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// RuntimeConfig tunes the strategy runtime.
type RuntimeConfig struct {
	LogBufferLines int `mapstructure:"log_buffer_lines"` // per-run ring capacity, default 500
	MaxTickSteps   int `mapstructure:"max_tick_steps"`   // interpreter step budget per tick
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the control/dashboard HTTP server.
// AdminToken gates every state-changing route; when empty those routes refuse.
type DashboardConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

// Load reads config from a YAML file, then applies environment overrides.
// A missing file is not an error: every field has a workable default and the
// deployment environment is the primary configuration surface.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	cfg := defaults()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:         DefaultRPCURL,
			ReceiptTimeout: time.Hour,
			EthUsdPrice:    3000,
		},
		Risk: RiskConfig{
			MaxEthPerTrade: 0.1,
			SlippageBps:    100,
		},
		Subgraph: SubgraphConfig{
			Timeout:     10 * time.Second,
			MaxParallel: 4,
		},
		Ledger:  LedgerConfig{Path: "data/ledger.db"},
		Runtime: RuntimeConfig{LogBufferLines: 500, MaxTickSteps: 1_000_000},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    8787,
		},
	}
}

func applyEnv(cfg *Config) {
	if s := os.Getenv("BASE_RPC_URL"); s != "" {
		cfg.Chain.RPCURL = s
	}
	if s := os.Getenv("TRAD_DELEGATE_ADDRESS"); s != "" {
		cfg.Chain.DelegateAddress = s
	}
	if s := os.Getenv("OPERATOR_PRIVATE_KEY"); s != "" {
		cfg.Chain.OperatorKey = s
	}
	if s := os.Getenv("TRAD_ADMIN_TOKEN"); s != "" {
		cfg.Dashboard.AdminToken = s
	}
	if s := os.Getenv("TRAD_SUBGRAPH_URL"); s != "" {
		cfg.Subgraph.URL = s
	}
	if f, ok := envFloat("MAX_ETH_PER_TRADE"); ok {
		cfg.Risk.MaxEthPerTrade = f
	}
	if f, ok := envFloat("MAX_ETH_PER_RUN"); ok {
		cfg.Risk.MaxEthPerRun = f
	}
	if f, ok := envFloat("MAX_ETH_PER_DAY"); ok {
		cfg.Risk.MaxEthPerDay = f
	}
	if n, ok := envInt("MAX_TRADES_PER_RUN"); ok {
		cfg.Risk.MaxTradesPerRun = n
	}
	if n, ok := envInt("DEFAULT_SLIPPAGE_BPS"); ok {
		cfg.Risk.SlippageBps = n
	}
	if s := os.Getenv("DRY_RUN"); s == "true" || s == "1" {
		cfg.DryRun = true
	}
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set BASE_RPC_URL)")
	}
	if c.Chain.DelegateAddress != "" && !addressRe.MatchString(c.Chain.DelegateAddress) {
		return fmt.Errorf("chain.delegate_address %q is not a valid address", c.Chain.DelegateAddress)
	}
	if c.Chain.DelegateAddress != "" && c.Chain.OperatorKey == "" {
		return fmt.Errorf("chain.operator_key is required when a delegate address is set (set OPERATOR_PRIVATE_KEY)")
	}
	if c.Risk.MaxEthPerTrade <= 0 {
		return fmt.Errorf("risk.max_eth_per_trade must be > 0")
	}
	if c.Risk.SlippageBps < 0 || c.Risk.SlippageBps > 5000 {
		return fmt.Errorf("risk.default_slippage_bps must be in [0, 5000]")
	}
	if c.Runtime.LogBufferLines <= 0 {
		return fmt.Errorf("runtime.log_buffer_lines must be > 0")
	}
	if c.Subgraph.MaxParallel <= 0 {
		return fmt.Errorf("subgraph.max_parallel must be > 0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		return fmt.Errorf("dashboard.port is required when the dashboard is enabled")
	}
	return nil
}
