// Package config loads and hot-reloads treasury configuration via
// viper+fsnotify: mapstructure-tagged nested sections, and an
// env-var-name-indirection pattern for secrets (a config field names
// the env var, never the secret itself), covering risk, emergency,
// wallet, and storage knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"treasury-engine/internal/risk"
)

// Config holds every tunable the engine and its collaborators need.
type Config struct {
	Wallet     WalletConfig     `mapstructure:"wallet"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Jupiter    JupiterConfig    `mapstructure:"jupiter"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Emergency  EmergencyConfig  `mapstructure:"emergency"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	API        APIConfig        `mapstructure:"api"`
}

// WalletConfig names the env var carrying secret material; the secret
// itself never lives in the config file.
type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	PasswordEnv   string `mapstructure:"password_env"`
}

// RPCConfig is the Solana JSON-RPC endpoint pair.
type RPCConfig struct {
	PrimaryURLEnv  string `mapstructure:"primary_url_env"`
	FallbackURL    string `mapstructure:"fallback_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
}

// JupiterConfig is the aggregator client's tuning knobs.
type JupiterConfig struct {
	QuoteAPIURL    string `mapstructure:"quote_api_url"`
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	APIKeysEnv     string `mapstructure:"api_keys_env"` // comma-separated
}

// RiskConfig mirrors internal/risk.Config's shape for file-driven
// overrides; zero values fall back to risk.DefaultTPSLTable and the
// built-in tier coefficients.
type RiskConfig struct {
	StackingEnabled          bool              `mapstructure:"stacking_enabled"`
	MaxPositions             int               `mapstructure:"max_positions"`
	MinNotionalUSD           float64           `mapstructure:"min_notional_usd"`
	MaxTradeUSD              float64           `mapstructure:"max_trade_usd"`
	MaxDailyUSD              float64           `mapstructure:"max_daily_usd"`
	MaxPositionPct           float64           `mapstructure:"max_position_pct"`
	MaxMintAllocPct          float64           `mapstructure:"max_mint_alloc_pct"`
	CircuitDailyLossLimitUSD float64           `mapstructure:"circuit_daily_loss_limit_usd"`
	BlockedMints             map[string]string `mapstructure:"blocked_mints"`
	BlockedSymbols           []string          `mapstructure:"blocked_symbols"`
	EstablishedMints         []string          `mapstructure:"established_mints"`
	HighRiskPatterns         []string          `mapstructure:"high_risk_patterns"`
	MajorSymbols             []string          `mapstructure:"major_symbols"`
	StableMints              []string          `mapstructure:"stable_mints"`
}

// EmergencyConfig seeds the emergency controller's tunables.
type EmergencyConfig struct {
	MaxUnwindSlippageBps   int `mapstructure:"max_unwind_slippage_bps"`
	GracefulUnwindMinutes  int `mapstructure:"graceful_unwind_minutes"`
	AutoResumeAfterMinutes int `mapstructure:"auto_resume_after_minutes"`
}

// StorageConfig is where state files and the derived-stats database live.
type StorageConfig struct {
	DataDirEnv string `mapstructure:"data_dir_env"`
	DataDir    string `mapstructure:"data_dir"` // fallback if env unset
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MonitorConfig is the TPSLMonitor's poll cadence.
type MonitorConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// APIConfig is the command-surface HTTP listener.
type APIConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// Manager handles config loading and hot-reload via viper+fsnotify.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath (YAML) with defaults, watching it for
// changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")
	v.SetDefault("wallet.password_env", "WALLET_PASSWORD")
	v.SetDefault("rpc.primary_url_env", "RPC_URL")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.api_key_env", "RPC_API_KEY")
	v.SetDefault("jupiter.quote_api_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("jupiter.slippage_bps", 100)
	v.SetDefault("jupiter.timeout_seconds", 60)
	v.SetDefault("jupiter.api_keys_env", "JUPITER_API_KEYS")
	v.SetDefault("risk.stacking_enabled", false)
	v.SetDefault("risk.max_positions", 10)
	v.SetDefault("risk.min_notional_usd", 5.0)
	v.SetDefault("risk.max_trade_usd", 500.0)
	v.SetDefault("risk.max_daily_usd", 5000.0)
	v.SetDefault("risk.max_position_pct", 0.20)
	v.SetDefault("risk.circuit_daily_loss_limit_usd", 1000.0)
	v.SetDefault("emergency.max_unwind_slippage_bps", 500)
	v.SetDefault("emergency.graceful_unwind_minutes", 30)
	v.SetDefault("storage.data_dir_env", "DATA_DIR")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.sqlite_path", "execution_stats.db")
	v.SetDefault("monitor.poll_interval_seconds", 5)
	v.SetDefault("api.listen_host", "127.0.0.1")
	v.SetDefault("api.listen_port", 8787)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback invoked after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// PrivateKey reads the wallet private key from its configured env var.
func (m *Manager) PrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// WalletPassword reads the wallet passphrase, preferring a
// profile-prefixed variant (e.g. DRY_RUN_WALLET_PASSWORD) when profile
// is non-empty, so a dry-run and live profile can use distinct wallets.
func (m *Manager) WalletPassword(profile string) string {
	m.mu.RLock()
	envName := m.config.Wallet.PasswordEnv
	m.mu.RUnlock()
	if profile != "" {
		if v, ok := os.LookupEnv(strings.ToUpper(profile) + "_" + envName); ok {
			return v
		}
	}
	return os.Getenv(envName)
}

// RPCURL returns the primary RPC endpoint from its configured env var.
func (m *Manager) RPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.PrimaryURLEnv)
}

// RPCAPIKey returns the primary RPC's API key.
func (m *Manager) RPCAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.APIKeyEnv)
}

// JupiterAPIKeys splits the comma-separated key list for rotation.
func (m *Manager) JupiterAPIKeys() []string {
	m.mu.RLock()
	envName := m.config.Jupiter.APIKeysEnv
	m.mu.RUnlock()
	raw := os.Getenv(envName)
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// DataDir resolves the state-file root, env var first, config fallback.
func (m *Manager) DataDir() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v := os.Getenv(m.config.Storage.DataDirEnv); v != "" {
		return v
	}
	return m.config.Storage.DataDir
}

// AdminIDs parses TREASURY_ADMIN_IDS into a lookup set.
func AdminIDs() map[string]bool {
	raw := os.Getenv("TREASURY_ADMIN_IDS")
	out := make(map[string]bool)
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}

// LiveMode resolves TREASURY_LIVE_MODE; defaults to false (dry-run) if
// unset or unparsable, since the safe default is never touching the
// chain.
func LiveMode() bool {
	v, ok := os.LookupEnv("TREASURY_LIVE_MODE")
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// KillSwitchAtStartup reports whether KILL_SWITCH was set, a hard
// boolean override that cmd/treasury applies right after building the
// emergency controller, before the monitor, engine and API start.
func KillSwitchAtStartup() bool {
	v, ok := os.LookupEnv("KILL_SWITCH")
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// Profile resolves the state-profile namespace: "live" under
// TREASURY_LIVE_MODE=true, "dry_run" otherwise, so dry-run and live
// state never share a data directory.
func Profile() string {
	if LiveMode() {
		return "live"
	}
	return "dry_run"
}

// RiskGateConfig builds a risk.Config from the loaded file, always using
// risk.DefaultTPSLTable as the grade table (the file has no grade-table
// section) and folding TREASURY_ADMIN_IDS in as the admin set.
func (c *Config) RiskGateConfig() risk.Config {
	toSet := func(items []string) map[string]bool {
		out := make(map[string]bool, len(items))
		for _, s := range items {
			out[s] = true
		}
		return out
	}

	blocked := c.Risk.BlockedMints
	if blocked == nil {
		blocked = map[string]string{}
	}

	return risk.Config{
		BlockedMints:             blocked,
		BlockedSymbols:           toSet(c.Risk.BlockedSymbols),
		EstablishedMints:         toSet(c.Risk.EstablishedMints),
		HighRiskPatterns:         c.Risk.HighRiskPatterns,
		MajorSymbols:             toSet(c.Risk.MajorSymbols),
		AdminIDs:                 AdminIDs(),
		StackingEnabled:          c.Risk.StackingEnabled,
		MaxPositions:             c.Risk.MaxPositions,
		MinNotionalUSD:           c.Risk.MinNotionalUSD,
		MaxTradeUSD:              c.Risk.MaxTradeUSD,
		MaxDailyUSD:              c.Risk.MaxDailyUSD,
		MaxPositionPct:           c.Risk.MaxPositionPct,
		MaxMintAllocPct:          c.Risk.MaxMintAllocPct,
		CircuitDailyLossLimitUSD: c.Risk.CircuitDailyLossLimitUSD,
		TPSLTable:                risk.DefaultTPSLTable(),
	}
}

// StableMintSet returns the curated stable-mint exclusion list for
// reconciliation's untracked-balance scan, so dust from USDC/USDT-style
// holdings never shows up as an untracked position.
func (c *Config) StableMintSet() map[string]bool {
	out := make(map[string]bool, len(c.Risk.StableMints))
	for _, m := range c.Risk.StableMints {
		out[m] = true
	}
	return out
}

// Validate checks the handful of invariants a bad config file would
// otherwise surface only at runtime.
func (c *Config) Validate() error {
	if c.Risk.MaxTradeUSD <= 0 {
		return fmt.Errorf("risk.max_trade_usd must be positive")
	}
	if c.Risk.MaxDailyUSD < c.Risk.MaxTradeUSD {
		return fmt.Errorf("risk.max_daily_usd must be >= risk.max_trade_usd")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be positive")
	}
	return nil
}
