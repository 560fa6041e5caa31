// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config defines application configuration loaded from YAML with
// PUMPSENTRY_* environment overrides.
type Config struct {
	RPCList         []string `mapstructure:"rpc_list"`
	SenderList      []string `mapstructure:"sender_list"`     // tip-path broadcast gateways
	TipAccounts     []string `mapstructure:"tip_accounts"`    // block-producer tip account pool
	QuoteURL        string   `mapstructure:"quote_url"`       // quoting service base URL
	PriceURL        string   `mapstructure:"price_url"`       // price reference base URL
	PostgresURL     string   `mapstructure:"postgres_url"`
	RedisURL        string   `mapstructure:"redis_url"`       // optional price cache
	MonitorDelayMs  int      `mapstructure:"monitor_delay"`   // sweep interval, milliseconds
	StatsDelayMs    int      `mapstructure:"stats_delay"`     // aggregate recompute interval, milliseconds
	PriceCacheTTLMs int      `mapstructure:"price_cache_ttl"` // redis cache TTL, milliseconds
	Workers         int      `mapstructure:"workers"`         // sweep concurrency bound
	Retries         int      `mapstructure:"retries"`         // broadcast retry budget
	ConfirmTimeoutS int      `mapstructure:"confirm_timeout"` // confirmation race timeout, seconds
	DebugLogging    bool     `mapstructure:"debug_logging"`
	VaultPassphrase string   `mapstructure:"-"` // env only, never read from file
}

const (
	DefaultMonitorDelay   = 1000
	DefaultStatsDelay     = 30000
	DefaultPriceCacheTTL  = 500
	DefaultWorkers        = 5
	DefaultRetries        = 3
	DefaultConfirmTimeout = 30
)

// Load reads and validates configuration from the given file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"monitor_delay":   DefaultMonitorDelay,
		"stats_delay":     DefaultStatsDelay,
		"price_cache_ttl": DefaultPriceCacheTTL,
		"workers":         DefaultWorkers,
		"retries":         DefaultRetries,
		"confirm_timeout": DefaultConfirmTimeout,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvironmentVariables(v, &cfg)

	return &cfg, validate(&cfg)
}

func validate(cfg *Config) error {
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURL(rpcURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	for _, senderURL := range cfg.SenderList {
		if err := validateURL(senderURL, "http"); err != nil {
			return errors.New("invalid sender URL protocol")
		}
	}
	if cfg.PostgresURL == "" {
		return errors.New("postgres_url is required")
	}
	if cfg.QuoteURL == "" {
		return errors.New("quote_url is required")
	}
	if cfg.VaultPassphrase == "" {
		return errors.New("vault passphrase is not set (PUMPSENTRY_VAULT_PASSPHRASE)")
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.MonitorDelayMs <= 0 {
		return errors.New("invalid monitor_delay")
	}
	if cfg.StatsDelayMs <= 0 {
		return errors.New("invalid stats_delay")
	}
	if cfg.Workers <= 0 {
		return errors.New("invalid workers count")
	}
	if cfg.Retries < 0 {
		return errors.New("invalid retries count")
	}
	if cfg.ConfirmTimeoutS <= 0 {
		return errors.New("invalid confirm_timeout")
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) {
	v.SetEnvPrefix("PUMPSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if pass := v.GetString("VAULT_PASSPHRASE"); pass != "" {
		cfg.VaultPassphrase = pass
	}

	if envRPCList := v.GetString("RPC_LIST"); envRPCList != "" {
		var cleanRPCs []string
		for _, rpc := range strings.Split(envRPCList, ",") {
			if clean := strings.TrimSpace(rpc); clean != "" {
				cleanRPCs = append(cleanRPCs, clean)
			}
		}
		if len(cleanRPCs) > 0 {
			cfg.RPCList = cleanRPCs
		}
	}
	if envPostgres := v.GetString("POSTGRES_URL"); envPostgres != "" {
		cfg.PostgresURL = envPostgres
	}
}
