// Package config loads client configuration from a TOML file or from
// MINA_-prefixed environment variables. The loaded ClientConfig maps onto
// mina.Config; callers that construct their options in code never need this
// package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/SiphoYawe/mina-sdk/models"
)

// ClientConfig is the on-disk shape of the client options.
type ClientConfig struct {
	// aggregator configs
	Integrator string `toml:"integrator" mapstructure:"integrator"`
	APIKey     string `toml:"api_key" mapstructure:"api_key"`
	BaseURL    string `toml:"base_url" mapstructure:"base_url"`

	// environment configs
	Testnet bool   `toml:"testnet" mapstructure:"testnet"`
	InfoURL string `toml:"info_url" mapstructure:"info_url"`

	// per-chain RPC endpoint overrides keyed by decimal chain id. In env-only
	// mode MINA_RPC_URLS carries comma-separated chainid=url pairs.
	RPCURLs map[string]string `toml:"rpc_urls" mapstructure:"rpc_urls"`

	// quoting and execution configs
	DefaultSlippage  float64 `toml:"default_slippage" mapstructure:"default_slippage"`
	AutoDeposit      *bool   `toml:"auto_deposit" mapstructure:"auto_deposit"`
	InfiniteApproval bool    `toml:"infinite_approval" mapstructure:"infinite_approval"`

	// HTTP client timeout in seconds, zero keeps the library default
	HTTPTimeoutSeconds int `toml:"http_timeout_seconds" mapstructure:"http_timeout_seconds"`

	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

// Load reads the client configuration from the given TOML file, or from the
// environment when path is nil.
func Load(path *string) (*ClientConfig, error) {
	if path == nil {
		// if no file expect envs
		config, err := loadEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}
	config, err := loadFile(*path)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func loadEnv() (*ClientConfig, error) {
	// godotenv might fail if the .env file is missing but env can be applied
	// through docker, systemd or other means, so skip the error
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MINA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config ClientConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}

	// The override table cannot come through AutomaticEnv; it arrives as one
	// variable of chainid=url pairs.
	if raw := os.Getenv("MINA_RPC_URLS"); raw != "" {
		urls, err := parseRPCURLs(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MINA_RPC_URLS: %w", err)
		}
		config.RPCURLs = urls
	}

	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key to its env var so Unmarshal sees env
// values when no config file is loaded (env-only mode). rpc_urls is handled
// separately because it decodes into a map.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"integrator", "api_key", "base_url",
		"testnet", "info_url",
		"default_slippage", "auto_deposit", "infinite_approval",
		"http_timeout_seconds", "log_level",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func loadFile(configPath string) (*ClientConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}

	body, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ClientConfig
	if err := toml.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}

	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// parseRPCURLs reads "999=https://a,998=https://b" into the override table.
func parseRPCURLs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, found := strings.Cut(pair, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !found || id == "" || url == "" {
			return nil, fmt.Errorf("rpc url entry %q is not chainid=url", pair)
		}
		out[id] = url
	}
	return out, nil
}

func verifyConfig(config *ClientConfig) error {
	if config.Integrator == "" {
		return fmt.Errorf("integrator is required")
	}

	// Zero means "use the library default"; anything else must sit in bounds.
	if config.DefaultSlippage != 0 &&
		(config.DefaultSlippage < models.MinSlippage || config.DefaultSlippage > models.MaxSlippage) {
		return fmt.Errorf("default_slippage must be between %v and %v", models.MinSlippage, models.MaxSlippage)
	}

	if config.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("http_timeout_seconds must not be negative")
	}

	for id, url := range config.RPCURLs {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return fmt.Errorf("rpc_urls key %q is not a chain id", id)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("rpc_urls[%s] must be an http(s) url", id)
		}
	}

	if config.LogLevel != "" {
		if _, err := zerolog.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("log_level %q is not a zerolog level", config.LogLevel)
		}
	}
	return nil
}

// ChainRPCURLs converts the string-keyed override table into chain ids.
// Keys were validated by verifyConfig.
func (c *ClientConfig) ChainRPCURLs() map[int64]string {
	if len(c.RPCURLs) == 0 {
		return nil
	}
	out := make(map[int64]string, len(c.RPCURLs))
	for id, url := range c.RPCURLs {
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		out[chainID] = url
	}
	return out
}
