// Package config loads the keeper configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given. Unlike an
// explicit path, it may be missing.
const DefaultPath = "config.yaml"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Name          string `yaml:"name"`
	RPCURL        string `yaml:"rpc_url"`
	ReaderAddress string `yaml:"reader_address"`

	// GasPrice is in gwei.
	GasPrice             decimal.Decimal `yaml:"gas_price"`
	TxTimeout            time.Duration   `yaml:"tx_timeout"`
	ConfirmationAttempts int             `yaml:"confirmation_attempts"`

	UseWhitelist bool              `yaml:"use_whitelist"`
	Whitelist    map[string]string `yaml:"whitelist"`
	Blacklist    []string          `yaml:"blacklist"`
	GraphURL     string            `yaml:"graph_url"`
	PriceURL     string            `yaml:"price_url"`
	HTTPTimeout  time.Duration     `yaml:"http_timeout"`

	KeeperKey     string `yaml:"keeper_key"`
	KeeperKeyList string `yaml:"keeper_key_list"`

	Scan struct {
		PageSize          int `yaml:"page_size"`
		Concurrency       int `yaml:"concurrency"`
		MaxCachedAccounts int `yaml:"max_cached_accounts"`
		MaxPageErrors     int `yaml:"max_page_errors"`
	} `yaml:"scan"`

	RPC struct {
		MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
		RequestsPerSecond  float64       `yaml:"requests_per_second"`
		Burst              int           `yaml:"burst"`
		CallTimeout        time.Duration `yaml:"call_timeout"`
	} `yaml:"rpc"`

	Watcher struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		PriceInterval time.Duration `yaml:"price_interval"`
	} `yaml:"watcher"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// Default returns a configuration populated with the default settings.
func Default() *Config {
	cfg := &Config{
		Name:                 "perpetual-keeper",
		GasPrice:             decimal.NewFromInt(1),
		TxTimeout:            300 * time.Second,
		ConfirmationAttempts: 10,
		HTTPTimeout:          5 * time.Second,
	}
	cfg.Scan.PageSize = 100
	cfg.Scan.Concurrency = 16
	cfg.Scan.MaxPageErrors = 3
	cfg.RPC.MaxConcurrentCalls = 32
	cfg.RPC.CallTimeout = 10 * time.Second
	cfg.Watcher.PollInterval = 2 * time.Second
	cfg.Watcher.PriceInterval = 3 * time.Second
	cfg.Server.Addr = ":9090"
	cfg.Logging.Level = "info"
	cfg.Logging.File = "./log/keeper.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 7
	return cfg
}

// Load reads the .env file if present, then the YAML file at path over the
// defaults, then the environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return errors.New("rpc url is required")
	}
	if strings.TrimSpace(c.ReaderAddress) == "" {
		return errors.New("reader address is required")
	}
	if c.Scan.PageSize <= 0 {
		return errors.New("page size must be positive")
	}
	if c.TxTimeout <= 0 {
		return errors.New("tx timeout must be positive")
	}
	if !c.GasPrice.IsPositive() {
		return errors.New("gas price must be positive")
	}
	if c.UseWhitelist && len(c.Whitelist) == 0 {
		return errors.New("whitelist mode requires at least one perpetual")
	}
	if !c.UseWhitelist && strings.TrimSpace(c.GraphURL) == "" {
		return errors.New("graph url is required in discovery mode")
	}
	if strings.TrimSpace(c.PriceURL) == "" {
		return errors.New("price url is required")
	}
	if strings.TrimSpace(c.KeeperKey) == "" && strings.TrimSpace(c.KeeperKeyList) == "" {
		return errors.New("keeper key or keeper key list is required")
	}
	if c.Scan.Concurrency <= 0 || c.RPC.MaxConcurrentCalls <= 0 {
		return errors.New("concurrency limits must be positive")
	}
	if c.Scan.MaxCachedAccounts < 0 || c.Scan.MaxPageErrors < 0 || c.ConfirmationAttempts < 0 {
		return errors.New("numeric settings cannot be negative")
	}
	return nil
}

// GasPriceWei returns the gas price converted from gwei to wei.
func (c *Config) GasPriceWei() *big.Int {
	return c.GasPrice.Shift(9).BigInt()
}

func (c *Config) applyEnv() error {
	c.RPCURL = getEnv("ETH_RPC_URL", c.RPCURL)
	c.ReaderAddress = getEnv("READER_ADDRESS", c.ReaderAddress)
	c.GraphURL = getEnv("GRAPH_URL", c.GraphURL)
	c.PriceURL = getEnv("PRICE_URL", c.PriceURL)
	c.KeeperKey = getEnv("KEEPER_KEY", c.KeeperKey)
	c.KeeperKeyList = getEnv("KEEPER_KEY_LIST", c.KeeperKeyList)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	var err error
	if c.TxTimeout, err = getEnvAsSeconds("TX_TIMEOUT", c.TxTimeout); err != nil {
		return err
	}
	if c.UseWhitelist, err = getEnvAsBool("IS_USE_WHITELIST", c.UseWhitelist); err != nil {
		return err
	}
	if c.Scan.PageSize, err = getEnvAsInt("MAX_NUM", c.Scan.PageSize); err != nil {
		return err
	}
	if v := os.Getenv("GAS_PRICE"); v != "" {
		if c.GasPrice, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("GAS_PRICE: %w", err)
		}
	}
	if v := os.Getenv("PERPETUAL_LIST"); v != "" {
		var whitelist map[string]string
		if err := json.UnmarshalFromString(v, &whitelist); err != nil {
			return fmt.Errorf("PERPETUAL_LIST: %w", err)
		}
		c.Whitelist = whitelist
	}
	if v := os.Getenv("POOL_BLACK_LIST"); v != "" {
		var blacklist []string
		if err := json.UnmarshalFromString(v, &blacklist); err != nil {
			return fmt.Errorf("POOL_BLACK_LIST: %w", err)
		}
		c.Blacklist = blacklist
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

// getEnvAsSeconds reads a whole number of seconds.
func getEnvAsSeconds(key string, defaultValue time.Duration) (time.Duration, error) {
	if os.Getenv(key) == "" {
		return defaultValue, nil
	}
	value, err := getEnvAsInt(key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(value) * time.Second, nil
}
