// Package config loads the server configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/pnl-engine/internal/normalize"
)

type StoreDriver string

const (
	DriverMemory   StoreDriver = "memory"
	DriverFile     StoreDriver = "file"
	DriverPostgres StoreDriver = "postgres"
)

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

const (
	_portDefault            = 8080
	_readTimeoutDefault     = 10 * time.Second
	_writeTimeoutDefault    = 10 * time.Second
	_idleTimeoutDefault     = 60 * time.Second
	_shutdownTimeoutDefault = 5 * time.Second
)

func (c *ServerConfig) Setup() error {
	if c.Port == 0 {
		c.Port = _portDefault
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = _readTimeoutDefault
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = _writeTimeoutDefault
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = _idleTimeoutDefault
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = _shutdownTimeoutDefault
	}
	return nil
}

type StoreConfig struct {
	Driver      StoreDriver   `yaml:"driver"`
	Path        string        `yaml:"path"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

const _cacheTTLDefault = 30 * time.Second

// Setup picks a driver when none is set: postgres if a database URL is
// present, file if a path is, memory otherwise.
func (c *StoreConfig) Setup() error {
	if c.Driver == "" {
		switch {
		case c.DatabaseURL != "":
			c.Driver = DriverPostgres
		case c.Path != "":
			c.Driver = DriverFile
		default:
			c.Driver = DriverMemory
		}
	}
	switch c.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Path == "" {
			return errors.New("store: path is required for the file driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("store: database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = _cacheTTLDefault
	}
	return nil
}

type ExchangeConfig struct {
	RESTURL              string        `yaml:"rest_url"`
	StreamURL            string        `yaml:"stream_url"`
	Testnet              bool          `yaml:"testnet"`
	RequestsPerMinute    int           `yaml:"requests_per_minute"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	// Disabled turns off live pricing; every symbol is then priceless until
	// a tick is posted.
	Disabled bool `yaml:"disabled"`
}

const (
	_restURLDefault              = "https://api.binance.com"
	_streamURLDefault            = "wss://stream.binance.com:9443/ws"
	_testnetRESTURL              = "https://testnet.binance.vision"
	_testnetStreamURL            = "wss://stream.testnet.binance.vision/ws"
	_requestsPerMinuteDefault    = 1200
	_requestTimeoutDefault       = 10 * time.Second
	_maxReconnectAttemptsDefault = 5
	_reconnectDelayDefault       = 5 * time.Second
)

func (c *ExchangeConfig) Setup() error {
	if c.RESTURL == "" {
		c.RESTURL = _restURLDefault
		if c.Testnet {
			c.RESTURL = _testnetRESTURL
		}
	}
	if c.StreamURL == "" {
		c.StreamURL = _streamURLDefault
		if c.Testnet {
			c.StreamURL = _testnetStreamURL
		}
	}
	if _, err := url.Parse(c.RESTURL); err != nil {
		return fmt.Errorf("%w: exchange rest_url", err)
	}
	if _, err := url.Parse(c.StreamURL); err != nil {
		return fmt.Errorf("%w: exchange stream_url", err)
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = _requestsPerMinuteDefault
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = _requestTimeoutDefault
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = _maxReconnectAttemptsDefault
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = _reconnectDelayDefault
	}
	return nil
}

type EngineConfig struct {
	PriceConcurrency int      `yaml:"price_concurrency"`
	CommissionPolicy string   `yaml:"commission_policy"`
	QuoteAssets      []string `yaml:"quote_assets"`
}

const _priceConcurrencyDefault = 8

func (c *EngineConfig) Setup() error {
	if c.PriceConcurrency <= 0 {
		c.PriceConcurrency = _priceConcurrencyDefault
	}
	if c.CommissionPolicy == "" {
		c.CommissionPolicy = normalize.PolicyRecorded
	}
	if _, err := normalize.PolicyByName(c.CommissionPolicy); err != nil {
		return err
	}
	if len(c.QuoteAssets) == 0 {
		c.QuoteAssets = append([]string(nil), normalize.DefaultQuoteAssets...)
	}
	for i, q := range c.QuoteAssets {
		c.QuoteAssets[i] = strings.ToUpper(strings.TrimSpace(q))
	}
	return nil
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      LogConfig      `yaml:"log"`
}

// Setup fills defaults and validates every section.
func (c *Config) Setup() error {
	if err := c.Server.Setup(); err != nil {
		return err
	}
	if err := c.Store.Setup(); err != nil {
		return err
	}
	if err := c.Exchange.Setup(); err != nil {
		return err
	}
	if err := c.Engine.Setup(); err != nil {
		return err
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// Load reads path if it exists (an empty path skips the file), applies
// environment overrides and runs Setup.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("%w: can't read config", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: can't parse config", err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Setup(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Store.RedisURL = v
	}
	if v, ok := lookup("TRADES_FILE"); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup("EXCHANGE_REST_URL"); ok && v != "" {
		c.Exchange.RESTURL = v
	}
	if v, ok := lookup("EXCHANGE_STREAM_URL"); ok && v != "" {
		c.Exchange.StreamURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("COMMISSION_POLICY"); ok && v != "" {
		c.Engine.CommissionPolicy = v
	}
	return nil
}
