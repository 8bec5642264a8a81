package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Domain    string         `yaml:"domain" env:"LIGHTNING_BOX_DOMAIN"`
	DomainURL string         `yaml:"domain_url" env:"LIGHTNING_BOX_DOMAIN_URL"`
	LND       LNDConfig      `yaml:"lnd"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     RedisConfig    `yaml:"redis"`
	LNURL     LNURLConfig    `yaml:"lnurl"`
	Withdraw  WithdrawConfig `yaml:"withdraw"`
	Log       LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host    string `yaml:"host" env:"LIGHTNING_BOX_HOST"`
	Port    int    `yaml:"port" env:"LIGHTNING_BOX_PORT"`
	TLSCert string `yaml:"tls_cert" env:"LIGHTNING_BOX_TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"LIGHTNING_BOX_TLS_KEY"`
}

type LNDConfig struct {
	GRPCHost          string `yaml:"grpc_host" env:"LND_GRPC_HOST"`
	TLSCertPath       string `yaml:"tls_cert_path" env:"LND_TLS_CERT_PATH"`
	AdminMacaroonPath string `yaml:"admin_macaroon_path" env:"LND_ADMIN_MACAROON_PATH"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"LIGHTNING_BOX_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"LIGHTNING_BOX_DB_DSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// LNURLConfig controls the pay endpoints. Amounts are in millisatoshis.
type LNURLConfig struct {
	DisableCustodial bool          `yaml:"disable_custodial" env:"LIGHTNING_BOX_DISABLE_CUSTODIAL"`
	ForwardTimeout   time.Duration `yaml:"forward_timeout" env:"LIGHTNING_BOX_FORWARD_TIMEOUT"`
	MinSendableMsat  int64         `yaml:"min_sendable_msat"`
	MaxSendableMsat  int64         `yaml:"max_sendable_msat"`
	CommentAllowed   int           `yaml:"comment_allowed"`
}

type WithdrawConfig struct {
	ChallengeTTL time.Duration `yaml:"challenge_ttl" env:"LIGHTNING_BOX_CHALLENGE_TTL"`
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"LIGHTNING_BOX_DRAIN_TIMEOUT"`
}

type LogConfig struct {
	Level   string `yaml:"level" env:"LOG_LEVEL"`
	Console bool   `yaml:"console" env:"LOG_CONSOLE"`
}

// Load reads the YAML file at path, applies environment overrides and fills
// in defaults. A missing file is not an error when the environment carries
// the required settings.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.LND.GRPCHost == "" {
		c.LND.GRPCHost = "127.0.0.1:10009"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.DSN == "" {
		c.Database.DSN = "./database.db"
	}
	if c.LNURL.ForwardTimeout <= 0 {
		c.LNURL.ForwardTimeout = 30 * time.Second
	}
	if c.LNURL.MinSendableMsat <= 0 {
		c.LNURL.MinSendableMsat = 1_000
	}
	if c.LNURL.MaxSendableMsat <= 0 {
		c.LNURL.MaxSendableMsat = 1_000_000 * 1_000
	}
	if c.LNURL.CommentAllowed <= 0 {
		c.LNURL.CommentAllowed = 144
	}
	if c.Withdraw.ChallengeTTL <= 0 {
		c.Withdraw.ChallengeTTL = 10 * time.Minute
	}
	if c.Withdraw.DrainTimeout <= 0 {
		c.Withdraw.DrainTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.DomainURL = strings.TrimRight(c.DomainURL, "/")
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return errors.New("domain required")
	}
	if strings.TrimSpace(c.DomainURL) == "" {
		return errors.New("domain_url required")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn required for postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.LNURL.MinSendableMsat > c.LNURL.MaxSendableMsat {
		return errors.New("lnurl.min_sendable_msat exceeds lnurl.max_sendable_msat")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server TLS cert and key must be set together")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
