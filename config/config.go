package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

// LedgerConfig holds the immutable limits fixed at startup.
type LedgerConfig struct {
	WithdrawalLimit uint64        `mapstructure:"withdrawal_limit"`
	BankCap         uint64        `mapstructure:"bank_cap"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// Principal derivation modes.
const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
	AuthModeHMAC   = "hmac"
)

type AuthConfig struct {
	Mode       string        `mapstructure:"mode"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTIssuer  string        `mapstructure:"jwt_issuer"`
	JWTExpiry  time.Duration `mapstructure:"jwt_expiry"`
	AdminKey   string        `mapstructure:"admin_key"` // guards token issuance
	HMACSecret string        `mapstructure:"hmac_secret"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"` // event stream key, empty disables
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Asset transfer modes.
const (
	TransferModeLogical = "logical"
	TransferModePayout  = "payout"
)

type TransferConfig struct {
	Mode          string        `mapstructure:"mode"`
	PayoutURL     string        `mapstructure:"payout_url"`
	SigningSecret string        `mapstructure:"signing_secret"`
	Asset         string        `mapstructure:"asset"`
	AssetScale    int32         `mapstructure:"asset_scale"` // minor units per major unit, as a power of ten
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig holds per-minute request budgets per endpoint group.
type RateLimitConfig struct {
	Deposits    int64 `mapstructure:"deposits"`
	Withdrawals int64 `mapstructure:"withdrawals"`
	Reads       int64 `mapstructure:"reads"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: CLG_ (Custodial LedGer).
// Nested keys use underscore: CLG_LEDGER_BANK_CAP, CLG_AUTH_MODE, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("ledger.withdrawal_limit", 0)
	v.SetDefault("ledger.bank_cap", 0)
	v.SetDefault("ledger.lock_timeout", "5s")
	v.SetDefault("auth.mode", AuthModeHeader)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "custodial-ledger")
	v.SetDefault("auth.jwt_expiry", "24h")
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "custodial_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "ledger:events")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ledger.events")
	v.SetDefault("transfer.mode", TransferModeLogical)
	v.SetDefault("transfer.payout_url", "")
	v.SetDefault("transfer.signing_secret", "")
	v.SetDefault("transfer.asset", "USD")
	v.SetDefault("transfer.asset_scale", 2)
	v.SetDefault("transfer.timeout", "10s")
	v.SetDefault("ratelimit.deposits", 60)
	v.SetDefault("ratelimit.withdrawals", 30)
	v.SetDefault("ratelimit.reads", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: CLG_LEDGER_BANK_CAP -> ledger.bank_cap
	v.SetEnvPrefix("CLG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Auth.Mode {
	case AuthModeHeader:
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required in jwt mode"))
		}
	case AuthModeHMAC:
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode"))
		}
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("hmac mode needs redis for nonce tracking"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of header, jwt, hmac", c.Auth.Mode))
	}

	switch c.Transfer.Mode {
	case TransferModeLogical:
	case TransferModePayout:
		if c.Transfer.PayoutURL == "" {
			errs = append(errs, errors.New("transfer.payout_url is required in payout mode"))
		}
		if c.Transfer.SigningSecret == "" {
			errs = append(errs, errors.New("transfer.signing_secret is required in payout mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("transfer.mode %q is not one of logical, payout", c.Transfer.Mode))
	}

	if c.Transfer.AssetScale < 0 || c.Transfer.AssetScale > 18 {
		errs = append(errs, fmt.Errorf("transfer.asset_scale %d out of range 0..18", c.Transfer.AssetScale))
	}
	if c.Ledger.LockTimeout <= 0 {
		errs = append(errs, errors.New("ledger.lock_timeout must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is empty"))
	}

	return errors.Join(errs...)
}
