package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	AWS      AWSConfig      `yaml:"aws" envPrefix:"AWS_"`
	JWT      JWTConfig      `yaml:"jwt" envPrefix:"JWT_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Pairing  PairingConfig  `yaml:"pairing" envPrefix:"PAIRING_"`
	Sessions SessionsConfig `yaml:"sessions" envPrefix:"SESSIONS_"`
	Push     PushConfig     `yaml:"push" envPrefix:"PUSH_"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Host string `yaml:"host" env:"HOST"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER"`
	Host       string `yaml:"host" env:"HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	User       string `yaml:"user" env:"USER"`
	Password   string `yaml:"password" env:"PASSWORD"`
	DBName     string `yaml:"dbname" env:"NAME"`
	SSLMode    string `yaml:"sslmode" env:"SSLMODE"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// AWSConfig holds the S3 session archive configuration. An empty bucket disables archiving.
type AWSConfig struct {
	Region    string `yaml:"region" env:"REGION"`
	S3Bucket  string `yaml:"s3_bucket" env:"S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// PairingConfig holds pairing code settings
type PairingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl" env:"CODE_TTL"`
}

// SessionsConfig holds idle session expiry settings
type SessionsConfig struct {
	IdleTTL      time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
}

// PushConfig holds device push settings. Empty key paths disable a provider.
type PushConfig struct {
	APNs APNsConfig `yaml:"apns" envPrefix:"APNS_"`
	FCM  FCMConfig  `yaml:"fcm" envPrefix:"FCM_"`
}

// APNsConfig holds APNs token auth settings
type APNsConfig struct {
	KeyPath    string `yaml:"key_path" env:"KEY_PATH"`
	KeyID      string `yaml:"key_id" env:"KEY_ID"`
	TeamID     string `yaml:"team_id" env:"TEAM_ID"`
	Topic      string `yaml:"topic" env:"TOPIC"`
	Production bool   `yaml:"production" env:"PRODUCTION"`
}

// FCMConfig holds Firebase settings
type FCMConfig struct {
	CredentialsPath string `yaml:"credentials_path" env:"CREDENTIALS_PATH"`
}

// Default returns the configuration used for unset values
func Default() Config {
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Driver: DriverPostgres, Port: 5432, SSLMode: "disable", SQLitePath: "wesal.db"},
		AWS:      AWSConfig{Region: "us-east-1"},
		Log:      LogConfig{Level: "info"},
		Pairing:  PairingConfig{CodeTTL: 24 * time.Hour},
		Sessions: SessionsConfig{IdleTTL: 12 * time.Hour, ReapInterval: 5 * time.Minute},
	}
}

// Load reads configuration from a YAML file and overlays WESAL_* environment
// variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "WESAL_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	switch c.Database.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Pairing.CodeTTL <= 0 {
		return fmt.Errorf("pairing.code_ttl must be positive")
	}
	if c.Sessions.IdleTTL <= 0 || c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.idle_ttl and sessions.reap_interval must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
