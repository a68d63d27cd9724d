package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

type Config struct {
	APIKey               string
	DatabaseURL          string
	AuthURL              string
	TokenURL             string
	EmailDomain          string
	SessionFile          string
	RequestTimeout       time.Duration
	StreamConnectTimeout time.Duration
	RoomsCacheTTL        time.Duration
	RefreshMargin        time.Duration
	BridgeAddr           string
	LogLevel             slog.Level
}

// fileConfig mirrors the JSONC config file. Durations are strings
// in time.ParseDuration format.
type fileConfig struct {
	APIKey               string `json:"apiKey"`
	DatabaseURL          string `json:"databaseURL"`
	AuthURL              string `json:"authURL"`
	TokenURL             string `json:"tokenURL"`
	EmailDomain          string `json:"emailDomain"`
	SessionFile          string `json:"sessionFile"`
	RequestTimeout       string `json:"requestTimeout"`
	StreamConnectTimeout string `json:"streamConnectTimeout"`
	RoomsCacheTTL        string `json:"roomsCacheTTL"`
	RefreshMargin        string `json:"refreshMargin"`
	BridgeAddr           string `json:"bridgeAddr"`
	LogLevel             string `json:"logLevel"`
}

// Load builds the configuration from defaults, the optional JSONC file
// at path, a .env file in the working directory and the process
// environment, later sources overriding earlier ones.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("TIWUT_CONFIG")
	}

	fc := fileConfig{
		AuthURL:              "https://identitytoolkit.googleapis.com/v1",
		TokenURL:             "https://securetoken.googleapis.com/v1",
		EmailDomain:          "tiwut.chat",
		RequestTimeout:       "15s",
		StreamConnectTimeout: "30s",
		RoomsCacheTTL:        "30s",
		RefreshMargin:        "5m",
		BridgeAddr:           "127.0.0.1:8765",
		LogLevel:             "info",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
			return nil, fmt.Errorf("config file %s is not valid JSONC: %w", path, err)
		}
	}

	cfg := &Config{
		APIKey:      getEnv("TIWUT_API_KEY", fc.APIKey),
		DatabaseURL: getEnv("TIWUT_DATABASE_URL", fc.DatabaseURL),
		AuthURL:     getEnv("TIWUT_AUTH_URL", fc.AuthURL),
		TokenURL:    getEnv("TIWUT_TOKEN_URL", fc.TokenURL),
		EmailDomain: getEnv("TIWUT_EMAIL_DOMAIN", fc.EmailDomain),
		SessionFile: getEnv("TIWUT_SESSION_FILE", fc.SessionFile),
		BridgeAddr:  getEnv("TIWUT_BRIDGE_ADDR", fc.BridgeAddr),
	}

	var err error
	if cfg.RequestTimeout, err = getDuration("TIWUT_REQUEST_TIMEOUT", fc.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.StreamConnectTimeout, err = getDuration("TIWUT_STREAM_CONNECT_TIMEOUT", fc.StreamConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.RoomsCacheTTL, err = getDuration("TIWUT_ROOMS_CACHE_TTL", fc.RoomsCacheTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshMargin, err = getDuration("TIWUT_REFRESH_MARGIN", fc.RefreshMargin); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("TIWUT_LOG_LEVEL", fc.LogLevel))); err != nil {
		return nil, fmt.Errorf("TIWUT_LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("TIWUT_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("TIWUT_DATABASE_URL is required")
	}
	if c.EmailDomain == "" {
		return fmt.Errorf("TIWUT_EMAIL_DOMAIN must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("TIWUT_REQUEST_TIMEOUT must be greater than 0")
	}
	if c.StreamConnectTimeout <= 0 {
		return fmt.Errorf("TIWUT_STREAM_CONNECT_TIMEOUT must be greater than 0")
	}
	if c.RoomsCacheTTL < 0 {
		return fmt.Errorf("TIWUT_ROOMS_CACHE_TTL must not be negative")
	}
	if c.RefreshMargin < 0 {
		return fmt.Errorf("TIWUT_REFRESH_MARGIN must not be negative")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
