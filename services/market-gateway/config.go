package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the market gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	RatePerMinute        float64
	Environment          string
	OTLPEndpoint         string
	OTLPInsecure         bool
	ReadJWTSecret        string
	ReadJWTIssuer        string
	ReadJWTAudience      string
	LogRequests          bool
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("MARKET_GATEWAY_LISTEN", ":8081"),
		NodeURL:              os.Getenv("MARKET_GATEWAY_NODE_URL"),
		NodeAuthToken:        os.Getenv("MARKET_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("MARKET_GATEWAY_DB_PATH", "market-gateway.db"),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		RatePerMinute:        600,
		Environment:          getenvDefault("MARKET_GATEWAY_ENV", "dev"),
		OTLPEndpoint:         strings.TrimSpace(os.Getenv("MARKET_GATEWAY_OTLP_ENDPOINT")),
		OTLPInsecure:         strings.EqualFold(strings.TrimSpace(os.Getenv("MARKET_GATEWAY_OTLP_INSECURE")), "true"),
		ReadJWTSecret:        strings.TrimSpace(os.Getenv("MARKET_GATEWAY_READ_JWT_SECRET")),
		ReadJWTIssuer:        strings.TrimSpace(os.Getenv("MARKET_GATEWAY_READ_JWT_ISSUER")),
		ReadJWTAudience:      strings.TrimSpace(os.Getenv("MARKET_GATEWAY_READ_JWT_AUDIENCE")),
		LogRequests:          strings.EqualFold(strings.TrimSpace(os.Getenv("MARKET_GATEWAY_LOG_REQUESTS")), "true"),
	}

	if skew := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_TIMESTAMP_SKEW")); skew != "" {
		dur, err := time.ParseDuration(skew)
		if err != nil {
			return Config{}, fmt.Errorf("parse MARKET_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse MARKET_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("MARKET_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse MARKET_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("MARKET_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_RATE_PER_MIN")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse MARKET_GATEWAY_RATE_PER_MIN: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("MARKET_GATEWAY_RATE_PER_MIN must be positive")
		}
		cfg.RatePerMinute = val
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("MARKET_GATEWAY_NODE_URL is required")
	}

	// Parse API keys from JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("MARKET_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, err
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
