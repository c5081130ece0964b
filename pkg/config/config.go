// Package config loads host configuration from the environment and the
// capability policy from a YAML or TOML file.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config holds process configuration.
type Config struct {
	PolicyPath     string
	LogLevel       string
	ReceiptsDSN    string
	RedisAddr      string
	OTLPEndpoint   string
	CacheDir       string
	TrustedAuthors [][]byte
	// HostKey signs receipt attestations. Nil disables attestation.
	HostKey ed25519.PrivateKey
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	logLevel := os.Getenv("KAPSULE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	receiptsDSN := os.Getenv("KAPSULE_RECEIPTS_DSN")
	if receiptsDSN == "" {
		// In-memory SQLite: receipts last for the process.
		receiptsDSN = "sqlite://:memory:"
	}

	authors, err := ParseAuthorKeys(os.Getenv("KAPSULE_TRUSTED_AUTHORS"))
	if err != nil {
		return nil, fmt.Errorf("config: KAPSULE_TRUSTED_AUTHORS: %w", err)
	}

	hostKey, err := parseHostKey(os.Getenv("KAPSULE_HOST_KEY"))
	if err != nil {
		return nil, fmt.Errorf("config: KAPSULE_HOST_KEY: %w", err)
	}

	return &Config{
		PolicyPath:     os.Getenv("KAPSULE_POLICY"),
		LogLevel:       strings.ToUpper(logLevel),
		ReceiptsDSN:    receiptsDSN,
		RedisAddr:      os.Getenv("KAPSULE_REDIS_ADDR"),
		OTLPEndpoint:   os.Getenv("KAPSULE_OTLP_ENDPOINT"),
		CacheDir:       os.Getenv("KAPSULE_CACHE_DIR"),
		TrustedAuthors: authors,
		HostKey:        hostKey,
	}, nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseAuthorKeys parses a comma separated list of hex public keys.
func ParseAuthorKeys(s string) ([][]byte, error) {
	var keys [][]byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := hex.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("author key %q: %w", part, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseHostKey decodes a hex ed25519 seed.
func parseHostKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
