package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Config holds all configuration for the indexer. It is read once at process
// start and treated as immutable afterwards.
type Config struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Upstream endpoints
	GRPCEndpoint string // Geyser subscription endpoint (host:port)
	GRPCToken    string // bearer credential for the subscription
	RPCEndpoint  string // JSON-RPC enrichment endpoint (https URL)

	// Target
	TargetAccount string // base58 account whose activity is indexed

	// Sink
	DatabaseURL string

	// Behavior
	IncludeFailed bool

	// Operational surface
	LogLevel    string
	MetricsPort int
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ServiceName:    "mev-burn-indexer",
		ServiceVersion: "v1.0.0",
		GRPCEndpoint:   os.Getenv("GRPC_ENDPOINT"),
		GRPCToken:      os.Getenv("GRPC_AUTH_TOKEN"),
		RPCEndpoint:    os.Getenv("RPC_ENDPOINT"),
		TargetAccount:  os.Getenv("TARGET_ACCOUNT"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		IncludeFailed:  true,
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsPort:    9090,
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid METRICS_PORT %q: %w", v, err)
		}
		cfg.MetricsPort = port
	}
	if v := os.Getenv("INCLUDE_FAILED"); v != "" {
		cfg.IncludeFailed = v == "true" || v == "1"
	}

	// The enrichment endpoint shares the stream host by convention; the
	// request/response service answers on the standard HTTPS port.
	if cfg.RPCEndpoint == "" && cfg.GRPCEndpoint != "" {
		cfg.RPCEndpoint = deriveRPCEndpoint(cfg.GRPCEndpoint)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.GRPCEndpoint == "" {
		return fmt.Errorf("GRPC_ENDPOINT is required")
	}
	if c.GRPCToken == "" {
		return fmt.Errorf("GRPC_AUTH_TOKEN is required")
	}
	if c.TargetAccount == "" {
		return fmt.Errorf("TARGET_ACCOUNT is required")
	}
	if _, err := solana.PublicKeyFromBase58(c.TargetAccount); err != nil {
		return fmt.Errorf("TARGET_ACCOUNT %q is not a valid base58 account: %w", c.TargetAccount, err)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	return nil
}

// String returns a string representation of the config with the credential
// and connection string elided.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Service: %s/%s, Stream: %s, RPC: %s, Target: %s, IncludeFailed: %v, MetricsPort: %d}",
		c.ServiceName, c.ServiceVersion, c.GRPCEndpoint, c.RPCEndpoint,
		c.TargetAccount, c.IncludeFailed, c.MetricsPort,
	)
}

func deriveRPCEndpoint(grpcEndpoint string) string {
	host := grpcEndpoint
	if h, _, err := net.SplitHostPort(grpcEndpoint); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, "/")
	return "https://" + host
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
