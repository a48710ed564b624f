// Package config validates and holds the server's environment/flag-derived
// configuration, following the same fail-fast validation style the teacher
// uses for its environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/liku-ai/gamecoord/internal/logging"
)

// GameConfig holds the per-game-type tunables (broadcast interval,
// spectator cap, turn-time budget).
type GameConfig struct {
	BroadcastInterval time.Duration
	SpectatorCap      int
	TurnTimeBudget    time.Duration
	PatchingEnabled   bool
}

// TLSConfig holds optional TLS material for the connection hub.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	MinVersion string
	CipherList []string
}

// TokenAuthConfig holds the shared-secret HMAC token validation settings.
type TokenAuthConfig struct {
	Enabled  bool
	Secret   string
	Issuer   string
	Audience string
}

// Config holds validated server configuration.
type Config struct {
	Port       string
	MaxClients int
	GoEnv      string
	LogLevel   string

	HeartbeatInterval time.Duration
	MaxPayloadBytes   int64

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	RateLimitCommandsPerSecond int
	RateLimitBurstThreshold    int
	RateLimitBurstCooldown     time.Duration
	RateLimitBanDuration       time.Duration
	RateLimitLongBanDuration   time.Duration
	RateLimitLongBanThreshold  int

	ChatMessagesPerSecond int
	ChatMessagesPerMinute int
	ChatBurstThreshold    int
	ChatCooldown          time.Duration
	ChatRetention         int

	MatchTicketTTL    time.Duration
	SessionReapTTL    time.Duration
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	DevelopmentMode   bool

	TLS   TLSConfig
	Token TokenAuthConfig

	Games map[string]GameConfig
}

// Default returns a Config populated with the stock production defaults.
func Default() *Config {
	return &Config{
		Port:              "8080",
		MaxClients:        1000,
		GoEnv:             "production",
		LogLevel:          "info",
		HeartbeatInterval: 30 * time.Second,
		MaxPayloadBytes:   1 << 20, // 1 MiB

		RateLimitCommandsPerSecond: 30,
		RateLimitBurstThreshold:    10,
		RateLimitBurstCooldown:     30 * time.Millisecond,
		RateLimitBanDuration:       30 * time.Second,
		RateLimitLongBanDuration:   24 * time.Hour,
		RateLimitLongBanThreshold:  3,

		ChatMessagesPerSecond: 2,
		ChatMessagesPerMinute: 30,
		ChatBurstThreshold:    5,
		ChatCooldown:          1 * time.Second,
		ChatRetention:         500,

		MatchTicketTTL:  30 * time.Minute,
		SessionReapTTL:  1 * time.Hour,
		RequestTimeout:  5 * time.Second,
		AllowedOrigins:  []string{"http://localhost:3000"},
		DevelopmentMode: false,

		Games: map[string]GameConfig{
			"tictactoe": {
				BroadcastInterval: 100 * time.Millisecond,
				SpectatorCap:      50,
				TurnTimeBudget:    30 * time.Second,
				PatchingEnabled:   true,
			},
		},
	}
}

// Validate checks invariants that the teacher's ValidateEnv enforces for its
// own required variables (port range, host:port shape, secret length).
func (c *Config) Validate() error {
	var errs []string

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be between 1 and 65535 (got %q)", c.Port))
	}

	if c.MaxClients <= 0 {
		errs = append(errs, "max clients must be positive")
	}

	if c.RedisEnabled && c.RedisAddr != "" && !isValidHostPort(c.RedisAddr) {
		errs = append(errs, fmt.Sprintf("redis addr must be host:port (got %q)", c.RedisAddr))
	}

	if c.Token.Enabled {
		if len(c.Token.Secret) < 32 {
			errs = append(errs, fmt.Sprintf("token secret must be at least 32 characters (got %d)", len(c.Token.Secret)))
		}
		if c.Token.Issuer == "" {
			errs = append(errs, "token issuer is required when token auth is enabled")
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, "both tls cert and tls key must be provided together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration invalid:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(c)
	return nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(c *Config) {
	fields := []zap.Field{
		zap.String("port", c.Port),
		zap.Int("max_clients", c.MaxClients),
		zap.Bool("redis_enabled", c.RedisEnabled),
		zap.Bool("token_auth_enabled", c.Token.Enabled),
		zap.Duration("heartbeat_interval", c.HeartbeatInterval),
	}
	if c.Token.Enabled {
		fields = append(fields, zap.String("token_secret", redactSecret(c.Token.Secret)))
	}
	logging.Info(nil, "configuration validated", fields...)
}

// redactSecret mirrors the teacher's redaction helper for config logging.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
