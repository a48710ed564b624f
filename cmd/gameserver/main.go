// Command gameserver runs the gamecoord coordination server: matchmaking,
// turn-based game sessions, spectator broadcast, and moderated chat over a
// single WebSocket endpoint. Flag/env wiring follows the Seednode-partybox
// cobra+pflag+viper shape (PARTYBOX_* -> GAMECOORD_*); the server lifecycle
// (gin engine, Prometheus endpoint, signal-driven graceful shutdown) follows
// the teacher's cmd/v1/session/main.go.
package main

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liku-ai/gamecoord/internal/config"
)

const releaseVersion = "0.1.0"

// cliFlags holds command-line overrides for a subset of config.Config's
// fields, plus a handful of
// process-level knobs (development mode, tracing) that config.Config does
// not itself need to validate.
type cliFlags struct {
	port        string
	maxClients  int
	development bool

	redisEnabled  bool
	redisAddr     string
	redisPassword string

	tokenEnabled   bool
	tokenSecret    string
	tokenIssuer    string
	tokenAudience  string
	tokenAlgorithm string

	allowedOrigins []string

	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	matchTicketTTL    time.Duration
	sessionReapTTL    time.Duration

	tlsCert string
	tlsKey  string

	otelCollectorAddr string
	statsStoreURL     string
}

func main() {
	log.SetFlags(0)
	loadDotEnv()
	flags := &cliFlags{}
	cobra.CheckErr(newCmd(flags).Execute())
}

// loadDotEnv loads a .env file for local development, trying a few
// relative paths to tolerate running from the repo root or cmd/gameserver.
// Absence of a .env file is not an error: the server falls back to
// whatever is already in the process environment.
func loadDotEnv() {
	for _, path := range []string{".env", "../../.env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			log.Printf("loaded environment from %s", path)
			return
		}
	}
}

func newCmd(flags *cliFlags) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GAMECOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "gameserver",
		Short:         "Real-time coordination server for turn-based agent games.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.toConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, flags)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	defaults := config.Default()

	fs.StringVarP(&flags.port, "port", "p", defaults.Port, "port to listen on (env: GAMECOORD_PORT)")
	fs.IntVar(&flags.maxClients, "max-clients", defaults.MaxClients, "maximum concurrent connections (env: GAMECOORD_MAX_CLIENTS)")
	fs.BoolVar(&flags.development, "development", false, "relax logging for local development (env: GAMECOORD_DEVELOPMENT)")

	fs.BoolVar(&flags.redisEnabled, "redis-enabled", false, "replicate session/chat events through Redis pub/sub (env: GAMECOORD_REDIS_ENABLED)")
	fs.StringVar(&flags.redisAddr, "redis-addr", "", "redis host:port (env: GAMECOORD_REDIS_ADDR)")
	fs.StringVar(&flags.redisPassword, "redis-password", "", "redis password (env: GAMECOORD_REDIS_PASSWORD)")

	fs.BoolVar(&flags.tokenEnabled, "token-auth", false, "require a signed token on connect (env: GAMECOORD_TOKEN_AUTH)")
	fs.StringVar(&flags.tokenSecret, "token-secret", "", "HMAC shared secret, >=32 chars (env: GAMECOORD_TOKEN_SECRET)")
	fs.StringVar(&flags.tokenIssuer, "token-issuer", "gamecoord", "expected token issuer (env: GAMECOORD_TOKEN_ISSUER)")
	fs.StringVar(&flags.tokenAudience, "token-audience", "", "expected token audience, empty to skip the check (env: GAMECOORD_TOKEN_AUDIENCE)")
	fs.StringVar(&flags.tokenAlgorithm, "token-algorithm", "HS256", "HMAC algorithm: HS256, HS384, or HS512 (env: GAMECOORD_TOKEN_ALGORITHM)")

	fs.StringSliceVar(&flags.allowedOrigins, "allowed-origins", defaults.AllowedOrigins, "comma-separated CORS origins (env: GAMECOORD_ALLOWED_ORIGINS)")

	fs.DurationVar(&flags.heartbeatInterval, "heartbeat-interval", defaults.HeartbeatInterval, "WebSocket ping cadence (env: GAMECOORD_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&flags.requestTimeout, "idempotency-ttl", defaults.RequestTimeout, "how long a requestId's result is replayed on retry (env: GAMECOORD_IDEMPOTENCY_TTL)")
	fs.DurationVar(&flags.matchTicketTTL, "match-ticket-ttl", defaults.MatchTicketTTL, "time before an unmatched host ticket expires (env: GAMECOORD_MATCH_TICKET_TTL)")
	fs.DurationVar(&flags.sessionReapTTL, "session-reap-ttl", defaults.SessionReapTTL, "time a finished session is kept queryable before eviction (env: GAMECOORD_SESSION_REAP_TTL)")

	fs.StringVar(&flags.tlsCert, "tls-cert", "", "path to TLS certificate (env: GAMECOORD_TLS_CERT)")
	fs.StringVar(&flags.tlsKey, "tls-key", "", "path to TLS keyfile (env: GAMECOORD_TLS_KEY)")

	fs.StringVar(&flags.otelCollectorAddr, "otel-collector-addr", "", "OTLP/gRPC collector address; empty disables tracing (env: GAMECOORD_OTEL_COLLECTOR_ADDR)")
	fs.StringVar(&flags.statsStoreURL, "stats-store-url", "", "base URL of an external result store; empty uses an in-memory store (env: GAMECOORD_STATS_STORE_URL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, v.GetString(f.Name))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("gameserver v{{.Version}}\n")
	cmd.SilenceUsage = true

	return cmd
}

// toConfig translates parsed flags into the validated config.Config shape
// the rest of the server depends on, keeping the stock defaults for
// anything a flag does not override.
func (f *cliFlags) toConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = f.port
	cfg.MaxClients = f.maxClients
	cfg.DevelopmentMode = f.development
	if f.development {
		cfg.GoEnv = "development"
	}

	cfg.RedisEnabled = f.redisEnabled
	cfg.RedisAddr = f.redisAddr
	cfg.RedisPassword = f.redisPassword

	cfg.Token.Enabled = f.tokenEnabled
	cfg.Token.Secret = f.tokenSecret
	cfg.Token.Issuer = f.tokenIssuer
	cfg.Token.Audience = f.tokenAudience

	cfg.AllowedOrigins = f.allowedOrigins
	cfg.HeartbeatInterval = f.heartbeatInterval
	cfg.RequestTimeout = f.requestTimeout
	cfg.MatchTicketTTL = f.matchTicketTTL
	cfg.SessionReapTTL = f.sessionReapTTL

	cfg.TLS.CertFile = f.tlsCert
	cfg.TLS.KeyFile = f.tlsKey

	return cfg
}
