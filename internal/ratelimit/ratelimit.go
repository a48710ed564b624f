// Package ratelimit enforces a per-connection command budget: a sliding
// window of commands/second backed by ulule/limiter/v3 (the teacher's own
// rate-limiting library, internal/v1/
// ratelimit/limiter.go), plus a burst detector and escalating temporary/
// long bans layered on top, since ulule/limiter has no native concept of
// burst cooldowns or ban escalation.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/liku-ai/gamecoord/internal/metrics"
)

// Config holds the tunable thresholds for the limiter.
type Config struct {
	CommandsPerSecond int           // default 30
	BurstEvents       int           // default 10
	BurstCooldown     time.Duration // default 30ms
	BanDuration       time.Duration // default 30s
	LongBanThreshold  int           // bans before escalation, default 3
	LongBanDuration   time.Duration // default 24h
}

// DefaultConfig returns the stock production defaults.
func DefaultConfig() Config {
	return Config{
		CommandsPerSecond: 30,
		BurstEvents:       10,
		BurstCooldown:     30 * time.Millisecond,
		BanDuration:       30 * time.Second,
		LongBanThreshold:  3,
		LongBanDuration:   24 * time.Hour,
	}
}

// connState is the per-connection bookkeeping the limiter keeps alongside
// the ulule/limiter sliding-window counter.
type connState struct {
	mu           sync.Mutex
	burstCount   int
	lastCommand  time.Time
	banCount     int
	bannedUntil  time.Time
	longBanned   bool
}

// Limiter enforces commands/second, burst cooldown, and ban escalation for
// every connection-id that calls Allow.
type Limiter struct {
	cfg   Config
	rate  limiter.Rate
	store limiter.Store
	inst  *limiter.Limiter

	mu    sync.Mutex
	conns map[string]*connState
}

// New builds a Limiter backed by Redis when client is non-nil, falling
// back to an in-memory store (mirroring the teacher's dev-mode fallback)
// otherwise.
func New(cfg Config, client *redis.Client) (*Limiter, error) {
	rate := limiter.Rate{Period: time.Second, Limit: int64(cfg.CommandsPerSecond)}

	var store limiter.Store
	if client != nil {
		s, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "gamecoord:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &Limiter{
		cfg:   cfg,
		rate:  rate,
		store: store,
		inst:  limiter.New(store, rate),
		conns: make(map[string]*connState),
	}, nil
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string // "rate", "burst_ban", "long_ban"
}

func (l *Limiter) stateFor(connID string) *connState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.conns[connID]
	if !ok {
		st = &connState{}
		l.conns[connID] = st
	}
	return st
}

// Allow checks connID's sliding-window count and burst/ban state. Ping
// frames must bypass this call entirely.
func (l *Limiter) Allow(ctx context.Context, connID string) (Decision, error) {
	st := l.stateFor(connID)

	st.mu.Lock()
	now := time.Now()
	if st.longBanned {
		st.mu.Unlock()
		metrics.RateLimitExceededTotal.WithLabelValues("long_ban").Inc()
		return Decision{Allowed: false, RetryAfter: l.cfg.LongBanDuration, Reason: "long_ban"}, nil
	}
	if now.Before(st.bannedUntil) {
		retry := st.bannedUntil.Sub(now)
		st.mu.Unlock()
		metrics.RateLimitExceededTotal.WithLabelValues("temp_ban").Inc()
		return Decision{Allowed: false, RetryAfter: retry, Reason: "burst_ban"}, nil
	}

	sinceLast := now.Sub(st.lastCommand)
	st.lastCommand = now
	if sinceLast > 0 && sinceLast < l.cfg.BurstCooldown {
		st.burstCount++
	} else {
		st.burstCount = 0
	}
	burstTripped := st.burstCount >= l.cfg.BurstEvents
	if burstTripped {
		st.burstCount = 0
		st.banCount++
		if st.banCount >= l.cfg.LongBanThreshold {
			st.longBanned = true
			st.mu.Unlock()
			metrics.RateLimitExceededTotal.WithLabelValues("burst").Inc()
			return Decision{Allowed: false, RetryAfter: l.cfg.LongBanDuration, Reason: "long_ban"}, nil
		}
		st.bannedUntil = now.Add(l.cfg.BanDuration)
		st.mu.Unlock()
		metrics.RateLimitExceededTotal.WithLabelValues("burst").Inc()
		return Decision{Allowed: false, RetryAfter: l.cfg.BanDuration, Reason: "burst_ban"}, nil
	}
	st.mu.Unlock()

	metrics.RateLimitRequestsTotal.WithLabelValues("connection").Inc()
	lctx, err := l.inst.Get(ctx, connID)
	if err != nil {
		// Fail open: an unavailable store must not block commands.
		return Decision{Allowed: true}, nil
	}
	if lctx.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues("rate").Inc()
		return Decision{Allowed: false, RetryAfter: time.Second, Reason: "rate"}, nil
	}
	return Decision{Allowed: true}, nil
}

// Forget drops a connection's local ban/burst state, called when the
// connection closes.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}
