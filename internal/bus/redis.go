// Package bus implements a Redis pub/sub fan-out used to replicate session
// and chat events across multiple gamecoord instances. It is optional: when
// constructed with a nil *redis.Client (or never constructed at all) every
// operation degrades to a no-op, and the hub runs in single-instance mode.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/liku-ai/gamecoord/internal/logging"
	"github.com/liku-ai/gamecoord/internal/metrics"
)

// Payload is the standardized envelope used to move an event between
// instances: a session event, a chat event, or a spectator frame.
type Payload struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	SenderID  string          `json:"senderId"`
}

// Service wraps a Redis client with a circuit breaker so that a degraded
// Redis never blocks session mutation; publishes are best-effort.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client exposes the underlying *redis.Client, e.g. for the rate limiter's
// shared store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis and verifies connectivity before returning.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateValue(to))
		},
	}

	logging.Info(context.Background(), "connected to redis pub/sub", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Ping satisfies health.RedisPinger.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Publish broadcasts an event to every other instance subscribed to this
// session's channel.
func (s *Service) Publish(ctx context.Context, sessionID, event string, data any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal inner payload: %w", err)
		}
		msg := Payload{SessionID: sessionID, Event: event, Data: inner, SenderID: senderID}
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		channel := fmt.Sprintf("gamecoord:session:%s", sessionID)
		return nil, s.client.Publish(ctx, channel, raw).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.RedisOperationsTotal.WithLabelValues("publish", "breaker_open").Inc()
			logging.Warn(ctx, "redis circuit open, dropping publish", zap.String("session_id", sessionID))
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		return err
	}

	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a goroutine delivering every Payload published to a
// session's channel by other instances. It returns once ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, sessionID string, wg *sync.WaitGroup, handler func(Payload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("gamecoord:session:%s", sessionID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload Payload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message", zap.Error(err))
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Close releases the underlying client.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
