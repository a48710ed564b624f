// Package statsstore records terminal game results to an external
// high-score service. The production store is out of scope for this
// repository; this package ships an HTTP client guarded by a circuit
// breaker (mirroring the teacher's gRPC SFU client pattern) plus an
// in-memory fallback used when no store address is configured.
package statsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/liku-ai/gamecoord/internal/logging"
	"github.com/liku-ai/gamecoord/internal/metrics"
)

// Result is the outcome recorded for a single agent at the end of a game.
type Result struct {
	Outcome   string `json:"outcome"` // "win", "loss", "draw", "forfeit"
	Opponent  string `json:"opponent,omitempty"`
	MoveCount int    `json:"moveCount"`
}

// Store records per-agent game results. GameEnded calls RecordResult once
// per participant; failures are logged, never surfaced to the game session.
type Store interface {
	RecordResult(ctx context.Context, gameType, agentID string, result Result) error
}

// HTTPStore posts results to a remote statistics service. It never blocks a
// session on a slow or unavailable backend: every call is wrapped in a
// circuit breaker, and breaker-open errors are swallowed (caller already
// treats RecordResult as best-effort).
type HTTPStore struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPStore builds a store that posts to baseURL + "/results".
func NewHTTPStore(baseURL string) *HTTPStore {
	st := gobreaker.Settings{
		Name:        "statsstore",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("statsstore").Set(v)
		},
	}

	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

type recordPayload struct {
	GameType string `json:"gameType"`
	AgentID  string `json:"agentId"`
	Result   Result `json:"result"`
}

// RecordResult posts one result. Errors are logged and returned; the session
// manager is expected to log-and-continue rather than fail GameEnded.
func (s *HTTPStore) RecordResult(ctx context.Context, gameType, agentID string, result Result) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		body, err := json.Marshal(recordPayload{GameType: gameType, AgentID: agentID, Result: result})
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/results", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("statsstore responded %d", resp.StatusCode)
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState {
		logging.Warn(ctx, "statsstore circuit open, dropping result", zap.String("agent_id", agentID))
		return nil
	}
	if err != nil {
		logging.Error(ctx, "statsstore record failed", zap.Error(err), zap.String("agent_id", agentID))
		return err
	}
	return nil
}

// InMemoryStore keeps results in process memory; used when no external
// store address is configured, and in tests.
type InMemoryStore struct {
	mu      sync.Mutex
	results map[string][]Result // keyed by gameType+"/"+agentID
}

// NewInMemoryStore builds an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{results: make(map[string][]Result)}
}

// RecordResult appends result to the agent's history for gameType.
func (s *InMemoryStore) RecordResult(_ context.Context, gameType, agentID string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := gameType + "/" + agentID
	s.results[key] = append(s.results[key], result)
	return nil
}

// History returns a copy of the recorded results for an agent in a game.
func (s *InMemoryStore) History(gameType, agentID string) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.results[gameType+"/"+agentID]
	out := make([]Result, len(src))
	copy(out, src)
	return out
}
