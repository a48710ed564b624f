// Package agentry implements the agent registry: the
// server-side identity an external client or AI participant holds across
// possibly many connections. It is grounded on the teacher's client/
// registry bookkeeping in internal/v1/session/client.go (connection-id
// tracking, last-activity timestamps) generalized from a single
// video-room roster to a cross-session agent directory.
package agentry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the agent's participant kind.
type Type string

const (
	TypeHuman     Type = "human"
	TypeAI        Type = "ai"
	TypeSpectator Type = "spectator"
)

// Role is the agent's permission level.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
	RoleAdmin     Role = "admin"
)

// Counters tracks running activity stats reported in the health snapshot
// and the welcome frame.
type Counters struct {
	Commands      int64
	Queries       int64
	meanLatencyNS int64
	sampleCount   int64
}

// MeanLatency returns the running mean command latency.
func (c *Counters) MeanLatency() time.Duration {
	if c.sampleCount == 0 {
		return 0
	}
	return time.Duration(c.meanLatencyNS)
}

func (c *Counters) recordLatency(d time.Duration) {
	c.sampleCount++
	c.meanLatencyNS += (int64(d) - c.meanLatencyNS) / c.sampleCount
}

// Agent is a registered identity, possibly shared across multiple
// connections.
type Agent struct {
	ID           string
	Name         string
	Type         Type
	Role         Role
	CreatedAt    time.Time
	LastActivity time.Time
	Metadata     map[string]string

	mu          sync.Mutex
	counters    Counters
	connections map[string]struct{}
}

// Snapshot is the read-only view returned by lookups, safe to hand to a
// caller without leaking the mutex.
type Snapshot struct {
	ID            string
	Name          string
	Type          Type
	Role          Role
	CreatedAt     time.Time
	LastActivity  time.Time
	Commands      int64
	Queries       int64
	MeanLatency   time.Duration
	ConnectionIDs []string
}

func (a *Agent) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.connections))
	for id := range a.connections {
		ids = append(ids, id)
	}
	return Snapshot{
		ID:            a.ID,
		Name:          a.Name,
		Type:          a.Type,
		Role:          a.Role,
		CreatedAt:     a.CreatedAt,
		LastActivity:  a.LastActivity,
		Commands:      a.counters.Commands,
		Queries:       a.counters.Queries,
		MeanLatency:   a.counters.MeanLatency(),
		ConnectionIDs: ids,
	}
}

// Registry is the process-wide agent directory.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Agent
	byConnID    map[string]string // connection-id -> agent-id
	tokenLookup map[string]string // token subject -> agent-id, used for rebinding
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byID:        make(map[string]*Agent),
		byConnID:    make(map[string]string),
		tokenLookup: make(map[string]string),
	}
}

// RegisterParams carries the fields accepted on registration.
type RegisterParams struct {
	Name         string
	TokenSubject string // non-empty when a valid token resolved to a subject
	TypeHint     Type
	Role         Role
	Metadata     map[string]string
	ConnectionID string
}

// Register allocates or rebinds an agent identity and attaches
// connectionID to it.
func (r *Registry) Register(p RegisterParams) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if p.TokenSubject != "" {
		if agentID, ok := r.tokenLookup[p.TokenSubject]; ok {
			if ag, exists := r.byID[agentID]; exists {
				ag.mu.Lock()
				ag.LastActivity = now
				ag.connections[p.ConnectionID] = struct{}{}
				ag.mu.Unlock()
				r.byConnID[p.ConnectionID] = ag.ID
				snap := ag.snapshot()
				return &snap
			}
		}
	}

	typ := p.TypeHint
	if typ == "" {
		typ = TypeHuman
	}
	role := p.Role
	if role == "" {
		role = RolePlayer
	}

	ag := &Agent{
		ID:           uuid.NewString(),
		Name:         p.Name,
		Type:         typ,
		Role:         role,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     p.Metadata,
		connections:  map[string]struct{}{p.ConnectionID: {}},
	}
	r.byID[ag.ID] = ag
	r.byConnID[p.ConnectionID] = ag.ID
	if p.TokenSubject != "" {
		r.tokenLookup[p.TokenSubject] = ag.ID
	}

	snap := ag.snapshot()
	return &snap
}

// Lookup returns the agent by id.
func (r *Registry) Lookup(agentID string) (*Snapshot, bool) {
	r.mu.RLock()
	ag, ok := r.byID[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := ag.snapshot()
	return &snap, true
}

// LookupByConnection returns the agent bound to a connection-id.
func (r *Registry) LookupByConnection(connID string) (*Snapshot, bool) {
	r.mu.RLock()
	agentID, ok := r.byConnID[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Lookup(agentID)
}

// DetachConnection removes a connection-id from its agent. It returns true
// when the agent now has zero connections (candidate for teardown, pending
// the caller's non-terminal-session check).
func (r *Registry) DetachConnection(connID string) (agentID string, nowIdle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.byConnID[connID]
	if !ok {
		return "", false
	}
	delete(r.byConnID, connID)

	ag, ok := r.byID[agentID]
	if !ok {
		return agentID, true
	}
	ag.mu.Lock()
	delete(ag.connections, connID)
	idle := len(ag.connections) == 0
	ag.mu.Unlock()
	return agentID, idle
}

// Remove deletes an agent entirely; called once the caller has confirmed
// it holds no player slot in any non-terminal session.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, agentID)
	for conn, id := range r.byConnID {
		if id == agentID {
			delete(r.byConnID, conn)
		}
	}
	for tok, id := range r.tokenLookup {
		if id == agentID {
			delete(r.tokenLookup, tok)
		}
	}
}

// RecordCommand updates the running command counter and mean latency for
// an agent, called by the game-move handler after each submitted move.
func (r *Registry) RecordCommand(agentID string, latency time.Duration) {
	r.mu.RLock()
	ag, ok := r.byID[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ag.mu.Lock()
	ag.counters.Commands++
	ag.counters.recordLatency(latency)
	ag.LastActivity = time.Now()
	ag.mu.Unlock()
}

// RecordQuery increments an agent's query counter.
func (r *Registry) RecordQuery(agentID string) {
	r.mu.RLock()
	ag, ok := r.byID[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ag.mu.Lock()
	ag.counters.Queries++
	ag.LastActivity = time.Now()
	ag.mu.Unlock()
}

// Count returns the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
