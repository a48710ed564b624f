// Package matchmaking implements the match-ticket rendezvous: a host
// opens a waiting ticket under a short human-readable code, a
// guest joins by code, and the two are placed into a freshly created
// session under a randomly shuffled slot assignment. It follows the
// teacher's Room-registry bookkeeping shape (internal/v1/session — a
// mutex-guarded map keyed by an id, a periodic sweep for expiry) adapted
// from rooms to ephemeral tickets.
package matchmaking

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/liku-ai/gamecoord/internal/game"
	"github.com/liku-ai/gamecoord/internal/protocol"
)

// codeAlphabet excludes ambiguous characters (no O/0, no I/1/l).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codePrefix = "LIKU-"
const codeBodyLength = 5

// maxTicketsPerHost bounds how many simultaneous waiting tickets one agent
// may hold across game types.
const maxTicketsPerHost = 3

// Ticket is a waiting room for two strangers to meet over a game-type.
type Ticket struct {
	Code        string
	GameType    string
	HostID      string
	HostName    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	SessionID   string // empty until matched
}

// Manager owns every live ticket.
type Manager struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration

	sessions *game.Manager
}

// New builds a Manager with the given ticket TTL, used as given (the
// config default is 30 min).
func New(sessions *game.Manager, ttl time.Duration) *Manager {
	return &Manager{
		tickets:  make(map[string]*Ticket),
		ttl:      ttl,
		sessions: sessions,
	}
}

func generateCode() (string, error) {
	var sb strings.Builder
	sb.WriteString(codePrefix)
	for i := 0; i < codeBodyLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Host opens a new waiting ticket for hostID. An existing waiting ticket by
// the same host for the same game type is returned as-is (one active ticket
// per host per game); a host holding maxTicketsPerHost waiting tickets in
// total cannot open more.
func (m *Manager) Host(hostID, hostName, gameType string) (*Ticket, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("matchmaking: generate code: %w", err)
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	held := 0
	for _, t := range m.tickets {
		if t.HostID != hostID || t.SessionID != "" || now.After(t.ExpiresAt) {
			continue
		}
		if t.GameType == gameType {
			return t, nil
		}
		held++
	}
	if held >= maxTicketsPerHost {
		return nil, fmt.Errorf("matchmaking: host already holds %d waiting tickets", held)
	}

	t := &Ticket{
		Code:      code,
		GameType:  gameType,
		HostID:    hostID,
		HostName:  hostName,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.tickets[code] = t
	return t, nil
}

// MatchResult is returned by Join: the session both parties landed in,
// plus each side's randomly assigned slot.
type MatchResult struct {
	SessionID     string
	Slots         map[string]game.Slot // agent-id -> slot
	StartingSlot  game.Slot
}

// Join resolves code, and if it is waiting and unexpired, creates a
// session and places host + guest under a freshly shuffled slot mapping;
// neither side's preferred slot is honored.
func (m *Manager) Join(code, guestID, guestName string) (*MatchResult, *protocol.Error) {
	normalized := normalizeCode(code)

	m.mu.Lock()
	t, ok := m.tickets[normalized]
	if !ok {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrNotFound, "match code not found")
	}
	if t.SessionID != "" {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrAlreadyStarted, "ticket already matched")
	}
	if time.Now().After(t.ExpiresAt) {
		delete(m.tickets, normalized)
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrExpired, "match code has expired")
	}
	if t.HostID == guestID {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrSelfJoin, "cannot join your own match")
	}
	hostID, hostName, gameType := t.HostID, t.HostName, t.GameType
	m.mu.Unlock()

	sess, sessErr := m.sessions.CreateSession(game.CreateParams{
		GameType:             gameType,
		Mode:                 game.ModeHumanVsHuman,
		SpectatorAllowed:     true,
		StartPlayerPolicy:    game.StartPlayerRandom,
		SlotAssignmentPolicy: game.SlotAssignmentRandom,
	})
	if sessErr != nil {
		return nil, sessErr
	}

	// Coin-flip which party gets the session's first slot.
	firstID, secondID := hostID, guestID
	firstName, secondName := hostName, guestName
	if coinFlip() {
		firstID, secondID = secondID, firstID
		firstName, secondName = secondName, firstName
	}

	slots := make(map[string]game.Slot, 2)
	// JoinSession assigns each caller the first free slot; the
	// randomization is which party is "first" (coinFlip above), not the
	// slot-assignment call itself.
	if jErr := m.sessions.JoinSession(game.JoinParams{SessionID: sess.ID, AgentID: firstID, DisplayName: firstName}); jErr != nil {
		return nil, jErr
	}
	if jErr := m.sessions.JoinSession(game.JoinParams{SessionID: sess.ID, AgentID: secondID, DisplayName: secondName}); jErr != nil {
		return nil, jErr
	}

	final := sess.View()
	for slot, agentID := range final.Players {
		slots[agentID] = slot
	}

	m.mu.Lock()
	t.SessionID = sess.ID
	m.mu.Unlock()

	return &MatchResult{SessionID: sess.ID, Slots: slots, StartingSlot: final.CurrentSlot}, nil
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return false
	}
	return n.Int64() == 1
}

// Cancel removes a waiting ticket; only the host may cancel.
func (m *Manager) Cancel(code, callerID string) *protocol.Error {
	normalized := normalizeCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[normalized]
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "match code not found")
	}
	if t.HostID != callerID {
		return protocol.NewError(protocol.ErrPermissionDenied, "only the host may cancel")
	}
	delete(m.tickets, normalized)
	return nil
}

// List returns every waiting ticket not owned by callerID.
func (m *Manager) List(callerID string) []*Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		if t.HostID == callerID || t.SessionID != "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Lookup returns the ticket for code regardless of match state, used by
// the spectate-by-code flow to resolve a match's session id.
func (m *Manager) Lookup(code string) (*Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[normalizeCode(code)]
	return t, ok
}

// Sweep evicts expired, unmatched tickets; called on a periodic timer.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for code, t := range m.tickets {
		if t.SessionID == "" && now.After(t.ExpiresAt) {
			delete(m.tickets, code)
			evicted++
		}
	}
	return evicted
}
