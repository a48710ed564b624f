package game

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liku-ai/gamecoord/internal/metrics"
	"github.com/liku-ai/gamecoord/internal/protocol"
)

// Session is the authoritative arbiter of one game instance. All mutating
// methods assume the caller already holds mu, mirroring the teacher's Room
// convention; only Manager's exported methods acquire it.
type Session struct {
	mu sync.RWMutex

	ID                   string
	GameType             string
	Mode                 Mode
	Status               Status
	SpectatorAllowed     bool
	StartPlayerPolicy    StartPlayerPolicy
	SlotAssignmentPolicy SlotAssignmentPolicy
	TurnTimeBudget       time.Duration

	proto Protocol

	players     map[Slot]string // slot -> agent-id
	ready       map[Slot]bool
	spectators  map[string]struct{}
	state       any
	currentSlot Slot
	moveCount   int
	history     []Move
	result      *Result

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	turns *TurnManager
}

// View is the read-only projection sent to clients (welcome/state
// frames, query results). It excludes internal synchronization state.
type View struct {
	SessionID   string          `json:"sessionId"`
	GameType    string          `json:"gameType"`
	Mode        Mode            `json:"mode"`
	Status      Status          `json:"status"`
	Players     map[Slot]string `json:"players"`
	Ready       map[Slot]bool   `json:"ready"`
	Spectators  int             `json:"spectatorCount"`
	State       any             `json:"state"`
	CurrentSlot Slot            `json:"currentSlot,omitempty"`
	MoveCount   int             `json:"moveCount"`
	Result      *Result         `json:"result,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
}

func (s *Session) viewLocked() View {
	players := make(map[Slot]string, len(s.players))
	for k, v := range s.players {
		players[k] = v
	}
	ready := make(map[Slot]bool, len(s.ready))
	for k, v := range s.ready {
		ready[k] = v
	}
	return View{
		SessionID:   s.ID,
		GameType:    s.GameType,
		Mode:        s.Mode,
		Status:      s.Status,
		Players:     players,
		Ready:       ready,
		Spectators:  len(s.spectators),
		State:       s.state,
		CurrentSlot: s.currentSlot,
		MoveCount:   s.moveCount,
		Result:      s.result,
		CreatedAt:   s.createdAt.UnixMilli(),
	}
}

// View returns a thread-safe read-only snapshot.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Manager owns every live Session and the game-type Protocol registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	registry map[string]Protocol

	onEvent func(Event)
	reapTTL time.Duration
}

// NewManager builds an empty Manager. onEvent is called for every
// emitted lifecycle event (never under the session lock).
func NewManager(onEvent func(Event), reapTTL time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		registry: make(map[string]Protocol),
		onEvent:  onEvent,
		reapTTL:  reapTTL,
	}
}

// RegisterProtocol installs a Protocol implementation for a game-type
// tag, exercised at startup by cmd/gameserver's wiring.
func (m *Manager) RegisterProtocol(p Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[p.GameType()] = p
}

// CreateParams carries the fields accepted by CreateSession.
type CreateParams struct {
	GameType             string
	Mode                 Mode
	TurnTimeBudget       time.Duration
	SpectatorAllowed     bool
	StartPlayerPolicy    StartPlayerPolicy
	SlotAssignmentPolicy SlotAssignmentPolicy
}

// CreateSession allocates a new waiting session for gameType.
func (m *Manager) CreateSession(p CreateParams) (*Session, *protocol.Error) {
	m.mu.RLock()
	proto, ok := m.registry[p.GameType]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, fmt.Sprintf("unknown game type %q", p.GameType))
	}

	slots := proto.Slots()
	current := slots[0]
	if p.StartPlayerPolicy == StartPlayerRandom || p.StartPlayerPolicy == "" {
		current = slots[rand.Intn(len(slots))]
	}

	sess := &Session{
		ID:                   uuid.NewString(),
		GameType:             p.GameType,
		Mode:                 p.Mode,
		Status:               StatusWaiting,
		SpectatorAllowed:     p.SpectatorAllowed,
		StartPlayerPolicy:    p.StartPlayerPolicy,
		SlotAssignmentPolicy: p.SlotAssignmentPolicy,
		TurnTimeBudget:       p.TurnTimeBudget,
		proto:                proto,
		players:              make(map[Slot]string),
		ready:                make(map[Slot]bool),
		spectators:           make(map[string]struct{}),
		state:                proto.InitialState(),
		currentSlot:          current,
		createdAt:            time.Now(),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	metrics.SessionEvents.WithLabelValues("created").Inc()
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// JoinParams carries the fields accepted by JoinSession.
type JoinParams struct {
	SessionID     string
	AgentID       string
	DisplayName   string
	AsSpectator   bool
	PreferredSlot Slot
}

// JoinSession seats a new player into the first free (or preferred) slot
// while a session is waiting, or adds a spectator if the session allows
// them. Every mutation happens under sess.mu, but the resulting event is
// always emitted after the lock is released, so onEvent can safely call
// back into the session (e.g. to read View()) without deadlocking.
func (m *Manager) JoinSession(p JoinParams) *protocol.Error {
	sess, ok := m.Get(p.SessionID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	sess.mu.Lock()

	if p.AsSpectator {
		if !sess.SpectatorAllowed {
			sess.mu.Unlock()
			return protocol.NewError(protocol.ErrSpectatorsDisallowed, "spectators not allowed")
		}
		sess.spectators[p.AgentID] = struct{}{}
		sess.mu.Unlock()

		m.emit(Event{Type: EventSpectatorJoined, SessionID: sess.ID, Data: p.AgentID})
		return nil
	}

	if sess.Status != StatusWaiting {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrAlreadyStarted, "session already started")
	}

	slot, err := assignSlot(sess, p.PreferredSlot)
	if err != nil {
		sess.mu.Unlock()
		return err
	}
	sess.players[slot] = p.AgentID
	sess.ready[slot] = false
	startEvent := m.maybeAutostartLocked(sess)
	sess.mu.Unlock()

	m.emit(Event{Type: EventPlayerJoined, SessionID: sess.ID, Data: map[string]any{"agentId": p.AgentID, "slot": slot}})
	if startEvent != nil {
		m.emit(*startEvent)
	}
	return nil
}

func assignSlot(sess *Session, preferred Slot) (Slot, *protocol.Error) {
	slots := sess.proto.Slots()
	if preferred != "" {
		if _, taken := sess.players[preferred]; !taken {
			if slotExists(slots, preferred) {
				return preferred, nil
			}
		}
	}
	for _, s := range slots {
		if _, taken := sess.players[s]; !taken {
			return s, nil
		}
	}
	return "", protocol.NewError(protocol.ErrNoFreeSlot, "no free slot")
}

func slotExists(slots []Slot, s Slot) bool {
	for _, x := range slots {
		if x == s {
			return true
		}
	}
	return false
}

// ReadyToggle sets the ready flag for agentID's slot in sessionID.
func (m *Manager) ReadyToggle(sessionID, agentID string, ready bool) *protocol.Error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	sess.mu.Lock()
	slot, ok := slotForAgent(sess, agentID)
	if !ok {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotAPlayer, "agent is not a player in this session")
	}
	sess.ready[slot] = ready
	startEvent := m.maybeAutostartLocked(sess)
	sess.mu.Unlock()

	if startEvent != nil {
		m.emit(*startEvent)
	}
	return nil
}

func slotForAgent(sess *Session, agentID string) (Slot, bool) {
	for slot, id := range sess.players {
		if id == agentID {
			return slot, true
		}
	}
	return "", false
}

// maybeAutostartLocked transitions waiting -> playing once every slot is
// filled and ready, and returns the GameStarted event to emit once the
// caller has released sess.mu (nil if no transition happened). Caller
// must hold sess.mu.
func (m *Manager) maybeAutostartLocked(sess *Session) *Event {
	if sess.Status != StatusWaiting {
		return nil
	}
	slots := sess.proto.Slots()
	if len(sess.players) != len(slots) {
		return nil
	}
	for _, s := range slots {
		if !sess.ready[s] {
			return nil
		}
	}

	sess.Status = StatusPlaying
	sess.startedAt = time.Now()
	sess.turns = NewTurnManager(slots, sess.TurnTimeBudget, func(slot Slot) {
		m.emit(Event{Type: EventTurnTimeout, SessionID: sess.ID, Data: slot})
	})
	// Rotate the fresh turn manager to start on sess.currentSlot.
	for sess.turns.Current() != sess.currentSlot {
		sess.turns.Advance()
	}
	sess.turns.StartTimer()

	metrics.SessionEvents.WithLabelValues("started").Inc()
	ev := Event{Type: EventGameStarted, SessionID: sess.ID, Data: sess.viewLocked()}
	return &ev
}

// SubmitMoveParams carries the fields for SubmitMove.
type SubmitMoveParams struct {
	SessionID string
	AgentID   string
	Action    any
}

// SubmitMove validates and applies one move: resolves the caller's slot,
// checks turn order and game-specific legality, mutates the board, and
// checks for a terminal result. All of that happens under sess.mu so two
// concurrent submissions against the same session can never interleave;
// the resulting MoveMade/GameEnded events are built from the locked state
// but only emitted after sess.mu is released.
func (m *Manager) SubmitMove(p SubmitMoveParams) *protocol.Error {
	sess, ok := m.Get(p.SessionID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	start := time.Now()
	sess.mu.Lock()

	slot, ok := slotForAgent(sess, p.AgentID)
	if !ok {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotAPlayer, "agent is not a player in this session")
	}
	if sess.Status != StatusPlaying {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotInProgress, "session is not in progress")
	}
	if sess.currentSlot != slot {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotYourTurn, "it is not your turn")
	}
	if !sess.proto.IsLegalMove(sess.state, slot, p.Action) {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrIllegalMove, "illegal move")
	}

	newState, result := sess.proto.ApplyAction(sess.state, slot, p.Action)
	sess.state = newState
	sess.moveCount++
	sess.history = append(sess.history, Move{Slot: slot, Action: p.Action, Timestamp: time.Now()})

	metrics.MoveProcessingDuration.WithLabelValues(sess.GameType).Observe(time.Since(start).Seconds())

	var moveEvent Event
	var endEvent *Event

	if result.Terminal {
		sess.Status = StatusFinished
		sess.result = result.Result
		sess.endedAt = time.Now()
		if sess.turns != nil {
			sess.turns.StopTimer()
		}
		metrics.ActiveSessions.Dec()
		metrics.SessionEvents.WithLabelValues("ended").Inc()
		moveEvent = Event{Type: EventMoveMade, SessionID: sess.ID, Data: sess.viewLocked()}
		ev := Event{Type: EventGameEnded, SessionID: sess.ID, Data: result.Result}
		endEvent = &ev
	} else {
		sess.currentSlot = result.NextToMove
		if sess.turns != nil {
			for sess.turns.Current() != sess.currentSlot {
				sess.turns.Advance()
			}
		}
		moveEvent = Event{Type: EventMoveMade, SessionID: sess.ID, Data: sess.viewLocked()}
	}

	sess.mu.Unlock()

	m.emit(moveEvent)
	if endEvent != nil {
		m.emit(*endEvent)
	}
	return nil
}

// Leave removes agentID from the session. A leaving spectator just drops
// out of the spectator set; a leaving player forfeits to the remaining
// slot if the game was in progress. Events are built under sess.mu and
// emitted only after it is released.
func (m *Manager) Leave(sessionID, agentID string) *protocol.Error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	sess.mu.Lock()

	if _, isSpectator := sess.spectators[agentID]; isSpectator {
		delete(sess.spectators, agentID)
		sess.mu.Unlock()

		m.emit(Event{Type: EventSpectatorLeft, SessionID: sess.ID, Data: agentID})
		return nil
	}

	slot, ok := slotForAgent(sess, agentID)
	if !ok {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotAPlayer, "agent is not a participant in this session")
	}

	wasPlaying := sess.Status == StatusPlaying
	delete(sess.players, slot)
	leftEvent := Event{Type: EventPlayerLeft, SessionID: sess.ID, Data: map[string]any{"agentId": agentID, "slot": slot}}

	var endEvent *Event
	if wasPlaying {
		winner := otherSlot(sess.proto.Slots(), slot)
		sess.Status = StatusFinished
		sess.endedAt = time.Now()
		sess.result = &Result{Reason: EndReasonForfeit, Winner: winner}
		if sess.turns != nil {
			sess.turns.StopTimer()
		}
		metrics.ActiveSessions.Dec()
		metrics.SessionEvents.WithLabelValues("ended").Inc()
		ev := Event{Type: EventGameEnded, SessionID: sess.ID, Data: sess.result}
		endEvent = &ev
	}

	sess.mu.Unlock()

	m.emit(leftEvent)
	if endEvent != nil {
		m.emit(*endEvent)
	}
	return nil
}

// otherSlot returns the remaining slot in a two-slot game; for games with
// more than two slots this returns nil (no single beneficiary).
func otherSlot(slots []Slot, left Slot) *Slot {
	if len(slots) != 2 {
		return nil
	}
	for _, s := range slots {
		if s != left {
			cp := s
			return &cp
		}
	}
	return nil
}

// Rematch resets a finished session for a new game with the same seated
// players: the board is cleared, ready flags reset, status goes back to
// waiting, and a new starting slot is picked per policy. swapSlots
// optionally swaps the two players' slots first for fairness.
func (m *Manager) Rematch(sessionID string, swapSlots bool) *protocol.Error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	sess.mu.Lock()

	if sess.Status != StatusFinished {
		sess.mu.Unlock()
		return protocol.NewError(protocol.ErrNotInProgress, "session has not finished")
	}

	if swapSlots {
		slots := sess.proto.Slots()
		if len(slots) == 2 {
			sess.players[slots[0]], sess.players[slots[1]] = sess.players[slots[1]], sess.players[slots[0]]
		}
	}

	sess.state = sess.proto.InitialState()
	sess.moveCount = 0
	sess.history = nil
	sess.result = nil
	sess.endedAt = time.Time{}
	sess.startedAt = time.Time{}
	sess.Status = StatusWaiting
	for slot := range sess.ready {
		sess.ready[slot] = false
	}

	slots := sess.proto.Slots()
	sess.currentSlot = slots[0]
	if sess.StartPlayerPolicy == StartPlayerRandom || sess.StartPlayerPolicy == "" {
		sess.currentSlot = slots[rand.Intn(len(slots))]
	}
	sess.turns = nil

	metrics.ActiveSessions.Inc()
	metrics.SessionEvents.WithLabelValues("rematch").Inc()
	ev := Event{Type: EventRematchReady, SessionID: sess.ID, Data: sess.viewLocked()}
	sess.mu.Unlock()

	m.emit(ev)
	return nil
}

// ReapFinished evicts sessions that finished more than reapTTL ago,
// called on a periodic sweep by cmd/gameserver.
func (m *Manager) ReapFinished(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, sess := range m.sessions {
		sess.mu.RLock()
		finished := sess.Status == StatusFinished
		endedAt := sess.endedAt
		sess.mu.RUnlock()

		if finished && !endedAt.IsZero() && now.Sub(endedAt) > m.reapTTL {
			delete(m.sessions, id)
			reaped++
		}
	}
	return reaped
}

// AgentHasActiveSession reports whether agentID holds a player slot in any
// non-terminal session. Used on disconnect to decide whether the agent's
// registry entry may be torn down.
func (m *Manager) AgentHasActiveSession(agentID string) bool {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.mu.RLock()
		active := s.Status != StatusFinished
		seated := false
		if active {
			for _, id := range s.players {
				if id == agentID {
					seated = true
					break
				}
			}
		}
		s.mu.RUnlock()
		if active && seated {
			return true
		}
	}
	return false
}

// Count returns the number of live (non-reaped) sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
