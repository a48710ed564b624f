// Package game implements the game-agnostic session manager and turn
// manager: authoritative game state, move validation delegated to a
// pluggable game.Protocol, and turn scheduling. It is grounded on the
// teacher's Room (internal/v1/session/room.go): a single per-session
// sync.RWMutex, methods that assume the caller already holds it, and a
// public entry-point/router layer that acquires the lock — generalized
// from one video-conference room to an arbitrary turn-based game session.
package game

import "time"

// Slot identifies a player position within a session; slots are
// game-type-specific ("X"/"O" for tic-tac-toe).
type Slot string

// Status is the session lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusReady    Status = "ready"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// Mode describes who occupies the two sides of a session.
type Mode string

const (
	ModeHumanVsHuman Mode = "human-vs-human"
	ModeHumanVsAI    Mode = "human-vs-ai"
	ModeAIVsAI       Mode = "ai-vs-ai"
)

// StartPlayerPolicy selects how the initial slot-to-move is chosen.
type StartPlayerPolicy string

const (
	StartPlayerRandom   StartPlayerPolicy = "random"
	StartPlayerExplicit StartPlayerPolicy = "explicit"
)

// SlotAssignmentPolicy selects how joining players are mapped to slots.
type SlotAssignmentPolicy string

const (
	SlotAssignmentRandom   SlotAssignmentPolicy = "random"
	SlotAssignmentExplicit SlotAssignmentPolicy = "explicit"
)

// Move is one entry in a session's append-only move history.
type Move struct {
	Slot      Slot      `json:"slot"`
	Action    any       `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// EndReason describes why a session finished.
type EndReason string

const (
	EndReasonWin     EndReason = "win"
	EndReasonDraw    EndReason = "draw"
	EndReasonForfeit EndReason = "forfeit"
)

// Result is the terminal outcome of a finished session.
type Result struct {
	Reason      EndReason `json:"reason"`
	Winner      *Slot     `json:"winner,omitempty"`
	WinningLine any       `json:"winningLine,omitempty"`
}

// Event is an emitted session lifecycle notification (PlayerJoined,
// GameStarted, MoveMade, GameEnded, and so on). Data is the
// event-specific JSON-shaped payload.
type Event struct {
	Type      string
	SessionID string
	Data      any
}

// Event type constants, named by what the session manager just did.
const (
	EventPlayerJoined    = "PlayerJoined"
	EventSpectatorJoined = "SpectatorJoined"
	EventPlayerLeft      = "PlayerLeft"
	EventSpectatorLeft   = "SpectatorLeft"
	EventGameStarted     = "GameStarted"
	EventMoveMade        = "MoveMade"
	EventGameEnded       = "GameEnded"
	EventTurnTimeout     = "TurnTimeout"
	EventRematchReady    = "RematchReady"
)
