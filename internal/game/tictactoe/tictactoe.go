// Package tictactoe is the reference game.Protocol implementation: a 3x3
// grid, two slots ("X"/"O"), and the standard win/draw rules (a winning
// line over every row, column, or diagonal; a draw once every cell is
// filled and no line wins).
package tictactoe

import (
	"github.com/liku-ai/gamecoord/internal/game"
)

// Cell is one of the three board contents.
type Cell string

const (
	CellEmpty Cell = ""
	CellX     Cell = "X"
	CellO     Cell = "O"
)

const (
	SlotX game.Slot = "X"
	SlotO game.Slot = "O"
)

// Action is the move payload: {row, col}, both 0-2.
type Action struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// LastMove records the most recent mutation for the welcome/state frame.
type LastMove struct {
	Row    int       `json:"row"`
	Col    int       `json:"col"`
	Player game.Slot `json:"player"`
}

// State is the tic-tac-toe game-state blob held by a Session for this
// game-type.
type State struct {
	Board         [3][3]Cell `json:"board"`
	CurrentPlayer game.Slot  `json:"currentPlayer"`
	MoveCount     int        `json:"moveCount"`
	Winner        *game.Slot `json:"winner,omitempty"`
	Draw          bool       `json:"draw,omitempty"`
	WinningLine   [][2]int   `json:"winningLine,omitempty"`
	LastMove      *LastMove  `json:"lastMove,omitempty"`
}

// Protocol implements game.Protocol for tic-tac-toe.
type Protocol struct{}

// New builds a tic-tac-toe Protocol instance.
func New() *Protocol { return &Protocol{} }

func (Protocol) GameType() string { return "tictactoe" }

func (Protocol) Slots() []game.Slot { return []game.Slot{SlotX, SlotO} }

func (Protocol) InitialState() any {
	return &State{CurrentPlayer: SlotX}
}

func (p Protocol) LegalActions(state any, slot game.Slot) []any {
	st, ok := state.(*State)
	if !ok || st.CurrentPlayer != slot || st.Winner != nil || st.Draw {
		return nil
	}
	var actions []any
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if st.Board[r][c] == CellEmpty {
				actions = append(actions, Action{Row: r, Col: c})
			}
		}
	}
	return actions
}

func (p Protocol) IsLegalMove(state any, slot game.Slot, action any) bool {
	st, ok := state.(*State)
	if !ok {
		return false
	}
	mv, ok := toAction(action)
	if !ok {
		return false
	}
	if st.CurrentPlayer != slot {
		return false
	}
	if mv.Row < 0 || mv.Row > 2 || mv.Col < 0 || mv.Col > 2 {
		return false
	}
	return st.Board[mv.Row][mv.Col] == CellEmpty
}

func toAction(action any) (Action, bool) {
	switch a := action.(type) {
	case Action:
		return a, true
	case *Action:
		return *a, true
	case map[string]any:
		row, rok := a["row"].(float64)
		col, cok := a["col"].(float64)
		if !rok || !cok {
			return Action{}, false
		}
		return Action{Row: int(row), Col: int(col)}, true
	default:
		return Action{}, false
	}
}

func (p Protocol) ApplyAction(state any, slot game.Slot, action any) (any, game.ActionResult) {
	st := state.(*State)
	mv, _ := toAction(action)

	next := &State{
		Board:         st.Board,
		CurrentPlayer: st.CurrentPlayer,
		MoveCount:     st.MoveCount,
	}
	next.Board[mv.Row][mv.Col] = cellFor(slot)
	next.MoveCount = st.MoveCount + 1
	next.LastMove = &LastMove{Row: mv.Row, Col: mv.Col, Player: slot}

	if winner, line := winningLine(next.Board); winner != CellEmpty {
		w := slotFor(winner)
		next.Winner = &w
		next.WinningLine = line
		return next, game.ActionResult{
			Valid:    true,
			Terminal: true,
			Result: &game.Result{
				Reason:      game.EndReasonWin,
				Winner:      &w,
				WinningLine: line,
			},
		}
	}

	if next.MoveCount == 9 {
		next.Draw = true
		return next, game.ActionResult{
			Valid:    true,
			Terminal: true,
			Result:   &game.Result{Reason: game.EndReasonDraw},
		}
	}

	nextSlot := p.NextSlotToMove(next, slot)
	next.CurrentPlayer = nextSlot
	return next, game.ActionResult{Valid: true, Terminal: false, NextToMove: nextSlot}
}

func (Protocol) NextSlotToMove(_ any, current game.Slot) game.Slot {
	if current == SlotX {
		return SlotO
	}
	return SlotX
}

func cellFor(slot game.Slot) Cell {
	if slot == SlotX {
		return CellX
	}
	return CellO
}

func slotFor(cell Cell) game.Slot {
	if cell == CellX {
		return SlotX
	}
	return SlotO
}

// winningLine checks every row, column, and diagonal in that order.
func winningLine(b [3][3]Cell) (Cell, [][2]int) {
	lines := [][][2]int{
		{{0, 0}, {0, 1}, {0, 2}},
		{{1, 0}, {1, 1}, {1, 2}},
		{{2, 0}, {2, 1}, {2, 2}},
		{{0, 0}, {1, 0}, {2, 0}},
		{{0, 1}, {1, 1}, {2, 1}},
		{{0, 2}, {1, 2}, {2, 2}},
		{{0, 0}, {1, 1}, {2, 2}},
		{{0, 2}, {1, 1}, {2, 0}},
	}
	for _, line := range lines {
		a, bb, c := b[line[0][0]][line[0][1]], b[line[1][0]][line[1][1]], b[line[2][0]][line[2][1]]
		if a != CellEmpty && a == bb && bb == c {
			return a, line
		}
	}
	return CellEmpty, nil
}
