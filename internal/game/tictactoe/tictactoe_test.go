package tictactoe

import (
	"testing"

	"github.com/liku-ai/gamecoord/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialStateStartsWithX(t *testing.T) {
	p := New()
	st := p.InitialState().(*State)
	assert.Equal(t, SlotX, st.CurrentPlayer)
	assert.Equal(t, 0, st.MoveCount)
}

func TestIsLegalMoveRejectsOccupiedCell(t *testing.T) {
	p := New()
	st := p.InitialState().(*State)
	st.Board[0][0] = CellX
	st.CurrentPlayer = SlotO

	assert.False(t, p.IsLegalMove(st, SlotO, Action{Row: 0, Col: 0}))
	assert.True(t, p.IsLegalMove(st, SlotO, Action{Row: 0, Col: 1}))
}

func TestIsLegalMoveRejectsWrongTurn(t *testing.T) {
	p := New()
	st := p.InitialState().(*State)
	assert.False(t, p.IsLegalMove(st, SlotO, Action{Row: 0, Col: 0}))
}

func TestApplyActionDetectsRowWin(t *testing.T) {
	p := New()
	st := p.InitialState().(*State)

	moves := []struct {
		slot game.Slot
		a    Action
	}{
		{SlotX, Action{0, 0}}, {SlotO, Action{1, 0}},
		{SlotX, Action{0, 1}}, {SlotO, Action{1, 1}},
		{SlotX, Action{0, 2}},
	}

	var result game.ActionResult
	var next any = st
	for _, m := range moves {
		next, result = p.ApplyAction(next, m.slot, m.a)
	}

	require.True(t, result.Terminal)
	require.NotNil(t, result.Result)
	assert.Equal(t, game.EndReasonWin, result.Result.Reason)
	require.NotNil(t, result.Result.Winner)
	assert.Equal(t, SlotX, *result.Result.Winner)

	finalState := next.(*State)
	assert.NotNil(t, finalState.Winner)
	assert.Equal(t, SlotX, *finalState.Winner)
	assert.Len(t, finalState.WinningLine, 3)
}

func TestApplyActionDetectsDraw(t *testing.T) {
	p := New()
	var next any = p.InitialState()

	// X X O
	// O O X
	// X X O  -> this sequence must avoid any 3-in-a-row while filling the
	// board, exercising the draw branch.
	seq := []struct {
		slot game.Slot
		a    Action
	}{
		{SlotX, Action{0, 0}}, // X
		{SlotO, Action{0, 2}}, // O
		{SlotX, Action{0, 1}}, // X
		{SlotO, Action{1, 0}}, // O
		{SlotX, Action{1, 2}}, // X
		{SlotO, Action{1, 1}}, // O
		{SlotX, Action{2, 1}}, // X
		{SlotO, Action{2, 2}}, // O
		{SlotX, Action{2, 0}}, // X
	}

	var result game.ActionResult
	for _, m := range seq {
		next, result = p.ApplyAction(next, m.slot, m.a)
	}

	require.True(t, result.Terminal)
	require.NotNil(t, result.Result)
	assert.Equal(t, game.EndReasonDraw, result.Result.Reason)
	assert.Nil(t, result.Result.Winner)

	finalState := next.(*State)
	assert.True(t, finalState.Draw)
	assert.Equal(t, 9, finalState.MoveCount)
}

func TestApplyActionAlternatesCurrentPlayer(t *testing.T) {
	p := New()
	var next any = p.InitialState()

	next, result := p.ApplyAction(next, SlotX, Action{Row: 0, Col: 0})
	assert.False(t, result.Terminal)
	assert.Equal(t, SlotO, result.NextToMove)
	assert.Equal(t, SlotO, next.(*State).CurrentPlayer)
}

func TestSpectatorPatchScenario(t *testing.T) {
	// Move 2 lands O at (1,1), leaving X to move next.
	p := New()
	var next any = p.InitialState()
	next, _ = p.ApplyAction(next, SlotX, Action{Row: 0, Col: 0})
	next, result := p.ApplyAction(next, SlotO, Action{Row: 1, Col: 1})

	st := next.(*State)
	assert.Equal(t, CellO, st.Board[1][1])
	assert.Equal(t, SlotX, st.CurrentPlayer)
	assert.Equal(t, 2, st.MoveCount)
	assert.Equal(t, &LastMove{Row: 1, Col: 1, Player: SlotO}, st.LastMove)
	assert.False(t, result.Terminal)
}

func TestNextSlotToMoveAlternates(t *testing.T) {
	p := New()
	assert.Equal(t, SlotO, p.NextSlotToMove(nil, SlotX))
	assert.Equal(t, SlotX, p.NextSlotToMove(nil, SlotO))
}

func TestLegalActionsExcludesOccupiedCells(t *testing.T) {
	p := New()
	st := p.InitialState().(*State)
	st.Board[0][0] = CellX

	actions := p.LegalActions(st, SlotX)
	for _, a := range actions {
		act := a.(Action)
		assert.False(t, act.Row == 0 && act.Col == 0)
	}
	assert.Len(t, actions, 8)
}
