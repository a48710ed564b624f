package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnManagerAdvanceRoundRobins(t *testing.T) {
	tm := NewTurnManager([]Slot{"X", "O"}, 0, nil)
	assert.Equal(t, Slot("X"), tm.Current())
	assert.Equal(t, Slot("O"), tm.Advance())
	assert.Equal(t, Slot("X"), tm.Advance())
}

func TestTurnManagerFiresTimeoutForCurrentSlot(t *testing.T) {
	fired := make(chan Slot, 1)
	tm := NewTurnManager([]Slot{"X", "O"}, 20*time.Millisecond, func(s Slot) { fired <- s })
	tm.StartTimer()

	select {
	case s := <-fired:
		assert.Equal(t, Slot("X"), s)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestTurnManagerStopTimerCancelsPendingTimeout(t *testing.T) {
	fired := make(chan Slot, 1)
	tm := NewTurnManager([]Slot{"X", "O"}, 20*time.Millisecond, func(s Slot) { fired <- s })
	tm.StartTimer()
	tm.StopTimer()

	select {
	case <-fired:
		t.Fatal("timeout fired after StopTimer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTurnManagerRemoveSlotAdvancesPastRemoved(t *testing.T) {
	tm := NewTurnManager([]Slot{"X", "O"}, 0, nil)
	require.Equal(t, Slot("X"), tm.Current())
	tm.RemoveSlot("X")
	assert.Equal(t, Slot("O"), tm.Current())
}
