package game

import (
	"sync"
	"time"
)

// TurnManager is a session-scoped round-robin turn scheduler. It guards
// order/current with its own mutex, independent of the session lock.
type TurnManager struct {
	mu      sync.Mutex
	order   []Slot
	current int // index into order
	budget  time.Duration
	timer   *time.Timer
	onTimeout func(Slot)
}

// NewTurnManager builds a turn manager for a fixed slot order with a
// per-turn time budget. budget <= 0 disables the timer.
func NewTurnManager(order []Slot, budget time.Duration, onTimeout func(Slot)) *TurnManager {
	return &TurnManager{order: order, current: 0, budget: budget, onTimeout: onTimeout}
}

// Current returns the slot whose turn it currently is.
func (t *TurnManager) Current() Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return ""
	}
	return t.order[t.current%len(t.order)]
}

// Advance moves to the next slot in round-robin order and (re)starts the
// per-turn timer.
func (t *TurnManager) Advance() Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return ""
	}
	t.current = (t.current + 1) % len(t.order)
	t.startTimerLocked()
	return t.order[t.current]
}

// StartTimer (re)arms the per-turn timer for the current slot. Safe to
// call when budget <= 0 (no-op).
func (t *TurnManager) StartTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTimerLocked()
}

func (t *TurnManager) startTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.budget <= 0 || t.onTimeout == nil || len(t.order) == 0 {
		return
	}
	slot := t.order[t.current]
	t.timer = time.AfterFunc(t.budget, func() { t.onTimeout(slot) })
}

// StopTimer cancels any pending per-turn timeout, called when the session
// transitions to finished or paused.
func (t *TurnManager) StopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// RemoveSlot drops a slot from the rotation (a player forfeits by
// leaving); if it was the current turn, the turn passes to the next slot.
func (t *TurnManager) RemoveSlot(slot Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, s := range t.order {
		if s == slot {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	t.order = append(t.order[:idx], t.order[idx+1:]...)
	if len(t.order) == 0 {
		t.current = 0
		return
	}
	if idx < t.current {
		t.current--
	}
	if t.current >= len(t.order) {
		t.current = 0
	}
}
