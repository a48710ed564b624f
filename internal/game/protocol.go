package game

// ActionResult is what a Protocol reports after applying one action.
type ActionResult struct {
	Valid      bool
	Terminal   bool
	Result     *Result
	NextToMove Slot // zero value when Terminal is true
}

// Protocol is the per-game-type contract the session manager delegates
// to, so different games can plug in as different implementations of the
// same narrow surface: initial state, legal actions, legality check,
// apply, terminal check, and serialize/deserialize so state can travel
// over the wire and through jsonpatch.Diff without the session manager
// knowing its shape.
type Protocol interface {
	// GameType returns the tag this Protocol implements, e.g. "tictactoe".
	GameType() string

	// Slots returns the ordered, fixed set of player slots for this game.
	Slots() []Slot

	// InitialState returns a fresh game-state blob for a new session.
	InitialState() any

	// LegalActions enumerates the actions `slot` may currently take given
	// state. Used by query commands and by AI participants probing the
	// action space; not required for move validation (ApplyAction
	// independently validates).
	LegalActions(state any, slot Slot) []any

	// IsLegalMove reports whether action is legal for slot given state,
	// without mutating anything.
	IsLegalMove(state any, slot Slot, action any) bool

	// ApplyAction returns the state after slot takes action, plus the
	// outcome. Called only after the session manager has confirmed turn
	// order and IsLegalMove; Apply still revalidates defensively.
	ApplyAction(state any, slot Slot, action any) (newState any, result ActionResult)

	// NextSlotToMove computes whose turn follows the current one (used
	// by the turn manager for round-robin advancement independent of
	// ApplyAction's own NextToMove field, e.g. after a forfeit).
	NextSlotToMove(state any, current Slot) Slot
}
