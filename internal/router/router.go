// Package router implements the command dispatch table: it
// sanitizes the action name, resolves it against a closed namespace
// table (game_*, chess_*, matchmaking verbs, and a fixed universal key
// set), calls the matched handler, and wraps the result in the uniform
// ack/result/error envelope. It is grounded on the teacher's
// one-handler-per-event-type convention (internal/v1/session/handlers.go,
// internal/v1/room's handle* methods) generalized from a hand-written
// switch over a fixed protobuf event enum to a registered dispatch table
// over an open action namespace.
package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/liku-ai/gamecoord/internal/protocol"
)

// actionPattern whitelists lowercase alphanumeric and underscore action
// names.
var actionPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// universalActions is the closed set of non-game, non-namespaced keys
// for directional/menu navigation.
var universalActions = map[string]struct{}{
	"up": {}, "down": {}, "left": {}, "right": {},
	"enter": {}, "space": {}, "escape": {}, "menu": {},
}

// matchmakingActions is the closed set of matchmaking verbs.
var matchmakingActions = map[string]struct{}{
	"host_game": {}, "join_match": {}, "cancel_match": {}, "list_matches": {}, "spectate_match": {},
}

// UniversalActions returns the closed set of non-namespaced navigation
// keys, for callers wiring up their handler table at startup.
func UniversalActions() []string {
	out := make([]string, 0, len(universalActions))
	for a := range universalActions {
		out = append(out, a)
	}
	return out
}

// MatchmakingActions returns the closed set of matchmaking verbs.
func MatchmakingActions() []string {
	out := make([]string, 0, len(matchmakingActions))
	for a := range matchmakingActions {
		out = append(out, a)
	}
	return out
}

// RequestContext carries per-call identity/timing through to a Handler.
type RequestContext struct {
	ConnectionID string
	AgentID      string
	Now          time.Time
}

// Handler executes one sanitized action and returns either a result
// payload (wrapped in ResultFrame/AckFrame by the router) or a
// protocol.Error.
type Handler func(ctx RequestContext, in *protocol.Inbound) (any, *protocol.Error)

// Router owns the dispatch table and per-requestId idempotency cache.
type Router struct {
	mu       sync.Mutex
	handlers map[string]Handler

	idempotencyTTL time.Duration
	seen           map[string]idempotentEntry
}

type idempotentEntry struct {
	out     protocol.Outbound
	expires time.Time
}

// New builds an empty Router. idempotencyTTL bounds how long a
// requestId's result is remembered and replayed verbatim on retry
// (default 5s matches the client-side correlation timeout).
func New(idempotencyTTL time.Duration) *Router {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 5 * time.Second
	}
	return &Router{
		handlers:       make(map[string]Handler),
		idempotencyTTL: idempotencyTTL,
		seen:           make(map[string]idempotentEntry),
	}
}

// Register binds action (already lowercase/underscore form) to handler.
// Callers typically register a whole namespace's verbs at startup
// (game_* session actions, chess_* once that protocol exists,
// matchmaking verbs, universal keys).
func (r *Router) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// RegisterNamespace registers every verb in a map under prefix+verb
// (e.g. prefix "game_" turns {"move": h} into "game_move").
func (r *Router) RegisterNamespace(prefix string, verbs map[string]Handler) {
	for verb, h := range verbs {
		r.Register(prefix+verb, h)
	}
}

func sanitize(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// Dispatch sanitizes, resolves, and executes in against the registered
// table, returning the wire envelope to send back. It never panics on a
// bad handler return; malformed actions yield INVALID_KEY, and
// unregistered actions yield INVALID_ACTION with the valid set in the
// detail.
func (r *Router) Dispatch(ctx RequestContext, in *protocol.Inbound) protocol.Outbound {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMillis := now.UnixMilli()

	if in.RequestID != "" {
		if cached, ok := r.cached(in.RequestID, now); ok {
			return cached
		}
	}

	action, perr := r.resolveAction(in)
	if perr != nil {
		out := protocol.ErrorFrame(in.RequestID, perr, nowMillis)
		r.remember(in.RequestID, out, now)
		return out
	}

	r.mu.Lock()
	h, ok := r.handlers[action]
	var known []string
	if !ok {
		known = make([]string, 0, len(r.handlers))
		for a := range r.handlers {
			known = append(known, a)
		}
	}
	r.mu.Unlock()
	if !ok {
		err := protocol.NewError(protocol.ErrInvalidAction, "unknown action").
			WithDetail(map[string]any{"action": action, "valid": known})
		out := protocol.ErrorFrame(in.RequestID, err, nowMillis)
		r.remember(in.RequestID, out, now)
		return out
	}

	data, herr := safeCall(h, ctx, in)
	var out protocol.Outbound
	switch {
	case herr != nil:
		out = protocol.ErrorFrame(in.RequestID, herr, nowMillis)
	case data != nil:
		out = protocol.ResultFrame(in.RequestID, data, nowMillis)
	default:
		out = protocol.AckFrame(in.RequestID, nowMillis)
	}
	r.remember(in.RequestID, out, now)
	return out
}

// safeCall invokes a handler, converting a panic into INTERNAL so one bad
// handler never tears down the connection's read loop.
func safeCall(h Handler, ctx RequestContext, in *protocol.Inbound) (data any, herr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			herr = protocol.NewError(protocol.ErrInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h(ctx, in)
}

// resolveAction extracts the action name from the frame and validates
// it against the sanitization pattern and namespace table. The action
// name lives in the payload under "action" for InboundAction frames and
// under "key" for InboundKey frames; query/subscribe/ping frames carry
// their own type and never reach the action table.
func (r *Router) resolveAction(in *protocol.Inbound) (string, *protocol.Error) {
	var raw struct {
		Action string `json:"action"`
		Key    string `json:"key"`
	}
	if len(in.Payload) > 0 {
		_ = json.Unmarshal(in.Payload, &raw)
	}

	var candidate string
	switch in.Type {
	case protocol.InboundKey:
		candidate = raw.Key
	default:
		candidate = raw.Action
	}

	action := sanitize(candidate)
	if action == "" || !actionPattern.MatchString(action) {
		return "", protocol.NewError(protocol.ErrInvalidKey, "action contains invalid characters")
	}
	return action, nil
}

func (r *Router) cached(requestID string, now time.Time) (protocol.Outbound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.seen[requestID]
	if !ok || now.After(entry.expires) {
		return protocol.Outbound{}, false
	}
	return entry.out, true
}

func (r *Router) remember(requestID string, out protocol.Outbound, now time.Time) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[requestID] = idempotentEntry{out: out, expires: now.Add(r.idempotencyTTL)}
	r.sweepLocked(now)
}

// sweepLocked drops expired idempotency entries; called opportunistically
// on every remember to keep the map bounded without a separate timer.
func (r *Router) sweepLocked(now time.Time) {
	for id, entry := range r.seen {
		if now.After(entry.expires) {
			delete(r.seen, id)
		}
	}
}
