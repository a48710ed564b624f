package main

import (
	"time"

	"github.com/liku-ai/gamecoord/internal/chatroom"
	"github.com/liku-ai/gamecoord/internal/game"
	"github.com/liku-ai/gamecoord/internal/protocol"
	"github.com/liku-ai/gamecoord/internal/router"
	"github.com/liku-ai/gamecoord/internal/spectate"
)

// registerHandlers wires every action namespace onto
// a.router: game session verbs, matchmaking verbs, chat verbs, a query
// action, and the universal navigation keys. Each handler body mirrors the
// teacher's one-handler-per-event-type convention (internal/v1/session/
// handlers.go), generalized from a protobuf event switch to this open,
// router-dispatched action table.
func (a *App) registerHandlers() {
	a.router.RegisterNamespace("game_", map[string]router.Handler{
		"create":  a.handleGameCreate,
		"join":    a.handleGameJoin,
		"ready":   a.handleGameReady,
		"move":    a.handleGameMove,
		"leave":   a.handleGameLeave,
		"rematch": a.handleGameRematch,
	})

	a.router.RegisterNamespace("chat_", map[string]router.Handler{
		"send":    a.handleChatSend,
		"whisper": a.handleChatWhisper,
		"react":   a.handleChatReact,
		"unreact": a.handleChatUnreact,
		"mute":    a.handleChatMute,
		"unmute":  a.handleChatUnmute,
		"kick":    a.handleChatKick,
		"delete":  a.handleChatDelete,
		"typing":  a.handleChatTyping,
		"emote":   a.handleChatEmote,
	})

	a.router.Register("host_game", a.handleHostGame)
	a.router.Register("join_match", a.handleJoinMatch)
	a.router.Register("cancel_match", a.handleCancelMatch)
	a.router.Register("list_matches", a.handleListMatches)
	a.router.Register("spectate_match", a.handleSpectateMatch)
	a.router.Register("spectate_quality", a.handleSpectateQuality)

	a.router.Register("query_state", a.handleQueryState)

	for _, key := range router.UniversalActions() {
		a.router.Register(key, handleUniversalKey)
	}
}

// handleUniversalKey acks the client-rendered navigation keys; they carry
// no server-side game semantics, only UI focus movement.
func handleUniversalKey(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
	return nil, nil
}

func (a *App) agentName(agentID string) string {
	if snap, ok := a.agents.Lookup(agentID); ok && snap.Name != "" {
		return snap.Name
	}
	return agentID
}

// --- game session handlers ---

type gameCreatePayload struct {
	GameType              string `json:"gameType"`
	Mode                  string `json:"mode"`
	TurnTimeBudgetSeconds int    `json:"turnTimeBudgetSeconds"`
	SpectatorAllowed      bool   `json:"spectatorAllowed"`
	StartPlayerPolicy     string `json:"startPlayerPolicy"`
	SlotAssignmentPolicy  string `json:"slotAssignmentPolicy"`
}

func (a *App) handleGameCreate(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameCreatePayload](in)
	if perr != nil {
		return nil, perr
	}

	budget := time.Duration(p.TurnTimeBudgetSeconds) * time.Second
	if budget <= 0 {
		if gcfg, ok := a.cfg.Games[p.GameType]; ok {
			budget = gcfg.TurnTimeBudget
		} else {
			budget = 30 * time.Second
		}
	}

	sess, gerr := a.games.CreateSession(game.CreateParams{
		GameType:             p.GameType,
		Mode:                 game.Mode(p.Mode),
		TurnTimeBudget:       budget,
		SpectatorAllowed:     p.SpectatorAllowed,
		StartPlayerPolicy:    game.StartPlayerPolicy(p.StartPlayerPolicy),
		SlotAssignmentPolicy: game.SlotAssignmentPolicy(p.SlotAssignmentPolicy),
	})
	if gerr != nil {
		return nil, gerr
	}

	a.chats.CreateRoom(sess.ID, sess.ID, chatroom.RoomGame, a.chatSettings(), a.onChatEvent)
	a.broadcaster(sess.ID, p.GameType)

	return sess.View(), nil
}

type gameJoinPayload struct {
	SessionID     string `json:"sessionId"`
	AsSpectator   bool   `json:"asSpectator"`
	PreferredSlot string `json:"preferredSlot"`
}

func (a *App) handleGameJoin(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameJoinPayload](in)
	if perr != nil {
		return nil, perr
	}

	if jerr := a.games.JoinSession(game.JoinParams{
		SessionID:     p.SessionID,
		AgentID:       ctx.AgentID,
		AsSpectator:   p.AsSpectator,
		PreferredSlot: game.Slot(p.PreferredSlot),
	}); jerr != nil {
		return nil, jerr
	}

	sess, ok := a.games.Get(p.SessionID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "session not found")
	}

	role := chatroom.RolePlayer
	if p.AsSpectator {
		role = chatroom.RoleViewer
		if aerr := a.attachSpectator(p.SessionID, sess.GameType, ctx.AgentID); aerr != nil {
			return nil, aerr
		}
	}
	if room, ok := a.chats.Get(p.SessionID); ok {
		_ = room.Join(ctx.AgentID, role)
	}

	return sess.View(), nil
}

type gameReadyPayload struct {
	SessionID string `json:"sessionId"`
	Ready     bool   `json:"ready"`
}

func (a *App) handleGameReady(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameReadyPayload](in)
	if perr != nil {
		return nil, perr
	}
	if err := a.games.ReadyToggle(p.SessionID, ctx.AgentID, p.Ready); err != nil {
		return nil, err
	}
	return nil, nil
}

type gameMovePayload struct {
	SessionID string `json:"sessionId"`
	Action    any    `json:"action"`
}

func (a *App) handleGameMove(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameMovePayload](in)
	if perr != nil {
		return nil, perr
	}

	start := time.Now()
	err := a.games.SubmitMove(game.SubmitMoveParams{SessionID: p.SessionID, AgentID: ctx.AgentID, Action: p.Action})
	a.agents.RecordCommand(ctx.AgentID, time.Since(start))
	if err != nil {
		return nil, err
	}
	return nil, nil
}

type gameLeavePayload struct {
	SessionID string `json:"sessionId"`
}

func (a *App) handleGameLeave(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameLeavePayload](in)
	if perr != nil {
		return nil, perr
	}
	if err := a.games.Leave(p.SessionID, ctx.AgentID); err != nil {
		return nil, err
	}
	if room, ok := a.chats.Get(p.SessionID); ok {
		room.Leave(ctx.AgentID)
	}
	return nil, nil
}

type gameRematchPayload struct {
	SessionID string `json:"sessionId"`
	SwapSlots bool   `json:"swapSlots"`
}

func (a *App) handleGameRematch(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[gameRematchPayload](in)
	if perr != nil {
		return nil, perr
	}
	if err := a.games.Rematch(p.SessionID, p.SwapSlots); err != nil {
		return nil, err
	}
	if sess, ok := a.games.Get(p.SessionID); ok {
		a.broadcaster(p.SessionID, sess.GameType)
	}
	return nil, nil
}

// --- matchmaking handlers ---

type hostGamePayload struct {
	GameType string `json:"gameType"`
}

func (a *App) handleHostGame(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[hostGamePayload](in)
	if perr != nil {
		return nil, perr
	}
	ticket, err := a.matches.Host(ctx.AgentID, a.agentName(ctx.AgentID), p.GameType)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return ticket, nil
}

type joinMatchPayload struct {
	Code string `json:"code"`
}

func (a *App) handleJoinMatch(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[joinMatchPayload](in)
	if perr != nil {
		return nil, perr
	}
	result, err := a.matches.Join(p.Code, ctx.AgentID, a.agentName(ctx.AgentID))
	if err != nil {
		return nil, err
	}

	if sess, ok := a.games.Get(result.SessionID); ok {
		a.chats.CreateRoom(sess.ID, sess.ID, chatroom.RoomGame, a.chatSettings(), a.onChatEvent)
		if room, ok := a.chats.Get(sess.ID); ok {
			for agentID := range result.Slots {
				_ = room.Join(agentID, chatroom.RolePlayer)
			}
		}
		a.broadcaster(sess.ID, sess.GameType)
	}

	// Both parties learn the coin-flip outcome: the guest through the
	// result frame, and every participant through a MatchFound event.
	found := protocol.EventFrame(map[string]any{
		"type":         "MatchFound",
		"code":         p.Code,
		"sessionId":    result.SessionID,
		"startingSlot": result.StartingSlot,
		"slots":        result.Slots,
	}, time.Now().UnixMilli())
	for agentID := range result.Slots {
		a.hub.SendToAgent(agentID, found)
	}
	return result, nil
}

type cancelMatchPayload struct {
	Code string `json:"code"`
}

func (a *App) handleCancelMatch(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[cancelMatchPayload](in)
	if perr != nil {
		return nil, perr
	}
	if err := a.matches.Cancel(p.Code, ctx.AgentID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleListMatches(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	return a.matches.List(ctx.AgentID), nil
}

type spectateMatchPayload struct {
	Code string `json:"code"`
}

func (a *App) handleSpectateMatch(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[spectateMatchPayload](in)
	if perr != nil {
		return nil, perr
	}
	ticket, ok := a.matches.Lookup(p.Code)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "match code not found")
	}
	if ticket.SessionID == "" {
		return nil, protocol.NewError(protocol.ErrNotInProgress, "match has not started yet")
	}
	sess, ok := a.games.Get(ticket.SessionID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "session not found")
	}
	if err := a.games.JoinSession(game.JoinParams{SessionID: ticket.SessionID, AgentID: ctx.AgentID, AsSpectator: true}); err != nil {
		return nil, err
	}
	if aerr := a.attachSpectator(ticket.SessionID, sess.GameType, ctx.AgentID); aerr != nil {
		return nil, aerr
	}
	if room, ok := a.chats.Get(ticket.SessionID); ok {
		_ = room.Join(ctx.AgentID, chatroom.RoleViewer)
	}
	return sess.View(), nil
}

type spectateQualityPayload struct {
	SessionID string `json:"sessionId"`
	Quality   string `json:"quality"`   // manual tier override when non-empty
	LatencyMs int    `json:"latencyMs"` // measured round-trip sample
}

// handleSpectateQuality lets a spectator report a measured round-trip
// latency (feeding automatic tier selection) or pin a tier manually.
func (a *App) handleSpectateQuality(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[spectateQualityPayload](in)
	if perr != nil {
		return nil, perr
	}
	a.specMu.Lock()
	b, ok := a.specs[p.SessionID]
	a.specMu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "no active broadcast for session")
	}

	latency := time.Duration(p.LatencyMs) * time.Millisecond
	if p.Quality != "" {
		b.SetQuality(ctx.AgentID, spectate.QualityTier(p.Quality), latency)
	} else if latency > 0 {
		b.ObserveLatency(ctx.AgentID, latency)
	}
	return nil, nil
}

// --- query ---

type queryStatePayload struct {
	SessionID string `json:"sessionId"`
}

func (a *App) handleQueryState(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[queryStatePayload](in)
	if perr != nil {
		return nil, perr
	}
	a.agents.RecordQuery(ctx.AgentID)
	sess, ok := a.games.Get(p.SessionID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "session not found")
	}
	return sess.View(), nil
}

// --- chat handlers ---

func (a *App) requireRoom(roomID string) (*chatroom.Room, *protocol.Error) {
	room, ok := a.chats.Get(roomID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "room not found")
	}
	return room, nil
}

type chatSendPayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	ReplyTo string `json:"replyTo"`
}

func (a *App) handleChatSend(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatSendPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	msg, err := room.SendText(ctx.AgentID, a.agentName(ctx.AgentID), p.Content, p.ReplyTo, time.Now())
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type chatEmotePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

func (a *App) handleChatEmote(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatEmotePayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	msg, err := room.SendEmote(ctx.AgentID, a.agentName(ctx.AgentID), p.Content, time.Now())
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type chatWhisperPayload struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId"`
	Content  string `json:"content"`
}

func (a *App) handleChatWhisper(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatWhisperPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	msg, err := room.SendWhisper(ctx.AgentID, a.agentName(ctx.AgentID), p.TargetID, p.Content, time.Now())
	if err != nil {
		return nil, err
	}
	a.hub.SendToAgent(p.TargetID, protocol.EventFrame(chatroom.Event{Type: "message", RoomID: p.RoomID, Message: msg}, time.Now().UnixMilli()))
	return msg, nil
}

type chatTypingPayload struct {
	RoomID string `json:"roomId"`
}

func (a *App) handleChatTyping(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatTypingPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.Typing(ctx.AgentID); err != nil {
		return nil, err
	}
	return nil, nil
}

type chatReactPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func (a *App) handleChatReact(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatReactPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.AddReaction(ctx.AgentID, p.MessageID, p.Emoji); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleChatUnreact(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatReactPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.RemoveReaction(ctx.AgentID, p.MessageID, p.Emoji); err != nil {
		return nil, err
	}
	return nil, nil
}

type chatModerationPayload struct {
	RoomID          string `json:"roomId"`
	TargetID        string `json:"targetId"`
	DurationSeconds int    `json:"durationSeconds"`
}

func (a *App) handleChatMute(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatModerationPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	duration := time.Duration(p.DurationSeconds) * time.Second
	if err := room.Mute(ctx.AgentID, p.TargetID, duration, time.Now()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleChatUnmute(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatModerationPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.Unmute(ctx.AgentID, p.TargetID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *App) handleChatKick(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatModerationPayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.Kick(ctx.AgentID, p.TargetID); err != nil {
		return nil, err
	}
	return nil, nil
}

type chatDeletePayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (a *App) handleChatDelete(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
	p, perr := protocol.AssertPayload[chatDeletePayload](in)
	if perr != nil {
		return nil, perr
	}
	room, rerr := a.requireRoom(p.RoomID)
	if rerr != nil {
		return nil, rerr
	}
	if err := room.DeleteMessage(ctx.AgentID, p.MessageID); err != nil {
		return nil, err
	}
	return nil, nil
}
