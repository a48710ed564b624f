// Package chatroom implements the per-session moderated chat channel:
// one room auto-created per game session, plus standalone
// rooms, with roles, reactions, moderation, bounded retention, and its
// own per-user rate limiting independent of the transport-level limiter.
// It is grounded on the teacher's internal/v1/room chat_helpers.go
// (event construction shape, history/retention bookkeeping) generalized
// from a protobuf ChatEvent to a JSON-native Message, and adapted from
// "one chat bolted to a video room" to "many chat rooms, one per game
// session, each independently moderated."
package chatroom

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/liku-ai/gamecoord/internal/metrics"
	"github.com/liku-ai/gamecoord/internal/protocol"
)

// Role is a participant's standing within a room.
type Role string

const (
	RoleViewer    Role = "viewer"
	RolePlayer    Role = "player"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

// RoomType distinguishes a session-bound room from a standalone one.
type RoomType string

const (
	RoomGame   RoomType = "game"
	RoomLobby  RoomType = "lobby"
	RoomDirect RoomType = "direct"
)

// MessageType enumerates the kinds of chat message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageReaction MessageType = "reaction"
	MessageSystem   MessageType = "system"
	MessageEmote    MessageType = "emote"
	MessageWhisper  MessageType = "whisper"
)

const maxContentRunes = 500

// Message is one chat entry.
type Message struct {
	ID         string
	Type       MessageType
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	RoomID     string
	ReplyTo    string
	Metadata   map[string]any
}

// Reaction is one emoji attached to a message by a user.
type Reaction struct {
	UserID string
	Emoji  string
}

// participant is a room's per-member bookkeeping.
type participant struct {
	Role         Role
	JoinedAt     time.Time
	MuteExpiry   time.Time
	MessageCount int

	lastMessageAt time.Time
	windowStart   time.Time
	windowCount   int
	secondStart   time.Time
	secondCount   int
}

func (p *participant) isMuted(now time.Time) bool {
	return now.Before(p.MuteExpiry)
}

// Settings configures one room's policy.
type Settings struct {
	MaxParticipants  int
	SlowModeSeconds  int
	ReactionsAllowed bool
	WhispersAllowed  bool
	RetentionCount   int
	EmotesAllowed    bool

	MessagesPerSecond int
	MessagesPerMinute int
	BurstLimit        int
	BurstCooldown     time.Duration
}

// DefaultSettings returns the stock production defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxParticipants:   0, // unlimited
		SlowModeSeconds:   0,
		ReactionsAllowed:  true,
		WhispersAllowed:   true,
		RetentionCount:    500,
		EmotesAllowed:     true,
		MessagesPerSecond: 2,
		MessagesPerMinute: 30,
		BurstLimit:        5,
		BurstCooldown:     time.Second,
	}
}

// Event is a room-subscriber notification.
type Event struct {
	Type    string // message | reaction_add | reaction_remove | join | leave | moderation | typing
	RoomID  string
	Message *Message
	UserID  string
	Detail  string
}

// Room is one chat channel.
type Room struct {
	mu           sync.Mutex
	ID           string
	DisplayName  string
	Type         RoomType
	Settings     Settings
	participants map[string]*participant
	history      []*Message
	reactions    map[string][]Reaction // message-id -> reactions
	onEvent      func(Event)
	seq          int64
}

// Manager owns every live room, keyed by room id (for game rooms, the
// session id).
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{rooms: make(map[string]*Room)}
}

// CreateRoom allocates a room under id, or returns the existing one.
func (m *Manager) CreateRoom(id, displayName string, roomType RoomType, settings Settings, onEvent func(Event)) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		return r
	}
	r := &Room{
		ID:           id,
		DisplayName:  displayName,
		Type:         roomType,
		Settings:     settings,
		participants: make(map[string]*participant),
		reactions:    make(map[string][]Reaction),
		onEvent:      onEvent,
	}
	m.rooms[id] = r
	return r
}

// DeleteRoom removes a room and its history.
func (m *Manager) DeleteRoom(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}

// Get returns the room for id, if any.
func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (r *Room) emit(ev Event) {
	ev.RoomID = r.ID
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

func (r *Room) nextID() string {
	r.seq++
	return fmt.Sprintf("%s-%d", r.ID, r.seq)
}

// Join adds userID to the room under role. Re-joining updates the role.
func (r *Room) Join(userID string, role Role) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[userID]; !exists {
		if r.Settings.MaxParticipants > 0 && len(r.participants) >= r.Settings.MaxParticipants {
			return protocol.NewError(protocol.ErrNoFreeSlot, "room is at capacity")
		}
		r.participants[userID] = &participant{Role: role, JoinedAt: time.Now()}
	} else {
		r.participants[userID].Role = role
	}

	r.emit(Event{Type: "join", UserID: userID})
	return nil
}

// Leave removes userID from the room.
func (r *Room) Leave(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[userID]; !ok {
		return
	}
	delete(r.participants, userID)
	r.emit(Event{Type: "leave", UserID: userID})
}

func (r *Room) requireParticipant(userID string) (*participant, *protocol.Error) {
	p, ok := r.participants[userID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotInRoom, "not a participant of this room")
	}
	return p, nil
}

func validateContent(content string) (string, *protocol.Error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", protocol.NewError(protocol.ErrEmptyMessage, "message content must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxContentRunes {
		return "", protocol.NewError(protocol.ErrMessageTooLong, fmt.Sprintf("message content exceeds %d code points", maxContentRunes))
	}
	return trimmed, nil
}

// checkRate applies the sliding per-second/per-minute limits plus burst
// cooldown and slow-mode, mutating p's counters. now is passed in for
// deterministic tests.
func (r *Room) checkRate(p *participant, now time.Time) *protocol.Error {
	if r.Settings.SlowModeSeconds > 0 && !p.lastMessageAt.IsZero() {
		minInterval := time.Duration(r.Settings.SlowModeSeconds) * time.Second
		if now.Sub(p.lastMessageAt) < minInterval {
			wait := minInterval - now.Sub(p.lastMessageAt)
			return rateLimitedError("slow_mode", wait)
		}
	}

	if p.secondStart.IsZero() || now.Sub(p.secondStart) >= time.Second {
		p.secondStart = now
		p.secondCount = 0
	}
	if p.windowStart.IsZero() || now.Sub(p.windowStart) >= time.Minute {
		p.windowStart = now
		p.windowCount = 0
	}

	limit := r.Settings.MessagesPerSecond
	if limit > 0 && p.secondCount >= limit {
		burst := r.Settings.BurstLimit
		if burst > 0 && p.secondCount >= burst {
			return rateLimitedError("burst", r.Settings.BurstCooldown)
		}
		return rateLimitedError("messages_per_second", time.Second-now.Sub(p.secondStart))
	}
	if perMinute := r.Settings.MessagesPerMinute; perMinute > 0 && p.windowCount >= perMinute {
		return rateLimitedError("messages_per_minute", time.Minute-now.Sub(p.windowStart))
	}

	p.secondCount++
	p.windowCount++
	p.lastMessageAt = now
	return nil
}

func rateLimitedError(reason string, retryAfter time.Duration) *protocol.Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return protocol.NewError(protocol.ErrRateLimited, "chat rate limit exceeded").
		WithDetail(map[string]any{"reason": reason, "retryAfterMs": retryAfter.Milliseconds()})
}

func (r *Room) appendHistory(msg *Message) {
	r.history = append(r.history, msg)
	limit := r.Settings.RetentionCount
	if limit <= 0 {
		limit = 500
	}
	if len(r.history) > limit {
		dropped := r.history[:len(r.history)-limit]
		for _, d := range dropped {
			delete(r.reactions, d.ID)
		}
		r.history = r.history[len(r.history)-limit:]
	}
}

// SendText posts a text message from senderID.
func (r *Room) SendText(senderID, senderName, content string, replyTo string, now time.Time) (*Message, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, perr := r.requireParticipant(senderID)
	if perr != nil {
		return nil, perr
	}
	if p.isMuted(now) {
		return nil, protocol.NewError(protocol.ErrMuted, "you are muted in this room").
			WithDetail(map[string]any{"remainingMs": p.MuteExpiry.Sub(now).Milliseconds()})
	}
	trimmed, verr := validateContent(content)
	if verr != nil {
		return nil, verr
	}
	if rerr := r.checkRate(p, now); rerr != nil {
		metrics.RateLimitExceededTotal.WithLabelValues("chat").Inc()
		return nil, rerr
	}

	msg := &Message{
		ID:         r.nextID(),
		Type:       MessageText,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    trimmed,
		Timestamp:  now,
		RoomID:     r.ID,
		ReplyTo:    replyTo,
	}
	r.appendHistory(msg)
	p.MessageCount++
	metrics.ChatMessagesTotal.WithLabelValues(string(MessageText)).Inc()
	r.emit(Event{Type: "message", UserID: senderID, Message: msg})
	return msg, nil
}

// SendSystem posts a system-authored message with no rate limiting or
// participant check.
func (r *Room) SendSystem(content string, now time.Time) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &Message{ID: r.nextID(), Type: MessageSystem, Content: content, Timestamp: now, RoomID: r.ID}
	r.appendHistory(msg)
	metrics.ChatMessagesTotal.WithLabelValues(string(MessageSystem)).Inc()
	r.emit(Event{Type: "message", Message: msg})
	return msg
}

// SendEmote posts an emote-typed message, subject to the same participant,
// mute, and rate checks as text but gated on the room's emote setting.
func (r *Room) SendEmote(senderID, senderName, content string, now time.Time) (*Message, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Settings.EmotesAllowed {
		return nil, protocol.NewError(protocol.ErrPermissionDenied, "emotes are disabled in this room")
	}
	p, perr := r.requireParticipant(senderID)
	if perr != nil {
		return nil, perr
	}
	if p.isMuted(now) {
		return nil, protocol.NewError(protocol.ErrMuted, "you are muted in this room")
	}
	trimmed, verr := validateContent(content)
	if verr != nil {
		return nil, verr
	}
	if rerr := r.checkRate(p, now); rerr != nil {
		return nil, rerr
	}

	msg := &Message{
		ID:         r.nextID(),
		Type:       MessageEmote,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    trimmed,
		Timestamp:  now,
		RoomID:     r.ID,
	}
	r.appendHistory(msg)
	p.MessageCount++
	metrics.ChatMessagesTotal.WithLabelValues(string(MessageEmote)).Inc()
	r.emit(Event{Type: "message", UserID: senderID, Message: msg})
	return msg, nil
}

// SendWhisper delivers a message only to targetID; it is never added to
// room history.
func (r *Room) SendWhisper(senderID, senderName, targetID, content string, now time.Time) (*Message, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Settings.WhispersAllowed {
		return nil, protocol.NewError(protocol.ErrPermissionDenied, "whispers are disabled in this room")
	}
	p, perr := r.requireParticipant(senderID)
	if perr != nil {
		return nil, perr
	}
	if _, ok := r.participants[targetID]; !ok {
		return nil, protocol.NewError(protocol.ErrNotInRoom, "whisper target is not in this room")
	}
	if p.isMuted(now) {
		return nil, protocol.NewError(protocol.ErrMuted, "you are muted in this room")
	}
	trimmed, verr := validateContent(content)
	if verr != nil {
		return nil, verr
	}
	if rerr := r.checkRate(p, now); rerr != nil {
		return nil, rerr
	}

	msg := &Message{
		ID:         r.nextID(),
		Type:       MessageWhisper,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    trimmed,
		Timestamp:  now,
		RoomID:     r.ID,
		Metadata:   map[string]any{"targetId": targetID},
	}
	metrics.ChatMessagesTotal.WithLabelValues(string(MessageWhisper)).Inc()
	r.emit(Event{Type: "message", UserID: targetID, Message: msg})
	return msg, nil
}

// Typing notifies room subscribers that userID is composing a message. No
// history entry is written and no rate limit applies.
func (r *Room) Typing(userID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, perr := r.requireParticipant(userID); perr != nil {
		return perr
	}
	r.emit(Event{Type: "typing", UserID: userID})
	return nil
}

// AddReaction attaches emoji to messageID on behalf of userID.
func (r *Room) AddReaction(userID, messageID, emoji string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Settings.ReactionsAllowed {
		return protocol.NewError(protocol.ErrPermissionDenied, "reactions are disabled in this room")
	}
	if _, perr := r.requireParticipant(userID); perr != nil {
		return perr
	}
	if !r.hasMessage(messageID) {
		return protocol.NewError(protocol.ErrNotFound, "message not found")
	}

	for _, existing := range r.reactions[messageID] {
		if existing.UserID == userID && existing.Emoji == emoji {
			return nil // idempotent
		}
	}
	r.reactions[messageID] = append(r.reactions[messageID], Reaction{UserID: userID, Emoji: emoji})
	r.emit(Event{Type: "reaction_add", UserID: userID, Detail: messageID})
	return nil
}

// RemoveReaction detaches userID's emoji reaction from messageID.
func (r *Room) RemoveReaction(userID, messageID, emoji string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reacts := r.reactions[messageID]
	for i, existing := range reacts {
		if existing.UserID == userID && existing.Emoji == emoji {
			r.reactions[messageID] = append(reacts[:i], reacts[i+1:]...)
			r.emit(Event{Type: "reaction_remove", UserID: userID, Detail: messageID})
			return nil
		}
	}
	return protocol.NewError(protocol.ErrNotFound, "reaction not found")
}

func (r *Room) hasMessage(id string) bool {
	for _, m := range r.history {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (r *Room) requireModerator(callerID string) (*participant, *protocol.Error) {
	caller, ok := r.participants[callerID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotInRoom, "not a participant of this room")
	}
	if caller.Role != RoleModerator && caller.Role != RoleOwner {
		return nil, protocol.NewError(protocol.ErrPermissionDenied, "moderator role required")
	}
	return caller, nil
}

// Mute silences targetID for duration. Moderators/owners may not be
// muted by a peer moderator.
func (r *Room) Mute(callerID, targetID string, duration time.Duration, now time.Time) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, perr := r.requireModerator(callerID); perr != nil {
		return perr
	}
	target, ok := r.participants[targetID]
	if !ok {
		return protocol.NewError(protocol.ErrNotInRoom, "target is not a participant")
	}
	if target.Role == RoleModerator || target.Role == RoleOwner {
		return protocol.NewError(protocol.ErrPermissionDenied, "moderators and owners cannot be muted")
	}
	target.MuteExpiry = now.Add(duration)
	r.emit(Event{Type: "moderation", UserID: targetID, Detail: "mute"})
	return nil
}

// Unmute clears targetID's mute, if any.
func (r *Room) Unmute(callerID, targetID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, perr := r.requireModerator(callerID); perr != nil {
		return perr
	}
	target, ok := r.participants[targetID]
	if !ok {
		return protocol.NewError(protocol.ErrNotInRoom, "target is not a participant")
	}
	target.MuteExpiry = time.Time{}
	r.emit(Event{Type: "moderation", UserID: targetID, Detail: "unmute"})
	return nil
}

// Kick removes targetID from the room. Moderators/owners may not be
// kicked by a peer moderator.
func (r *Room) Kick(callerID, targetID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, perr := r.requireModerator(callerID); perr != nil {
		return perr
	}
	target, ok := r.participants[targetID]
	if !ok {
		return protocol.NewError(protocol.ErrNotInRoom, "target is not a participant")
	}
	if target.Role == RoleModerator || target.Role == RoleOwner {
		return protocol.NewError(protocol.ErrPermissionDenied, "moderators and owners cannot be kicked")
	}
	delete(r.participants, targetID)
	r.emit(Event{Type: "moderation", UserID: targetID, Detail: "kick"})
	return nil
}

// DeleteMessage removes a message and its reactions from history.
// Moderator-only.
func (r *Room) DeleteMessage(callerID, messageID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, perr := r.requireModerator(callerID); perr != nil {
		return perr
	}
	for i, m := range r.history {
		if m.ID == messageID {
			r.history = append(r.history[:i], r.history[i+1:]...)
			delete(r.reactions, messageID)
			r.emit(Event{Type: "moderation", UserID: callerID, Detail: "delete_message:" + messageID})
			return nil
		}
	}
	return protocol.NewError(protocol.ErrNotFound, "message not found")
}

// History returns a snapshot of the room's retained messages.
func (r *Room) History() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Message, len(r.history))
	copy(out, r.history)
	return out
}

// Reactions returns the reactions attached to messageID.
func (r *Room) Reactions(messageID string) []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reaction, len(r.reactions[messageID]))
	copy(out, r.reactions[messageID])
	return out
}

// ParticipantCount returns the number of members currently in the room.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
