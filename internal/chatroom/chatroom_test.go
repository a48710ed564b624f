package chatroom_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liku-ai/gamecoord/internal/chatroom"
	"github.com/liku-ai/gamecoord/internal/protocol"
)

func newRoom(t *testing.T) (*chatroom.Manager, *chatroom.Room, *[]chatroom.Event) {
	t.Helper()
	mgr := chatroom.New()
	var events []chatroom.Event
	r := mgr.CreateRoom("session-1", "Session 1", chatroom.RoomGame, chatroom.DefaultSettings(), func(ev chatroom.Event) {
		events = append(events, ev)
	})
	return mgr, r, &events
}

func TestJoinThenSendTextSucceeds(t *testing.T) {
	_, r, events := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	msg, err := r.SendText("u1", "Ada", "hello there", "", time.Now())
	require.Nil(t, err)
	assert.Equal(t, "hello there", msg.Content)
	assert.Len(t, r.History(), 1)

	var sawJoin, sawMessage bool
	for _, ev := range *events {
		switch ev.Type {
		case "join":
			sawJoin = true
		case "message":
			sawMessage = true
		}
	}
	assert.True(t, sawJoin)
	assert.True(t, sawMessage)
}

func TestSendTextRejectsNonParticipant(t *testing.T) {
	_, r, _ := newRoom(t)
	_, err := r.SendText("stranger", "Nobody", "hi", "", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrNotInRoom, err.Kind)
}

func TestSendTextRejectsEmptyAfterTrim(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))
	_, err := r.SendText("u1", "Ada", "   ", "", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrEmptyMessage, err.Kind)
}

func TestSendTextRejectsOverLongContent(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	_, err := r.SendText("u1", "Ada", string(long), "", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrMessageTooLong, err.Kind)
}

func TestMutedUserCannotSend(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("mod", chatroom.RoleModerator))
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	now := time.Now()
	require.Nil(t, r.Mute("mod", "u1", time.Minute, now))

	_, err := r.SendText("u1", "Ada", "hello", "", now.Add(time.Second))
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrMuted, err.Kind)

	require.Nil(t, r.Unmute("mod", "u1"))
	_, err = r.SendText("u1", "Ada", "hello again", "", now.Add(2*time.Second))
	require.Nil(t, err)
}

func TestModeratorCannotMutePeerModerator(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("mod1", chatroom.RoleModerator))
	require.Nil(t, r.Join("mod2", chatroom.RoleModerator))

	err := r.Mute("mod1", "mod2", time.Minute, time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrPermissionDenied, err.Kind)
}

func TestNonModeratorCannotKick(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))
	require.Nil(t, r.Join("u2", chatroom.RolePlayer))

	err := r.Kick("u1", "u2")
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrPermissionDenied, err.Kind)
}

func TestKickRemovesParticipant(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("mod", chatroom.RoleModerator))
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	require.Nil(t, r.Kick("mod", "u1"))
	assert.Equal(t, 1, r.ParticipantCount())

	_, err := r.SendText("u1", "Ada", "hello", "", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrNotInRoom, err.Kind)
}

func TestWhisperIsNotAddedToHistory(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))
	require.Nil(t, r.Join("u2", chatroom.RolePlayer))

	_, err := r.SendWhisper("u1", "Ada", "u2", "psst", time.Now())
	require.Nil(t, err)
	assert.Empty(t, r.History())
}

func TestWhisperRejectsUnknownTarget(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	_, err := r.SendWhisper("u1", "Ada", "ghost", "psst", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrNotInRoom, err.Kind)
}

func TestAddAndRemoveReaction(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))
	require.Nil(t, r.Join("u2", chatroom.RolePlayer))

	msg, err := r.SendText("u1", "Ada", "hello", "", time.Now())
	require.Nil(t, err)

	require.Nil(t, r.AddReaction("u2", msg.ID, "👍"))
	assert.Len(t, r.Reactions(msg.ID), 1)

	require.Nil(t, r.RemoveReaction("u2", msg.ID, "👍"))
	assert.Empty(t, r.Reactions(msg.ID))
}

func TestDeleteMessageRequiresModerator(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("mod", chatroom.RoleModerator))
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	msg, err := r.SendText("u1", "Ada", "hello", "", time.Now())
	require.Nil(t, err)

	derr := r.DeleteMessage("u1", msg.ID)
	require.NotNil(t, derr)
	assert.Equal(t, protocol.ErrPermissionDenied, derr.Kind)

	require.Nil(t, r.DeleteMessage("mod", msg.ID))
	assert.Empty(t, r.History())
}

func TestRateLimitPerSecondTripsOnBurst(t *testing.T) {
	settings := chatroom.DefaultSettings()
	settings.MessagesPerSecond = 2
	settings.BurstLimit = 2

	mgr := chatroom.New()
	r := mgr.CreateRoom("s2", "S2", chatroom.RoomGame, settings, nil)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	now := time.Now()
	_, err := r.SendText("u1", "Ada", "one", "", now)
	require.Nil(t, err)
	_, err = r.SendText("u1", "Ada", "two", "", now)
	require.Nil(t, err)

	_, err = r.SendText("u1", "Ada", "three", "", now)
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrRateLimited, err.Kind)
}

func TestSlowModeEnforcesMinimumInterval(t *testing.T) {
	settings := chatroom.DefaultSettings()
	settings.SlowModeSeconds = 5

	mgr := chatroom.New()
	r := mgr.CreateRoom("s3", "S3", chatroom.RoomGame, settings, nil)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	now := time.Now()
	_, err := r.SendText("u1", "Ada", "one", "", now)
	require.Nil(t, err)

	_, err = r.SendText("u1", "Ada", "two", "", now.Add(time.Second))
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrRateLimited, err.Kind)

	_, err = r.SendText("u1", "Ada", "two", "", now.Add(6*time.Second))
	require.Nil(t, err)
}

func TestRetentionDropsOldestMessagesAndTheirReactions(t *testing.T) {
	settings := chatroom.DefaultSettings()
	settings.RetentionCount = 3
	settings.MessagesPerSecond = 0
	settings.MessagesPerMinute = 0
	settings.BurstLimit = 0

	mgr := chatroom.New()
	r := mgr.CreateRoom("s4", "S4", chatroom.RoomGame, settings, nil)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	var firstID string
	now := time.Now()
	for i := 0; i < 5; i++ {
		msg, err := r.SendText("u1", "Ada", "msg", "", now.Add(time.Duration(i)*time.Millisecond))
		require.Nil(t, err)
		if i == 0 {
			firstID = msg.ID
		}
	}

	history := r.History()
	assert.Len(t, history, 3)
	for _, m := range history {
		assert.NotEqual(t, firstID, m.ID)
	}
}

func TestDeleteRoomRemovesIt(t *testing.T) {
	mgr, r, _ := newRoom(t)
	mgr.DeleteRoom(r.ID)
	_, ok := mgr.Get(r.ID)
	assert.False(t, ok)
}

func TestTypingEmitsEventWithoutHistory(t *testing.T) {
	_, r, events := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	require.Nil(t, r.Typing("u1"))
	assert.Empty(t, r.History())

	var sawTyping bool
	for _, ev := range *events {
		if ev.Type == "typing" && ev.UserID == "u1" {
			sawTyping = true
		}
	}
	assert.True(t, sawTyping)
}

func TestTypingRequiresParticipant(t *testing.T) {
	_, r, _ := newRoom(t)
	err := r.Typing("stranger")
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrNotInRoom, err.Kind)
}

func TestEmoteRespectsRoomSetting(t *testing.T) {
	settings := chatroom.DefaultSettings()
	settings.EmotesAllowed = false

	mgr := chatroom.New()
	r := mgr.CreateRoom("s5", "S5", chatroom.RoomGame, settings, nil)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	_, err := r.SendEmote("u1", "Ada", "waves", time.Now())
	require.NotNil(t, err)
	assert.Equal(t, protocol.ErrPermissionDenied, err.Kind)
}

func TestEmoteAppendsToHistory(t *testing.T) {
	_, r, _ := newRoom(t)
	require.Nil(t, r.Join("u1", chatroom.RolePlayer))

	msg, err := r.SendEmote("u1", "Ada", "waves", time.Now())
	require.Nil(t, err)
	assert.Equal(t, chatroom.MessageEmote, msg.Type)
	assert.Len(t, r.History(), 1)
}
