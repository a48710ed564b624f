package matchmaking_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liku-ai/gamecoord/internal/game"
	"github.com/liku-ai/gamecoord/internal/game/tictactoe"
	"github.com/liku-ai/gamecoord/internal/matchmaking"
	"github.com/liku-ai/gamecoord/internal/protocol"
)

func newManagers(t *testing.T) (*game.Manager, *matchmaking.Manager) {
	t.Helper()
	gm := game.NewManager(nil, time.Hour)
	gm.RegisterProtocol(tictactoe.New())
	mm := matchmaking.New(gm, 30*time.Minute)
	return gm, mm
}

func TestHostProducesWellFormedCode(t *testing.T) {
	_, mm := newManagers(t)
	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)
	assert.True(t, len(ticket.Code) > len("LIKU-"))
	assert.Contains(t, ticket.Code, "LIKU-")
}

func TestJoinCreatesSessionAndAssignsSlots(t *testing.T) {
	_, mm := newManagers(t)
	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	result, mErr := mm.Join(ticket.Code, "guest-1", "Grace")
	require.Nil(t, mErr)
	assert.NotEmpty(t, result.SessionID)
	assert.Len(t, result.Slots, 2)
	assert.Contains(t, result.Slots, "host-1")
	assert.Contains(t, result.Slots, "guest-1")
	assert.NotEqual(t, result.Slots["host-1"], result.Slots["guest-1"])
}

func TestJoinIsCaseInsensitive(t *testing.T) {
	_, mm := newManagers(t)
	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	_, mErr := mm.Join(strings.ToLower(ticket.Code), "guest-1", "Grace")
	require.Nil(t, mErr)
}

func TestJoinRejectsUnknownCode(t *testing.T) {
	_, mm := newManagers(t)
	_, mErr := mm.Join("LIKU-ZZZZZ", "guest-1", "Grace")
	require.NotNil(t, mErr)
	assert.Equal(t, protocol.ErrNotFound, mErr.Kind)
}

func TestJoinRejectsSelfJoin(t *testing.T) {
	_, mm := newManagers(t)
	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	_, mErr := mm.Join(ticket.Code, "host-1", "Ada")
	require.NotNil(t, mErr)
	assert.Equal(t, protocol.ErrSelfJoin, mErr.Kind)
}

func TestJoinRejectsExpiredTicket(t *testing.T) {
	gm := game.NewManager(nil, time.Hour)
	gm.RegisterProtocol(tictactoe.New())
	mm := matchmaking.New(gm, -time.Minute) // already expired on creation

	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	_, mErr := mm.Join(ticket.Code, "guest-1", "Grace")
	require.NotNil(t, mErr)
	assert.Equal(t, protocol.ErrExpired, mErr.Kind)
}

func TestCancelRequiresHost(t *testing.T) {
	_, mm := newManagers(t)
	ticket, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	mErr := mm.Cancel(ticket.Code, "someone-else")
	require.NotNil(t, mErr)
	assert.Equal(t, protocol.ErrPermissionDenied, mErr.Kind)

	require.Nil(t, mm.Cancel(ticket.Code, "host-1"))
	_, mErr = mm.Join(ticket.Code, "guest-1", "Grace")
	require.NotNil(t, mErr)
	assert.Equal(t, protocol.ErrNotFound, mErr.Kind)
}

func TestListExcludesOwnTickets(t *testing.T) {
	_, mm := newManagers(t)
	_, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	assert.Empty(t, mm.List("host-1"))

	visible := mm.List("someone-else")
	assert.Len(t, visible, 1)
}

func TestSweepEvictsExpiredTickets(t *testing.T) {
	gm := game.NewManager(nil, time.Hour)
	gm.RegisterProtocol(tictactoe.New())
	mm := matchmaking.New(gm, time.Millisecond)

	_, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	evicted := mm.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, evicted)
	assert.Empty(t, mm.List("anyone"))
}

func TestHostReusesActiveTicketPerGame(t *testing.T) {
	_, mm := newManagers(t)
	first, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)

	second, err := mm.Host("host-1", "Ada", "tictactoe")
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
}

func TestHostBoundsSimultaneousTickets(t *testing.T) {
	_, mm := newManagers(t)
	for _, gt := range []string{"tictactoe", "chess", "checkers"} {
		_, err := mm.Host("host-1", "Ada", gt)
		require.NoError(t, err)
	}

	_, err := mm.Host("host-1", "Ada", "go")
	assert.Error(t, err)
}

func TestMatchSlotAssignmentIsCoinFlipped(t *testing.T) {
	gm := game.NewManager(nil, time.Hour)
	gm.RegisterProtocol(tictactoe.New())
	mm := matchmaking.New(gm, 30*time.Minute)

	hostSlots := map[game.Slot]bool{}
	starters := map[game.Slot]bool{}
	for i := 0; i < 50; i++ {
		host := fmt.Sprintf("host-%d", i)
		ticket, err := mm.Host(host, "Ada", "tictactoe")
		require.NoError(t, err)

		result, mErr := mm.Join(ticket.Code, fmt.Sprintf("guest-%d", i), "Grace")
		require.Nil(t, mErr)
		hostSlots[result.Slots[host]] = true
		starters[result.StartingSlot] = true
	}

	assert.Len(t, hostSlots, 2, "host should land on both slots across trials")
	assert.Len(t, starters, 2, "both slots should start across trials")
}
