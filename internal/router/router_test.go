package router_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liku-ai/gamecoord/internal/protocol"
	"github.com/liku-ai/gamecoord/internal/router"
)

func inboundAction(action string, requestID string) *protocol.Inbound {
	payload, _ := json.Marshal(map[string]string{"action": action})
	return &protocol.Inbound{Type: protocol.InboundAction, Payload: payload, RequestID: requestID}
}

func TestDispatchCallsRegisteredHandler(t *testing.T) {
	r := router.New(time.Second)
	called := false
	r.Register("game_move", func(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
		called = true
		assert.Equal(t, "agent-1", ctx.AgentID)
		return map[string]any{"ok": true}, nil
	})

	out := r.Dispatch(router.RequestContext{AgentID: "agent-1", Now: time.Now()}, inboundAction("game_move", "req-1"))
	assert.True(t, called)
	assert.Equal(t, protocol.OutboundResult, out.Type)
	assert.Equal(t, "req-1", out.RequestID)
}

func TestDispatchReturnsAckWhenHandlerHasNoData(t *testing.T) {
	r := router.New(time.Second)
	r.Register("game_ready", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		return nil, nil
	})

	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_ready", "req-2"))
	assert.Equal(t, protocol.OutboundAck, out.Type)
}

func TestDispatchUnknownActionFailsInvalidAction(t *testing.T) {
	r := router.New(time.Second)
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("nonexistent_thing", "req-3"))
	assert.Equal(t, protocol.OutboundError, out.Type)
}

func TestDispatchRejectsNonSanitizedAction(t *testing.T) {
	r := router.New(time.Second)
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		return "should not run", nil
	})
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move; DROP TABLE", "req-4"))
	assert.Equal(t, protocol.OutboundError, out.Type)
}

func TestDispatchLowercasesBeforeMatching(t *testing.T) {
	r := router.New(time.Second)
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		return map[string]any{"ok": true}, nil
	})
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("GAME_MOVE", "req-5"))
	assert.Equal(t, protocol.OutboundResult, out.Type)
}

func TestDispatchReplaysCachedResultForDuplicateRequestID(t *testing.T) {
	r := router.New(time.Minute)
	calls := 0
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		calls++
		return map[string]any{"n": calls}, nil
	})

	first := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move", "req-dup"))
	second := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move", "req-dup"))

	require.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestDispatchExpiresIdempotencyAfterTTL(t *testing.T) {
	r := router.New(10 * time.Millisecond)
	calls := 0
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		calls++
		return map[string]any{"n": calls}, nil
	})

	base := time.Now()
	r.Dispatch(router.RequestContext{Now: base}, inboundAction("game_move", "req-exp"))
	r.Dispatch(router.RequestContext{Now: base.Add(time.Second)}, inboundAction("game_move", "req-exp"))

	assert.Equal(t, 2, calls)
}

func TestRegisterNamespacePrefixesVerbs(t *testing.T) {
	r := router.New(time.Second)
	r.RegisterNamespace("game_", map[string]router.Handler{
		"move": func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) { return "moved", nil },
	})
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move", "req-6"))
	assert.Equal(t, protocol.OutboundResult, out.Type)
}

func TestHandlerErrorProducesErrorFrame(t *testing.T) {
	r := router.New(time.Second)
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		return nil, protocol.NewError(protocol.ErrIllegalMove, "cell occupied")
	})
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move", "req-7"))
	assert.Equal(t, protocol.OutboundError, out.Type)
}

func TestUniversalAndMatchmakingActionListsAreNonEmpty(t *testing.T) {
	assert.NotEmpty(t, router.UniversalActions())
	assert.NotEmpty(t, router.MatchmakingActions())
}

func TestKeyFrameResolvesActionFromKeyField(t *testing.T) {
	r := router.New(time.Second)
	r.Register("up", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		return "moved-up", nil
	})
	payload, _ := json.Marshal(map[string]string{"key": "up"})
	in := &protocol.Inbound{Type: protocol.InboundKey, Payload: payload, RequestID: "req-8"}
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, in)
	assert.Equal(t, protocol.OutboundResult, out.Type)
}

func TestHandlerPanicSurfacesAsInternal(t *testing.T) {
	r := router.New(time.Second)
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) {
		panic("boom")
	})
	out := r.Dispatch(router.RequestContext{Now: time.Now()}, inboundAction("game_move", "req-9"))
	require.Equal(t, protocol.OutboundError, out.Type)
}
