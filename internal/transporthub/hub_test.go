package transporthub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/set"

	"github.com/liku-ai/gamecoord/internal/protocol"
	"github.com/liku-ai/gamecoord/internal/ratelimit"
	"github.com/liku-ai/gamecoord/internal/router"
)

// TestMain verifies that nothing in this package leaks goroutines: the hub
// spawns readPump/writePump per connection, and a leaked pump would hang
// around a closed connection forever.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is an in-memory stand-in for *websocket.Conn.
type fakeConn struct {
	mu         sync.Mutex
	inbound    [][]byte
	readIdx    int
	closed     bool
	writes     [][]byte
	writeTypes []int
	pongFn     func(string) error
	writeErr   error
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readIdx >= len(f.inbound) {
		return 0, nil, io.EOF
	}
	data := f.inbound[f.readIdx]
	f.readIdx++
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	f.writeTypes = append(f.writeTypes, messageType)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(limit int64)           {}
func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.pongFn = h
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestConnection(h *Hub, fc *fakeConn) *Connection {
	return &Connection{
		ID:            "conn-1",
		conn:          fc,
		send:          make(chan protocol.Outbound, 32),
		hub:           h,
		connectAt:     time.Now(),
		lastActivity:  time.Now(),
		subscriptions: set.New[string](),
	}
}

func inboundFrame(typ protocol.InboundType, payload any, requestID string) []byte {
	raw, _ := json.Marshal(payload)
	in := protocol.Inbound{Type: typ, Payload: raw, RequestID: requestID}
	data, _ := json.Marshal(in)
	return data
}

func TestReadPumpDecodesAndDispatchesThroughRouter(t *testing.T) {
	r := router.New(time.Second)
	calls := 0
	r.Register("game_move", func(ctx router.RequestContext, in *protocol.Inbound) (any, *protocol.Error) {
		calls++
		return map[string]any{"ok": true}, nil
	})

	h := New(Config{Router: r})
	fc := &fakeConn{inbound: [][]byte{inboundFrame(protocol.InboundAction, map[string]string{"action": "game_move"}, "req-1")}}
	c := newTestConnection(h, fc)

	h.readPump(c)

	require.Equal(t, 1, calls)
}

func TestReadPumpRejectsMalformedJSON(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{inbound: [][]byte{[]byte("{not json")}}
	c := newTestConnection(h, fc)

	h.readPump(c)

	select {
	case out := <-c.send:
		assert.Equal(t, protocol.OutboundError, out.Type)
	default:
		t.Fatal("expected an error frame to be queued")
	}
}

func TestReadPumpClosesOversizeFrameWithPolicyViolation(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{inbound: [][]byte{make([]byte, MaxPayloadBytes+1)}}
	c := newTestConnection(h, fc)

	h.readPump(c)

	fc.mu.Lock()
	types := append([]int(nil), fc.writeTypes...)
	fc.mu.Unlock()
	require.Contains(t, types, websocket.CloseMessage)
	assert.Empty(t, c.send, "no app-level error frame for a protocol violation")
}

func TestReadPumpPingBypassesRateLimiter(t *testing.T) {
	limiter := &denyingLimiter{}
	h := New(Config{Limiter: limiter})
	fc := &fakeConn{inbound: [][]byte{inboundFrame(protocol.InboundPing, map[string]string{}, "req-ping")}}
	c := newTestConnection(h, fc)

	h.readPump(c)

	assert.Equal(t, 0, limiter.calls)
	select {
	case out := <-c.send:
		assert.Equal(t, protocol.OutboundPong, out.Type)
	default:
		t.Fatal("expected a pong frame")
	}
}

func TestReadPumpHonorsRateLimitDenial(t *testing.T) {
	limiter := &denyingLimiter{deny: true}
	r := router.New(time.Second)
	r.Register("game_move", func(router.RequestContext, *protocol.Inbound) (any, *protocol.Error) { return "nope", nil })
	h := New(Config{Limiter: limiter, Router: r})
	fc := &fakeConn{inbound: [][]byte{inboundFrame(protocol.InboundAction, map[string]string{"action": "game_move"}, "req-2")}}
	c := newTestConnection(h, fc)

	h.readPump(c)

	select {
	case out := <-c.send:
		assert.Equal(t, protocol.OutboundError, out.Type)
	default:
		t.Fatal("expected rate-limited error frame")
	}
}

func TestSubscriptionWildcardMatchesEverything(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{}
	c := newTestConnection(h, fc)
	c.Subscribe("*")
	assert.True(t, c.subscribedTo("anything"))
	assert.True(t, c.subscribedTo("state"))
}

func TestStateTopicIsAlwaysImplicit(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{}
	c := newTestConnection(h, fc)
	assert.True(t, c.subscribedTo("state"))
	assert.False(t, c.subscribedTo("chat"))
}

func TestSubscribeUnsubscribeRoundtrip(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{}
	c := newTestConnection(h, fc)
	c.Subscribe("chat")
	assert.True(t, c.subscribedTo("chat"))
	c.Unsubscribe("chat")
	assert.False(t, c.subscribedTo("chat"))
}

func TestWritePumpEncodesQueuedFrames(t *testing.T) {
	h := New(Config{HeartbeatInterval: time.Hour})
	fc := &fakeConn{}
	c := newTestConnection(h, fc)

	c.Send(protocol.AckFrame("req-1", time.Now().UnixMilli()))
	close(c.send)

	h.writePump(c)
	assert.GreaterOrEqual(t, fc.writeCount(), 1)
	assert.True(t, fc.closed)
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	h := New(Config{})
	fc := &fakeConn{}
	c := &Connection{ID: "conn-2", conn: fc, send: make(chan protocol.Outbound, 1), hub: h, subscriptions: set.New[string]()}
	c.Send(protocol.AckFrame("a", 0))
	c.Send(protocol.AckFrame("b", 0)) // buffer full, should be dropped silently
	assert.Len(t, c.send, 1)
}

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	req := newRequestWithQuery(t, "token=abc123")
	req.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", extractToken(req))
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	req := newRequestWithQuery(t, "token=abc123")
	assert.Equal(t, "abc123", extractToken(req))
}

// --- test helpers below ---

func newRequestWithQuery(t *testing.T, rawQuery string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ws?"+rawQuery, nil)
	return req
}

type denyingLimiter struct {
	deny  bool
	calls int
}

func (d *denyingLimiter) Allow(ctx context.Context, connID string) (ratelimit.Decision, error) {
	d.calls++
	if d.deny {
		return ratelimit.Decision{Allowed: false, Reason: "rate", RetryAfter: time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func (d *denyingLimiter) Forget(connID string) {}
