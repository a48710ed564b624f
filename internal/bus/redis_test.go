package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Publish(context.Background(), "s1", "ev", map[string]string{}, "a1"))
	assert.NoError(t, svc.Close())
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	sessionID := "session-1"

	sub := svc.Client().Subscribe(ctx, "gamecoord:session:"+sessionID)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, sessionID, "move_applied", payload, "agent-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope Payload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))

	assert.Equal(t, sessionID, envelope.SessionID)
	assert.Equal(t, "move_applied", envelope.Event)
	assert.Equal(t, "agent-1", envelope.SenderID)

	var inner map[string]string
	require.NoError(t, json.Unmarshal(envelope.Data, &inner))
	assert.Equal(t, "bar", inner["foo"])
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := "session-sub"
	wg := &sync.WaitGroup{}

	received := make(chan Payload, 1)
	svc.Subscribe(ctx, sessionID, wg, func(p Payload) { received <- p })

	time.Sleep(50 * time.Millisecond)

	payload := Payload{SessionID: sessionID, Event: "chat_message", SenderID: "agent-2"}
	raw, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, "gamecoord:session:"+sessionID, raw)

	select {
	case p := <-received:
		assert.Equal(t, "chat_message", p.Event)
		assert.Equal(t, "agent-2", p.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestPublishAfterRedisDownDegradesGracefully(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "session-x", "event", map[string]string{}, "agent")
	}

	err := svc.Publish(ctx, "session-x", "event", map[string]string{}, "agent")
	assert.NoError(t, err, "publish must degrade gracefully rather than surface breaker errors")
}

func TestPingAfterRedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()
	defer func() { _ = svc.Close() }()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}
