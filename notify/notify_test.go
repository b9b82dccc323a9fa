package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/types"
)

type memMessages struct {
	mu   sync.Mutex
	msgs []*types.Message
	err  error
}

func (m *memMessages) AppendMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	msgs   []*types.Message
	events []types.Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) PublishMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) PublishEvent(_ context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestDispatcher_SendPersistsThenFansOut(t *testing.T) {
	store := &memMessages{}
	sink := &recordingSink{}
	d := NewDispatcher(store, fixedNow, zap.NewNop(), NewLogSink(zap.NewNop()), sink)

	msg, err := d.SendAgentMessage(context.Background(), "analyst-1", Outgoing{
		RoomID:  "room-1",
		TaskID:  "task-1",
		Content: "analysis ready",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, types.SenderAgent, msg.SenderType)
	assert.Equal(t, "analyst-1", msg.SenderID)
	assert.Equal(t, types.MessageText, msg.Kind)
	assert.Equal(t, fixedNow(), msg.CreatedAt)
	require.Len(t, store.msgs, 1)
	require.Len(t, sink.msgs, 1)
	assert.Same(t, store.msgs[0], sink.msgs[0])
}

func TestDispatcher_SenderTypes(t *testing.T) {
	store := &memMessages{}
	d := NewDispatcher(store, nil, nil)
	ctx := context.Background()

	sys, err := d.SendSystemMessage(ctx, Outgoing{RoomID: "r", Content: "a", Kind: types.MessageApprovalRequest})
	require.NoError(t, err)
	user, err := d.SendUserMessage(ctx, "u-1", Outgoing{RoomID: "r", Content: "b"})
	require.NoError(t, err)

	assert.Equal(t, types.SenderSystem, sys.SenderType)
	assert.Empty(t, sys.SenderID)
	assert.Equal(t, types.MessageApprovalRequest, sys.Kind)
	assert.Equal(t, types.SenderUser, user.SenderType)
	assert.Equal(t, "u-1", user.SenderID)
}

func TestDispatcher_StoreFailureIsReturned(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(&memMessages{err: errors.New("disk full")}, fixedNow, nil, sink)

	_, err := d.SendSystemMessage(context.Background(), Outgoing{RoomID: "r", Content: "x"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInternalError))
	assert.Empty(t, sink.msgs, "nothing is pushed for an unpersisted message")
}

func TestDispatcher_SinkFailureIsSwallowed(t *testing.T) {
	bad := &recordingSink{err: errors.New("broken pipe")}
	good := &recordingSink{}
	d := NewDispatcher(&memMessages{}, fixedNow, nil, bad, good)

	_, err := d.SendSystemMessage(context.Background(), Outgoing{RoomID: "r", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, d.EmitEvent(context.Background(), types.Event{Type: types.EventTaskStarted, RoomID: "r"}))

	assert.Len(t, good.msgs, 1)
	require.Len(t, good.events, 1)
	assert.Equal(t, fixedNow(), good.events[0].Timestamp, "zero timestamps are stamped")
}

func TestRedisSink_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "test", zap.NewNop())
	assert.Equal(t, "test:room:r1", sink.Channel("r1"))

	ctx := context.Background()
	sub := client.Subscribe(ctx, sink.Channel("r1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.PublishEvent(ctx, types.Event{
		Type:   types.EventTaskCompleted,
		TaskID: "t1",
		RoomID: "r1",
	}))

	select {
	case m := <-sub.Channel():
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &env))
		assert.Equal(t, EnvelopeEvent, env.Type)
		require.NotNil(t, env.Event)
		assert.Equal(t, types.EventTaskCompleted, env.Event.Type)
		assert.Equal(t, "t1", env.Event.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: addr})
	require.Error(t, err)
}

func TestRedisSink_RelayIntoHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(nil)
	sink := NewRedisSink(client, "", nil)
	sub := hub.subscribe("r9")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Relay(ctx, hub) }()

	require.Eventually(t, func() bool {
		n, err := client.Do(context.Background(), "PUBSUB", "NUMPAT").Int()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sink.PublishMessage(context.Background(), &types.Message{ID: "m1", RoomID: "r9", Content: "hi"}))

	select {
	case payload := <-sub.ch:
		assert.Contains(t, string(payload), `"m1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not forward")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	hub.buffer = 1
	sub := hub.subscribe("r")
	assert.Equal(t, 1, hub.Subscribers("r"))

	hub.Broadcast("r", []byte("1"))
	hub.Broadcast("r", []byte("2"))

	assert.Equal(t, 0, hub.Subscribers("r"))
	assert.Equal(t, []byte("1"), <-sub.ch)
	_, open := <-sub.ch
	assert.False(t, open)
}

func TestHub_ServeStreamsRoomEnvelopes(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(r.Context(), w, r, r.URL.Query().Get("room"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?room=r1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Subscribers("r1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.PublishEvent(ctx, types.Event{Type: types.EventTaskStarted, RoomID: "other"}))
	require.NoError(t, hub.PublishMessage(ctx, &types.Message{ID: "m1", RoomID: "r1", Content: "hello"}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EnvelopeMessage, env.Type)
	require.NotNil(t, env.Message)
	assert.Equal(t, "hello", env.Message.Content)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Subscribers("r1") == 0 }, 2*time.Second, 5*time.Millisecond)
}
