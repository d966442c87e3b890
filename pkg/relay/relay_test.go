package relay

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codecollab/pkg/crdt"
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) received() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestDispatchSkipsOwnOrigin(t *testing.T) {
	c := &collector{}
	own, _ := json.Marshal(Envelope{Origin: "n1", RoomID: "r"})
	other, _ := json.Marshal(Envelope{Origin: "n2", RoomID: "r"})
	noRoom, _ := json.Marshal(Envelope{Origin: "n2"})
	elsewhere, _ := json.Marshal(Envelope{Kind: KindState, Origin: "n2", Target: "n3", RoomID: "r"})
	addressed, _ := json.Marshal(Envelope{Kind: KindState, Origin: "n2", Target: "n1", RoomID: "r"})

	dispatch(zap.NewNop(), "n1", own, c.handle)
	dispatch(zap.NewNop(), "n1", elsewhere, c.handle)
	dispatch(zap.NewNop(), "n1", []byte("{not json"), c.handle)
	dispatch(zap.NewNop(), "n1", noRoom, c.handle)
	dispatch(zap.NewNop(), "n1", other, c.handle)
	dispatch(zap.NewNop(), "n1", addressed, c.handle)

	envs := c.received()
	require.Len(t, envs, 2)
	assert.Equal(t, "n2", envs[0].Origin)
	assert.Equal(t, KindState, envs[1].Kind)
}

func TestBusDeliversToOtherNodes(t *testing.T) {
	bus := NewBus()
	a := bus.Node("a", zap.NewNop())
	b := bus.Node("b", zap.NewNop())
	ca, cb := &collector{}, &collector{}
	require.NoError(t, a.Start(context.Background(), ca.handle))
	require.NoError(t, b.Start(context.Background(), cb.handle))

	op := crdt.Operation{ID: "u:1", UserID: "u", Kind: crdt.Insert, Character: "x", After: crdt.Head}
	require.NoError(t, a.Publish(context.Background(), Envelope{
		RoomID:    "room",
		Payload:   json.RawMessage(`{"type":"CODE_UPDATE"}`),
		FileID:    "main.go",
		Operation: &op,
	}))

	assert.Empty(t, ca.received())
	got := cb.received()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Origin)
	assert.Equal(t, "main.go", got[0].FileID)
	require.NotNil(t, got[0].Operation)
	assert.Equal(t, op, *got[0].Operation)
	assert.JSONEq(t, `{"type":"CODE_UPDATE"}`, string(got[0].Payload))

	require.NoError(t, b.Close())
	require.NoError(t, a.Publish(context.Background(), Envelope{RoomID: "room"}))
	assert.Len(t, cb.received(), 1)
}

func TestPresenceKey(t *testing.T) {
	assert.Equal(t, "collab:presence:room-1:alice", PresenceKey("room-1", "alice"))
	assert.Equal(t, "collab.room.room-1", Subject("room-1"))
}

func exerciseRelay(t *testing.T, a, b Relay) {
	cb := &collector{}
	require.NoError(t, b.Start(context.Background(), cb.handle))
	require.NoError(t, a.Start(context.Background(), func(Envelope) {}))

	room := uuid.NewString()
	require.NoError(t, a.Publish(context.Background(), Envelope{RoomID: room, Payload: json.RawMessage(`{}`)}))
	require.Eventually(t, func() bool {
		for _, env := range cb.received() {
			if env.RoomID == room {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, a.SetPresence(context.Background(), room, "alice", true))
	require.NoError(t, a.SetPresence(context.Background(), room, "alice", false))
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	a, err := NewRedisRelay(context.Background(), addr, "", 0, "a", zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisRelay(context.Background(), addr, "", 0, "b", zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	exerciseRelay(t, a, b)
}

func TestNatsRelay(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	a, err := NewNatsRelay(url, "a", zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNatsRelay(url, "b", zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	exerciseRelay(t, a, b)
}
