package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codecollab/pkg/db"
	"codecollab/pkg/executor"
	"codecollab/pkg/oplog"
	"codecollab/pkg/room"
)

type frame map[string]interface{}

func newTestServer(t *testing.T) (*httptest.Server, *room.Hub) {
	t.Helper()
	return newTestServerWith(t, db.NewMemoryRoomStore(), Options{JoinTimeout: 2 * time.Second})
}

func newTestServerWith(t *testing.T, store db.IRoomStore, opts Options) (*httptest.Server, *room.Hub) {
	t.Helper()
	hub := room.NewHub(store, nil, oplog.New(0), room.Options{PersistInterval: time.Hour}, zap.NewNop())
	h := NewHandlers(hub, executor.NewRunner(2*time.Second, zap.NewNop()), opts, zap.NewNop())
	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/code?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readType(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		f := read(t, conn)
		if f["type"] == typ {
			return f
		}
	}
}

func TestHandshakeRejectsMissingParams(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dial(t, srv, "roomId=r1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData), "got %v", err)
	assert.Zero(t, hub.SessionCount())
}

// stalledStore never answers a room load before the caller gives up.
type stalledStore struct {
	db.IRoomStore
}

func (stalledStore) LoadRoom(ctx context.Context, _ string) (*db.Room, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestJoinTimeoutClosesConnection(t *testing.T) {
	srv, hub := newTestServerWith(t, stalledStore{db.NewMemoryRoomStore()}, Options{JoinTimeout: 200 * time.Millisecond})
	start := time.Now()
	conn := dial(t, srv, "roomId=r1&username=alice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, hub.SessionCount())
	assert.Empty(t, hub.ActiveUsers("r1"))
}

func TestWebSocketEditFlow(t *testing.T) {
	srv, hub := newTestServer(t)
	alice := dial(t, srv, "roomId=r1&username=alice")
	f := read(t, alice)
	assert.Equal(t, room.TypeUsersList, f["type"])

	bob := dial(t, srv, "roomId=r1&username=bob")
	f = read(t, bob)
	assert.Equal(t, room.TypeUsersList, f["type"])
	assert.Len(t, f["users"], 2)
	f = read(t, alice)
	assert.Equal(t, room.TypeUserJoined, f["type"])
	assert.Equal(t, "bob", f["userId"])

	require.NoError(t, alice.WriteJSON(frame{"type": room.TypeFileCreate, "roomId": "r1", "fileId": "main.py", "fileName": "main.py", "language": "python"}))
	f = read(t, bob)
	assert.Equal(t, room.TypeFileCreate, f["type"])

	require.NoError(t, alice.WriteJSON(frame{
		"type":      room.TypeCodeChange,
		"roomId":    "r1",
		"fileId":    "main.py",
		"userId":    "alice",
		"operation": frame{"operationId": "alice:1", "userId": "alice", "type": "INSERT", "position": 0, "character": "p", "timestamp": 1},
	}))
	f = read(t, bob)
	assert.Equal(t, room.TypeCodeUpdate, f["type"])
	assert.Equal(t, "p", f["content"])

	require.NoError(t, alice.WriteJSON(frame{"type": room.TypePing}))
	assert.Equal(t, room.TypePong, read(t, alice)["type"])

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	f = readType(t, alice, room.TypeUserLeft)
	assert.Equal(t, "bob", f["userId"])
	assert.Eventually(t, func() bool { return hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoomPathVariable(t *testing.T) {
	srv, hub := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/r9?username=carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, room.TypeUsersList, read(t, conn)["type"])
	assert.Equal(t, []string{"carol"}, hub.ActiveUsers("r9"))
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, frame) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out frame
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestRoomAndFileREST(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", frame{"name": "pairing"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	roomID := created["roomId"].(string)
	assert.Equal(t, "pairing", created["name"])

	resp, file := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+roomID+"/files",
		frame{"fileId": "app.js", "fileName": "app.js", "language": "javascript", "content": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "hi", file["content"])

	resp, file = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID+"/files/app.js", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", file["content"])
	assert.Equal(t, false, file["crdt"])

	resp, ops := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID+"/files/app.js/operations?since=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{}, ops["operations"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID+"/files/app.js/operations?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID+"/files/nope.js", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, got := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got["files"], 1)

	resp, users := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID+"/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{}, users["users"])

	dump, err := http.Get(srv.URL + "/api/rooms/" + roomID + "/files/app.js/debug")
	require.NoError(t, err)
	dump.Body.Close()
	assert.Equal(t, http.StatusOK, dump.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/rooms/"+roomID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+roomID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, res := doJSON(t, http.MethodPost, srv.URL+"/api/execute", frame{"code": "x", "language": "cobol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "unsupported language")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
