package room

import (
	"encoding/json"

	"codecollab/pkg/crdt"
)

// Message types of the client protocol.
const (
	TypeCodeChange     = "CODE_CHANGE"
	TypeCodeUpdate     = "CODE_UPDATE"
	TypeFileCreate     = "FILE_CREATE"
	TypeFileSave       = "FILE_SAVE"
	TypeCursorMove     = "CURSOR_MOVE"
	TypeUserJoined     = "USER_JOINED"
	TypeUserLeft       = "USER_LEFT"
	TypeUsersList      = "USERS_LIST"
	TypeSyncRequest    = "SYNC_REQUEST"
	TypeSnapshot       = "SNAPSHOT"
	TypeOperations     = "OPERATIONS"
	TypeResyncRequired = "RESYNC_REQUIRED"
	TypeError          = "ERROR"
	TypePing           = "PING"
	TypePong           = "PONG"
)

// Message is the inbound envelope. Only the fields of its Type are set; the
// room is always the session's own, whatever RoomID says.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	FileID    string          `json:"fileId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Content   *string         `json:"content,omitempty"`
	Operation *crdt.Operation `json:"operation,omitempty"`
	FileName  string          `json:"fileName,omitempty"`
	Language  string          `json:"language,omitempty"`
	Since     *int64          `json:"since,omitempty"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type usersList struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

type presenceEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type codeUpdate struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	FileID    string          `json:"fileId"`
	UserID    string          `json:"userId"`
	Content   string          `json:"content"`
	Operation *crdt.Operation `json:"operation,omitempty"`
}

type snapshotMessage struct {
	Type    string           `json:"type"`
	FileID  string           `json:"fileId"`
	Content string           `json:"content"`
	Nodes   []crdt.Node      `json:"nodes"`
	Clock   crdt.VectorClock `json:"clock"`
}

type operationsMessage struct {
	Type       string           `json:"type"`
	FileID     string           `json:"fileId"`
	Operations []crdt.Operation `json:"operations"`
}

type resyncRequired struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Reason string `json:"reason"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	FileID string `json:"fileId,omitempty"`
}

type pong struct {
	Type string `json:"type"`
}

// encode never fails for the message types above.
func encode(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
