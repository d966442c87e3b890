// Package relay carries room broadcasts between server nodes so sessions of
// one room may be spread over several processes.
package relay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"codecollab/pkg/crdt"
	"codecollab/pkg/db"
)

// SubjectPrefix is prepended to the room ID to form the channel name.
const SubjectPrefix = "collab.room."

func Subject(roomID string) string {
	return SubjectPrefix + roomID
}

// Envelope kinds. A plain broadcast has no kind.
const (
	// KindStateRequest asks the nodes holding a room for its current state.
	KindStateRequest = "state-request"
	// KindState answers a state request with the files of the room.
	KindState = "state"
)

// Envelope is one message as it travels between nodes. For a broadcast,
// Payload is the message already encoded for clients, and Operation, when
// set, must be applied to the receiving node's replica of FileID before the
// payload is fanned out. Target, when set, addresses a single node.
type Envelope struct {
	Kind           string          `json:"kind,omitempty"`
	Origin         string          `json:"origin"`
	Target         string          `json:"target,omitempty"`
	RoomID         string          `json:"roomId"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	FileID         string          `json:"fileId,omitempty"`
	Operation      *crdt.Operation `json:"operation,omitempty"`
	Files          []db.CodeFile   `json:"files,omitempty"`
}

// Handler receives envelopes published by other nodes.
type Handler func(Envelope)

// Relay is implemented by every transport. Publish stamps the local node as
// origin; the handler given to Start never sees the node's own envelopes.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Start(ctx context.Context, h Handler) error
	SetPresence(ctx context.Context, roomID, userID string, present bool) error
	Close() error
}

// dispatch decodes a raw message and hands it to h unless it is our own.
func dispatch(log *zap.Logger, nodeID string, data []byte, h Handler) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("dropping undecodable relay message", zap.Error(err))
		return
	}
	if env.Origin == nodeID || (env.Target != "" && env.Target != nodeID) {
		return
	}
	if env.RoomID == "" {
		log.Warn("dropping relay message without room", zap.String("origin", env.Origin))
		return
	}
	h(env)
}

// Noop is used when no relay is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error                 { return nil }
func (Noop) Start(context.Context, Handler) error                    { return nil }
func (Noop) SetPresence(context.Context, string, string, bool) error { return nil }
func (Noop) Close() error                                            { return nil }

var _ Relay = Noop{}
