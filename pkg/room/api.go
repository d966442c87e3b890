package room

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"codecollab/pkg/crdt"
	"codecollab/pkg/db"
	"codecollab/pkg/oplog"
	"codecollab/pkg/relay"
)

// FileView is the REST view of a file.
type FileView struct {
	RoomID   string           `json:"roomId"`
	FileID   string           `json:"fileId"`
	FileName string           `json:"fileName"`
	Language string           `json:"language"`
	Content  string           `json:"content"`
	CRDT     bool             `json:"crdt"`
	Clock    crdt.VectorClock `json:"clock"`
}

// CreateRoom makes a new room with a generated ID and stores it right away.
func (h *Hub) CreateRoom(ctx context.Context, name string) (*db.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = AutoCreatedName
	}
	r := newRoom(uuid.New().String(), name)

	h.mu.Lock()
	h.rooms[r.ID] = r
	h.mu.Unlock()

	if err := h.persister.flushRoom(ctx, r.ID); err != nil {
		h.mu.Lock()
		delete(h.rooms, r.ID)
		h.mu.Unlock()
		return nil, err
	}
	return r.stored([]string{}), nil
}

// GetRoom returns the current state of a room, loading it if needed.
func (h *Hub) GetRoom(ctx context.Context, roomID string) (*db.Room, error) {
	r, err := h.loadRoom(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	return r.stored(h.registry.ActiveUsers(roomID)), nil
}

// DeleteRoom closes the room's sessions, drops its in-memory state and
// operation history and removes it from the store.
func (h *Hub) DeleteRoom(ctx context.Context, roomID string) error {
	h.mu.Lock()
	r := h.rooms[roomID]
	delete(h.rooms, roomID)
	var sessions []*Session
	for _, s := range h.sessions {
		if s.RoomID == roomID {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseNormalClosure, "room deleted")
		h.Leave(s)
	}
	if r != nil {
		for _, id := range r.fileIDs() {
			h.oplog.Clear(oplog.DocumentKey(roomID, id))
		}
	}

	h.persister.saveMu.Lock()
	err := h.store.DeleteRoom(ctx, roomID)
	h.persister.saveMu.Unlock()
	if errors.Is(err, db.ErrRoomNotFound) && r != nil {
		// never persisted
		return nil
	}
	return err
}

// CreateFile adds a file to a room and tells the room's sessions about it.
func (h *Hub) CreateFile(ctx context.Context, roomID string, f db.CodeFile) (*FileView, error) {
	r, err := h.loadRoom(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	if f.FileID == "" {
		f.FileID = uuid.New().String()
	}
	d, _ := r.addFile(newDocument(f.FileID, f.FileName, f.Language, f.Content, h.opts.MaxPendingOps))
	if err := h.persister.flushRoom(ctx, roomID); err != nil {
		return nil, err
	}

	content := f.Content
	payload := encode(Message{
		Type:     TypeFileCreate,
		RoomID:   roomID,
		FileID:   d.FileID,
		FileName: d.FileName,
		Language: d.Language,
		Content:  &content,
	})
	h.evict(h.fanout(roomID, payload, ""))
	h.publish(relay.Envelope{RoomID: roomID, Payload: payload, FileID: d.FileID})
	return h.fileView(roomID, d), nil
}

// File returns a file of a room.
func (h *Hub) File(ctx context.Context, roomID, fileID string) (*FileView, error) {
	r, err := h.loadRoom(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	d := r.file(fileID)
	if d == nil {
		return nil, errors.Wrap(ErrFileNotFound, fileID)
	}
	return h.fileView(roomID, d), nil
}

// Operations is the catch-up history of a file after a timestamp.
func (h *Hub) Operations(ctx context.Context, roomID, fileID string, since int64) ([]crdt.Operation, error) {
	if _, err := h.File(ctx, roomID, fileID); err != nil {
		return nil, err
	}
	ops, err := h.oplog.Since(oplog.DocumentKey(roomID, fileID), since)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []crdt.Operation{}
	}
	return ops, nil
}

// Dump renders the replica of a file for debugging.
func (h *Hub) Dump(ctx context.Context, roomID, fileID string) (string, error) {
	r, err := h.loadRoom(ctx, roomID, false)
	if err != nil {
		return "", err
	}
	d := r.file(fileID)
	if d == nil {
		return "", errors.Wrap(ErrFileNotFound, fileID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Dump(), nil
}

func (h *Hub) fileView(roomID string, d *Document) *FileView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &FileView{
		RoomID:   roomID,
		FileID:   d.FileID,
		FileName: d.FileName,
		Language: d.Language,
		Content:  d.content,
		CRDT:     d.crdtActive,
		Clock:    d.replica.Clock(),
	}
}
