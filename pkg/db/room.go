package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"codecollab/pkg/crdt"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrFileNotFound = errors.New("file not found")
)

// Room is the persisted form of a collaboration room
type Room struct {
	ID            string     `json:"roomId" bson:"_id"`
	Name          string     `json:"name" bson:"name"`
	ActiveUserIDs []string   `json:"activeUserIds" bson:"activeUserIds"`
	Files         []CodeFile `json:"files" bson:"files"`
	CreatedAt     time.Time  `json:"createdAt" bson:"createdAt"`
	LastModified  time.Time  `json:"lastModified" bson:"lastModified"`
}

// CodeFile is one shared file of a room. Content is the last known text; State,
// when present, is the CRDT replica the content was derived from.
type CodeFile struct {
	FileID       string         `json:"fileId" bson:"fileId"`
	FileName     string         `json:"fileName" bson:"fileName"`
	Language     string         `json:"language" bson:"language"`
	Content      string         `json:"content" bson:"content"`
	State        *crdt.Snapshot `json:"crdtState,omitempty" bson:"crdtState,omitempty"`
	LastModified time.Time      `json:"lastModified" bson:"lastModified"`
}

// File returns the file with the given id
func (r *Room) File(fileID string) (*CodeFile, bool) {
	for i := range r.Files {
		if r.Files[i].FileID == fileID {
			return &r.Files[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers never share slices with a store
func (r *Room) Clone() *Room {
	c := *r
	c.ActiveUserIDs = append([]string(nil), r.ActiveUserIDs...)
	c.Files = make([]CodeFile, len(r.Files))
	for i, f := range r.Files {
		if f.State != nil {
			s := crdt.Snapshot{
				Nodes: append([]crdt.Node(nil), f.State.Nodes...),
				Clock: f.State.Clock.Copy(),
			}
			f.State = &s
		}
		c.Files[i] = f
	}
	return &c
}

// IRoomStore is what the collaboration core needs from persistence
type IRoomStore interface {
	// LoadRoom returns ErrRoomNotFound when the room does not exist.
	LoadRoom(ctx context.Context, roomID string) (*Room, error)
	// SaveRoom inserts or replaces the room together with all of its files.
	SaveRoom(ctx context.Context, room *Room) (*Room, error)
	// FindFile returns ErrRoomNotFound or ErrFileNotFound.
	FindFile(ctx context.Context, roomID, fileID string) (*CodeFile, error)
	DeleteRoom(ctx context.Context, roomID string) error
	Close() error
}
