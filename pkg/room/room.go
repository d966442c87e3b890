package room

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/pkg/db"
)

// AutoCreatedName names rooms created by a join rather than explicitly.
const AutoCreatedName = "Auto-Created Room"

// Room is the in-memory state of a collaboration room. Membership lives in
// the registry; the room only owns its files.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu           sync.RWMutex
	files        map[string]*Document
	lastModified time.Time
}

func newRoom(id, name string) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		Name:         name,
		CreatedAt:    now,
		files:        make(map[string]*Document),
		lastModified: now,
	}
}

func loadRoom(stored *db.Room, maxPending int, log *zap.Logger) *Room {
	r := newRoom(stored.ID, stored.Name)
	if !stored.CreatedAt.IsZero() {
		r.CreatedAt = stored.CreatedAt
	}
	if !stored.LastModified.IsZero() {
		r.lastModified = stored.LastModified
	}
	for _, f := range stored.Files {
		r.files[f.FileID] = loadDocument(f, maxPending, log)
	}
	return r
}

func (r *Room) file(fileID string) *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.files[fileID]
}

// addFile registers d unless the room already has a file with its ID, and
// returns the file that is now registered.
func (r *Room) addFile(d *Document) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.files[d.FileID]; ok {
		return existing, false
	}
	r.files[d.FileID] = d
	r.lastModified = time.Now()
	return d, true
}

func (r *Room) fileIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.files))
	for id := range r.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastModified = time.Now()
	r.mu.Unlock()
}

// stored captures the room for the store, files in ID order.
func (r *Room) stored(activeUsers []string) *db.Room {
	r.mu.RLock()
	docs := make([]*Document, 0, len(r.files))
	for _, d := range r.files {
		docs = append(docs, d)
	}
	out := &db.Room{
		ID:            r.ID,
		Name:          r.Name,
		ActiveUserIDs: activeUsers,
		CreatedAt:     r.CreatedAt,
		LastModified:  r.lastModified,
	}
	r.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].FileID < docs[j].FileID })
	out.Files = make([]db.CodeFile, 0, len(docs))
	for _, d := range docs {
		out.Files = append(out.Files, d.stored())
	}
	return out
}
