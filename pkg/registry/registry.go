// Package registry tracks which sessions are in which room and which users
// are currently active there.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// Membership binds a session to a room and a user.
type Membership struct {
	SessionID string
	RoomID    string
	UserID    string
}

// Arrival is the outcome of Join. UserJoined is false when the user already
// had a session open in the room; Users is the sorted active-user snapshot.
type Arrival struct {
	Membership
	Users      []string
	UserJoined bool
}

// Departure is the outcome of Leave. UserLeft is false while the same user
// still has another session open in the room.
type Departure struct {
	Membership
	UserLeft bool
}

// members is the per-room ownership object; its lock guards only this room.
type members struct {
	mu       sync.Mutex
	sessions mapset.Set[string]
	users    map[string]mapset.Set[string] // userID -> sessions of that user
	dead     atomic.Bool
}

func newMembers() *members {
	return &members{
		sessions: mapset.NewThreadUnsafeSet[string](),
		users:    make(map[string]mapset.Set[string]),
	}
}

func (m *members) activeUsers() []string {
	users := make([]string, 0, len(m.users))
	for u := range m.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Registry is safe for concurrent use. The registry lock only guards the
// room table and the session index; membership changes lock a single room.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*members
	sessions map[string]Membership
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]*members),
		sessions: make(map[string]Membership),
	}
}

func (r *Registry) room(roomID string, create bool) *members {
	r.mu.RLock()
	m, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if (ok && !m.dead.Load()) || !create {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.rooms[roomID]; ok && !m.dead.Load() {
		return m
	}
	m = newMembers()
	r.rooms[roomID] = m
	return m
}

// Join adds the session to the room and the user to its active users.
func (r *Registry) Join(roomID, sessionID, userID string) Arrival {
	for {
		m := r.room(roomID, true)
		m.mu.Lock()
		if m.dead.Load() {
			// emptied by a concurrent Leave; room() will hand out a fresh one
			m.mu.Unlock()
			continue
		}
		m.sessions.Add(sessionID)
		set, ok := m.users[userID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			m.users[userID] = set
		}
		set.Add(sessionID)
		a := Arrival{
			Membership: Membership{SessionID: sessionID, RoomID: roomID, UserID: userID},
			Users:      m.activeUsers(),
			UserJoined: !ok,
		}
		m.mu.Unlock()

		r.mu.Lock()
		r.sessions[sessionID] = a.Membership
		r.mu.Unlock()
		return a
	}
}

// Leave removes the session. ok is false for an unknown session.
func (r *Registry) Leave(sessionID string) (Departure, bool) {
	r.mu.Lock()
	mem, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	m := r.rooms[mem.RoomID]
	r.mu.Unlock()
	if !ok {
		return Departure{}, false
	}

	d := Departure{Membership: mem}
	if m == nil {
		return d, true
	}

	m.mu.Lock()
	m.sessions.Remove(sessionID)
	if set, ok := m.users[mem.UserID]; ok {
		set.Remove(sessionID)
		if set.Cardinality() == 0 {
			delete(m.users, mem.UserID)
			d.UserLeft = true
		}
	}
	empty := m.sessions.Cardinality() == 0
	if empty {
		m.dead.Store(true)
	}
	m.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[mem.RoomID] == m {
			delete(r.rooms, mem.RoomID)
		}
		r.mu.Unlock()
	}
	return d, true
}

// Lookup returns the membership of a session.
func (r *Registry) Lookup(sessionID string) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mem, ok := r.sessions[sessionID]
	return mem, ok
}

// Sessions returns the IDs of the sessions currently in the room.
func (r *Registry) Sessions(roomID string) []string {
	m := r.room(roomID, false)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.ToSlice()
}

// ActiveUsers returns the users with at least one open session in the room, sorted.
func (r *Registry) ActiveUsers(roomID string) []string {
	m := r.room(roomID, false)
	if m == nil {
		return []string{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeUsers()
}

// IsActive reports whether the user has an open session in the room.
func (r *Registry) IsActive(roomID, userID string) bool {
	m := r.room(roomID, false)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[userID]
	return ok
}
