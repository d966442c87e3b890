package db

import (
	"context"
	"sync"
	"time"
)

// MemoryRoomStore keeps rooms in process memory
type MemoryRoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewMemoryRoomStore creates an empty in-memory store
func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{rooms: make(map[string]*Room)}
}

func (s *MemoryRoomStore) LoadRoom(_ context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (s *MemoryRoomStore) SaveRoom(_ context.Context, room *Room) (*Room, error) {
	saved := room.Clone()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	if saved.LastModified.IsZero() {
		saved.LastModified = saved.CreatedAt
	}

	s.mu.Lock()
	s.rooms[saved.ID] = saved
	s.mu.Unlock()
	return saved.Clone(), nil
}

func (s *MemoryRoomStore) FindFile(ctx context.Context, roomID, fileID string) (*CodeFile, error) {
	room, err := s.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	file, ok := room.File(fileID)
	if !ok {
		return nil, ErrFileNotFound
	}
	return file, nil
}

func (s *MemoryRoomStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryRoomStore) Close() error {
	return nil
}

var _ IRoomStore = (*MemoryRoomStore)(nil)
