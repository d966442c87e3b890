package room

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State of a session. Sessions only move forward.
type State int32

const (
	Connecting State = iota
	Joined
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var errQueueFull = errors.New("send queue full")

// Session is one live connection. The transport drains Outbound and stops
// when Done is closed, closing the connection with CloseReason.
type Session struct {
	ID     string
	RoomID string
	UserID string

	send  chan []byte
	state atomic.Int32
	done  chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newSession(roomID, userID string, queue int) *Session {
	return &Session{
		ID:     uuid.New().String(),
		RoomID: roomID,
		UserID: userID,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// CloseReason is only meaningful once Done is closed.
func (s *Session) CloseReason() (int, string) {
	<-s.done
	return s.closeCode, s.closeReason
}

// enqueue never blocks.
func (s *Session) enqueue(msg []byte) error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Session) markJoined() bool {
	return s.state.CompareAndSwap(int32(Connecting), int32(Joined))
}

// close reports whether this call closed the session.
func (s *Session) close(code int, reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.state.Store(int32(Closed))
		close(s.done)
		closed = true
	})
	return closed
}
