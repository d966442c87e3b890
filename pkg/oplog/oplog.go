// Package oplog keeps the append-only history of operations per document and
// answers catch-up queries for reconnecting clients.
package oplog

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"codecollab/pkg/crdt"
)

// ErrHistoryTruncated means the requested range is older than the retained
// history; the caller needs a full snapshot instead.
var ErrHistoryTruncated = errors.New("operation history truncated")

// DocumentKey names the history of one file in one room.
func DocumentKey(roomID, fileID string) string {
	return roomID + ":" + fileID
}

type history struct {
	mu  sync.Mutex
	ops []crdt.Operation
	// oldest timestamp evicted by retention; Since below it cannot be served
	evictedUpTo int64
	truncated   bool
}

// Log is safe for concurrent use. Appends to different documents proceed in
// parallel; appends to one document are serialized.
type Log struct {
	mu        sync.RWMutex
	docs      map[string]*history
	retention int
}

// New returns a log keeping at most retention operations per document, or
// all of them when retention <= 0.
func New(retention int) *Log {
	return &Log{
		docs:      make(map[string]*history),
		retention: retention,
	}
}

func (l *Log) doc(key string, create bool) *history {
	l.mu.RLock()
	h, ok := l.docs[key]
	l.mu.RUnlock()
	if ok || !create {
		return h
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok = l.docs[key]; ok {
		return h
	}
	h = &history{}
	l.docs[key] = h
	return h
}

// Append records op at the end of the document history.
func (l *Log) Append(key string, op crdt.Operation) {
	h := l.doc(key, true)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ops = append(h.ops, op)
	if l.retention > 0 && len(h.ops) > l.retention {
		drop := len(h.ops) - l.retention
		for _, old := range h.ops[:drop] {
			if !h.truncated || old.Timestamp > h.evictedUpTo {
				h.evictedUpTo = old.Timestamp
			}
			h.truncated = true
		}
		h.ops = append([]crdt.Operation(nil), h.ops[drop:]...)
	}
}

// Since returns every operation with a timestamp after afterTimestamp,
// ordered by timestamp and then by the greater user ID first, the same
// tie-break concurrent inserts use. Operations of one user with equal
// timestamps keep their log order, which is that user's causal order.
func (l *Log) Since(key string, afterTimestamp int64) ([]crdt.Operation, error) {
	h := l.doc(key, false)
	if h == nil {
		return nil, nil
	}

	h.mu.Lock()
	if h.truncated && afterTimestamp < h.evictedUpTo {
		h.mu.Unlock()
		return nil, errors.Wrapf(ErrHistoryTruncated, "%s: history starts after %d", key, h.evictedUpTo)
	}
	out := make([]crdt.Operation, 0, len(h.ops))
	for _, op := range h.ops {
		if op.Timestamp > afterTimestamp {
			out = append(out, op)
		}
	}
	h.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].UserID > out[j].UserID
	})
	return out, nil
}

// Len is the number of retained operations of a document.
func (l *Log) Len(key string) int {
	h := l.doc(key, false)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

// Clear drops the history of a document.
func (l *Log) Clear(key string) {
	l.mu.Lock()
	delete(l.docs, key)
	l.mu.Unlock()
}

// Resolve answers "which edit wins" between two operations: the later
// timestamp, then the greater user ID. It never touches document state.
func Resolve(op1, op2 crdt.Operation) crdt.Operation {
	if op1.Timestamp != op2.Timestamp {
		if op1.Timestamp > op2.Timestamp {
			return op1
		}
		return op2
	}
	if op1.UserID > op2.UserID {
		return op1
	}
	return op2
}
