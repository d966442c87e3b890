package crdt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultMaxPending bounds the out-of-order buffer of a replica.
const DefaultMaxPending = 4096

// Status tells what Apply did with an operation.
type Status int

const (
	Applied Status = iota
	Buffered
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Replica is a replicated growable array of characters. Every node hangs off
// the node it was inserted after; siblings are kept in precedes order and the
// document is the depth-first walk from Head.
//
// A Replica is not safe for concurrent use.
type Replica struct {
	head  *Node
	nodes map[string]*Node
	clock VectorClock

	applied  map[string]struct{}
	waiting  map[string][]Operation // missing dependency -> operations blocked on it
	buffered map[string]struct{}

	maxPending   int
	maxTimestamp int64

	visible []*Node
	dirty   bool
}

// NewReplica returns an empty replica. maxPending <= 0 uses DefaultMaxPending.
func NewReplica(maxPending int) *Replica {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	head := &Node{ID: Head}
	return &Replica{
		head:       head,
		nodes:      map[string]*Node{Head: head},
		clock:      make(VectorClock),
		applied:    make(map[string]struct{}),
		waiting:    make(map[string][]Operation),
		buffered:   make(map[string]struct{}),
		maxPending: maxPending,
	}
}

// Apply integrates an anchored operation. Re-applying a known operation is a
// no-op. An operation whose anchor, target or causal predecessor is unknown is
// held back and integrated as soon as the dependency arrives; once more than
// maxPending operations are held back Apply fails with ErrDesynchronized.
func (r *Replica) Apply(op Operation) (Status, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	if !op.Anchored() {
		return 0, errors.Wrapf(ErrInvalidOperation, "operation %s has no anchor", op.ID)
	}
	if r.seen(op) {
		return Duplicate, nil
	}
	if dep, missing := r.dependency(op); missing {
		if len(r.buffered) >= r.maxPending {
			return 0, errors.Wrapf(ErrDesynchronized, "%d operations pending", len(r.buffered))
		}
		r.hold(dep, op)
		return Buffered, nil
	}
	r.integrate(op)
	r.release(op)
	return Applied, nil
}

// Resolve anchors a positional operation against the current visible text.
// Already anchored operations are returned unchanged. A resolved insert whose
// timestamp does not exceed every timestamp seen so far is bumped past them,
// so it lands where its author put it.
func (r *Replica) Resolve(op Operation) (Operation, error) {
	if op.Anchored() {
		return op, nil
	}
	visible := r.order()
	switch op.Kind {
	case Insert:
		pos := op.Position
		if pos < 0 {
			pos = 0
		}
		if pos > len(visible) {
			pos = len(visible)
		}
		op.After = Head
		if pos > 0 {
			op.After = visible[pos-1].ID
		}
		if op.Timestamp <= r.maxTimestamp {
			op.Timestamp = r.maxTimestamp + 1
		}
	case Delete:
		if op.Position < 0 || op.Position >= len(visible) {
			return op, errors.Wrapf(ErrPositionOutOfRange, "delete at %d, length %d", op.Position, len(visible))
		}
		op.Target = visible[op.Position].ID
	default:
		return op, errors.Wrapf(ErrInvalidOperation, "unknown type %q", op.Kind)
	}
	return op, nil
}

// Text is the concatenation of all non-tombstoned nodes in document order.
func (r *Replica) Text() string {
	var b strings.Builder
	for _, n := range r.order() {
		b.WriteString(n.Value)
	}
	return b.String()
}

// Len is the number of visible characters.
func (r *Replica) Len() int {
	return len(r.order())
}

// Has reports whether a node with the given ID has been integrated.
func (r *Replica) Has(id string) bool {
	_, ok := r.nodes[id]
	return ok
}

// Clock returns a copy of the vector clock.
func (r *Replica) Clock() VectorClock {
	return r.clock.Copy()
}

// Pending is the number of operations waiting for a dependency.
func (r *Replica) Pending() int {
	return len(r.buffered)
}

// Empty reports whether no character was ever inserted.
func (r *Replica) Empty() bool {
	return len(r.nodes) == 1
}

func (r *Replica) seen(op Operation) bool {
	if _, ok := r.applied[op.ID]; ok {
		return true
	}
	if _, ok := r.buffered[op.ID]; ok {
		return true
	}
	return r.clock.Covers(op)
}

// dependency returns the key of the first thing op needs that is not here yet.
func (r *Replica) dependency(op Operation) (string, bool) {
	if op.Seq > 1 && r.clock[op.UserID] < op.Seq-1 {
		return seqKey(op.UserID, op.Seq-1), true
	}
	ref := op.After
	if op.Kind == Delete {
		ref = op.Target
	}
	if _, ok := r.nodes[ref]; !ok {
		return ref, true
	}
	return "", false
}

func (r *Replica) hold(dep string, op Operation) {
	r.waiting[dep] = append(r.waiting[dep], op)
	r.buffered[op.ID] = struct{}{}
}

func (r *Replica) integrate(op Operation) {
	switch op.Kind {
	case Insert:
		n := &Node{
			ID:        op.ID,
			After:     op.After,
			Value:     op.Character,
			AuthorID:  op.UserID,
			CreatedAt: op.Timestamp,
		}
		r.link(n)
	case Delete:
		r.nodes[op.Target].Tombstoned = true
	}
	r.applied[op.ID] = struct{}{}
	if op.Seq > 0 {
		r.clock[op.UserID] = op.Seq
	}
	if op.Timestamp > r.maxTimestamp {
		r.maxTimestamp = op.Timestamp
	}
	r.dirty = true
}

// link places n among the children of its anchor, which must exist.
func (r *Replica) link(n *Node) {
	parent := r.nodes[n.After]
	kids := parent.children
	i := sort.Search(len(kids), func(i int) bool { return !precedes(kids[i], n) })
	kids = append(kids, nil)
	copy(kids[i+1:], kids[i:])
	kids[i] = n
	parent.children = kids
	r.nodes[n.ID] = n
	if n.CreatedAt > r.maxTimestamp {
		r.maxTimestamp = n.CreatedAt
	}
	r.dirty = true
}

// release replays everything that was waiting on what op just provided.
func (r *Replica) release(op Operation) {
	r.releaseKeys(provides(op))
}

func (r *Replica) releaseKeys(keys []string) {
	for len(keys) > 0 {
		key := keys[0]
		keys = keys[1:]
		blocked := r.waiting[key]
		if len(blocked) == 0 {
			continue
		}
		delete(r.waiting, key)
		for _, w := range blocked {
			delete(r.buffered, w.ID)
			if _, ok := r.applied[w.ID]; ok || r.clock.Covers(w) {
				continue
			}
			if dep, missing := r.dependency(w); missing {
				r.hold(dep, w)
				continue
			}
			r.integrate(w)
			keys = append(keys, provides(w)...)
		}
	}
}

func provides(op Operation) []string {
	var keys []string
	if op.Kind == Insert {
		keys = append(keys, op.ID)
	}
	if op.Seq > 0 {
		keys = append(keys, seqKey(op.UserID, op.Seq))
	}
	return keys
}

const seqKeyPrefix = "\x00seq:"

func seqKey(userID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%d", seqKeyPrefix, userID, seq)
}

func parseSeqKey(key string) (string, uint64, bool) {
	if !strings.HasPrefix(key, seqKeyPrefix) {
		return "", 0, false
	}
	rest := key[len(seqKeyPrefix):]
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], seq, true
}

func (r *Replica) order() []*Node {
	if !r.dirty && r.visible != nil {
		return r.visible
	}
	visible := make([]*Node, 0, len(r.nodes))
	r.walk(func(n *Node) {
		if !n.Tombstoned {
			visible = append(visible, n)
		}
	})
	r.visible = visible
	r.dirty = false
	return visible
}

// walk visits every node except Head in document order. It is iterative
// because a run of typed characters forms a chain as deep as the run is long.
func (r *Replica) walk(visit func(*Node)) {
	stack := make([]*Node, 0, 64)
	push := func(kids []*Node) {
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(r.head.children)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(n)
		push(n.children)
	}
}
