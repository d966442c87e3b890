package crdt

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
)

// SeedAuthor authors the nodes a replica is seeded with from plain content.
const SeedAuthor = "~seed"

// Snapshot is the full state of a replica, tombstones included, with nodes in
// document order so that every anchor precedes the nodes hanging off it.
type Snapshot struct {
	Nodes []Node      `json:"nodes" bson:"nodes"`
	Clock VectorClock `json:"clock" bson:"clock"`
}

// Snapshot captures the replica for persistence or a full client resync.
// Operations still waiting on a dependency are not part of it.
func (r *Replica) Snapshot() Snapshot {
	nodes := make([]Node, 0, len(r.nodes)-1)
	r.walk(func(n *Node) {
		c := *n
		c.children = nil
		nodes = append(nodes, c)
	})
	return Snapshot{Nodes: nodes, Clock: r.clock.Copy()}
}

// Restore rebuilds a replica from a snapshot.
func Restore(s Snapshot, maxPending int) (*Replica, error) {
	r := NewReplica(maxPending)
	for i := range s.Nodes {
		n := s.Nodes[i]
		if n.ID == "" || n.ID == Head {
			return nil, errors.Wrapf(ErrInvalidOperation, "snapshot node %d has bad id %q", i, n.ID)
		}
		if _, dup := r.nodes[n.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidOperation, "snapshot node %q repeated", n.ID)
		}
		if _, ok := r.nodes[n.After]; !ok {
			return nil, errors.Wrapf(ErrInvalidOperation, "snapshot node %q anchored to unknown %q", n.ID, n.After)
		}
		n.children = nil
		r.link(&n)
		r.applied[n.ID] = struct{}{}
	}
	for user, seq := range s.Clock {
		r.clock[user] = seq
	}
	return r, nil
}

// SeedOperations turns plain content into a chain of inserts after Head. Node
// IDs depend only on the content, so every node seeding the same text builds
// the same nodes and can resolve anchors into them.
func SeedOperations(content string) []Operation {
	ops := make([]Operation, 0, len(content))
	prefix := fmt.Sprintf("%s.%016x", SeedAuthor, xxhash.Sum64String(content))
	after := Head
	i := 0
	for _, ch := range content {
		id := fmt.Sprintf("%s:%d", prefix, i)
		ops = append(ops, Operation{
			ID:        id,
			UserID:    SeedAuthor,
			Kind:      Insert,
			Position:  i,
			Character: string(ch),
			After:     after,
		})
		after = id
		i++
	}
	return ops
}

// Seed returns a replica holding content.
func Seed(content string, maxPending int) *Replica {
	r := NewReplica(maxPending)
	for _, op := range SeedOperations(content) {
		// Each seed op is anchored on the previous one, so it always applies.
		_, _ = r.Apply(op)
	}
	return r
}

// Merge folds a snapshot taken on another node into the replica. Nodes not
// seen yet are linked, tombstones are carried over and the clock takes the
// per-user maximum. Operations held back on anything the snapshot provides
// are released.
func (r *Replica) Merge(s Snapshot) error {
	var keys []string
	for i := range s.Nodes {
		n := s.Nodes[i]
		if n.ID == "" || n.ID == Head {
			return errors.Wrapf(ErrInvalidOperation, "snapshot node %d has bad id %q", i, n.ID)
		}
		if existing, ok := r.nodes[n.ID]; ok {
			if n.Tombstoned && !existing.Tombstoned {
				existing.Tombstoned = true
				r.dirty = true
			}
			continue
		}
		if _, ok := r.nodes[n.After]; !ok {
			return errors.Wrapf(ErrInvalidOperation, "snapshot node %q anchored to unknown %q", n.ID, n.After)
		}
		n.children = nil
		r.link(&n)
		r.applied[n.ID] = struct{}{}
		keys = append(keys, n.ID)
	}
	bumped := make(map[string]uint64)
	for user, seq := range s.Clock {
		if seq > r.clock[user] {
			r.clock[user] = seq
			bumped[user] = seq
		}
	}
	if len(bumped) > 0 {
		for key := range r.waiting {
			if user, seq, ok := parseSeqKey(key); ok && seq <= bumped[user] {
				keys = append(keys, key)
			}
		}
	}
	r.releaseKeys(keys)
	return nil
}

// Dump renders the replica state for debugging.
func (r *Replica) Dump() string {
	opts := litter.Options{StripPackageNames: true, HidePrivateFields: true}
	return opts.Sdump(struct {
		Text     string
		Pending  int
		Snapshot Snapshot
	}{r.Text(), r.Pending(), r.Snapshot()})
}
