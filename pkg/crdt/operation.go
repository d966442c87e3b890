package crdt

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Head is the start-of-document sentinel. Inserting after Head puts the
// character at the front.
const Head = "HEAD"

var (
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrDesynchronized     = errors.New("replica desynchronized: pending operation buffer full")
)

// Kind is the operation type.
type Kind string

const (
	Insert Kind = "INSERT"
	Delete Kind = "DELETE"
)

// UnmarshalJSON accepts the kind in any letter case.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k = Kind(strings.ToUpper(s))
	return nil
}

// Operation is an immutable intent to mutate a document.
//
// Position is advisory: it is the index the author saw when editing. A replica
// only ever uses the identity anchors After (for Insert) and Target (for
// Delete); Replica.Resolve derives them from Position for clients that do not
// track node identities themselves.
type Operation struct {
	ID        string `json:"operationId" bson:"operationId"`
	UserID    string `json:"userId" bson:"userId"`
	Kind      Kind   `json:"type" bson:"type"`
	Position  int    `json:"position" bson:"position"`
	Character string `json:"character,omitempty" bson:"character,omitempty"`
	Timestamp int64  `json:"timestamp" bson:"timestamp"`
	// Seq is the author's own monotonic counter. Zero means unsequenced: the
	// operation is not tracked by the vector clock.
	Seq    uint64 `json:"seq,omitempty" bson:"seq,omitempty"`
	After  string `json:"afterId,omitempty" bson:"afterId,omitempty"`
	Target string `json:"targetId,omitempty" bson:"targetId,omitempty"`
}

// Validate checks the fields every operation needs regardless of anchoring.
func (op Operation) Validate() error {
	if op.ID == "" || op.ID == Head {
		return errors.Wrapf(ErrInvalidOperation, "bad operationId %q", op.ID)
	}
	if op.UserID == "" {
		return errors.Wrap(ErrInvalidOperation, "missing userId")
	}
	switch op.Kind {
	case Insert:
		if n := utf8.RuneCountInString(op.Character); n != 1 {
			return errors.Wrapf(ErrInvalidOperation, "insert carries %d characters, want 1", n)
		}
	case Delete:
		if op.Target == Head {
			return errors.Wrap(ErrInvalidOperation, "cannot delete the start sentinel")
		}
	default:
		return errors.Wrapf(ErrInvalidOperation, "unknown type %q", op.Kind)
	}
	return nil
}

// Anchored reports whether the operation names the node it refers to.
func (op Operation) Anchored() bool {
	if op.Kind == Insert {
		return op.After != ""
	}
	return op.Target != ""
}

// Node is one character of a replica. Its identity is the ID of the insert
// that created it; position is derived from the After relation, never stored.
type Node struct {
	ID         string `json:"id" bson:"id"`
	After      string `json:"afterId" bson:"afterId"`
	Value      string `json:"value" bson:"value"`
	AuthorID   string `json:"authorId" bson:"authorId"`
	CreatedAt  int64  `json:"createdAt" bson:"createdAt"`
	Tombstoned bool   `json:"tombstoned" bson:"tombstoned"`

	children []*Node
}

// precedes orders siblings that share an anchor: later timestamp first, then
// greater author, then greater operation ID.
func precedes(a, b *Node) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	if a.AuthorID != b.AuthorID {
		return a.AuthorID > b.AuthorID
	}
	return a.ID > b.ID
}
