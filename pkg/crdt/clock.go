package crdt

// VectorClock maps a user to the highest sequenced operation applied from
// them. It detects gaps and duplicates; it does not order anything.
type VectorClock map[string]uint64

func (c VectorClock) Get(userID string) uint64 {
	return c[userID]
}

func (c VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Covers reports whether op is already represented in the clock.
func (c VectorClock) Covers(op Operation) bool {
	return op.Seq > 0 && op.Seq <= c[op.UserID]
}
