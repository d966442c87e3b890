package relay

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process transport connecting several nodes, used to run more
// than one hub inside a single process.
type Bus struct {
	mu    sync.RWMutex
	nodes map[string]*busNode
}

func NewBus() *Bus {
	return &Bus{nodes: make(map[string]*busNode)}
}

// Node returns the relay endpoint for nodeID.
func (b *Bus) Node(nodeID string, log *zap.Logger) Relay {
	n := &busNode{bus: b, id: nodeID, log: log}
	b.mu.Lock()
	b.nodes[nodeID] = n
	b.mu.Unlock()
	return n
}

type busNode struct {
	bus *Bus
	id  string
	log *zap.Logger

	mu      sync.RWMutex
	handler Handler
}

func (n *busNode) Publish(_ context.Context, env Envelope) error {
	env.Origin = n.id
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	n.bus.mu.RLock()
	peers := make([]*busNode, 0, len(n.bus.nodes))
	for _, p := range n.bus.nodes {
		peers = append(peers, p)
	}
	n.bus.mu.RUnlock()

	for _, p := range peers {
		p.mu.RLock()
		h := p.handler
		p.mu.RUnlock()
		if h != nil {
			dispatch(p.log, p.id, data, h)
		}
	}
	return nil
}

func (n *busNode) Start(_ context.Context, h Handler) error {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
	return nil
}

func (n *busNode) SetPresence(context.Context, string, string, bool) error {
	return nil
}

func (n *busNode) Close() error {
	n.bus.mu.Lock()
	delete(n.bus.nodes, n.id)
	n.bus.mu.Unlock()
	return nil
}
