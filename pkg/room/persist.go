package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPersistInterval is used when Options leaves it unset.
const DefaultPersistInterval = 2 * time.Second

// persister writes dirty rooms behind the edits that changed them. Store I/O
// happens outside every hub, room and document lock.
type persister struct {
	hub      *Hub
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}

	// serializes saves so an older capture never overwrites a newer one
	saveMu sync.Mutex

	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func newPersister(h *Hub, interval time.Duration) *persister {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &persister{
		hub:      h,
		interval: interval,
		dirty:    make(map[string]struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *persister) markDirty(roomID string) {
	p.mu.Lock()
	p.dirty[roomID] = struct{}{}
	p.mu.Unlock()
}

func (p *persister) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush(context.Background())
		case <-p.quit:
			p.flush(context.Background())
			return
		}
	}
}

func (p *persister) flush(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	for _, id := range ids {
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.save(saveCtx, id); err != nil {
			p.hub.log.Error("persisting room failed", zap.String("room", id), zap.Error(err))
			p.markDirty(id)
		}
		cancel()
	}
}

// flushRoom saves one room now and takes it off the dirty set.
func (p *persister) flushRoom(ctx context.Context, roomID string) error {
	p.mu.Lock()
	delete(p.dirty, roomID)
	p.mu.Unlock()

	if err := p.save(ctx, roomID); err != nil {
		p.markDirty(roomID)
		return err
	}
	return nil
}

func (p *persister) save(ctx context.Context, roomID string) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	r := p.hub.lookupRoom(roomID)
	if r == nil {
		// deleted since it was marked
		return nil
	}
	_, err := p.hub.store.SaveRoom(ctx, r.stored(p.hub.registry.ActiveUsers(roomID)))
	return err
}

// stop flushes what is still dirty and ends the loop.
func (p *persister) stop(ctx context.Context) error {
	p.quitOnce.Do(func() { close(p.quit) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
