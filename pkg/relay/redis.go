package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceTTL is how long a presence key outlives its last refresh.
const PresenceTTL = 30 * time.Second

// presence key: collab:presence:<room>:<user>
// Value: node ID, refreshed while the user has a session on this node
func PresenceKey(roomID, userID string) string {
	return "collab:presence:" + roomID + ":" + userID
}

// RedisRelay uses Redis pub/sub for broadcasts and plain keys for presence.
type RedisRelay struct {
	rdb    *redis.Client
	nodeID string
	log    *zap.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	present  map[string]struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRedisRelay(ctx context.Context, addr, password string, db int, nodeID string, log *zap.Logger) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}

	return &RedisRelay{
		rdb:     rdb,
		nodeID:  nodeID,
		log:     log,
		present: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return r.rdb.Publish(ctx, Subject(env.RoomID), data).Err()
}

// Start subscribes to every room channel and refreshes presence keys until Close.
func (r *RedisRelay) Start(ctx context.Context, h Handler) error {
	ps := r.rdb.PSubscribe(ctx, SubjectPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrap(err, "redis psubscribe")
	}

	r.mu.Lock()
	r.pubsub = ps
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for msg := range ps.Channel() {
			dispatch(r.log, r.nodeID, []byte(msg.Payload), h)
		}
	}()
	go func() {
		defer r.wg.Done()
		r.refreshPresence()
	}()
	return nil
}

func (r *RedisRelay) SetPresence(ctx context.Context, roomID, userID string, present bool) error {
	key := PresenceKey(roomID, userID)
	r.mu.Lock()
	if present {
		r.present[key] = struct{}{}
	} else {
		delete(r.present, key)
	}
	r.mu.Unlock()

	if present {
		return r.rdb.Set(ctx, key, r.nodeID, PresenceTTL).Err()
	}
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisRelay) refreshPresence() {
	ticker := time.NewTicker(PresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		keys := make([]string, 0, len(r.present))
		for k := range r.present {
			keys = append(keys, k)
		}
		r.mu.Unlock()
		if len(keys) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pipe := r.rdb.Pipeline()
		for _, k := range keys {
			pipe.Set(ctx, k, r.nodeID, PresenceTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Warn("presence refresh failed", zap.Error(err))
		}
		cancel()
	}
}

func (r *RedisRelay) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	ps := r.pubsub
	keys := make([]string, 0, len(r.present))
	for k := range r.present {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	r.wg.Wait()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			r.log.Warn("presence cleanup failed", zap.Error(err))
		}
	}
	return r.rdb.Close()
}

var _ Relay = (*RedisRelay)(nil)
