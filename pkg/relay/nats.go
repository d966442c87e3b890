package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NatsRelay uses core NATS subjects. It keeps no presence state of its own.
type NatsRelay struct {
	nc     *nats.Conn
	nodeID string
	log    *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNatsRelay(url, nodeID string, log *zap.Logger) (*NatsRelay, error) {
	opts := []nats.Option{
		nats.Name("codecollab-" + nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connect %s", url)
	}
	return &NatsRelay{nc: nc, nodeID: nodeID, log: log}, nil
}

func (r *NatsRelay) Publish(_ context.Context, env Envelope) error {
	env.Origin = r.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return r.nc.Publish(Subject(env.RoomID), data)
}

func (r *NatsRelay) Start(_ context.Context, h Handler) error {
	sub, err := r.nc.Subscribe(SubjectPrefix+">", func(m *nats.Msg) {
		dispatch(r.log, r.nodeID, m.Data, h)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return r.nc.Flush()
}

func (r *NatsRelay) SetPresence(context.Context, string, string, bool) error {
	return nil
}

func (r *NatsRelay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return r.nc.Drain()
}

var _ Relay = (*NatsRelay)(nil)
