package app

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codecollab/pkg/config"
	"codecollab/pkg/db"
	"codecollab/pkg/executor"
	"codecollab/pkg/handlers"
	"codecollab/pkg/logger"
	"codecollab/pkg/oplog"
	"codecollab/pkg/relay"
	"codecollab/pkg/room"
)

// Server represents the application server
type Server struct {
	router   *mux.Router
	hub      *room.Hub
	handlers *handlers.Handlers
	store    db.IRoomStore
	relay    relay.Relay
	config   *config.Config
	http     *http.Server
	log      *zap.Logger
}

// NewServer wires configuration, storage, relay and the hub into a router
func NewServer() (*Server, error) {
	// Load configuration
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	rl, err := newRelay(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := room.NewHub(store, rl, oplog.New(cfg.OplogRetention), room.Options{
		SendQueueSize:   cfg.SendQueueSize,
		MaxPendingOps:   cfg.MaxPendingOps,
		PersistInterval: cfg.PersistInterval,
	}, log.Named("hub"))
	if err := hub.Start(context.Background()); err != nil {
		rl.Close()
		store.Close()
		return nil, errors.Wrap(err, "failed to start relay subscription")
	}

	// Initialize handlers
	h := handlers.NewHandlers(hub, executor.NewRunner(cfg.ExecTimeout, log.Named("executor")), handlers.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		JoinTimeout:     cfg.JoinTimeout,
	}, log.Named("handlers"))

	// Setup routes
	r := mux.NewRouter()
	h.Register(r)

	log.Info("server configured",
		zap.String("store", cfg.StoreDriver),
		zap.String("relay", cfg.RelayDriver),
		zap.String("node", cfg.NodeID))

	srv := &Server{
		router:   r,
		hub:      hub,
		handlers: h,
		store:    store,
		relay:    rl,
		config:   cfg,
		log:      log,
	}
	// Preflight (OPTIONS) requests are answered before mux does
	// method-based matching, which would otherwise return 405.
	srv.http = &http.Server{Addr: cfg.GetServerAddr(), Handler: corsMiddleware(r)}
	return srv, nil
}

func newStore(cfg *config.Config) (db.IRoomStore, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "memory":
		return db.NewMemoryRoomStore(), nil
	case "postgres":
		store, err := db.NewPostgresRoomStore(cfg.GetDatabaseConnectionString())
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to database")
		}
		return store, nil
	case "mongo":
		store, err := db.NewMongoRoomStore(context.Background(), cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to mongo")
		}
		return store, nil
	}
	return nil, errors.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func newRelay(cfg *config.Config, log *zap.Logger) (relay.Relay, error) {
	switch strings.ToLower(cfg.RelayDriver) {
	case "", "none":
		return relay.Noop{}, nil
	case "redis":
		return relay.NewRedisRelay(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NodeID, log.Named("relay"))
	case "nats":
		return relay.NewNatsRelay(cfg.NatsURL, cfg.NodeID, log.Named("relay"))
	}
	return nil, errors.Errorf("unknown RELAY_DRIVER %q", cfg.RelayDriver)
}

// Handler is the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start starts the server and blocks until it stops
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}
	s.log.Info("starting collaborative editor server", zap.String("addr", addr))
	s.http.Addr = addr
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// corsMiddleware handles CORS headers and responds to preflight requests
// at the outer layer so they don't get rejected by method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting connections, closes every session, flushes
// pending room writes and releases the relay and the store
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(s.http.Shutdown(ctx))
	keep(s.hub.Shutdown(ctx))
	keep(s.relay.Close())
	keep(s.store.Close())
	_ = s.log.Sync()
	return first
}
