package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/happy-coder/happy/internal/event"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/store"
	"github.com/happy-coder/happy/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// HeartbeatGrace is how long a machine may stay silent before the
	// sweeper marks it offline.
	HeartbeatGrace time.Duration
	// SweepInterval is how often the sweeper scans for stale machines.
	SweepInterval time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:           3005,
		EnableCORS:     true,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // No write timeout: sockets stay open.
		HeartbeatGrace: 30 * time.Second,
		SweepInterval:  5 * time.Second,
	}
}

// Server is the relay's HTTP surface: the socket endpoint, account auth,
// and the snapshot endpoints clients use to recover from resync-required.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	store   *store.Store
	bus     *event.Bus
	hub     *Hub

	// tokens caches bearer token lookups so every frame-level auth check
	// does not hit the database.
	tokens *cache.Cache

	upgrader websocket.Upgrader

	sweepCancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg *Config, st *store.Store) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		store:  st,
		bus:    event.NewBus(),
		tokens: cache.New(5*time.Minute, 10*time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is token-authenticated; origin is not a boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.hub = NewHub(s.bus, st, s.resolveToken)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Hub exposes the routing hub, mainly for tests.
func (s *Server) Hub() *Hub { return s.hub }

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/auth", s.handleAuth)
		r.Get("/connect", s.handleConnect)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAccount)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/sessions/{id}/messages", s.handleSessionMessages)
			r.Get("/machines/{id}", s.handleGetMachine)
			r.Get("/account/updates", s.handleAccountUpdates)
		})
	})
}

// resolveToken is the hub's AuthFunc: bearer token to account id, with a
// short-lived cache in front of the database.
func (s *Server) resolveToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", types.ErrAuth
	}
	if id, ok := s.tokens.Get(token); ok {
		return id.(string), nil
	}
	id, err := s.store.AccountIDByToken(ctx, token)
	if err != nil {
		return "", err
	}
	s.tokens.Set(token, id, cache.DefaultExpiration)
	return id, nil
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for the socket endpoint.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const contextKeyAccount contextKey = "account"

// requireAccount authenticates the request and injects the account id.
func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := s.resolveToken(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAccount, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyAccount).(string)
	return id
}

// Start starts the HTTP server and the offline sweeper. Blocks until the
// listener fails or Shutdown runs.
func (s *Server) Start() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweepOffline(sweepCtx)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	logging.Info().Int("port", s.config.Port).Msg("relay listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	s.bus.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// sweepOffline periodically marks machines offline when their daemon has
// stopped heartbeating, publishing the presence transition like any other
// update so subscribers observe it in order.
func (s *Server) sweepOffline(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.HeartbeatGrace).UnixMilli()
			stale, err := s.store.StaleOnlineMachines(ctx, cutoff)
			if err != nil {
				logging.Error().Err(err).Msg("stale machine scan failed")
				continue
			}
			for _, m := range stale {
				if err := s.hub.MarkMachineState(ctx, m.AccountID, m.ID, types.MachineOffline); err != nil {
					logging.Error().Err(err).Str("machine", m.ID).Msg("offline transition failed")
					continue
				}
				logging.Info().Str("machine", m.ID).Msg("machine marked offline")
			}
		}
	}
}
