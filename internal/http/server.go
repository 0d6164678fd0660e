package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"splitledger/internal/cache"
	applog "splitledger/internal/log"
	"splitledger/internal/middleware/ratelimit"
	"splitledger/internal/middleware/security"
	"splitledger/internal/middleware/trace"
	"splitledger/internal/services"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the API is served from.
type Deps struct {
	Expenses    *services.ExpenseService
	Groups      *services.GroupService
	Store       Pinger
	Settlements *cache.LRUCache[int64, services.Settlement]

	// Logger is attached to every request context; the default logger when nil.
	Logger *applog.Logger

	// JWTSecret enables bearer authentication of /api when set.
	JWTSecret          string
	RateLimitPerMinute int
	// TrustedProxies are CIDRs whose forwarding headers are believed,
	// on top of loopback and private ranges.
	TrustedProxies []string
}

type Server struct {
	http.Server
	expenses    *services.ExpenseService
	groups      *services.GroupService
	store       Pinger
	settlements *cache.LRUCache[int64, services.Settlement]
	auth        *Authenticator

	rateLimiter *ratelimit.Limiter
	tracer      *trace.Middleware
	clientIP    *security.ClientIPResolver

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, deps Deps) *Server {
	r := mux.NewRouter()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		expenses:    deps.Expenses,
		groups:      deps.Groups,
		store:       deps.Store,
		settlements: deps.Settlements,
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.RateLimitPerMinute}),
		clientIP:    security.NewClientIPResolver(),
	}
	logger := deps.Logger
	if logger == nil {
		logger = applog.FromContext(context.Background())
	}
	for _, cidr := range deps.TrustedProxies {
		if err := s.clientIP.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", "cidr", cidr, "error", err)
		}
	}
	s.tracer = trace.NewMiddleware(s.clientIP.ClientIP)
	if deps.JWTSecret != "" {
		s.auth = NewAuthenticator(deps.JWTSecret)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("no such route").Write(w)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		MethodNotAllowedError().Write(w)
	})

	r.Use(applog.Middleware(logger))
	r.Use(applog.RouteMiddleware())
	r.Use(s.tracer.Middleware)
	r.Use(applog.RequestIDMiddleware(func(r *http.Request) string { return trace.GetRequestID(r.Context()) }))
	r.Use(applog.ComponentMiddleware(applog.ComponentHTTP))
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(s.rateLimiter.Middleware(s.clientIP.ClientIP, func(w http.ResponseWriter, r *http.Request) {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			applog.FieldClientIP, s.clientIP.ClientIP(r),
			applog.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	}, http.MethodPost, http.MethodPut, http.MethodDelete))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	// Registration stays open so a new user can obtain a token.
	r.HandleFunc("/api/users", s.handleCreateUser).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	if s.auth != nil {
		api.Use(s.auth.Middleware)
	}
	api.HandleFunc("/users/{userId}", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}", s.handleDeleteUser).Methods(http.MethodDelete)
	api.HandleFunc("/users/{userId}/balances", s.handleUserBalances).Methods(http.MethodGet)

	api.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}", s.handleGetGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{groupId}", s.handleDeleteGroup).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{groupId}/members", s.handleAddMember).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}/members/{userId}", s.handleRemoveMember).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{groupId}/expenses", s.handleCreateExpense).Methods(http.MethodPost)
	api.HandleFunc("/groups/{groupId}/expenses", s.handleDeleteAllExpenses).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{groupId}/balances", s.handleGroupBalances).Methods(http.MethodGet)
	api.HandleFunc("/groups/{groupId}/settlement", s.handleSettlement).Methods(http.MethodGet)

	api.HandleFunc("/expenses/{expenseId}", s.handleGetExpense).Methods(http.MethodGet)
	api.HandleFunc("/expenses/{expenseId}", s.handleUpdateExpense).Methods(http.MethodPut)
	api.HandleFunc("/expenses/{expenseId}", s.handleDeleteExpense).Methods(http.MethodDelete)

	return s
}

// Shutdown gracefully shuts down the server and its background routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// Metrics is the body of GET /metrics.
type Metrics struct {
	HTTP            trace.Metrics     `json:"http"`
	RateLimit       ratelimit.Metrics `json:"rate_limit"`
	SettlementCache *cache.Stats      `json:"settlement_cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err)
			ErrorResponse(http.StatusServiceUnavailable, "not_ready", "store unavailable").Write(w)
			return
		}
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := Metrics{
		HTTP:      s.tracer.GetMetrics(),
		RateLimit: s.rateLimiter.GetMetrics(),
	}
	if s.settlements != nil {
		stats := s.settlements.Stats()
		m.SettlementCache = &stats
	}
	NewJSONResponse().Body(m).Write(w)
}
