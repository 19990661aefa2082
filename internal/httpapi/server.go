package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/assignment"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/audit"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/events"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/store"
)

// Repository is the part of the store the handlers write through.
type Repository interface {
	Ping(ctx context.Context) error
	UpsertAttendant(ctx context.Context, a routing.Attendant) (routing.Attendant, error)
	GetAttendant(ctx context.Context, organizationID, id string) (routing.Attendant, error)
	SetAttendantStatus(ctx context.Context, organizationID, id string, status routing.Status) error
	CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error)
	GetConversation(ctx context.Context, organizationID, id string) (store.Conversation, error)
	CloseConversation(ctx context.Context, organizationID, id string) (store.Conversation, error)
}

// RateLimiter is satisfied by the in-memory and the Redis limiters.
type RateLimiter interface {
	Allow(key string, now time.Time) bool
	Remaining(key string, now time.Time) int
}

type Options struct {
	Repository      Repository
	Service         *assignment.Service
	Requeuer        *assignment.Requeuer
	Publisher       events.Publisher
	Audit           *audit.Store
	Limiter         RateLimiter
	Criteria        routing.Criteria
	Logger          *zap.Logger
	LatencyBudgetMs int64
	// TrustProxyHeaders makes rate limiting key on X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
}

type Server struct {
	repo          Repository
	service       *assignment.Service
	requeuer      *assignment.Requeuer
	publisher     events.Publisher
	auditStore    *audit.Store
	limiter       RateLimiter
	criteria      routing.Criteria
	log           *zap.Logger
	latencyBudget int64
	trustProxy    bool
	mux           *http.ServeMux
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewFallback(opts.Logger)
	}
	if opts.LatencyBudgetMs <= 0 {
		opts.LatencyBudgetMs = 50
	}
	server := &Server{
		repo:          opts.Repository,
		service:       opts.Service,
		requeuer:      opts.Requeuer,
		publisher:     opts.Publisher,
		auditStore:    opts.Audit,
		limiter:       opts.Limiter,
		criteria:      opts.Criteria,
		log:           opts.Logger,
		latencyBudget: opts.LatencyBudgetMs,
		trustProxy:    opts.TrustProxyHeaders,
		mux:           http.NewServeMux(),
	}
	server.routes()
	return server
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/selections", s.handleSelection)
	s.mux.HandleFunc("PUT /api/v1/organizations/{org}/attendants/{id}", s.handleUpsertAttendant)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/attendants/{id}/status", s.handleAttendantStatus)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/conversations/{id}/assign", s.handleAssignConversation)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/conversations/{id}/close", s.handleCloseConversation)
	s.mux.HandleFunc("GET /api/v1/audit/assignments", s.handleAudit)
}

func (s *Server) Handler() http.Handler {
	if s.limiter == nil {
		return s.mux
	}
	return s.withRateLimit(s.mux)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		key := rateKey(r, s.trustProxy)
		if !s.limiter.Allow(key, now) {
			s.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.limiter.Remaining(key, now)))
		next.ServeHTTP(w, r)
	})
}

// rateKey buckets organization routes by organization and everything else by
// client address. The middleware runs before the mux fills PathValue.
func rateKey(r *http.Request, trustProxy bool) string {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/organizations/"); ok {
		org, _, _ := strings.Cut(rest, "/")
		if org != "" {
			return "org:" + org
		}
	}
	return "ip:" + clientIP(r, trustProxy)
}
