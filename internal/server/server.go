package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/famledger/internal/allowance"
	"github.com/dukerupert/famledger/internal/auth"
	"github.com/dukerupert/famledger/internal/chore"
	"github.com/dukerupert/famledger/internal/config"
	"github.com/dukerupert/famledger/internal/family"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/handler"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/message"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/middleware"
	"github.com/dukerupert/famledger/internal/store"
	"github.com/dukerupert/famledger/internal/verify"
)

type Server struct {
	db           *sql.DB
	hub          *feed.Hub
	metrics      *metrics.Metrics
	tokens       *auth.JWTManager
	memberStore  *store.MemberStore
	allowanceSvc *allowance.Service
	memberH      *handler.MemberHandler
	familyH      *handler.FamilyHandler
	taskH        *handler.TaskHandler
	scheduleH    *handler.ScheduleHandler
	ledgerH      *handler.LedgerHandler
	messageH     *handler.MessageHandler
	verifyH      *handler.VerifyHandler
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

// New wires the services and handlers. codes may be nil when no Redis is
// configured; the verification routes then answer 503 and registration works
// only with cfg.OpenRegistration.
func New(db *sql.DB, cfg *config.Config, codes *verify.Store, logger *slog.Logger) *Server {
	hub := feed.NewHub(logger.With("component", "feed"))
	m := metrics.New()

	ledgerSvc := ledger.NewService(db, hub, m, logger)
	ledgerSvc.SetHistoryMax(cfg.HistoryMax)
	choreSvc := chore.NewService(db, ledgerSvc, hub, m, logger)
	allowanceSvc := allowance.NewService(db, ledgerSvc, hub, m, logger)
	familySvc := family.NewService(db, hub, logger, cfg.JoinCodeTTL)
	messageSvc := message.NewService(db, hub, logger)
	tokens := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	members := store.NewMemberStore(db)

	httpLogger := logger.With("component", "http")
	return &Server{
		db:           db,
		hub:          hub,
		metrics:      m,
		tokens:       tokens,
		memberStore:  members,
		allowanceSvc: allowanceSvc,
		memberH:      handler.NewMemberHandler(familySvc, codes, tokens, cfg.OpenRegistration, httpLogger),
		familyH:      handler.NewFamilyHandler(familySvc, httpLogger),
		taskH:        handler.NewTaskHandler(choreSvc, httpLogger),
		scheduleH:    handler.NewScheduleHandler(allowanceSvc, httpLogger),
		ledgerH:      handler.NewLedgerHandler(ledgerSvc, httpLogger),
		messageH:     handler.NewMessageHandler(messageSvc, httpLogger),
		verifyH:      handler.NewVerifyHandler(codes, members, tokens, httpLogger),
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Allowance returns the allowance service for timer-driven batch runs.
func (s *Server) Allowance() *allowance.Service {
	return s.allowanceSvc
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/members", s.rateLimitedHandler(s.memberH.Register))
	outerMux.HandleFunc("POST /api/verify/issue", s.rateLimitedHandler(s.verifyH.Issue))
	outerMux.HandleFunc("POST /api/verify/check", s.rateLimitedHandler(s.verifyH.Check))
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", s.metrics.Handler())

	// Protected routes behind RequireAuth
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.tokens, s.memberStore, s.logger.With("component", "auth"))
	outerMux.Handle("/", authMiddleware(protectedMux))

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	inFamily := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireFamily(h)
	}

	// Family membership
	mux.HandleFunc("POST /api/families", s.familyH.Create)
	mux.HandleFunc("GET /api/families", s.familyH.Get)
	mux.HandleFunc("POST /api/families/join", s.rateLimitedHandler(s.familyH.Join))
	mux.HandleFunc("POST /api/families/join-code", s.familyH.RegenerateJoinCode)
	mux.HandleFunc("DELETE /api/families/membership", s.familyH.Leave)
	mux.HandleFunc("GET /api/families/members", s.familyH.Members)
	mux.HandleFunc("PUT /api/families/policy", s.familyH.UpdatePolicy)

	// Tasks
	mux.Handle("POST /api/tasks", inFamily(s.taskH.Create))
	mux.Handle("GET /api/tasks", inFamily(s.taskH.List))
	mux.Handle("GET /api/tasks/{id}", inFamily(s.taskH.Get))
	mux.Handle("DELETE /api/tasks/{id}", inFamily(s.taskH.Delete))
	mux.Handle("POST /api/tasks/{id}/claim", inFamily(s.taskH.Claim))
	mux.Handle("POST /api/tasks/{id}/complete", inFamily(s.taskH.Complete))
	mux.Handle("POST /api/tasks/{id}/approve", inFamily(s.taskH.Approve))
	mux.Handle("POST /api/tasks/{id}/reject", inFamily(s.taskH.Reject))

	// Allowance schedules
	mux.Handle("POST /api/schedules", inFamily(s.scheduleH.Create))
	mux.Handle("GET /api/schedules", inFamily(s.scheduleH.List))
	mux.Handle("POST /api/schedules/process", inFamily(s.scheduleH.Process))
	mux.Handle("GET /api/schedules/{id}", inFamily(s.scheduleH.Get))
	mux.Handle("PUT /api/schedules/{id}", inFamily(s.scheduleH.Update))
	mux.Handle("DELETE /api/schedules/{id}", inFamily(s.scheduleH.Delete))

	// Ledger
	mux.Handle("GET /api/ledger/balance", inFamily(s.ledgerH.Balance))
	mux.Handle("GET /api/ledger/history", inFamily(s.ledgerH.History))
	mux.Handle("GET /api/ledger/reconcile", inFamily(s.ledgerH.Reconcile))
	mux.Handle("POST /api/ledger/transfers", inFamily(s.ledgerH.Transfer))
	mux.Handle("POST /api/ledger/adjustments", inFamily(s.ledgerH.Adjust))

	// Messages
	mux.Handle("POST /api/messages", inFamily(s.messageH.Send))
	mux.Handle("GET /api/messages", inFamily(s.messageH.List))
	mux.HandleFunc("GET /api/messages/unread-count", s.messageH.UnreadCount)
	mux.Handle("POST /api/messages/read-all", inFamily(s.messageH.MarkAllRead))
	mux.Handle("POST /api/messages/{id}/read", inFamily(s.messageH.MarkRead))
	mux.Handle("DELETE /api/messages/{id}", inFamily(s.messageH.Delete))

	// Activity feed
	mux.HandleFunc("GET /ws", feed.HandleWebSocket(s.hub, s.logger.With("component", "feed")))
}
