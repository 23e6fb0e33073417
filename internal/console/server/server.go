package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agentpay-gate/internal/console/handler"
	"github.com/xela07ax/agentpay-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// Scopes токенов ревьюеров
const (
	ScopeRulesWrite      = "rules.write"
	ScopeApprovalsDecide = "approvals.decide"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenValidator

	ruleHandler     *handler.RuleHandler     // /v1/rules
	approvalHandler *handler.ApprovalHandler // /v1/approvals, /v1/decisions
	auditHandler    *handler.AuditHandler    // /v1/audit
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	ruleH *handler.RuleHandler,
	approvalH *handler.ApprovalHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		ruleHandler:     ruleH,
		approvalHandler: approvalH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Правила и назначения
		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.ruleHandler.List)
			r.With(auth.RequireScope(ScopeRulesWrite)).Post("/", s.ruleHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.ruleHandler.Get)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopeRulesWrite))
					r.Put("/", s.ruleHandler.Update)
					r.Delete("/", s.ruleHandler.Delete)
					r.Post("/assignments", s.ruleHandler.Assign)
					r.Delete("/assignments/{userID}", s.ruleHandler.Unassign)
				})
			})
		})
		r.Get("/v1/assignments", s.ruleHandler.Assignments)

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.Queue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.With(auth.RequireScope(ScopeApprovalsDecide)).Post("/decide", s.approvalHandler.Decide) // + Redis Publish
			})
		})

		// История решений и траты
		r.Get("/v1/decisions", s.approvalHandler.History)
		r.Get("/v1/decisions/{id}", s.approvalHandler.GetDetails)
		r.Get("/v1/users/{userID}/spend", s.approvalHandler.Spend)

		// Платежный аудит
		r.Get("/v1/audit", s.auditHandler.GetLogs)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
