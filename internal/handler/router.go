package handler

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-relay/backend/internal/auth"
	"github.com/zhouzirui/z-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/z-relay/backend/internal/handler/persona"
	"github.com/zhouzirui/z-relay/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/z-relay/backend/internal/middleware"
	personaModel "github.com/zhouzirui/z-relay/backend/internal/model/persona"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/restore"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Deps 路由需要的核心服务
type Deps struct {
	Personas personaModel.Store
	ChatSvc  *chatService.Service
	Sessions *session.Coordinator
	Restorer *restore.Strategy
	Auth     *auth.JWTService
	// Metrics 提供 /metrics，nil 时使用默认的 Prometheus gatherer
	Metrics http.Handler
	// Ready 为 /healthz 报告存储健康状态，nil 表示始终就绪
	Ready func(ctx context.Context) error
}

// NewRouter 将 HTTP 路由连接到核心服务
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				log.Printf("[http] health check failed: %v", err)
				utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	personaHandler := persona.New(deps.Personas)
	chatHandler := chat.New(deps.ChatSvc)
	streamHandler := stream.New(deps.Sessions, deps.Restorer, deps.ChatSvc)

	r.Route("/api", func(api chi.Router) {
		// persona 列表无需登录
		personaHandler.RegisterRoutes(api)

		api.Group(func(protected chi.Router) {
			protected.Use(auth.Middleware(deps.Auth))
			chatHandler.RegisterRoutes(protected)
			streamHandler.RegisterRoutes(protected)
		})
	})

	return r
}
