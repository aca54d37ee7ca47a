package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/handover-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/handover-chat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/handover-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/handover-chat/backend/internal/service/chat"
	"github.com/zhouzirui/handover-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the conversation hub.
func NewRouter(chatSvc *chatService.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": chatSvc.Len(),
		})
	})

	chatHandler := chat.New(chatSvc)
	streamHandler := stream.New(chatSvc)
	wsHandler := ws.New(chatSvc)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)

		// 两种推送方式：SSE 和 WebSocket，客户端任选其一
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
