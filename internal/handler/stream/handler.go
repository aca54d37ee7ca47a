package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	chatHandler "github.com/zhouzirui/handover-chat/backend/internal/handler/chat"
	chatService "github.com/zhouzirui/handover-chat/backend/internal/service/chat"
	"github.com/zhouzirui/handover-chat/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler pushes conversation updates to the browser via Server-Sent Events
type Handler struct {
	chatSvc   *chatService.Service
	heartbeat time.Duration
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc, heartbeat: defaultHeartbeat}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.HandleStream)
}

// HandleStream sends a snapshot event followed by one update event per state change
// until the client goes away or the session is disposed. A stream that falls
// behind gets a new snapshot event and continues from there.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	o, err := h.chatSvc.Session(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx := r.Context()
	snap, updates, cancel, err := o.Subscribe(ctx)
	if err != nil {
		utils.RespondError(w, http.StatusGone, err.Error())
		return
	}
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	log.Printf("[sse] opening stream for session=%s", sessionID)

	if err := utils.SendSSEEvent(w, flusher, "snapshot", chatHandler.NewSessionView(snap)); err != nil {
		log.Printf("[sse] write snapshot: %v", err)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing stream for session=%s", sessionID)
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				// 订阅者落后时被关闭，重新订阅并补发快照
				snap, next, unsubscribe, err := o.Subscribe(ctx)
				if err != nil {
					_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": sessionID})
					return
				}
				defer unsubscribe()
				log.Printf("[sse] resyncing lagging stream for session=%s", sessionID)
				if err := utils.SendSSEEvent(w, flusher, "snapshot", chatHandler.NewSessionView(snap)); err != nil {
					log.Printf("[sse] write snapshot: %v", err)
					return
				}
				updates = next
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, "update", u); err != nil {
				log.Printf("[sse] write update: %v", err)
				return
			}
		}
	}
}
