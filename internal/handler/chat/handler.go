package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/handover-chat/backend/internal/service/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/export"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
	"github.com/zhouzirui/handover-chat/backend/pkg/utils"
)

// Handler 会话相关的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	loc     *time.Location
	now     func() time.Time
}

// New 创建会话处理器，导出文本使用服务器本地时区
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc, loc: time.Local, now: time.Now}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleOpenSession)
	r.Route("/session/{sessionID}", func(s chi.Router) {
		s.Get("/", h.handleSnapshot)
		s.Post("/messages", h.handleSendMessage)
		s.Post("/return", h.handleReturnToBot)
		s.Delete("/embed", h.handleCloseEmbed)
		s.Delete("/transcript", h.handleResetTranscript)
		s.Get("/transcript/export", h.handleExport)
	})
}

// SessionView 是会话快照的对外形态
type SessionView struct {
	SessionID      string       `json:"sessionId"`
	UserID         string       `json:"userId"`
	Mode           chat.Mode    `json:"mode"`
	BotConnected   bool         `json:"botConnected"`
	AgentConnected bool         `json:"agentConnected"`
	Queued         int          `json:"queued"`
	Typing         bool         `json:"typing"`
	EmbedURL       string       `json:"embedUrl,omitempty"`
	Entries        []chat.Entry `json:"entries"`
}

// NewSessionView 展开快照
func NewSessionView(s handover.Snapshot) SessionView {
	entries := s.Entries
	if entries == nil {
		entries = []chat.Entry{}
	}
	return SessionView{
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		Mode:           s.Status.Mode,
		BotConnected:   s.Status.BotConnected,
		AgentConnected: s.Status.AgentConnected,
		Queued:         s.Status.Queued,
		Typing:         s.Status.Typing,
		EmbedURL:       s.Status.EmbedURL,
		Entries:        entries,
	}
}

// handleOpenSession 打开（或复用）一个会话
func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProfileID string           `json:"profileId"`
		User      chat.UserProfile `json:"user"`
	}

	// 允许空请求体：匿名访客
	if err := utils.DecodeJSON(w, r, &payload, true); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.chatSvc.OpenSession(r.Context(), payload.ProfileID, payload.User)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	snap, err := o.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	id := o.Identity()
	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"profileId": id.ProfileID,
		"userId":    id.UserID,
		"sessionId": id.SessionID,
		"mode":      snap.Status.Mode,
	})
}

// handleSnapshot 返回会话当前状态和完整记录
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := o.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, NewSessionView(snap))
}

// handleSendMessage 发送用户消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(w, r, &payload, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := o.SendText(r.Context(), payload.Text); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleReturnToBot 用户主动回到机器人
func (h *Handler) handleReturnToBot(w http.ResponseWriter, r *http.Request) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := o.ReturnToBot(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}
	snap, err := o.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"mode": snap.Status.Mode})
}

func (h *Handler) handleCloseEmbed(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, func(ctx context.Context, o *handover.Orchestrator) error {
		return o.CloseEmbeddedPage(ctx)
	})
}

func (h *Handler) handleResetTranscript(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, func(ctx context.Context, o *handover.Orchestrator) error {
		return o.ResetTranscript(ctx)
	})
}

// handleExport 以纯文本附件导出聊天记录
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := o.Snapshot(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if len(snap.Entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := export.Render(snap.Entries, h.loc)
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(h.now())+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (h *Handler) noContent(w http.ResponseWriter, r *http.Request, fn func(context.Context, *handover.Orchestrator) error) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), o); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*handover.Orchestrator, bool) {
	o, err := h.chatSvc.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return nil, false
	}
	return o, true
}

// respondServiceError 把领域错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, handover.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, handover.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, chatService.ErrSessionNotFound), errors.Is(err, handover.ErrDisposed):
		status = http.StatusNotFound
	case errors.Is(err, chatService.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	utils.RespondError(w, status, err.Error())
}
