// Package ws serves the browser-facing WebSocket for a live conversation.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatHandler "github.com/zhouzirui/handover-chat/backend/internal/handler/chat"
	chatService "github.com/zhouzirui/handover-chat/backend/internal/service/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// 客户端发来的消息类型
const (
	TypeText       = "text"
	TypeReturn     = "return"
	TypeCloseEmbed = "closeEmbed"
	TypeReset      = "reset"
)

// 服务端推送的消息类型
const (
	TypeSnapshot = "snapshot"
	TypeUpdate   = "update"
	TypeError    = "error"
)

// InboundMessage 客户端消息
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextMessage 是 text 消息的 data
type TextMessage struct {
	Text string `json:"text"`
}

// OutgoingMessage 服务端消息
type OutgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Handler WebSocket会话处理器
type Handler struct {
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// client serializes writes; gorilla allows one concurrent writer.
type client struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *client) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(OutgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *client) sendError(message string) {
	if err := c.send(TypeError, map[string]string{"message": message}); err != nil {
		log.Printf("[ws] write error failed: %v", err)
	}
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	o, err := h.chatSvc.Session(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{conn: conn, sessionID: sessionID}

	snap, updates, unsubscribe, err := o.Subscribe(ctx)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	defer unsubscribe()

	log.Printf("[ws] new connection for session: %s", sessionID)
	if err := c.send(TypeSnapshot, chatHandler.NewSessionView(snap)); err != nil {
		log.Printf("[ws] write snapshot failed: %v", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.writeLoop(ctx, cancel, c, o, updates)

	for {
		var msg InboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if ctx.Err() != nil {
			return
		}
		h.handleMessage(ctx, c, o, msg)
	}
}

// writeLoop forwards updates and keeps the connection alive. A closed update
// stream means either the client fell behind, answered with a fresh snapshot,
// or the session was disposed.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, c *client, o *handover.Orchestrator, updates <-chan handover.Update) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				cancel()
				return
			}
		case u, ok := <-updates:
			if !ok {
				next, err := h.resync(ctx, c, o)
				if err != nil {
					c.sendError("session closed")
					cancel()
					c.mu.Lock()
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
						time.Now().Add(writeTimeout))
					c.mu.Unlock()
					return
				}
				updates = next
				continue
			}
			if err := c.send(TypeUpdate, u); err != nil {
				log.Printf("[ws] write update failed: %v", err)
				cancel()
				return
			}
		}
	}
}

// resync subscribes again after the update stream was dropped and sends the
// client a fresh snapshot. The subscription ends with ctx.
func (h *Handler) resync(ctx context.Context, c *client, o *handover.Orchestrator) (<-chan handover.Update, error) {
	snap, updates, unsubscribe, err := o.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	log.Printf("[ws] session %s: resyncing lagging client", c.sessionID)
	if err := c.send(TypeSnapshot, chatHandler.NewSessionView(snap)); err != nil {
		return nil, err
	}
	return updates, nil
}

func (h *Handler) handleMessage(ctx context.Context, c *client, o *handover.Orchestrator, msg InboundMessage) {
	var err error
	switch msg.Type {
	case TypeText:
		var text TextMessage
		if jsonErr := json.Unmarshal(msg.Data, &text); jsonErr != nil {
			c.sendError("invalid text payload")
			return
		}
		err = o.SendText(ctx, text.Text)
	case TypeReturn:
		err = o.ReturnToBot(ctx)
	case TypeCloseEmbed:
		err = o.CloseEmbeddedPage(ctx)
	case TypeReset:
		err = o.ResetTranscript(ctx)
	default:
		c.sendError("unsupported message type: " + msg.Type)
		return
	}

	if err != nil {
		if !errors.Is(err, handover.ErrEmptyMessage) && !errors.Is(err, handover.ErrNotConnected) {
			log.Printf("[ws] session %s: %s failed: %v", c.sessionID, msg.Type, err)
		}
		c.sendError(err.Error())
	}
}
