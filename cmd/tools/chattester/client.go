package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	chatHandler "github.com/zhouzirui/handover-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
)

// client talks to a running backend over REST and the session WebSocket.
type client struct {
	baseURL string
	http    *http.Client
	conn    *websocket.Conn
}

type openedSession struct {
	ProfileID string    `json:"profileId"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Mode      chat.Mode `json:"mode"`
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) open(ctx context.Context, profileID string, user chat.UserProfile) (openedSession, error) {
	body, err := json.Marshal(map[string]any{"profileId": profileID, "user": user})
	if err != nil {
		return openedSession{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", bytes.NewReader(body))
	if err != nil {
		return openedSession{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return openedSession{}, fmt.Errorf("open session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return openedSession{}, fmt.Errorf("open session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var opened openedSession
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return openedSession{}, fmt.Errorf("decode session: %w", err)
	}
	return opened, nil
}

func (c *client) follow(ctx context.Context, sessionID string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/" + url.PathEscape(sessionID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c.conn = conn
	return nil
}

func (c *client) command(msgType string, data any) error {
	msg := map[string]any{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	return c.conn.WriteJSON(msg)
}

func (c *client) exportTranscript(ctx context.Context, sessionID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/session/"+url.PathEscape(sessionID)+"/transcript/export", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("export: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return data, name, nil
}

func (c *client) close() {
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}

// 推送给 UI 的消息
type (
	snapshotMsg  chatHandler.SessionView
	updateMsg    handover.Update
	serverErrMsg string
	closedMsg    struct{ err error }
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeEnvelope turns one server frame into a UI message.
func decodeEnvelope(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case ws.TypeSnapshot:
		var view chatHandler.SessionView
		if err := json.Unmarshal(env.Data, &view); err != nil {
			return nil, err
		}
		return snapshotMsg(view), nil
	case ws.TypeUpdate:
		var u handover.Update
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return nil, err
		}
		return updateMsg(u), nil
	case ws.TypeError:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &body)
		return serverErrMsg(body.Message), nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// readLoop forwards server frames until the socket closes.
func (c *client) readLoop(out chan<- any) {
	defer close(out)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			out <- closedMsg{err: err}
			return
		}
		msg, err := decodeEnvelope(raw)
		if err != nil {
			out <- serverErrMsg("bad frame: " + err.Error())
			continue
		}
		out <- msg
	}
}
